package idcodec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// Layout describes a rectangular well plate. Wells are numbered column-major
// starting at 1: A1, B1, ... H1, A2, ...
type Layout struct {
	Rows    int
	Columns int
}

// Plate96 is the 8 x 12 plate used by the reference deployment.
var Plate96 = Layout{Rows: 8, Columns: 12}

// Size returns the number of wells on the plate.
func (l Layout) Size() int { return l.Rows * l.Columns }

// PositionFromIndex maps a 1-based linear index to "<RowLetter><Column>".
func (l Layout) PositionFromIndex(n int) (string, error) {
	if l.Rows < 1 || l.Rows > 26 || l.Columns < 1 {
		return "", fmt.Errorf("%w: invalid plate layout %dx%d", apperr.ErrRange, l.Rows, l.Columns)
	}
	if n < 1 || n > l.Size() {
		return "", fmt.Errorf("%w: well index %d not in [1, %d]", apperr.ErrRange, n, l.Size())
	}
	row := (n - 1) % l.Rows
	col := (n-1)/l.Rows + 1
	return string(rune('A'+row)) + strconv.Itoa(col), nil
}

// IndexFromPosition is the inverse of PositionFromIndex. Leading zeros in the
// column are accepted.
func (l Layout) IndexFromPosition(pos string) (int, error) {
	norm, err := NormalizePosition(pos)
	if err != nil {
		return 0, err
	}
	if len(norm) < 2 || norm[0] < 'A' || norm[0] > 'Z' {
		return 0, fmt.Errorf("%w: %q is not a row letter and column", apperr.ErrValidation, pos)
	}
	row := int(norm[0] - 'A')
	col, err := strconv.Atoi(norm[1:])
	if err != nil {
		return 0, fmt.Errorf("%w: %q has no numeric column", apperr.ErrValidation, pos)
	}
	if row >= l.Rows || col < 1 || col > l.Columns {
		return 0, fmt.Errorf("%w: %q is outside a %dx%d plate", apperr.ErrRange, pos, l.Rows, l.Columns)
	}
	return (col-1)*l.Rows + row + 1, nil
}

// WellPositionFromIndex maps an index on a 96-well plate to its position.
func WellPositionFromIndex(n int) (string, error) {
	return Plate96.PositionFromIndex(n)
}

// WellIndexFromPosition maps a 96-well plate position to its index.
func WellIndexFromPosition(pos string) (int, error) {
	return Plate96.IndexFromPosition(pos)
}

// NormalizePosition canonicalises a free-text well position for collision
// checks: surrounding space is trimmed, letters are upper-cased and leading
// zeros of the trailing number are removed, so "g04" and "G4" compare equal.
// Positions without a trailing number are only trimmed and upper-cased.
func NormalizePosition(pos string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(pos))
	if p == "" {
		return "", fmt.Errorf("%w: empty well position", apperr.ErrRange)
	}

	i := len(p)
	for i > 0 && p[i-1] >= '0' && p[i-1] <= '9' {
		i--
	}
	prefix, digits := p[:i], p[i:]
	if digits == "" {
		return p, nil
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	return prefix + digits, nil
}

// SamePosition reports whether two positions name the same well.
func SamePosition(a, b string) bool {
	na, errA := NormalizePosition(a)
	nb, errB := NormalizePosition(b)
	if errA != nil || errB != nil {
		return false
	}
	return na == nb
}
