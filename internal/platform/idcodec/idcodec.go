// Package idcodec converts between integers and the fixed-width strings used
// for accession IDs and well positions.
package idcodec

import (
	"fmt"
	"math"
	"strings"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// Alphabet holds the digits used for every base up to 36.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// ToBaseN renders value in the given base, left-padded with zeros to
// minDigits. It fails when the value needs more than minDigits digits.
func ToBaseN(value uint64, base, minDigits int) (string, error) {
	if base < 2 || base > len(Alphabet) {
		return "", fmt.Errorf("%w: base %d not in [2, %d]", apperr.ErrRange, base, len(Alphabet))
	}
	if minDigits < 1 {
		return "", fmt.Errorf("%w: minDigits must be positive, got %d", apperr.ErrRange, minDigits)
	}

	var buf [64]byte
	i := len(buf)
	b := uint64(base)
	for v := value; ; {
		i--
		buf[i] = Alphabet[v%b]
		v /= b
		if v == 0 {
			break
		}
	}
	digits := len(buf) - i
	if digits > minDigits {
		return "", fmt.Errorf("%w: %d needs %d base-%d digits, only %d available", apperr.ErrRange, value, digits, base, minDigits)
	}
	return strings.Repeat("0", minDigits-digits) + string(buf[i:]), nil
}

// ToBaseNInt is ToBaseN for signed input; negative values are rejected.
func ToBaseNInt(value int64, base, minDigits int) (string, error) {
	if value < 0 {
		return "", fmt.Errorf("%w: negative value %d", apperr.ErrRange, value)
	}
	return ToBaseN(uint64(value), base, minDigits)
}

// FromBaseN parses s as a base-N number. Letters are case-insensitive.
func FromBaseN(s string, base int) (uint64, error) {
	if base < 2 || base > len(Alphabet) {
		return 0, fmt.Errorf("%w: base %d not in [2, %d]", apperr.ErrRange, base, len(Alphabet))
	}
	if s == "" {
		return 0, fmt.Errorf("%w: empty base-%d string", apperr.ErrValidation, base)
	}
	var v uint64
	b := uint64(base)
	for _, r := range strings.ToUpper(s) {
		d := strings.IndexRune(Alphabet, r)
		if d < 0 || d >= base {
			return 0, fmt.Errorf("%w: %q is not a base-%d digit", apperr.ErrValidation, r, base)
		}
		if v > (math.MaxUint64-uint64(d))/b {
			return 0, fmt.Errorf("%w: %q overflows 64 bits", apperr.ErrRange, s)
		}
		v = v*b + uint64(d)
	}
	return v, nil
}

// DigitsFor returns how many base-N digits are needed to write every value
// in [0, limit]. For 4294967295 in base 20 that is 8.
func DigitsFor(limit uint64, base int) int {
	if base < 2 {
		return 0
	}
	n := 1
	for v := limit / uint64(base); v > 0; v /= uint64(base) {
		n++
	}
	return n
}
