package idcodec

import (
	"errors"
	"testing"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

func TestWellPositionFromIndex(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "A1"},
		{8, "H1"},
		{9, "A2"},
		{10, "B2"},
		{89, "A12"},
		{96, "H12"},
	}
	for _, tt := range tests {
		got, err := WellPositionFromIndex(tt.n)
		if err != nil {
			t.Fatalf("WellPositionFromIndex(%d): unexpected error: %v", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("WellPositionFromIndex(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestWellPositionFromIndex_OutOfRange(t *testing.T) {
	for _, n := range []int{0, -1, 97} {
		if _, err := WellPositionFromIndex(n); !errors.Is(err, apperr.ErrRange) {
			t.Errorf("WellPositionFromIndex(%d): expected ErrRange, got %v", n, err)
		}
	}
}

func TestWellPosition_ColumnMajorOrder(t *testing.T) {
	prev := 0
	for n := 1; n <= Plate96.Size(); n++ {
		pos, err := WellPositionFromIndex(n)
		if err != nil {
			t.Fatalf("unexpected error at %d: %v", n, err)
		}
		idx, err := WellIndexFromPosition(pos)
		if err != nil {
			t.Fatalf("unexpected error parsing %q: %v", pos, err)
		}
		if idx != n {
			t.Errorf("round trip of %d gave %d via %q", n, idx, pos)
		}
		if idx <= prev {
			t.Errorf("expected strictly increasing indexes, %d after %d", idx, prev)
		}
		prev = idx
	}
}

func TestWellIndexFromPosition_Invalid(t *testing.T) {
	tests := []struct {
		pos  string
		kind error
	}{
		{"", apperr.ErrRange},
		{"I1", apperr.ErrRange},
		{"A13", apperr.ErrRange},
		{"A0", apperr.ErrRange},
		{"12", apperr.ErrValidation},
		{"AB", apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.pos, func(t *testing.T) {
			if _, err := WellIndexFromPosition(tt.pos); !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestNormalizePosition(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"G4", "G4"},
		{"G04", "G4"},
		{" g004 ", "G4"},
		{"A10", "A10"},
		{"H00", "H0"},
		{"pending", "PENDING"},
	}
	for _, tt := range tests {
		got, err := NormalizePosition(tt.in)
		if err != nil {
			t.Fatalf("NormalizePosition(%q): unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("NormalizePosition(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizePosition_Empty(t *testing.T) {
	for _, in := range []string{"", "   "} {
		if _, err := NormalizePosition(in); !errors.Is(err, apperr.ErrRange) {
			t.Errorf("NormalizePosition(%q): expected ErrRange, got %v", in, err)
		}
	}
}

func TestSamePosition(t *testing.T) {
	if !SamePosition("G04", "G4") {
		t.Error("expected G04 and G4 to be the same well")
	}
	if SamePosition("G4", "G40") {
		t.Error("expected G4 and G40 to differ")
	}
	if SamePosition("", "") {
		t.Error("expected empty positions to never match")
	}
}
