package macaddr

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"colon form uppercase", "00:11:62:12:34:56", "00:11:62:12:34:56", false},
		{"colon form lowercase", "aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF", false},
		{"dot form", "00.11.62.12.34.56", "00:11:62:12:34:56", false},
		{"bare hex", "001162123456", "00:11:62:12:34:56", false},
		{"mixed case dot form", "aA.Bb.cC.Dd.Ee.fF", "AA:BB:CC:DD:EE:FF", false},
		{"surrounding whitespace", "  00:11:62:12:34:56 ", "00:11:62:12:34:56", false},
		{"empty", "", "", true},
		{"too short", "00:11:62", "", true},
		{"too long", "00:11:62:12:34:56:78", "", true},
		{"non-hex digits", "00:11:62:12:34:5G", "", true},
		{"dash separators", "00-11-62-12-34-56", "", true},
		{"garbage", "not a mac", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Normalize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Normalize(%q) error %v is not ErrInvalid", tt.in, err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{"00.11.62.12.34.56", "aa:bb:cc:dd:ee:ff", "001162ABCDEF"}
	for _, in := range inputs {
		once, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		twice, err := Normalize(once)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", once, err)
		}
		if once != twice {
			t.Errorf("normalize not idempotent: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestToDots(t *testing.T) {
	t.Parallel()

	if got := ToDots("00:11:62:12:34:56"); got != "00.11.62.12.34.56" {
		t.Errorf("ToDots = %q", got)
	}
}
