package sessioncode

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerate_AlwaysSixDigits(t *testing.T) {
	for i := 0; i < 2000; i++ {
		code, err := Generate(nil)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if err := Validate(code); err != nil {
			t.Fatalf("Generate returned %q: %v", code, err)
		}
	}
}

func TestGenerate_PadsLeadingZeros(t *testing.T) {
	// An all-zero entropy source maps to the smallest value in the space.
	code, err := Generate(bytes.NewReader(make([]byte, 64)))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if code != "000000" {
		t.Fatalf("code=%q, want %q", code, "000000")
	}
}

func TestGenerate_PropagatesEntropyFailure(t *testing.T) {
	if _, err := Generate(bytes.NewReader(nil)); err == nil {
		t.Fatalf("expected error from empty entropy source")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		code string
		ok   bool
	}{
		{"123456", true},
		{"000000", true},
		{"12345", false},
		{"1234567", false},
		{"12a456", false},
		{"12 456", false},
		{"", false},
		{"١٢٣٤٥٦", false},
	}
	for _, tc := range cases {
		err := Validate(tc.code)
		if tc.ok && err != nil {
			t.Fatalf("Validate(%q)=%v, want nil", tc.code, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalid) {
			t.Fatalf("Validate(%q)=%v, want ErrInvalid", tc.code, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  042042\n"); got != "042042" {
		t.Fatalf("Normalize=%q, want %q", got, "042042")
	}
}
