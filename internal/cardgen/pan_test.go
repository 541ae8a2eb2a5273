package cardgen

import (
	"strings"
	"testing"
)

func TestGeneratePAN(t *testing.T) {
	pan, err := GeneratePAN("453201", "")
	if err != nil {
		t.Fatalf("GeneratePAN: %v", err)
	}
	if len(pan) != 16 {
		t.Fatalf("pan length = %d want 16", len(pan))
	}
	if !strings.HasPrefix(pan, "453201") {
		t.Fatalf("pan %s does not start with bin", pan)
	}
	if err := ValidatePAN(pan); err != nil {
		t.Fatalf("generated pan fails validation: %v", err)
	}
}

func TestGeneratePANSequence(t *testing.T) {
	pan, err := GeneratePAN("453201", "0042")
	if err != nil {
		t.Fatalf("GeneratePAN: %v", err)
	}
	// Sequence sits right before the check digit.
	if got := pan[len(pan)-5 : len(pan)-1]; got != "0042" {
		t.Fatalf("sequence digits = %s want 0042", got)
	}
	if err := ValidatePAN(pan); err != nil {
		t.Fatalf("generated pan fails validation: %v", err)
	}
}

func TestGeneratePANRejectsBadInput(t *testing.T) {
	if _, err := GeneratePAN("12345", ""); err == nil {
		t.Fatal("expected error for 5 digit bin")
	}
	if _, err := GeneratePAN("453201", "12x"); err == nil {
		t.Fatal("expected error for non-numeric sequence")
	}
	if _, err := GeneratePAN("453201", "1234567890"); err == nil {
		t.Fatal("expected error for oversized sequence")
	}
}

func TestValidatePAN(t *testing.T) {
	cases := []struct {
		pan string
		ok  bool
	}{
		{"4532015112830366", true},
		{"4532015112830367", false}, // wrong check digit
		{"453201511283036a", false},
		{"123456789012", false}, // too short
		{"", false},
	}
	for _, c := range cases {
		err := ValidatePAN(c.pan)
		if (err == nil) != c.ok {
			t.Fatalf("ValidatePAN(%q) ok=%v got err=%v", c.pan, c.ok, err)
		}
	}
}

func TestMaskPAN(t *testing.T) {
	cases := []struct{ in, want string }{
		{"4532015112830366", "453201******0366"},
		{"4532 0151 1283 0366", "453201******0366"},
		{"12345678", "****5678"},
		{"123", "***"},
		{"", ""},
	}
	for _, c := range cases {
		if got := MaskPAN(c.in); got != c.want {
			t.Fatalf("MaskPAN(%q) = %q want %q", c.in, got, c.want)
		}
	}
}
