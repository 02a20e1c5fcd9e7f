package names

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		name    string
		wantErr error
	}{
		"simple":             {name: "Jacob Jacoby", wantErr: nil},
		"unicode":            {name: "Grüße", wantErr: nil},
		"empty":              {name: "", wantErr: ErrEmpty},
		"whitespace_only":    {name: "   ", wantErr: ErrEmpty},
		"too_long":           {name: strings.Repeat("a", MaxLength+1), wantErr: ErrTooLong},
		"control_character":  {name: "bad\x07name", wantErr: ErrInvalidChars},
		"leading_space":      {name: " padded", wantErr: ErrInvalidChars},
		"reserved":           {name: "SERVER", wantErr: ErrReserved},
		"reserved_lookalike": {name: "Serv3r", wantErr: ErrReserved},
		"invalid_utf8":       {name: "\xff\xfe", wantErr: ErrInvalidUTF8},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if err := Validate(tt.name); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected error = %v, got = %v", tt.wantErr, err)
			}
		})
	}
}

func TestCollides(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Captain", "captain", true},
		{"Captain", "CAPTA1N", true},
		{"Sam", "Ѕаm", true}, // Cyrillic Dze and A
		{"Robert", "R o b e r t", true},
		{"ﬁsh", "fish", true}, // ligature
		{"Alice", "Bob", false},
		{"Sam", "Samuel", false},
	}
	for _, tt := range tests {
		if got := Collides(tt.a, tt.b); got != tt.want {
			t.Errorf("Collides(%q, %q) want = %v, got = %v", tt.a, tt.b, tt.want, got)
		}
	}
}
