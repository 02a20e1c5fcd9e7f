// Package names implements the rules for player display names.
package names

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const MaxLength = 32

var (
	ErrEmpty        = errors.New("name is empty")
	ErrTooLong      = errors.New("name is too long")
	ErrInvalidChars = errors.New("name contains invalid characters")
	ErrReserved     = errors.New("name is reserved")
	ErrInvalidUTF8  = errors.New("name is not valid UTF-8")
)

// Names used by the server itself in chat and logs.
var reserved = []string{"server", "host", "admin"}

// Validate checks that name may be used as a display name.
func Validate(name string) error {
	if !utf8.ValidString(name) {
		return ErrInvalidUTF8
	}
	if strings.TrimSpace(name) == "" {
		return ErrEmpty
	}
	if utf8.RuneCountInString(name) > MaxLength {
		return ErrTooLong
	}
	for _, r := range name {
		if unicode.IsControl(r) || !unicode.IsPrint(r) {
			return ErrInvalidChars
		}
	}
	if name != strings.TrimSpace(name) {
		return ErrInvalidChars
	}

	normalized := Normalize(name)
	for _, r := range reserved {
		if normalized == Normalize(r) {
			return ErrReserved
		}
	}
	return nil
}

// confusables maps characters frequently used to impersonate another player to
// the Latin letter they resemble after case folding.
var confusables = map[rune]rune{
	'0': 'o', '1': 'l', 'i': 'l', '|': 'l', '!': 'l',
	'3': 'e', '4': 'a', '@': 'a', '5': 's', '$': 's', '7': 't', '8': 'b',
	// Cyrillic
	'а': 'a', 'в': 'b', 'е': 'e', 'к': 'k', 'м': 'm', 'н': 'h', 'о': 'o',
	'р': 'p', 'с': 'c', 'т': 't', 'у': 'y', 'х': 'x', 'ѕ': 's', 'і': 'l',
	// Greek
	'α': 'a', 'β': 'b', 'ε': 'e', 'ι': 'l', 'κ': 'k', 'ν': 'v', 'ο': 'o',
	'ρ': 'p', 'τ': 't', 'υ': 'u', 'χ': 'x',
}

var folder = cases.Fold()

// Normalize reduces name to a canonical form in which names that look alike
// compare equal: compatibility decomposition, case folding, confusable
// substitution and removal of whitespace.
func Normalize(name string) string {
	folded := folder.String(norm.NFKC.String(name))

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsSpace(r) || unicode.Is(unicode.Mn, r) {
			continue
		}
		if c, ok := confusables[r]; ok {
			r = c
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Collides reports whether two names are indistinguishable to other players.
func Collides(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
