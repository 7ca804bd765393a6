// internal/room/validate.go
package room

import (
	"errors"
	"regexp"
	"unicode/utf8"
)

// Validation errors for room and participant names.
var (
	ErrNameLength        = errors.New("name must be between 5 and 20 characters")
	ErrNameSpecialChars  = errors.New("name cannot contain spaces or special characters (_.*#/-)")
	ErrNameDigitsOnly    = errors.New("name cannot consist of only numbers")
	ErrNameTooManyDigits = errors.New("name cannot contain more than 3 numbers")
)

var (
	nameForbiddenRe = regexp.MustCompile(`[ _.*#/-]`)
	nameDigitsRe    = regexp.MustCompile(`^[0-9]+$`)
	nameDigitRe     = regexp.MustCompile(`[0-9]`)
)

// ValidateName checks a room or participant display name. This is a
// boundary-layer check: the transition engine accepts any name, so callers
// validate before dispatching.
func ValidateName(name string) error {
	if n := utf8.RuneCountInString(name); n < 5 || n > 20 {
		return ErrNameLength
	}
	if nameForbiddenRe.MatchString(name) {
		return ErrNameSpecialChars
	}
	if nameDigitsRe.MatchString(name) {
		return ErrNameDigitsOnly
	}
	if len(nameDigitRe.FindAllString(name, -1)) > 3 {
		return ErrNameTooManyDigits
	}
	return nil
}
