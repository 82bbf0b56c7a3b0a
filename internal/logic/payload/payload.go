// Package payload turns the raw text of a scanned code into an identity.
//
// The printed codes carry "REGNO FIRST [LAST...]": a registration number
// followed by the person's full name.
package payload

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFormat matches every ParseError via errors.Is.
var ErrInvalidFormat = errors.New("invalid payload format")

// ErrorKind classifies a parse failure.
type ErrorKind int

const (
	InvalidFormat ErrorKind = iota
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidFormat:
		return "InvalidFormat"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ParseError reports a payload that cannot be turned into an IdentityRecord.
type ParseError struct {
	Kind ErrorKind
	Raw  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload %q: %s", e.Raw, e.Kind)
}

// Is makes errors.Is(err, ErrInvalidFormat) hold for InvalidFormat errors.
func (e *ParseError) Is(target error) bool {
	return target == ErrInvalidFormat && e.Kind == InvalidFormat
}

// IdentityRecord is the person a scanned code refers to.
type IdentityRecord struct {
	RegistrationNumber string `json:"registration_number"`
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
}

// FullName returns first and last name joined by a space.
func (r IdentityRecord) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Parse splits raw on whitespace. The first token is the registration
// number, used verbatim; the rest form the name. At least two tokens are
// required.
func Parse(raw string) (IdentityRecord, error) {
	tokens := strings.Fields(raw)
	if len(tokens) < 2 {
		return IdentityRecord{}, &ParseError{Kind: InvalidFormat, Raw: raw}
	}

	name := tokens[1:]
	return IdentityRecord{
		RegistrationNumber: tokens[0],
		FirstName:          name[0],
		LastName:           strings.Join(name[1:], " "),
	}, nil
}
