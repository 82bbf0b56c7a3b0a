// Package store persists attendance records keyed by registration number.
//
// Every implementation maps its backend's "no such row" signal to
// ErrNotFound and its uniqueness violation to ErrConflict, so the workflow
// can tell an expected miss from a real failure.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by FindByKey when no record exists.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by Insert when the key is already taken.
	ErrConflict = errors.New("record already exists")
	// ErrUnavailable marks failures to reach the backend.
	ErrUnavailable = errors.New("store unavailable")
)

// Record is one attendance mark.
type Record struct {
	RegistrationNumber string    `json:"registration_number"`
	FirstName          string    `json:"first_name"`
	LastName           string    `json:"last_name"`
	MarkedAt           time.Time `json:"marked_at,omitempty"`
}

// Store is the persistence service. Implementations are safe for
// concurrent use.
type Store interface {
	FindByKey(ctx context.Context, registrationNumber string) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
