package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/diwise/restless/pkg/schema"
)

var ErrNotFound = errors.New("entity not found")
var ErrIntegrity = errors.New("integrity constraint violation")

// Session is a unit-of-work. Entities added to a session are persisted
// atomically by Commit. After a failed Commit the caller must Rollback,
// which leaves the session clean and usable for the next unit-of-work.
type Session interface {
	Add(ctx context.Context, entity *schema.Entity) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// Get loads an entity by primary key, the key must already be of the
	// Go type that matches the primary key kind
	Get(ctx context.Context, d *schema.Descriptor, id any) (*schema.Entity, error)
}

// IntegrityError describes a violated constraint
type IntegrityError struct {
	Constraint string
	Detail     string
	cause      error
}

func NewIntegrityError(constraint, detail string, cause error) *IntegrityError {
	return &IntegrityError{Constraint: constraint, Detail: detail, cause: cause}
}

func (ie *IntegrityError) Error() string {
	if ie.Constraint == "" {
		return fmt.Sprintf("integrity constraint violation: %s", ie.Detail)
	}
	return fmt.Sprintf("%s constraint violation: %s", ie.Constraint, ie.Detail)
}

func (ie *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

func (ie *IntegrityError) Unwrap() error {
	return ie.cause
}

// IsIntegrityViolation returns true if err is, or wraps, an integrity violation
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
