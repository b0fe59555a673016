package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for store operations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
	ErrConflict  = errors.New("conflict")
)

// IllegalTransitionError reports a rejected state-machine transition.
type IllegalTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}
