package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnreachable     = errors.New("unreachable")

	// ErrInvalidTransition is returned for allocation transitions that the
	// rule table does not allow. It matches ErrConflict as well.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrConflict)
)
