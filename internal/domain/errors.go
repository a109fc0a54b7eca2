package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrForbidden    = errors.New("forbidden")

	// ErrConfirmationRequired is returned when a destructive provider operation
	// is requested without explicit confirmation. It is a validation error.
	ErrConfirmationRequired = fmt.Errorf("%w: confirmation required", ErrValidation)
)
