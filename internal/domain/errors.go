package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrOrderNotFound     = errors.New("order not found")
	ErrCustomerNotFound  = errors.New("customer not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrTransientStore    = errors.New("transient store error")
	ErrTransientProvider = errors.New("transient provider error")
	ErrPermanentProvider = errors.New("permanent provider error")
	ErrDeliveryExhausted = errors.New("delivery attempts exhausted")
	ErrPaymentConflict   = errors.New("order already has a succeeded payment")
)

// ValidationError describes a rejected input field. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore) || errors.Is(err, ErrTransientProvider)
}
