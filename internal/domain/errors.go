package domain

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies adapter faults for callers and monitoring
type ErrorCategory string

const (
	CategoryTransientNetwork     ErrorCategory = "transient_network"
	CategoryAuthentication       ErrorCategory = "authentication"
	CategoryConfiguration        ErrorCategory = "configuration"
	CategoryUnsupportedOperation ErrorCategory = "unsupported_operation"
)

var (
	// ErrTransientNetwork covers timeouts, refused connections and rate limiting.
	// Retryable with bounded backoff.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrAuthentication is a credential rejected by equipment or protocol. Terminal.
	ErrAuthentication = errors.New("authentication error")
	// ErrConfiguration is a missing/malformed credential or unknown equipment type
	ErrConfiguration = errors.New("configuration error")
	// ErrUnsupportedOperation is an operation outside SupportedFeatures
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// AdapterError carries the category plus the equipment and operation it came from
type AdapterError struct {
	Category    ErrorCategory
	EquipmentID string
	Op          string
	Err         error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.EquipmentID, e.Op, e.Category)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.EquipmentID, e.Op, e.Category, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Is matches the category sentinel so errors.Is(err, ErrAuthentication) works
func (e *AdapterError) Is(target error) bool {
	return target == e.Category.Sentinel()
}

// Sentinel returns the sentinel error for the category
func (c ErrorCategory) Sentinel() error {
	switch c {
	case CategoryTransientNetwork:
		return ErrTransientNetwork
	case CategoryAuthentication:
		return ErrAuthentication
	case CategoryConfiguration:
		return ErrConfiguration
	case CategoryUnsupportedOperation:
		return ErrUnsupportedOperation
	}
	return nil
}

func newAdapterError(cat ErrorCategory, equipmentID, op string, err error) *AdapterError {
	return &AdapterError{Category: cat, EquipmentID: equipmentID, Op: op, Err: err}
}

func NewTransientError(equipmentID, op string, err error) *AdapterError {
	return newAdapterError(CategoryTransientNetwork, equipmentID, op, err)
}

func NewAuthenticationError(equipmentID, op string, err error) *AdapterError {
	return newAdapterError(CategoryAuthentication, equipmentID, op, err)
}

func NewConfigurationError(equipmentID, op string, err error) *AdapterError {
	return newAdapterError(CategoryConfiguration, equipmentID, op, err)
}

func NewUnsupportedError(equipmentID, op string) *AdapterError {
	return newAdapterError(CategoryUnsupportedOperation, equipmentID, op, nil)
}

// CategoryOf returns the category of err, or "" when it was never classified
func CategoryOf(err error) ErrorCategory {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Category
	}
	switch {
	case errors.Is(err, ErrTransientNetwork):
		return CategoryTransientNetwork
	case errors.Is(err, ErrAuthentication):
		return CategoryAuthentication
	case errors.Is(err, ErrConfiguration):
		return CategoryConfiguration
	case errors.Is(err, ErrUnsupportedOperation):
		return CategoryUnsupportedOperation
	}
	return ""
}
