package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Filament errors.
	ErrFilamentNotFound = errors.New("filament not found")
	ErrFilamentExists   = errors.New("filament already exists")

	// Report errors.
	ErrMalformedReport = errors.New("malformed device report")
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
