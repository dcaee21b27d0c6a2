package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"docket/api/internal/store"
)

const (
	CodeValidation = "VALIDATION_ERROR"
	CodeForbidden  = "FORBIDDEN"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeIntegrity  = "INTEGRITY_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, message, nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

// conflict reports a failed compare-and-set. actual is empty when the record
// moved between the read and the guarded update.
func conflict(message, expected, actual string) *DomainError {
	details := map[string]any{"expected": expected}
	if actual != "" {
		details["actual"] = actual
	}
	return domainError(http.StatusConflict, CodeConflict, message, details)
}

func integrityError(message string, cause error) *DomainError {
	err := domainError(http.StatusInternalServerError, CodeIntegrity, message, nil)
	err.cause = cause
	return err
}

// IsCode reports whether err carries a DomainError with the given code.
func IsCode(err error, code string) bool {
	domainErr := asDomainError(err)
	return domainErr != nil && domainErr.Code == code
}

func asDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// translateStoreError lifts store sentinels into the domain taxonomy.
func translateStoreError(err error, what string) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(what + " not found")
	}
	if errors.Is(err, store.ErrConflict) {
		lost := conflict("a concurrent change took this code first; reload and retry", "unused", "taken")
		lost.cause = err
		return lost
	}
	if errors.Is(err, store.ErrIntegrity) {
		return integrityError(err.Error(), err)
	}
	return err
}
