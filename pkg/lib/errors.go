package lib

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by the client, check them with [errors.Is].
var (
	ErrNotFound     = errors.New("not found")
	ErrNotValid     = errors.New("not valid")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non successful broker API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("broker API returned status %d: %s", e.StatusCode, e.Message)
}

// Is maps the response status to the SDK sentinel errors.
func (e *APIError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == ErrNotFound
	case http.StatusBadRequest:
		return target == ErrNotValid
	case http.StatusConflict:
		return target == ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return target == ErrUnauthorized
	}
	return false
}
