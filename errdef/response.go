package errdef

import (
	"fmt"

	distspec "github.com/opencontainers/distribution-spec/specs-go/v1"
)

// ResponseError wraps a non-2xx HTTP response from a registry, including
// any structured error payload the registry returned.
// Reference: https://github.com/opencontainers/distribution-spec/blob/main/spec.md#error-codes
type ResponseError struct {
	Method     string
	URL        string
	StatusCode int
	Errors     []distspec.ErrorInfo
}

func (e *ResponseError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s %q: response status code %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %q: response status code %d: %s", e.Method, e.URL, e.StatusCode, e.Errors[0].Message)
}

// Unwrap exposes ErrNotFound for the common 404 case so that
// errors.Is(err, errdef.ErrNotFound) keeps working through a ResponseError.
func (e *ResponseError) Unwrap() error {
	if e.StatusCode == 404 {
		return ErrNotFound
	}
	return nil
}
