package speech

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx answer from a vendor API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) Retryable() bool {
	return IsRetryableHTTPStatus(e.StatusCode)
}

// StatusCode extracts the upstream HTTP status from err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
