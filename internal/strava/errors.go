package strava

import (
	"fmt"

	"github.com/lildude/stravasync/internal/credentials"
)

// AuthError is returned when no accepted token could be obtained.
type AuthError = credentials.AuthError

// TransientAPIError means the API kept failing with throttling, server or
// transport errors until the retry budget ran out. The operation may succeed later.
type TransientAPIError struct {
	Op         string
	StatusCode int // zero for transport failures
	Attempts   int
	Err        error
}

func (e *TransientAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: giving up after %d attempts (status %d): %v", e.Op, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientAPIError) Unwrap() error { return e.Err }

// ClientRequestError means the API refused the request itself (404, 403, a
// malformed response). Retrying will not help.
type ClientRequestError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ClientRequestError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *ClientRequestError) Unwrap() error { return e.Err }
