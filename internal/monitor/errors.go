package monitor

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist (or was moved
// to the trash).
var ErrNotFound = errors.New("record not found")

// FetchError reports a failed page retrieval: transport failure, timeout,
// redirect overflow, or an HTTP status >= 400.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
