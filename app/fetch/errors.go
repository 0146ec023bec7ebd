package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrFetchFailed matches every error returned by Client.Get.
var ErrFetchFailed = errors.New("fetch failed")

var errTooLarge = errors.New("response too large")

// StatusError is a definitive non-2xx answer from the site.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error: %d %s", e.Status, http.StatusText(e.Status))
}

// Error describes a fetch that failed after all allowed attempts.
type Error struct {
	URL      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrFetchFailed
}

// Status returns the HTTP status carried by err, or 0 if there is none.
func Status(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}
