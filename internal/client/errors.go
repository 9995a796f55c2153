package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTransport        = errors.New("transport failure")
	ErrProtocol         = errors.New("protocol error")
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrDeleted          = errors.New("job was deleted")
	ErrJobNotSeen       = errors.New("job not seen before the watch deadline")
)

// StatusError is returned for a response status the client does not accept.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %d %s", ErrUnexpectedStatus, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: %d %s: %s", ErrUnexpectedStatus, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// IsNotFound reports whether err carries a 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
