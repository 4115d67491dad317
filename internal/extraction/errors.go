package extraction

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned when no bearer token is available. No request is made.
var ErrNoSession = errors.New("no active session")

// ServiceRejection means the service understood the upload but could not
// extract any data from it
type ServiceRejection struct {
	Message string
}

func (e *ServiceRejection) Error() string {
	if e.Message == "" {
		return "extraction rejected"
	}
	return fmt.Sprintf("extraction rejected: %s", e.Message)
}

// TransportError covers network failures, timeouts, unexpected statuses
// and malformed response bodies
type TransportError struct {
	StatusCode int    // 0 when no response was received
	Detail     string // the response's "detail" field, if any
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("import endpoint returned status %d: %s", e.StatusCode, e.Detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("import endpoint returned status %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("import request failed: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
