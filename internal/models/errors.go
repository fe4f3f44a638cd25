package models

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrSourceUnreachable = errors.New("source unreachable")
	ErrUserNotFound      = errors.New("user not found")
	ErrNoActiveEndpoint  = errors.New("no active endpoint")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrCacheCorrupt      = errors.New("cache corrupt")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRemoteRejected    = errors.New("remote rejected request")
)

// RemoteError describes a failed call to the gateway or the identity store.
// Kind is one of the sentinels above; Err is the underlying cause, if any.
type RemoteError struct {
	Op         string
	Endpoint   string
	StatusCode int
	Kind       error
	Err        error
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether another attempt could succeed: transport failures and 5xx.
func (e *RemoteError) Retryable() bool {
	return errors.Is(e.Kind, ErrSourceUnreachable)
}

// KindForStatus maps an HTTP status to the error taxonomy. 2xx maps to nil.
func KindForStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrUserNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrUnauthorized
	case status >= 500:
		return ErrSourceUnreachable
	default:
		return ErrRemoteRejected
	}
}

// IsRetryable reports whether err is a retryable remote failure.
func IsRetryable(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}
