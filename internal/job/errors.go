package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// Sentinel errors surfaced by the orchestrator.
var (
	ErrInvalidConfig = errors.New("invalid job configuration")
	ErrRunActive     = errors.New("a job run is already active")
	ErrNoItems       = errors.New("job input produced no work items")
	ErrNoRun         = errors.New("no job run")
)

// ErrorKind is the retry classification of a failure.
type ErrorKind string

// Error taxonomy.
const (
	KindTransient ErrorKind = "transient"
	KindPermanent ErrorKind = "permanent"
	KindFatal     ErrorKind = "fatal"
)

// ItemError is a classified per-item failure.
type ItemError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"statusCode,omitempty"`
	err        error
}

func (e *ItemError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ItemError) Unwrap() error {
	return e.err
}

// Transient reports whether the error may be retried.
func (e *ItemError) Transient() bool {
	return e != nil && e.Kind == KindTransient
}

// StatusError surfaces an HTTP-style status from a collaborator so it can be
// classified separately from network failures.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	text := http.StatusText(e.Code)
	if text == "" {
		text = "unexpected status"
	}
	if e.URL == "" {
		return fmt.Sprintf("status %d %s", e.Code, text)
	}
	return fmt.Sprintf("%s: status %d %s", e.URL, e.Code, text)
}

// NewTransient wraps err as a retryable failure.
func NewTransient(err error) *ItemError {
	return &ItemError{Kind: KindTransient, Message: message(err), err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(err error) *ItemError {
	return &ItemError{Kind: KindPermanent, Message: message(err), err: err}
}

// Classify maps an arbitrary collaborator error onto the taxonomy. Timeouts,
// network failures and 5xx/408/429 statuses are transient; other statuses and
// unrecognised errors are permanent.
func Classify(err error) *ItemError {
	if err == nil {
		return nil
	}
	var itemErr *ItemError
	if errors.As(err, &itemErr) {
		return itemErr
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		kind := KindPermanent
		if retryableStatus(statusErr.Code) {
			kind = KindTransient
		}
		return &ItemError{Kind: kind, Message: err.Error(), StatusCode: statusErr.Code, err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ItemError{Kind: KindTransient, Message: "timeout: " + err.Error(), err: err}
	}
	if transientIO(err) {
		return NewTransient(err)
	}
	return NewPermanent(err)
}

// KindOf returns the classification of err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func transientIO(err error) bool {
	// url.Error satisfies net.Error even when the cause is a malformed
	// request, so look through it.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.Canceled)
}

func message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
