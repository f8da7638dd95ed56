package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a per-page fetch failure.
type ErrorKind string

const (
	// KindTransient covers timeouts and connection failures.
	KindTransient ErrorKind = "transient"
	// KindStatus is a non-2xx response.
	KindStatus ErrorKind = "status"
	// KindContentMismatch is a response that is not an image.
	KindContentMismatch ErrorKind = "content_mismatch"
	// KindDecode means the body could not be decoded as an image.
	KindDecode ErrorKind = "decode"
	// KindWrite means the page file could not be written.
	KindWrite ErrorKind = "write"
)

// ErrNoSuccessfulPages is returned when every page in the range failed.
// No PDF may be assembled in that case.
var ErrNoSuccessfulPages = errors.New("no pages were fetched successfully")

// PageError records why one page failed. It never aborts a fetch pass.
type PageError struct {
	Page        int
	Kind        ErrorKind
	StatusCode  int
	ContentType string
	Err         error
}

func (e *PageError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("page %d: HTTP %d", e.Page, e.StatusCode)
	case KindContentMismatch:
		return fmt.Sprintf("page %d: not an image (%s)", e.Page, e.ContentType)
	}
	if e.Err != nil {
		return fmt.Sprintf("page %d: %s: %v", e.Page, e.Kind, e.Err)
	}
	return fmt.Sprintf("page %d: %s", e.Page, e.Kind)
}

func (e *PageError) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or "" when err is not a
// page failure.
func KindOf(err error) ErrorKind {
	var pe *PageError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// isTransient reports whether a transport error is a timeout or a
// connection-level failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
