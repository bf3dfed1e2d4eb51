package docstore

import (
	"errors"
	"fmt"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("docstore: store closed")

// ErrFeedOverflow terminates a change feed whose consumer fell behind its
// buffer. The feed is dead at that point; consumers resume with a new feed
// from their last seen sequence number rather than silently missing events.
var ErrFeedOverflow = errors.New("docstore: change feed buffer overflow")

// NotFoundError reports a missing document, design document or view.
// Status is always 404; Kind narrows what was missing so callers can decide
// whether a later change can heal the failure.
type NotFoundError struct {
	Kind string // "document", "design document" or "view"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Status returns the HTTP-style status code for the error.
func (e *NotFoundError) Status() int { return 404 }

// ConflictError reports a revision mismatch on write.
type ConflictError struct {
	ID  string
	Rev string // the revision the writer supplied
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("document update conflict: %s (rev %q)", e.ID, e.Rev)
}

// Status returns the HTTP-style status code for the error.
func (e *ConflictError) Status() int { return 409 }

// QueryError reports a malformed query: bad selector, invalid option
// combination, or an unusable sort. These are caller bugs and are never
// retried by the live layer.
type QueryError struct {
	StatusCode int
	Reason     string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query error (%d): %s", e.StatusCode, e.Reason)
}

// Status returns the HTTP-style status code for the error.
func (e *QueryError) Status() int { return e.StatusCode }

// CapabilityError reports that a required store feature is absent, for
// example selector queries against a store that does not implement Finder.
// Fatal for the operation; never retried.
type CapabilityError struct {
	Feature string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("store does not support %s", e.Feature)
}

// FeedError wraps a change feed failure. It is fanned out to every listener
// of the affected store; each listener surfaces it through its own result
// state.
type FeedError struct {
	Err error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("change feed failed: %v", e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func badRequest(format string, args ...any) error {
	return &QueryError{StatusCode: 400, Reason: fmt.Sprintf(format, args...)}
}
