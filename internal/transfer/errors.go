package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NotFoundError means the remote service does not know the target.
type NotFoundError struct {
	Operation string // e.g. "list_files", "fetch_file", "fetch_bundle"
	TargetID  string // entry or file identifier
	Err       error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: target %q not found", e.Operation, e.TargetID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// ThrottledError means the caller exceeded its rate allowance. It is produced either by
// the remote service (HTTP 429) or locally when a cooldown is still active.
type ThrottledError struct {
	Operation  string
	Category   OperationCategory
	RetryAfter time.Duration // 0 when the remote service did not advertise a delay
	Local      bool          // rejected by an active cooldown without contacting the remote service
	Err        error
}

func (e *ThrottledError) Error() string {
	switch {
	case e.Local:
		return fmt.Sprintf("%s: %s cooldown active, retry in %s", e.Operation, e.Category, e.RetryAfter.Round(time.Second))
	case e.RetryAfter > 0:
		return fmt.Sprintf("%s: throttled by remote service, retry after %s", e.Operation, e.RetryAfter)
	default:
		return fmt.Sprintf("%s: throttled by remote service", e.Operation)
	}
}

func (e *ThrottledError) Unwrap() error {
	return e.Err
}

// NetworkError represents transport failures, timeouts and unexpected API responses.
type NetworkError struct {
	Operation  string
	StatusCode int    // HTTP status code, 0 for non-HTTP errors
	APIMessage string // message from the API or the network layer
	Timeout    bool   // the operation exceeded its time budget
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("network error during %s: timed out", e.Operation)
	}

	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// MalformedResponseError means the remote response could not be interpreted.
type MalformedResponseError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response during %s: %s", e.Operation, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// DuplicateError means the same target is already being downloaded.
type DuplicateError struct {
	Key TargetKey
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("download already in progress for %s", e.Key)
}

// LocalIOError is a sink-side failure while persisting or exposing bytes.
type LocalIOError struct {
	Path string // file path or sink description
	Err  error
}

func (e *LocalIOError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("local i/o failure on %s", e.Path)
	}

	return fmt.Sprintf("local i/o failure on %s: %v", e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

// Kind is a coarse classification of a download failure, used for HTTP status mapping
// and metric labels.
type Kind string

const (
	KindNone         Kind = "none"
	KindNotFound     Kind = "not_found"
	KindThrottled    Kind = "throttled"
	KindUnreachable  Kind = "unreachable"
	KindMalformed    Kind = "malformed"
	KindUnauthorized Kind = "unauthorized"
	KindDuplicate    Kind = "duplicate"
	KindLocalIO      Kind = "local_io"
	KindCancelled    Kind = "cancelled"
	KindUnclassified Kind = "unclassified"
)

// KindOf classifies err. A nil error is KindNone.
func KindOf(err error) Kind {
	var (
		notFound  *NotFoundError
		throttled *ThrottledError
		network   *NetworkError
		malformed *MalformedResponseError
		auth      *AuthenticationError
		duplicate *DuplicateError
		localIO   *LocalIOError
	)

	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &duplicate):
		return KindDuplicate
	case errors.As(err, &throttled):
		return KindThrottled
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &malformed):
		return KindMalformed
	case errors.As(err, &auth):
		return KindUnauthorized
	case errors.As(err, &localIO):
		return KindLocalIO
	case errors.As(err, &network):
		return KindUnreachable
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindUnreachable
	default:
		return KindUnclassified
	}
}
