// Package corerr defines the error taxonomy shared by every coordination component.
package corerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation and retry decisions.
type Kind int8

const (
	// Caller errors, returned synchronously and never retried.

	// KindValidation is a malformed message or content.
	KindValidation Kind = iota
	// KindAuthorization is a participant not permitted in a conversation.
	KindAuthorization
	// KindNotFound is an absent or closed conversation, message, item or worker.
	KindNotFound
	// KindDecode is a wire-format failure.
	KindDecode

	// Data integrity.

	// KindBrokenThread is a dangling or cyclic parent chain.
	KindBrokenThread

	// Retryable external failures.

	// KindEmbedding is an embedding capability failure.
	KindEmbedding
	// KindReasoning is a completion capability failure or timeout.
	KindReasoning
	// KindDelivery is a transient inbox or transport failure.
	KindDelivery

	// System-level.

	// KindPersistence is a storage failure that aborted an operation.
	KindPersistence
	// KindCancelled marks work stopped by a supervisor or shutdown.
	KindCancelled
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindDecode:
		return "decode"
	case KindBrokenThread:
		return "broken_thread"
	case KindEmbedding:
		return "embedding"
	case KindReasoning:
		return "reasoning"
	case KindDelivery:
		return "delivery"
	case KindPersistence:
		return "persistence"
	case KindCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Error is a classified failure with an operation name and human-readable detail.
type Error struct {
	Err    error  // Wrapped cause, may be nil
	Op     string // Operation that failed, e.g. "router.send"
	Detail string // Human-readable description
	Kind   Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Detail
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the kind is a transient external failure.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindEmbedding, KindReasoning, KindDelivery:
		return true
	default:
		return false
	}
}

// New creates a classified error.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Newf creates a classified error with a formatted detail.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause. A nil cause returns nil.
func Wrap(kind Kind, op string, cause error, detail string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Detail: detail, Err: cause}
}

// IsKind reports whether any error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first classified error in the chain.
// Context cancellation maps to KindCancelled. ok is false for unclassified errors.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled, true
	}
	return 0, false
}

// Retryable reports whether err should be retried with backoff.
// Deadline overruns count as transient, explicit cancellation does not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Describe renders an error for administrative callers as "kind: detail".
func Describe(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		detail := ce.Detail
		if detail == "" && ce.Err != nil {
			detail = ce.Err.Error()
		}
		return fmt.Sprintf("%s: %s", ce.Kind, detail)
	}
	return err.Error()
}
