package chat

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates input rejected locally before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork indicates a failed or aborted request to a collaborator.
	ErrNetwork = errors.New("network error")
	// ErrRateLimit indicates the provider refused the request for rate reasons.
	ErrRateLimit = errors.New("rate limited")
	// ErrPersistenceConflict indicates a durable edit/truncate did not apply.
	ErrPersistenceConflict = errors.New("persistence conflict")
	// ErrTokenLimit indicates the input would exceed the context budget.
	ErrTokenLimit = errors.New("token limit exceeded")
	// ErrNoActiveRun indicates an operation that needs a streaming run found none.
	ErrNoActiveRun = errors.New("no active run")
	// ErrRunActive indicates a second run was started while one is streaming.
	ErrRunActive = errors.New("a run is already streaming")
	// ErrStreamNotFound indicates there is no resumable stream for the chat.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrNotFound indicates an unknown chat or message id.
	ErrNotFound = errors.New("not found")
	// ErrNotAgentMode indicates a queue operation outside agent mode.
	ErrNotAgentMode = errors.New("message queue requires agent mode")
)

// Kind 错误分类
// Kind is the error taxonomy bucket
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNetwork     Kind = "network"
	KindRateLimit   Kind = "rate_limit"
	KindPersistence Kind = "persistence"
	KindCanceled    Kind = "canceled"
	KindInternal    Kind = "internal"
)

// Classify maps an error onto the taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrTokenLimit), errors.Is(err, ErrNotAgentMode):
		return KindValidation
	case errors.Is(err, ErrRateLimit):
		return KindRateLimit
	case errors.Is(err, ErrPersistenceConflict):
		return KindPersistence
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	default:
		return KindInternal
	}
}

// UserError 面向用户的错误，Key 为 i18n 消息键
// UserError is a user-facing failure; Key is an i18n message key
type UserError struct {
	Key string
	Err error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.Key
	}
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *UserError) Unwrap() error { return e.Err }

// Retryable reports whether the UI should offer a retry affordance.
func (e *UserError) Retryable() bool {
	k := Classify(e.Err)
	return k == KindRateLimit || k == KindNetwork
}

// NewUserError wraps err for display under the given i18n key.
func NewUserError(key string, err error) *UserError {
	return &UserError{Key: key, Err: err}
}
