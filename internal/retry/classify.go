package retry

import (
	"context"
	"errors"
	"strings"
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(err error) bool

// transientPatterns are matched case-insensitively against error messages
// that carry no typed classification.
var transientPatterns = []string{
	"429",
	"502",
	"503",
	"resource_exhausted",
	"quota",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
	"timeout",
}

// retryable is implemented by errors that know their own classification.
type retryable interface {
	Retryable() bool
}

// IsTransient is the default Classifier.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

// Transient marks err as retryable regardless of its message.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}
