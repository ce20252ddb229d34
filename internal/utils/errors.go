package utils

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the evaluator and the alert worker.
var (
	// ErrDataUnavailable means the aggregate source has no count for a bucket or the query timed out.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrBaselineUndefined means there is not enough history to build a baseline.
	ErrBaselineUndefined = errors.New("baseline undefined")
	// ErrPublish means the event bus rejected or timed out on a publish.
	ErrPublish = errors.New("event publish failed")
	// ErrNotification means the notification channel rejected a message.
	ErrNotification = errors.New("notification failed")
	// ErrConfiguration means a required setting is missing or malformed.
	ErrConfiguration = errors.New("invalid configuration")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}
