package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrTransientIO          = errors.New("transient io failure")
	ErrConflict             = errors.New("conflict")
	ErrNotificationDelivery = errors.New("notification delivery failed")
	ErrMutationTimeout      = fmt.Errorf("mutation timed out: %w", ErrTransientIO)

	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("not a conversation participant")
)

// ValidationError rejects input before anything is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransientError wraps a failed durable call. Callers may retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool {
	return target == ErrTransientIO
}

// ConflictError reports a request that contradicts durable state and must not be retried.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// SendFailedError hands the drafted body back after a rolled-back send.
type SendFailedError struct {
	Draft string
	Err   error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError unless it already carries a classification.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientIO) || errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrConversationNotFound) || errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrNotParticipant) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
