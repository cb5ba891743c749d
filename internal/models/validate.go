package models

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

func structError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: strings.ToLower(fe.Namespace()), Reason: "failed " + fe.Tag()}
	}
	return &ValidationError{Field: "record", Reason: err.Error()}
}

// Validate checks a conversation decoded from the store.
func (c Conversation) Validate() error {
	if err := structError(validatorInstance().Struct(c)); err != nil {
		return err
	}
	if c.ParticipantA.ID == c.ParticipantB.ID {
		return &ValidationError{Field: "participants", Reason: "must be two distinct users"}
	}
	return nil
}

// Validate checks a message decoded from the store or a subscription.
func (m Message) Validate() error {
	if err := structError(validatorInstance().Struct(m)); err != nil {
		return err
	}
	if m.Sender.ID == m.Receiver.ID {
		return &ValidationError{Field: "receiver", Reason: "must differ from sender"}
	}
	if m.ReadAt != nil && !m.IsRead {
		return &ValidationError{Field: "read_at", Reason: "set on unread message"}
	}
	return nil
}

// Validate checks a receipt decoded from a subscription.
func (r ReadReceipt) Validate() error {
	return structError(validatorInstance().Struct(r))
}

// Validate checks a presence record before it is applied.
func (p PresenceRecord) Validate() error {
	return structError(validatorInstance().Struct(p))
}

// Validate checks a typing signal before it is applied.
func (t TypingSignal) Validate() error {
	return structError(validatorInstance().Struct(t))
}

// Validate checks a notification before it is broadcast.
func (n Notification) Validate() error {
	return structError(validatorInstance().Struct(n))
}

// Validate checks a participant from identity or request input.
func (p Participant) Validate() error {
	return structError(validatorInstance().Struct(p))
}

// Validate checks a context anchor from request input.
func (a ContextAnchor) Validate() error {
	return structError(validatorInstance().Struct(a))
}
