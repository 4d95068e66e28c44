// Package notify holds the collaborators that turn a job into a delivered
// message: a Renderer builds the message and a Transport sends it.
package notify

import (
	"context"
	"errors"

	"github.com/SirClappington/notiq/internal/domain"
)

// Message is a rendered notification ready to send.
type Message struct {
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type Renderer interface {
	Render(ctx context.Context, eventType domain.EventType, payload domain.Payload, locale string) (Message, error)
}

type Transport interface {
	Send(ctx context.Context, recipient string, msg Message) error
}

// ErrInvalidRecipient is permanent: retrying cannot make the address valid.
var ErrInvalidRecipient = NonRetriable("invalid recipient")

// Error is a delivery error carrying whether another attempt may succeed.
type Error struct {
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable creates an error for temporary failures (network, 4xx replies).
func Retriable(message string) *Error {
	return &Error{Message: message, Retryable: true}
}

// NonRetriable creates an error for failures no retry can fix.
func NonRetriable(message string) *Error {
	return &Error{Message: message}
}

// Wrap attaches a retry classification to err.
func Wrap(err error, message string, retryable bool) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: message, Retryable: retryable, Err: err}
}

// Permanent reports whether err must not be retried. Errors carrying no
// classification, including deadline overruns, are treated as transient.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidRecipient) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return !e.Retryable
	}
	return false
}
