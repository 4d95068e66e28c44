package domain

import "fmt"

// EventType identifies the business event a notification job was created for.
type EventType string

const (
	OrderConfirmation       EventType = "order_confirmation"
	AdminOrderNotification  EventType = "admin_order_notification"
	StatusUpdate            EventType = "status_update"
	InvoiceRequest          EventType = "invoice_request"
	OrderCancellation       EventType = "order_cancellation"
	AdminCancellationNotice EventType = "admin_cancellation_notice"
)

var eventTypes = []EventType{
	OrderConfirmation,
	AdminOrderNotification,
	StatusUpdate,
	InvoiceRequest,
	OrderCancellation,
	AdminCancellationNotice,
}

// EventTypes lists every known event type.
func EventTypes() []EventType {
	return append([]EventType(nil), eventTypes...)
}

func (e EventType) Valid() bool {
	for _, t := range eventTypes {
		if t == e {
			return true
		}
	}
	return false
}

// ParseEventType validates s against the known event types.
func ParseEventType(s string) (EventType, error) {
	e := EventType(s)
	if !e.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEvent, s)
	}
	return e, nil
}
