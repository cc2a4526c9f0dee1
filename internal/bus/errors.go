package bus

import "errors"

var (
	// ErrInvalidPayload is returned by a handler whose payload lacks a required field
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrEmptyEventType is returned when sending an event without a type
	ErrEmptyEventType = errors.New("event type is required")
)
