package models

import "fmt"

// ConnectionError is a socket level failure. Fatal marks errors that exhausted
// the reconnection budget; the adapter will not retry past one of these.
type ConnectionError struct {
	Exchange string
	Message  string
	Fatal    bool
	Cause    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Exchange, e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// TimeoutError marks a missed connect, ping or pong deadline.
type TimeoutError struct {
	Exchange  string
	Operation string // "connect", "ping", "pong"
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out", e.Exchange, e.Operation)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// MessageParsingError is a non-fatal per-message parse failure. One bad frame
// never tears down the connection; it is surfaced as an event instead.
type MessageParsingError struct {
	Exchange string
	Raw      []byte
	Cause    error
}

func (e *MessageParsingError) Error() string {
	return fmt.Sprintf("%s: failed to parse message: %v", e.Exchange, e.Cause)
}

func (e *MessageParsingError) Unwrap() error {
	return e.Cause
}
