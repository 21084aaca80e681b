package chat

import (
	"errors"
	"fmt"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// TransportError reports that the push channel failed to open or was
// closed underneath us. The channel reconnects after its delay.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("push channel %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// FetchError reports a failed call to the chat server's REST API.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports an inbound frame that could not be decoded. The
// frame is dropped and the channel stays open.
type ParseError struct {
	Type string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return "parsing frame: " + e.Err.Error()
	}

	return fmt.Sprintf("parsing %s frame: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FieldError is a validation failure returned by registration.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}

	return e.Field + ": " + e.Message
}
