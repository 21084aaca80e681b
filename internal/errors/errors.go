package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmptyMessage         = errors.New("message content is empty")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Push channel errors.
var (
	ErrNoToken       = errors.New("no session token")
	ErrNotConnected  = errors.New("push channel not connected")
	ErrChannelClosed = errors.New("push channel closed")
	ErrUnknownFrame  = errors.New("unknown frame type")
)
