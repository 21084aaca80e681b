package chat

import (
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// LoginRequest is the payload for POST /login. The server accepts either
// a username or an email in the username field.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest is the payload for POST /register.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned from POST /login and POST /register. Only
// token is guaranteed; the rest are filled from the token claims when
// absent.
type TokenResponse struct {
	Token      string `json:"token"`
	ID         string `json:"id"`
	Expiration int64  `json:"expiration"`
	User       string `json:"user"`
}

// CreateConversationRequest is the payload for POST /createChat.
type CreateConversationRequest struct {
	UserID string `json:"user_id"`
}

// OnlineUsersResponse is returned from GET /onlineUsers.
type OnlineUsersResponse struct {
	OnlineUsers []models.User `json:"online_users"`
}

// APIError represents an error body from the chat server. Handlers use
// either key.
type APIError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Field   string `json:"field"`
}

func (e APIError) text() string {
	if e.Message != "" {
		return e.Message
	}

	return e.Error
}

// Push channel frame types.
const (
	FrameConnect      = "connect"
	FrameDisconnect   = "disconnect"
	FrameMessage      = "message"
	FrameNotification = "notification"
)

// PresenceFrame is broadcast when any user connects or disconnects. It
// carries the full online set.
type PresenceFrame struct {
	Type        string        `json:"type"`
	OnlineUsers []models.User `json:"online_users"`
}

// MessageFrame carries a single new message.
type MessageFrame struct {
	Type           string    `json:"type"`
	ID             string    `json:"id"`
	ConversationID string    `json:"chat_id"`
	SenderID       string    `json:"sender"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
}

// Message converts the frame into the stored model.
func (f MessageFrame) Message() models.Message {
	return models.Message{
		ID:             f.ID,
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		Content:        f.Content,
		SentAt:         f.SentAt,
	}
}

// NotificationFrame is a free-form server notice.
type NotificationFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// OutboundMessage is written to the push channel to send a message.
type OutboundMessage struct {
	ConversationID string `json:"chat_id"`
	Content        string `json:"content"`
}
