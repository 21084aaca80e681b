// Package models defines the chat data model shared across packages.
package models

import (
	"encoding/json"
	"slices"
	"time"
)

// User is a chat participant. Identity is the ID.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"username"`
	AvatarRef   string `json:"img,omitempty"`
}

// Message is a single chat message. Messages are immutable once created.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"chat_id"`
	SenderID       string    `json:"sender"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
}

// Before reports whether m sorts before other in chronological order.
// Equal timestamps fall back to the message ID.
func (m Message) Before(other Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}

	return m.ID < other.ID
}

// LastMessage points at the newest message the server knows of for a
// conversation.
type LastMessage struct {
	ID       string
	Content  string
	ByUserID string
	At       time.Time
}

// ConversationSummary is the list-display view of a conversation.
type ConversationSummary struct {
	ID             string
	ParticipantIDs []string
	CreatedBy      string
	CreatedAt      time.Time
	LastMessage    *LastMessage

	// Peer is the other participant as resolved by the server, if any.
	Peer *User
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (c ConversationSummary) Clone() ConversationSummary {
	out := c
	out.ParticipantIDs = slices.Clone(c.ParticipantIDs)

	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}

	if c.Peer != nil {
		p := *c.Peer
		out.Peer = &p
	}

	return out
}

// SortKey returns the timestamp used to order conversations for display.
// Conversations without a message use their creation time.
func (c ConversationSummary) SortKey() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.At
	}

	return c.CreatedAt
}

// conversationWire is the flat server representation of a conversation.
type conversationWire struct {
	ID            string     `json:"id"`
	CreatedBy     string     `json:"created_by"`
	Users         []string   `json:"users"`
	LastMessage   *string    `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
	LastMessageBy *string    `json:"last_message_by"`
	LastMessageID *string    `json:"last_message_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UserData      *User      `json:"user_data"`
}

// UnmarshalJSON decodes the flat server shape. LastMessage is only set
// when the server reports a last message id.
func (c *ConversationSummary) UnmarshalJSON(data []byte) error {
	var w conversationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*c = ConversationSummary{
		ID:             w.ID,
		ParticipantIDs: w.Users,
		CreatedBy:      w.CreatedBy,
		CreatedAt:      w.CreatedAt,
		Peer:           w.UserData,
	}

	if w.LastMessageID != nil && *w.LastMessageID != "" {
		lm := &LastMessage{ID: *w.LastMessageID}
		if w.LastMessage != nil {
			lm.Content = *w.LastMessage
		}

		if w.LastMessageBy != nil {
			lm.ByUserID = *w.LastMessageBy
		}

		if w.LastMessageAt != nil {
			lm.At = *w.LastMessageAt
		}

		c.LastMessage = lm
	}

	return nil
}

// MarshalJSON encodes the summary in the flat server shape.
func (c ConversationSummary) MarshalJSON() ([]byte, error) {
	w := conversationWire{
		ID:        c.ID,
		CreatedBy: c.CreatedBy,
		Users:     c.ParticipantIDs,
		CreatedAt: c.CreatedAt,
		UserData:  c.Peer,
	}

	if c.LastMessage != nil {
		lm := *c.LastMessage
		w.LastMessage = &lm.Content
		w.LastMessageAt = &lm.At
		w.LastMessageBy = &lm.ByUserID
		w.LastMessageID = &lm.ID
	}

	return json.Marshal(w)
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	TotalPages int       `json:"total_pages"`
}

// Credentials identify an authenticated session.
type Credentials struct {
	Token      string    `json:"token"`
	UserID     string    `json:"user_id"`
	Expiration time.Time `json:"expiration"`
}

// Expired reports whether the credentials are past their expiration at
// now. A zero expiration never expires.
func (c Credentials) Expired(now time.Time) bool {
	if c.Expiration.IsZero() {
		return false
	}

	return !now.Before(c.Expiration)
}
