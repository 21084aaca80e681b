// Package mcpserver registers MCP tools that expose a live chat session.
// It adapts chat.Session to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultReadLimit is the number of most recent messages chat_read_messages
// returns when no limit is given.
const defaultReadLimit = 50

// Session is the part of chat.Session the tools use.
type Session interface {
	Conversations() []models.ConversationSummary
	Messages(conversationID string) iter.Seq[models.Message]
	OnlineUsers() []models.User
	Open(ctx context.Context, conversationID string) error
	CatchingUp(conversationID string) bool
	Send(ctx context.Context, conversationID, content string) error
	Status() chat.Status
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, s Session) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List conversations, most recently active first, with participants and the last message.",
	}, listConversationsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Read the most recent messages of a conversation in chronological order. Only messages already synced are returned; open the conversation first to fetch missed history.",
	}, readMessagesHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_online_users",
		Description: "List the users currently online, excluding yourself.",
	}, onlineUsersHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open_conversation",
		Description: "Select a conversation. Missed history is fetched in the background until the conversation is up to date.",
	}, openConversationHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a text message to a conversation over the live connection.",
	}, sendMessageHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Show the connection state, the selected conversation and store sizes.",
	}, statusHandler(s))
}

// --- Input types ---

// ListConversationsInput has no parameters.
type ListConversationsInput struct{}

// ReadMessagesInput holds parameters for chat_read_messages.
type ReadMessagesInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	Limit          int    `json:"limit,omitempty" jsonschema:"number of most recent messages to return, defaults to 50"`
}

// OnlineUsersInput has no parameters.
type OnlineUsersInput struct{}

// OpenConversationInput holds parameters for chat_open_conversation.
type OpenConversationInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	Content        string `json:"content" jsonschema:"message text"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// --- Result types ---

// ConversationEntry is one row of chat_list_conversations.
type ConversationEntry struct {
	ID            string   `json:"id"`
	Participants  []string `json:"participants"`
	Peer          string   `json:"peer,omitempty"`
	LastMessageID string   `json:"last_message_id,omitempty"`
	LastMessage   string   `json:"last_message,omitempty"`
	LastMessageBy string   `json:"last_message_by,omitempty"`
	LastMessageAt string   `json:"last_message_at,omitempty"`
}

// ListConversationsResult is returned by chat_list_conversations.
type ListConversationsResult struct {
	Total         int                 `json:"total"`
	Conversations []ConversationEntry `json:"conversations"`
}

// MessageEntry is one message of chat_read_messages.
type MessageEntry struct {
	ID       string `json:"id"`
	SenderID string `json:"sender"`
	Content  string `json:"content"`
	SentAt   string `json:"sent_at"`
}

// ReadMessagesResult is returned by chat_read_messages.
type ReadMessagesResult struct {
	ConversationID string         `json:"conversation_id"`
	Total          int            `json:"total"`
	Returned       int            `json:"returned"`
	CatchingUp     bool           `json:"catching_up"`
	Messages       []MessageEntry `json:"messages"`
}

// OnlineUsersResult is returned by chat_online_users.
type OnlineUsersResult struct {
	Count int           `json:"count"`
	Users []models.User `json:"users"`
}

// OpenConversationResult is returned by chat_open_conversation.
type OpenConversationResult struct {
	ConversationID string `json:"conversation_id"`
	CatchingUp     bool   `json:"catching_up"`
}

// SendMessageResult is returned by chat_send_message.
type SendMessageResult struct {
	ConversationID string `json:"conversation_id"`
	Sent           bool   `json:"sent"`
}

// StatusResult is returned by chat_status.
type StatusResult struct {
	State         string `json:"state"`
	LastError     string `json:"last_error,omitempty"`
	Selected      string `json:"selected,omitempty"`
	Conversations int    `json:"conversations"`
	Online        int    `json:"online"`
}

// --- Handlers ---

func listConversationsHandler(s Session) mcp.ToolHandlerFor[ListConversationsInput, *ListConversationsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListConversationsInput) (*mcp.CallToolResult, *ListConversationsResult, error) {
		list := s.Conversations()

		result := &ListConversationsResult{
			Total:         len(list),
			Conversations: make([]ConversationEntry, 0, len(list)),
		}

		for _, c := range list {
			result.Conversations = append(result.Conversations, conversationEntry(c))
		}

		return textResult(result), result, nil
	}
}

func conversationEntry(c models.ConversationSummary) ConversationEntry {
	e := ConversationEntry{
		ID:           c.ID,
		Participants: c.ParticipantIDs,
	}

	if e.Participants == nil {
		e.Participants = []string{}
	}

	if c.Peer != nil {
		e.Peer = c.Peer.DisplayName
	}

	if lm := c.LastMessage; lm != nil {
		e.LastMessageID = lm.ID
		e.LastMessage = lm.Content
		e.LastMessageBy = lm.ByUserID
		e.LastMessageAt = lm.At.Format(time.RFC3339)
	}

	return e
}

func readMessagesHandler(s Session) mcp.ToolHandlerFor[ReadMessagesInput, *ReadMessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ReadMessagesInput) (*mcp.CallToolResult, *ReadMessagesResult, error) {
		if input.ConversationID == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		if input.Limit < 0 {
			return nil, nil, fmt.Errorf("limit must not be negative")
		}

		limit := input.Limit
		if limit == 0 {
			limit = defaultReadLimit
		}

		var all []MessageEntry
		for m := range s.Messages(input.ConversationID) {
			all = append(all, MessageEntry{
				ID:       m.ID,
				SenderID: m.SenderID,
				Content:  m.Content,
				SentAt:   m.SentAt.Format(time.RFC3339),
			})
		}

		tail := all[max(0, len(all)-limit):]
		if tail == nil {
			tail = []MessageEntry{}
		}

		result := &ReadMessagesResult{
			ConversationID: input.ConversationID,
			Total:          len(all),
			Returned:       len(tail),
			CatchingUp:     s.CatchingUp(input.ConversationID),
			Messages:       tail,
		}

		return textResult(result), result, nil
	}
}

func onlineUsersHandler(s Session) mcp.ToolHandlerFor[OnlineUsersInput, *OnlineUsersResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ OnlineUsersInput) (*mcp.CallToolResult, *OnlineUsersResult, error) {
		users := s.OnlineUsers()
		if users == nil {
			users = []models.User{}
		}

		result := &OnlineUsersResult{Count: len(users), Users: users}

		return textResult(result), result, nil
	}
}

func openConversationHandler(s Session) mcp.ToolHandlerFor[OpenConversationInput, *OpenConversationResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenConversationInput) (*mcp.CallToolResult, *OpenConversationResult, error) {
		if err := s.Open(ctx, input.ConversationID); err != nil {
			return nil, nil, err
		}

		result := &OpenConversationResult{
			ConversationID: input.ConversationID,
			CatchingUp:     s.CatchingUp(input.ConversationID),
		}

		return textResult(result), result, nil
	}
}

func sendMessageHandler(s Session) mcp.ToolHandlerFor[SendMessageInput, *SendMessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *SendMessageResult, error) {
		if err := s.Send(ctx, input.ConversationID, input.Content); err != nil {
			return nil, nil, err
		}

		result := &SendMessageResult{ConversationID: input.ConversationID, Sent: true}

		return textResult(result), result, nil
	}
}

func statusHandler(s Session) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st := s.Status()

		result := &StatusResult{
			State:         st.State.String(),
			Selected:      st.Selected,
			Conversations: st.Conversations,
			Online:        st.Online,
		}

		if st.LastError != nil {
			result.LastError = st.LastError.Error()
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
