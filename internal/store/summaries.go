package store

import (
	"slices"
	"strings"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Summaries holds one summary per conversation the current user takes part
// in. The display order is recomputed on every read.
type Summaries struct {
	mu   sync.RWMutex
	byID map[string]models.ConversationSummary
}

// NewSummaries creates an empty summary store.
func NewSummaries() *Summaries {
	return &Summaries{
		byID: make(map[string]models.ConversationSummary),
	}
}

// SetAll replaces the store contents with list.
func (s *Summaries) SetAll(list []models.ConversationSummary) {
	next := make(map[string]models.ConversationSummary, len(list))
	for _, c := range list {
		next[c.ID] = c.Clone()
	}

	s.mu.Lock()
	s.byID = next
	s.mu.Unlock()
}

// Add inserts summary unless a summary with the same id already exists.
// Returns true if it was inserted.
func (s *Summaries) Add(summary models.ConversationSummary) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[summary.ID]; ok {
		return false
	}

	s.byID[summary.ID] = summary.Clone()

	return true
}

// ApplyMessageEvent points the conversation's last message at msg. It is a
// no-op returning false when the conversation is unknown; the caller must
// fetch and Add it first.
func (s *Summaries) ApplyMessageEvent(conversationID string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return false
	}

	c.LastMessage = lastMessageOf(msg)
	s.byID[conversationID] = c

	return true
}

// ApplyIfNewer is ApplyMessageEvent restricted to messages newer than the
// summary's current last message. Used after a fetched summary lands, when
// the server's copy may already be ahead of the event that triggered it.
func (s *Summaries) ApplyIfNewer(conversationID string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return false
	}

	if c.LastMessage != nil && (c.LastMessage.ID == msg.ID || !msg.SentAt.After(c.LastMessage.At)) {
		return false
	}

	c.LastMessage = lastMessageOf(msg)
	s.byID[conversationID] = c

	return true
}

// Merge folds a freshly fetched list into the store. Unknown conversations
// are added. Known ones take the incoming last message only when it is
// strictly newer (last write wins). Conversations missing from list are
// kept.
func (s *Summaries) Merge(list []models.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range list {
		cur, ok := s.byID[in.ID]
		if !ok {
			s.byID[in.ID] = in.Clone()
			continue
		}

		if in.LastMessage == nil {
			continue
		}

		if cur.LastMessage == nil || in.LastMessage.At.After(cur.LastMessage.At) {
			lm := *in.LastMessage
			cur.LastMessage = &lm
			s.byID[in.ID] = cur
		}
	}
}

// Get returns a copy of the summary for id.
func (s *Summaries) Get(id string) (models.ConversationSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return models.ConversationSummary{}, false
	}

	return c.Clone(), true
}

// Has reports whether a summary exists for id.
func (s *Summaries) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byID[id]

	return ok
}

// Len returns the number of summaries.
func (s *Summaries) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.byID)
}

// Sorted returns every summary ordered for display: most recent last
// message first, then conversations without messages by creation time
// (newest first), then by id.
func (s *Summaries) Sorted() []models.ConversationSummary {
	s.mu.RLock()
	out := make([]models.ConversationSummary, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, compareForDisplay)

	return out
}

// Clear empties the store.
func (s *Summaries) Clear() {
	s.mu.Lock()
	clear(s.byID)
	s.mu.Unlock()
}

func compareForDisplay(a, b models.ConversationSummary) int {
	aHas, bHas := a.LastMessage != nil, b.LastMessage != nil
	if aHas != bHas {
		if aHas {
			return -1
		}

		return 1
	}

	if c := b.SortKey().Compare(a.SortKey()); c != 0 {
		return c
	}

	return strings.Compare(a.ID, b.ID)
}

func lastMessageOf(msg models.Message) *models.LastMessage {
	return &models.LastMessage{
		ID:       msg.ID,
		Content:  msg.Content,
		ByUserID: msg.SenderID,
		At:       msg.SentAt,
	}
}
