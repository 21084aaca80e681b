// Package store holds the in-memory session caches: online presence,
// conversation summaries and per-conversation message sets. All stores are
// safe for concurrent use and merge idempotently, so the same update can
// arrive through both the push channel and the catch-up path.
package store

import (
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// messageSet holds the messages of a single conversation in insertion
// order. newest is the position of the message with the greatest SentAt,
// or -1 when the set is empty.
type messageSet struct {
	messages []models.Message
	ids      map[string]struct{}
	newest   int
}

func newMessageSet() *messageSet {
	return &messageSet{
		ids:    make(map[string]struct{}),
		newest: -1,
	}
}

func (s *messageSet) add(m models.Message) bool {
	if _, ok := s.ids[m.ID]; ok {
		return false
	}

	s.ids[m.ID] = struct{}{}
	s.messages = append(s.messages, m)

	// >= so that on equal timestamps the later insertion wins.
	pos := len(s.messages) - 1
	if s.newest < 0 || !m.SentAt.Before(s.messages[s.newest].SentAt) {
		s.newest = pos
	}

	return true
}

func (s *messageSet) newestID() string {
	if s.newest < 0 {
		return ""
	}

	return s.messages[s.newest].ID
}

// Messages is the per-conversation message cache. Messages are never
// removed except by Clear.
type Messages struct {
	mu   sync.RWMutex
	sets map[string]*messageSet
}

// NewMessages creates an empty message store.
func NewMessages() *Messages {
	return &Messages{
		sets: make(map[string]*messageSet),
	}
}

// set returns the set for conversationID, creating it if needed.
// Caller must hold mu for writing.
func (s *Messages) set(conversationID string) *messageSet {
	set, ok := s.sets[conversationID]
	if !ok {
		set = newMessageSet()
		s.sets[conversationID] = set
	}

	return set
}

// InitConversation creates an empty set for conversationID. It is a no-op
// if the set already exists.
func (s *Messages) InitConversation(conversationID string) {
	s.mu.Lock()
	s.set(conversationID)
	s.mu.Unlock()
}

// AddMessages appends every message whose ID is not already present in the
// conversation and returns how many were added. The set is created on first
// use, so it always exists before its first message is stored.
func (s *Messages) AddMessages(conversationID string, msgs []models.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.set(conversationID)
	added := 0

	for _, m := range msgs {
		if set.add(m) {
			added++
		}
	}

	return added
}

// Exists reports whether a set has been created for conversationID.
func (s *Messages) Exists(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sets[conversationID]

	return ok
}

// Has reports whether messageID is stored for conversationID.
func (s *Messages) Has(conversationID, messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sets[conversationID]
	if !ok {
		return false
	}

	_, ok = set.ids[messageID]

	return ok
}

// Len returns the number of messages stored for conversationID.
func (s *Messages) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sets[conversationID]
	if !ok {
		return 0
	}

	return len(set.messages)
}

// NewestKnownID returns the id of the message with the greatest SentAt in
// the conversation. ok is false when the conversation has no messages.
func (s *Messages) NewestKnownID(conversationID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sets[conversationID]
	if !ok || set.newest < 0 {
		return "", false
	}

	return set.newestID(), true
}

// Messages returns a copy of the conversation's messages in insertion
// order. Insertion order is not chronological; use Chronological for that.
func (s *Messages) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sets[conversationID]
	if !ok {
		return nil
	}

	return slices.Clone(set.messages)
}

// Chronological returns a sequence over the conversation's messages ordered
// by SentAt ascending, ties broken by ID. Nothing is copied until iteration
// starts, and each iteration takes a fresh snapshot, so the sequence can be
// ranged over any number of times.
func (s *Messages) Chronological(conversationID string) iter.Seq[models.Message] {
	return func(yield func(models.Message) bool) {
		snapshot := s.Messages(conversationID)
		sort.SliceStable(snapshot, func(i, j int) bool {
			return snapshot[i].Before(snapshot[j])
		})

		for _, m := range snapshot {
			if !yield(m) {
				return
			}
		}
	}
}

// Conversations returns the ids of all conversations with a set, sorted.
func (s *Messages) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sets))
	for id := range s.sets {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Clear drops every conversation. Only used on session teardown.
func (s *Messages) Clear() {
	s.mu.Lock()
	clear(s.sets)
	s.mu.Unlock()
}
