package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// message builds a message sent offset seconds after baseTime.
func message(conversationID, id string, offset int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "u-peer",
		Content:        "content of " + id,
		SentAt:         baseTime.Add(time.Duration(offset) * time.Second),
	}
}

// history builds n messages m1..mn, oldest first.
func history(conversationID string, n int) []models.Message {
	out := make([]models.Message, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, message(conversationID, fmt.Sprintf("m%d", i), i))
	}

	return out
}

func summaryWithLast(id string, last *models.Message) models.ConversationSummary {
	s := models.ConversationSummary{
		ID:             id,
		ParticipantIDs: []string{"u-self", "u-peer"},
		CreatedBy:      "u-self",
		CreatedAt:      baseTime.Add(-time.Hour),
	}

	if last != nil {
		s.LastMessage = &models.LastMessage{
			ID:       last.ID,
			Content:  last.Content,
			ByUserID: last.SenderID,
			At:       last.SentAt,
		}
	}

	return s
}

type pageCall struct {
	conversationID string
	page           int
	limit          int
}

// fakeAPI is an in-memory chat server. History pages are served newest
// first like the real server.
type fakeAPI struct {
	mu sync.Mutex

	conversations    []models.ConversationSummary
	conversationsErr error
	listCalls        int

	byID      map[string]models.ConversationSummary
	byIDErr   error
	byIDDelay time.Duration
	byIDCalls int

	history   map[string][]models.Message
	pageErrs  map[int]error
	pageCalls []pageCall

	created   map[string]models.ConversationSummary
	createErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		byID:     make(map[string]models.ConversationSummary),
		history:  make(map[string][]models.Message),
		pageErrs: make(map[int]error),
		created:  make(map[string]models.ConversationSummary),
	}
}

func (f *fakeAPI) setConversations(list ...models.ConversationSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.conversations = list
}

func (f *fakeAPI) setHistory(conversationID string, msgs []models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.history[conversationID] = msgs
}

func (f *fakeAPI) calls() []pageCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.pageCalls)
}

func (f *fakeAPI) FetchConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.conversationsErr != nil {
		return nil, f.conversationsErr
	}

	out := make([]models.ConversationSummary, 0, len(f.conversations))
	for _, c := range f.conversations {
		out = append(out, c.Clone())
	}

	return out, nil
}

func (f *fakeAPI) FetchConversationByID(ctx context.Context, id string) (*models.ConversationSummary, error) {
	f.mu.Lock()
	f.byIDCalls++
	delay := f.byIDDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.byIDErr != nil {
		return nil, f.byIDErr
	}

	c, ok := f.byID[id]
	if !ok {
		return nil, &FetchError{Op: "fetching conversation " + id, Err: fmt.Errorf("not found")}
	}

	c = c.Clone()

	return &c, nil
}

func (f *fakeAPI) FetchMessagePage(ctx context.Context, conversationID string, page, limit int) (*models.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pageCalls = append(f.pageCalls, pageCall{conversationID: conversationID, page: page, limit: limit})

	if err := f.pageErrs[page]; err != nil {
		return nil, err
	}

	all := slices.Clone(f.history[conversationID])
	slices.Reverse(all)

	totalPages := (len(all) + limit - 1) / limit
	start := (page - 1) * limit

	if start >= len(all) {
		return &models.MessagePage{Messages: []models.Message{}, TotalPages: totalPages}, nil
	}

	end := min(start+limit, len(all))

	return &models.MessagePage{Messages: all[start:end], TotalPages: totalPages}, nil
}

func (f *fakeAPI) CreateConversation(ctx context.Context, userID string) (*models.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	c, ok := f.created[userID]
	if !ok {
		return nil, fmt.Errorf("no conversation for %s", userID)
	}

	c = c.Clone()

	return &c, nil
}

// manualClock hands out timers that fire only when advanced by hand.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
	made   chan time.Duration
}

func newManualClock() *manualClock {
	return &manualClock{made: make(chan time.Duration, 64)}
}

type manualTimer struct {
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (t *manualTimer) C() <-chan time.Time { return t.c }

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	was := !t.stopped
	t.stopped = true

	return was
}

func (m *manualClock) NewTimer(d time.Duration) Timer {
	t := &manualTimer{c: make(chan time.Time, 1)}

	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()

	m.made <- d

	return t
}

// fire triggers every pending timer.
func (m *manualClock) fire() {
	m.mu.Lock()
	timers := m.timers
	m.timers = nil
	m.mu.Unlock()

	for _, t := range timers {
		t.mu.Lock()
		if !t.stopped {
			t.stopped = true
			t.c <- baseTime
		}
		t.mu.Unlock()
	}
}
