package chat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

const (
	// DefaultPageSize is the number of messages requested per history page.
	DefaultPageSize = 20

	// DefaultPollInterval is the wait between two history pages.
	DefaultPollInterval = time.Second
)

// PageFetcher loads one page of conversation history, newest first.
type PageFetcher interface {
	FetchMessagePage(ctx context.Context, conversationID string, page, limit int) (*models.MessagePage, error)
}

// StopReason says why a catch-up loop ended.
type StopReason int

const (
	// StopFound means the target message was on the last page fetched.
	StopFound StopReason = iota + 1
	// StopExhausted means the server returned an empty page.
	StopExhausted
	// StopFetchError means a page request failed.
	StopFetchError
	// StopCancelled means the loop was cancelled.
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopFound:
		return "found"
	case StopExhausted:
		return "exhausted"
	case StopFetchError:
		return "fetch_error"
	case StopCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CatchUpResult describes a finished catch-up loop.
type CatchUpResult struct {
	ConversationID string
	TargetID       string
	Pages          int
	Added          int
	Reason         StopReason
}

// CatchUpConfig tunes the catch-up loop. Zero values take the defaults.
type CatchUpConfig struct {
	PageSize     int
	PollInterval time.Duration
	Clock        Clock

	// OnDone, if set, is called from the loop goroutine after every loop
	// started with Start finishes.
	OnDone func(CatchUpResult, error)
}

type catchUpLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
	page   atomic.Int64
}

// CatchUp pulls conversation history page by page until the message store
// holds the message the summary points at. At most one loop runs per
// conversation.
type CatchUp struct {
	fetcher  PageFetcher
	messages *store.Messages
	logger   *slog.Logger

	pageSize int
	interval time.Duration
	clock    Clock
	onDone   func(CatchUpResult, error)

	mu    sync.Mutex
	loops map[string]*catchUpLoop
}

// NewCatchUp creates a catch-up runner that writes into messages.
func NewCatchUp(cfg CatchUpConfig, fetcher PageFetcher, messages *store.Messages, logger *slog.Logger) *CatchUp {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	return &CatchUp{
		fetcher:  fetcher,
		messages: messages,
		logger:   logger,
		pageSize: cfg.PageSize,
		interval: cfg.PollInterval,
		clock:    cfg.Clock,
		onDone:   cfg.OnDone,
		loops:    make(map[string]*catchUpLoop),
	}
}

// NeedsCatchUp reports whether the store is behind the summary: the
// summary points at a message and the store is either empty or its newest
// message is a different one.
func NeedsCatchUp(summary models.ConversationSummary, messages *store.Messages) bool {
	if summary.LastMessage == nil {
		return false
	}

	newest, ok := messages.NewestKnownID(summary.ID)
	if !ok {
		return true
	}

	return newest != summary.LastMessage.ID
}

// Run fetches page 1 immediately and then one page per poll interval,
// inserting every page into the store. It stops when a page contains
// targetID, when a page is empty, when a fetch fails (the error is
// returned) or when ctx is cancelled.
func (c *CatchUp) Run(ctx context.Context, conversationID, targetID string) (CatchUpResult, error) {
	return c.run(ctx, conversationID, targetID, nil)
}

func (c *CatchUp) run(ctx context.Context, conversationID, targetID string, progress *atomic.Int64) (CatchUpResult, error) {
	res := CatchUpResult{ConversationID: conversationID, TargetID: targetID}
	c.messages.InitConversation(conversationID)

	for page := 1; ; page++ {
		if ctx.Err() != nil {
			res.Reason = StopCancelled
			return res, nil
		}

		if progress != nil {
			progress.Store(int64(page))
		}

		res.Pages = page

		mp, err := c.fetcher.FetchMessagePage(ctx, conversationID, page, c.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				res.Reason = StopCancelled
				return res, nil
			}

			res.Reason = StopFetchError

			return res, err
		}

		if len(mp.Messages) == 0 {
			res.Reason = StopExhausted
			return res, nil
		}

		msgs, found := c.pageMessages(conversationID, targetID, mp.Messages)
		res.Added += c.messages.AddMessages(conversationID, msgs)

		c.logger.Debug("catch-up page",
			slog.String("conversation_id", conversationID),
			slog.Int("page", page),
			slog.Int("messages", len(mp.Messages)),
		)

		if found {
			res.Reason = StopFound
			return res, nil
		}

		if !sleep(ctx, c.clock, c.interval) {
			res.Reason = StopCancelled
			return res, nil
		}
	}
}

// pageMessages fills in a missing conversation id, drops messages that
// belong elsewhere and reports whether targetID is on the page.
func (c *CatchUp) pageMessages(conversationID, targetID string, page []models.Message) ([]models.Message, bool) {
	out := make([]models.Message, 0, len(page))
	found := false

	for _, m := range page {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}

		if m.ConversationID != conversationID {
			c.logger.Debug("dropping history message from another conversation",
				slog.String("conversation_id", conversationID),
				slog.String("message_id", m.ID),
			)

			continue
		}

		if targetID != "" && m.ID == targetID {
			found = true
		}

		out = append(out, m)
	}

	return out, found
}

// Start runs a catch-up loop in its own goroutine. It returns false, and
// does nothing, if a loop for the conversation is already in flight.
func (c *CatchUp) Start(ctx context.Context, conversationID, targetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.loops[conversationID]; ok {
		c.logger.Debug("catch-up already running",
			slog.String("conversation_id", conversationID),
		)

		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	loop := &catchUpLoop{cancel: cancel, done: make(chan struct{})}
	c.loops[conversationID] = loop

	go func() {
		defer close(loop.done)
		defer cancel()

		res, err := c.run(loopCtx, conversationID, targetID, &loop.page)

		c.mu.Lock()
		if c.loops[conversationID] == loop {
			delete(c.loops, conversationID)
		}
		c.mu.Unlock()

		c.report(res, err)
	}()

	return true
}

func (c *CatchUp) report(res CatchUpResult, err error) {
	attrs := []any{
		slog.String("conversation_id", res.ConversationID),
		slog.String("target_id", res.TargetID),
		slog.Int("pages", res.Pages),
		slog.Int("added", res.Added),
		slog.String("reason", res.Reason.String()),
	}

	if err != nil {
		c.logger.Warn("catch-up failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		c.logger.Debug("catch-up finished", attrs...)
	}

	if c.onDone != nil {
		c.onDone(res, err)
	}
}

// Cancel stops the loop for conversationID and waits for it to exit. The
// next Start begins again at page 1. A no-op when nothing is running.
func (c *CatchUp) Cancel(conversationID string) {
	c.mu.Lock()
	loop, ok := c.loops[conversationID]
	delete(c.loops, conversationID)
	c.mu.Unlock()

	if !ok {
		return
	}

	loop.cancel()
	<-loop.done
}

// CancelAll stops every running loop and waits for them to exit.
func (c *CatchUp) CancelAll() {
	c.mu.Lock()
	loops := c.loops
	c.loops = make(map[string]*catchUpLoop)
	c.mu.Unlock()

	for _, loop := range loops {
		loop.cancel()
	}

	for _, loop := range loops {
		<-loop.done
	}
}

// Active reports whether a loop for conversationID is in flight.
func (c *CatchUp) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.loops[conversationID]

	return ok
}

// Page returns the page the running loop for conversationID is on, or 0
// when no loop is running.
func (c *CatchUp) Page(conversationID string) int {
	c.mu.Lock()
	loop, ok := c.loops[conversationID]
	c.mu.Unlock()

	if !ok {
		return 0
	}

	return int(loop.page.Load())
}
