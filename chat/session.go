package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

// API is the part of the REST client a session depends on.
type API interface {
	ConversationFetcher
	PageFetcher
	FetchConversations(ctx context.Context) ([]models.ConversationSummary, error)
	CreateConversation(ctx context.Context, userID string) (*models.ConversationSummary, error)
}

// SessionConfig holds everything a session needs besides the API client.
type SessionConfig struct {
	WSURL       string
	Credentials models.Credentials

	PageSize          int
	PollInterval      time.Duration
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	SendRate          float64
	SendBurst         int
	Clock             Clock

	// Optional observers, see DispatcherConfig.
	OnMessage  func(msg models.Message, added bool)
	OnPresence func(online []models.User)
}

// Status is a snapshot of the session for display.
type Status struct {
	State         ChannelState
	LastError     error
	Selected      string
	Conversations int
	Online        int
}

// Session is one signed-in client: the stores, the dispatcher feeding
// them from the push channel and the catch-up loops filling history.
type Session struct {
	api    API
	logger *slog.Logger

	presence  *store.Presence
	summaries *store.Summaries
	messages  *store.Messages

	dispatcher *Dispatcher
	catchUp    *CatchUp
	channel    *Channel

	// ctx bounds background work (catch-up loops, resyncs) to the
	// session rather than to the call that started it.
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu            sync.Mutex
	selected      string
	everConnected bool
	torn          bool
}

// NewSession wires fresh stores, a dispatcher, a catch-up runner and a
// push channel for the given credentials.
func NewSession(cfg SessionConfig, api API, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		api:       api,
		logger:    logger,
		presence:  store.NewPresence(),
		summaries: store.NewSummaries(),
		messages:  store.NewMessages(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.dispatcher = NewDispatcher(DispatcherConfig{
		SelfID:     cfg.Credentials.UserID,
		OnMessage:  cfg.OnMessage,
		OnPresence: cfg.OnPresence,
	}, s.presence, s.summaries, s.messages, api, logger)

	s.catchUp = NewCatchUp(CatchUpConfig{
		PageSize:     cfg.PageSize,
		PollInterval: cfg.PollInterval,
		Clock:        cfg.Clock,
	}, api, s.messages, logger)

	token := cfg.Credentials.Token
	s.channel = NewChannel(ChannelConfig{
		URL:               cfg.WSURL,
		Token:             func() string { return token },
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendRate:          cfg.SendRate,
		SendBurst:         cfg.SendBurst,
		Clock:             cfg.Clock,
		OnStateChange:     s.onChannelState,
	}, s.dispatcher, logger)

	return s
}

// Start loads the conversation list and then runs the push channel until
// ctx ends or the session is torn down. A failed list fetch is logged and
// leaves the list empty.
func (s *Session) Start(ctx context.Context) error {
	if err := s.loadConversations(ctx); err != nil {
		s.logger.Warn("loading conversations", slog.String("error", err.Error()))
	}

	return s.channel.Run(ctx)
}

func (s *Session) loadConversations(ctx context.Context) error {
	list, err := s.api.FetchConversations(ctx)
	if err != nil {
		return err
	}

	s.summaries.SetAll(list)
	s.logger.Info("conversations loaded", slog.Int("count", len(list)))

	return nil
}

// onChannelState triggers a resync on every connect after the first.
func (s *Session) onChannelState(_, to ChannelState) {
	if to != StateConnected {
		return
	}

	s.mu.Lock()
	reconnect := s.everConnected
	s.everConnected = true

	if s.torn || !reconnect {
		s.mu.Unlock()
		return
	}

	// Registered under mu so Teardown cannot miss it.
	s.bg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.bg.Done()
		s.resync(s.ctx)
	}()
}

// resync merges a fresh conversation list into the store and re-checks
// the selected conversation for missed messages.
func (s *Session) resync(ctx context.Context) {
	list, err := s.api.FetchConversations(ctx)
	if err != nil {
		s.logger.Warn("resyncing conversations", slog.String("error", err.Error()))
		return
	}

	s.summaries.Merge(list)
	s.logger.Info("conversations resynced", slog.Int("count", len(list)))

	if id := s.Selected(); id != "" {
		s.evaluateCatchUp(id)
	}
}

// evaluateCatchUp starts a catch-up loop for id when the store is behind
// its summary. Reports whether a loop was started.
func (s *Session) evaluateCatchUp(id string) bool {
	summary, ok := s.summaries.Get(id)
	if !ok || !NeedsCatchUp(summary, s.messages) {
		return false
	}

	return s.catchUp.Start(s.ctx, id, summary.LastMessage.ID)
}

// Open selects a conversation. The previously selected conversation's
// catch-up is cancelled and a catch-up for id starts when its messages are
// behind the summary. Unknown conversations are fetched first.
func (s *Session) Open(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty conversation id", chaterrors.ErrConversationNotFound)
	}

	if !s.summaries.Has(id) {
		summary, err := s.api.FetchConversationByID(ctx, id)
		if err != nil {
			return fmt.Errorf("opening conversation %s: %w", id, err)
		}

		s.summaries.Add(*summary)
	}

	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return chaterrors.ErrChannelClosed
	}

	prev := s.selected
	s.selected = id
	s.mu.Unlock()

	if prev != "" && prev != id {
		s.catchUp.Cancel(prev)
	}

	s.messages.InitConversation(id)

	if s.evaluateCatchUp(id) {
		s.logger.Debug("catch-up started", slog.String("conversation_id", id))
	}

	return nil
}

// CloseConversation deselects the current conversation and stops its
// catch-up.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	prev := s.selected
	s.selected = ""
	s.mu.Unlock()

	if prev != "" {
		s.catchUp.Cancel(prev)
	}
}

// StartConversation creates (or finds) the conversation with userID and
// adds it to the list.
func (s *Session) StartConversation(ctx context.Context, userID string) (models.ConversationSummary, error) {
	summary, err := s.api.CreateConversation(ctx, userID)
	if err != nil {
		return models.ConversationSummary{}, err
	}

	s.summaries.Add(*summary)

	return summary.Clone(), nil
}

// Send writes a message to a conversation over the push channel.
func (s *Session) Send(ctx context.Context, conversationID, content string) error {
	return s.channel.Send(ctx, conversationID, content)
}

// Conversations returns the conversation list in display order.
func (s *Session) Conversations() []models.ConversationSummary {
	return s.summaries.Sorted()
}

// Conversation returns a single summary.
func (s *Session) Conversation(id string) (models.ConversationSummary, bool) {
	return s.summaries.Get(id)
}

// Messages returns the conversation's messages in chronological order.
func (s *Session) Messages(id string) iter.Seq[models.Message] {
	return s.messages.Chronological(id)
}

// OnlineUsers returns the users currently online, excluding ourselves.
func (s *Session) OnlineUsers() []models.User {
	return s.presence.Users()
}

// ChannelState returns the push channel state.
func (s *Session) ChannelState() ChannelState {
	return s.channel.State()
}

// LastError returns the push channel's most recent error.
func (s *Session) LastError() error {
	return s.channel.LastError()
}

// Ready is closed once the push channel first connects.
func (s *Session) Ready() <-chan struct{} {
	return s.channel.Ready()
}

// Selected returns the open conversation id, or empty string.
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selected
}

// CatchingUp reports whether a catch-up loop for id is running.
func (s *Session) CatchingUp(id string) bool {
	return s.catchUp.Active(id)
}

// Status returns a snapshot for display.
func (s *Session) Status() Status {
	return Status{
		State:         s.channel.State(),
		LastError:     s.channel.LastError(),
		Selected:      s.Selected(),
		Conversations: s.summaries.Len(),
		Online:        s.presence.Len(),
	}
}

// Teardown closes the push channel, stops every catch-up loop, waits for
// background fetches and clears all stores. Safe to call more than once.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}

	s.torn = true
	s.selected = ""
	s.mu.Unlock()

	if err := s.channel.Close(); err != nil {
		s.logger.Debug("closing push channel", slog.String("error", err.Error()))
	}

	s.cancel()
	s.catchUp.CancelAll()
	s.dispatcher.Wait()
	s.bg.Wait()

	s.presence.Clear()
	s.summaries.Clear()
	s.messages.Clear()

	s.logger.Info("session torn down")
}
