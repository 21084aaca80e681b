package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// ConversationFetcher loads a single conversation summary.
type ConversationFetcher interface {
	FetchConversationByID(ctx context.Context, id string) (*models.ConversationSummary, error)
}

// DispatcherConfig wires the dispatcher to the current user and optional
// observers. Observers are called from the goroutine that applied the
// change and must not block.
type DispatcherConfig struct {
	SelfID string

	OnMessage  func(msg models.Message, added bool)
	OnPresence func(online []models.User)
}

// Dispatcher applies inbound push frames to the stores. Frames are handled
// one at a time by the channel's event loop; the only asynchronous work is
// fetching summaries for conversations the store has not seen yet.
type Dispatcher struct {
	presence  *store.Presence
	summaries *store.Summaries
	messages  *store.Messages
	fetcher   ConversationFetcher
	logger    *slog.Logger

	selfID     string
	onMessage  func(models.Message, bool)
	onPresence func([]models.User)

	// fetches collapses concurrent fetch-by-id calls for one conversation.
	fetches  singleflight.Group
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher writing into the given stores.
func NewDispatcher(cfg DispatcherConfig, presence *store.Presence, summaries *store.Summaries, messages *store.Messages, fetcher ConversationFetcher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		presence:   presence,
		summaries:  summaries,
		messages:   messages,
		fetcher:    fetcher,
		logger:     logger,
		selfID:     cfg.SelfID,
		onMessage:  cfg.OnMessage,
		onPresence: cfg.OnPresence,
	}
}

// Dispatch classifies frame by its type field and applies it. Malformed
// frames return a *ParseError and unknown types wrap ErrUnknownFrame; in
// both cases no store is touched.
func (d *Dispatcher) Dispatch(ctx context.Context, frame []byte) error {
	if !gjson.ValidBytes(frame) {
		return &ParseError{Err: fmt.Errorf("invalid JSON (%d bytes)", len(frame))}
	}

	typ := gjson.GetBytes(frame, "type")

	switch typ.String() {
	case FrameConnect, FrameDisconnect:
		var f PresenceFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return &ParseError{Type: typ.String(), Err: err}
		}

		d.applyPresence(f)

		return nil

	case FrameMessage:
		var f MessageFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return &ParseError{Type: FrameMessage, Err: err}
		}

		if f.ID == "" || f.ConversationID == "" {
			return &ParseError{Type: FrameMessage, Err: fmt.Errorf("missing id or chat_id")}
		}

		d.applyMessage(ctx, f.Message())

		return nil

	case FrameNotification:
		var f NotificationFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return &ParseError{Type: FrameNotification, Err: err}
		}

		d.logger.Info("server notification", slog.String("message", f.Message))

		return nil

	default:
		if !typ.Exists() {
			return fmt.Errorf("%w: frame has no type", chaterrors.ErrUnknownFrame)
		}

		return fmt.Errorf("%w: %q", chaterrors.ErrUnknownFrame, typ.String())
	}
}

func (d *Dispatcher) applyPresence(f PresenceFrame) {
	d.presence.Replace(f.OnlineUsers, d.selfID)

	d.logger.Debug("presence updated",
		slog.String("event", f.Type),
		slog.Int("online", d.presence.Len()),
	)

	if d.onPresence != nil {
		d.onPresence(d.presence.Users())
	}
}

// applyMessage stores msg and moves the summary pointer. When the
// conversation is unknown its summary is fetched in the background and
// the pointer update retried once it arrives.
func (d *Dispatcher) applyMessage(ctx context.Context, msg models.Message) {
	added := d.messages.AddMessages(msg.ConversationID, []models.Message{msg}) > 0

	if d.onMessage != nil {
		d.onMessage(msg, added)
	}

	if d.summaries.ApplyMessageEvent(msg.ConversationID, msg) {
		return
	}

	d.inflight.Add(1)

	go func() {
		defer d.inflight.Done()
		d.fetchAndApply(ctx, msg)
	}()
}

func (d *Dispatcher) fetchAndApply(ctx context.Context, msg models.Message) {
	v, err, shared := d.fetches.Do(msg.ConversationID, func() (interface{}, error) {
		return d.fetcher.FetchConversationByID(ctx, msg.ConversationID)
	})
	if err != nil {
		d.logger.Warn("fetching unknown conversation",
			slog.String("conversation_id", msg.ConversationID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	summary, ok := v.(*models.ConversationSummary)
	if !ok || summary == nil {
		return
	}

	added := d.summaries.Add(*summary)
	applied := d.summaries.ApplyIfNewer(msg.ConversationID, msg)

	d.logger.Debug("resolved unknown conversation",
		slog.String("conversation_id", msg.ConversationID),
		slog.Bool("added", added),
		slog.Bool("applied", applied),
		slog.Bool("shared", shared),
	)
}

// Wait blocks until every background summary fetch has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}
