package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cerrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// historyFetcher is the slice of the REST client the engine needs.
type historyFetcher interface {
	FetchConversationsPage(ctx context.Context, cursor string) (Page[Conversation], error)
	FetchMessagesPage(ctx context.Context, conversationID, cursor string) (Page[Message], error)
}

// pushTransport is the slice of the Transport the engine needs.
type pushTransport interface {
	Send(ctx context.Context, payload any) error
	Subscribe(ctx context.Context, conversationID string) error
	Unsubscribe(ctx context.Context, conversationID string)
	State() ConnState
}

// EngineConfig tunes the engine's send behavior.
type EngineConfig struct {
	UserID string

	// SendMaxRetries bounds transparent resends of a pending message
	// across reconnects before it is marked failed.
	SendMaxRetries int

	// SendTimeout bounds how long a send may stay pending without a server
	// echo before it is marked failed.
	SendTimeout time.Duration
}

// Engine is the reconciler: it routes transport events and fetch results
// into the message store and conversation list under the ordering and
// deduplication invariants, drives read receipts, and owns the optimistic
// send lifecycle (retry on reconnect, timeout to failed).
//
// Wire it to a Transport by passing HandleMessage, HandleConversationUpdate
// and HandleStateChange as the transport's callbacks.
type Engine struct {
	cfg       EngineConfig
	fetcher   historyFetcher
	transport pushTransport
	msgs      *MessageStore
	convs     *ConversationList
	receipts  *ReceiptEmitter
	logger    *slog.Logger

	// cursors tracks the next backward-pagination cursor per conversation.
	// Empty string means the log is fully loaded.
	cursors  map[string]string
	hasPage0 map[string]bool
	cursorMu sync.Mutex

	// attempts tracks in-flight optimistic sends by provisional id.
	attempts  map[string]*sendAttempt
	attemptMu sync.Mutex
}

type sendAttempt struct {
	conversationID string
	provisionalID  string
	content        string
	tries          int
	timer          *time.Timer
}

// NewEngine creates an engine over the given collaborators.
func NewEngine(cfg EngineConfig, fetcher historyFetcher, transport pushTransport, msgs *MessageStore, convs *ConversationList, receipts *ReceiptEmitter, logger *slog.Logger) *Engine {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.SendMaxRetries <= 0 {
		cfg.SendMaxRetries = 3
	}

	return &Engine{
		cfg:       cfg,
		fetcher:   fetcher,
		transport: transport,
		msgs:      msgs,
		convs:     convs,
		receipts:  receipts,
		logger:    logger,
		cursors:   make(map[string]string),
		hasPage0:  make(map[string]bool),
		attempts:  make(map[string]*sendAttempt),
	}
}

// HandleMessage routes an inbound receive_message event: merge into the
// message log, refresh the conversation list, and either clear unread (own
// echo, focused conversation) or flag it.
func (e *Engine) HandleMessage(msg Message) {
	res := e.msgs.ReconcileIncoming(msg)

	if res.Promoted {
		e.resolveAttempt(res.ProvisionalID)
	}

	scheduleReceipt := e.convs.ApplyLiveUpdate(msg.ConversationID, MessageSnapshot{
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}, msg.CreatedAt)

	switch {
	case msg.SenderID == e.cfg.UserID:
		// Own message: nothing to acknowledge, nothing unread.
		e.convs.MarkRead(msg.ConversationID)

	case scheduleReceipt:
		e.receipts.ConversationFocused(context.Background(), msg.ConversationID, msg.ID)
	}
}

// HandleConversationUpdate routes an inbound conversation.updated event
// into the conversation list and schedules a receipt when the update lands
// on the focused conversation.
func (e *Engine) HandleConversationUpdate(ev ConversationUpdatedEvent) {
	scheduleReceipt := e.convs.ApplyLiveUpdate(ev.ConversationID, ev.LastMessage, ev.UpdatedAt)
	if !scheduleReceipt {
		return
	}

	// Acknowledge up to the latest message we actually hold; the delta
	// itself carries no message id.
	if latest, ok := e.msgs.Latest(ev.ConversationID); ok && latest.State == StateConfirmed {
		e.receipts.ConversationFocused(context.Background(), ev.ConversationID, latest.ID)
	}
}

// HandleStateChange reacts to transport state transitions. On reconnect it
// flushes pending sends, bounded per message by SendMaxRetries.
func (e *Engine) HandleStateChange(s ConnState) {
	if s != StateConnected {
		return
	}

	// The callback fires from the transport's goroutine; flushing sends
	// round-trips through the event loop, so it must not run inline.
	go e.flushPending(context.Background())
}

// OpenConversation makes a conversation the focused one: loads page 0 if
// the log is empty, joins its room, clears unread, and acknowledges the
// latest message. Returns the current log snapshot.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) ([]Message, error) {
	e.convs.SetFocused(conversationID)

	e.cursorMu.Lock()
	loaded := e.hasPage0[conversationID]
	e.cursorMu.Unlock()

	if !loaded {
		page, err := e.fetcher.FetchMessagesPage(ctx, conversationID, "")
		if err != nil {
			return nil, fmt.Errorf("loading initial page: %w", err)
		}

		e.msgs.LoadInitialPage(conversationID, page)

		e.cursorMu.Lock()
		e.hasPage0[conversationID] = true
		e.cursors[conversationID] = page.NextCursor
		e.cursorMu.Unlock()
	}

	if err := e.transport.Subscribe(ctx, conversationID); err != nil && !errors.Is(err, cerrors.ErrNotConnected) {
		// Subscription is retried by the transport's reconnect path; a
		// transient failure here must not block opening the conversation.
		e.logger.Warn("joining room",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}

	e.convs.MarkRead(conversationID)

	if latest, ok := e.msgs.Latest(conversationID); ok && latest.State == StateConfirmed {
		e.receipts.ConversationFocused(ctx, conversationID, latest.ID)
	}

	return e.msgs.Messages(conversationID), nil
}

// CloseConversation releases focus (and the room subscription) if the
// conversation is still the focused one.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) {
	if e.convs.Focused() == conversationID {
		e.convs.SetFocused("")
	}

	e.transport.Unsubscribe(ctx, conversationID)
}

// LoadOlder fetches and prepends the next backward-pagination page.
// adjustAnchor receives the number of items actually prepended (the scroll
// anchor delta), synchronously with the store update, and only while the
// conversation is still focused; if focus moved mid-fetch the result is
// still applied but the adjustment is skipped. Returns true when more
// pages remain.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string, adjustAnchor func(prepended int)) (bool, error) {
	e.cursorMu.Lock()
	cursor, loaded := e.cursors[conversationID], e.hasPage0[conversationID]
	e.cursorMu.Unlock()

	if !loaded {
		return false, cerrors.ErrConversationNotFound
	}
	if cursor == "" {
		return false, nil
	}

	page, err := e.fetcher.FetchMessagesPage(ctx, conversationID, cursor)
	if err != nil {
		return true, fmt.Errorf("loading older page: %w", err)
	}

	prepended := e.msgs.LoadOlderPage(conversationID, page)

	e.cursorMu.Lock()
	e.cursors[conversationID] = page.NextCursor
	e.cursorMu.Unlock()

	if adjustAnchor != nil && e.convs.Focused() == conversationID {
		adjustAnchor(prepended)
	}

	return page.NextCursor != "", nil
}

// RefreshConversations loads the first page of the conversation list.
// Returns the cursor for LoadMoreConversations.
func (e *Engine) RefreshConversations(ctx context.Context) (string, error) {
	return e.LoadMoreConversations(ctx, "")
}

// LoadMoreConversations merges one further page of the conversation list.
func (e *Engine) LoadMoreConversations(ctx context.Context, cursor string) (string, error) {
	page, err := e.fetcher.FetchConversationsPage(ctx, cursor)
	if err != nil {
		return cursor, fmt.Errorf("loading conversations page: %w", err)
	}

	e.convs.LoadPage(page)

	return page.NextCursor, nil
}

// SendMessage inserts an optimistic pending message and emits it. While
// disconnected the message stays pending and is resent transparently on
// reconnect; SendTimeout without a server echo marks it failed.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string) (Message, error) {
	msg := e.msgs.AppendOptimistic(conversationID, e.cfg.UserID, content)

	// Own activity bumps the conversation immediately; the echo will
	// confirm it.
	e.convs.ApplyLiveUpdate(conversationID, MessageSnapshot{
		Content:   content,
		CreatedAt: msg.CreatedAt,
	}, msg.CreatedAt)
	e.convs.MarkRead(conversationID)

	attempt := &sendAttempt{
		conversationID: conversationID,
		provisionalID:  msg.ID,
		content:        content,
	}
	e.attemptMu.Lock()
	e.attempts[msg.ID] = attempt
	attempt.timer = time.AfterFunc(e.cfg.SendTimeout, func() {
		e.expireAttempt(msg.ID)
	})
	e.attemptMu.Unlock()

	e.emit(ctx, attempt)

	return msg, nil
}

// ResendFailed replaces a failed entry with a fresh optimistic send. The
// failed entry is removed; a failed message is never resurrected in place.
func (e *Engine) ResendFailed(ctx context.Context, conversationID, provisionalID string) (Message, error) {
	removed, ok := e.msgs.RemoveFailed(conversationID, provisionalID)
	if !ok {
		return Message{}, fmt.Errorf("%w: no failed message %s", cerrors.ErrConversationNotFound, provisionalID)
	}

	return e.SendMessage(ctx, conversationID, removed.Content)
}

// emit writes one send_message frame. ErrNotConnected is absorbed: the
// pending entry waits for the reconnect flush.
func (e *Engine) emit(ctx context.Context, attempt *sendAttempt) {
	e.attemptMu.Lock()
	attempt.tries++
	tries := attempt.tries
	e.attemptMu.Unlock()

	err := e.transport.Send(ctx, SendMessagePayload{
		Event:          eventSendMessage,
		ConversationID: attempt.conversationID,
		Content:        attempt.content,
	})
	if err == nil {
		return
	}

	if errors.Is(err, cerrors.ErrNotConnected) {
		e.logger.Debug("send queued until reconnect",
			slog.String("provisional_id", attempt.provisionalID),
			slog.Int("tries", tries),
		)
		return
	}

	e.logger.Warn("send failed, awaiting retry",
		slog.String("provisional_id", attempt.provisionalID),
		slog.Int("tries", tries),
		slog.String("error", err.Error()),
	)
}

// flushPending resends every unresolved optimistic message after a
// reconnect. A message that already used up its retries is marked failed
// instead.
func (e *Engine) flushPending(ctx context.Context) {
	e.attemptMu.Lock()
	pending := make([]*sendAttempt, 0, len(e.attempts))
	for _, a := range e.attempts {
		pending = append(pending, a)
	}
	e.attemptMu.Unlock()

	for _, attempt := range pending {
		e.attemptMu.Lock()
		_, alive := e.attempts[attempt.provisionalID]
		exhausted := attempt.tries >= e.cfg.SendMaxRetries
		e.attemptMu.Unlock()

		if !alive {
			continue
		}

		if exhausted {
			e.failAttempt(attempt.provisionalID)
			continue
		}

		e.emit(ctx, attempt)
	}
}

// resolveAttempt drops the retry bookkeeping for a promoted send.
func (e *Engine) resolveAttempt(provisionalID string) {
	e.attemptMu.Lock()
	attempt, ok := e.attempts[provisionalID]
	if ok {
		delete(e.attempts, provisionalID)
	}
	e.attemptMu.Unlock()

	if ok && attempt.timer != nil {
		attempt.timer.Stop()
	}
}

// expireAttempt fires when SendTimeout elapses without a server echo.
func (e *Engine) expireAttempt(provisionalID string) {
	e.attemptMu.Lock()
	_, alive := e.attempts[provisionalID]
	e.attemptMu.Unlock()

	if !alive {
		return
	}

	e.logger.Warn("send timed out", slog.String("provisional_id", provisionalID))
	e.failAttempt(provisionalID)
}

func (e *Engine) failAttempt(provisionalID string) {
	e.attemptMu.Lock()
	attempt, ok := e.attempts[provisionalID]
	if ok {
		delete(e.attempts, provisionalID)
	}
	e.attemptMu.Unlock()

	if !ok {
		return
	}

	if attempt.timer != nil {
		attempt.timer.Stop()
	}

	e.msgs.MarkFailed(attempt.conversationID, provisionalID)
}
