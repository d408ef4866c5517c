package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cerrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

// eventSender is the slice of the Transport the emitter needs. Kept small
// so tests can substitute a recording fake.
type eventSender interface {
	Send(ctx context.Context, payload any) error
}

// ReceiptEmitter observes conversation focus and emits mark_as_read
// acknowledgements. Emission is deduplicated on (conversation, message), so
// a focus transition produces one event and redundant triggers for the same
// latest message are dropped. The local read mark is persisted before the
// server acknowledges anything; the backend treats the event as idempotent.
type ReceiptEmitter struct {
	sender   eventSender
	appState *state.State
	userID   string
	logger   *slog.Logger

	mu         sync.Mutex
	lastConvID string
	lastMsgID  string
}

// NewReceiptEmitter creates a receipt emitter. appState may be nil in
// tests; read marks are then not persisted.
func NewReceiptEmitter(sender eventSender, appState *state.State, userID string, logger *slog.Logger) *ReceiptEmitter {
	return &ReceiptEmitter{
		sender:   sender,
		appState: appState,
		userID:   userID,
		logger:   logger,
	}
}

// ConversationFocused acknowledges a conversation up to latestMessageID.
// Called on focus transitions and when new activity lands on the focused
// conversation. Repeat calls for the same (conversation, message) pair are
// no-ops, bounding event volume to one per new latest message.
func (e *ReceiptEmitter) ConversationFocused(ctx context.Context, conversationID, latestMessageID string) {
	if latestMessageID == "" {
		return
	}

	e.mu.Lock()
	if e.lastConvID == conversationID && e.lastMsgID == latestMessageID {
		e.mu.Unlock()
		return
	}
	e.lastConvID = conversationID
	e.lastMsgID = latestMessageID
	e.mu.Unlock()

	// The local read mark is recorded first: the unread flag clears
	// optimistically whether or not the event reaches the server this
	// instant, and the next list refresh reconciles.
	e.persistReadMark(conversationID, latestMessageID)

	err := e.sender.Send(ctx, MarkAsReadPayload{
		Event:          eventMarkAsRead,
		ConversationID: conversationID,
		UserID:         e.userID,
		MessageID:      latestMessageID,
	})
	if err != nil {
		if errors.Is(err, cerrors.ErrNotConnected) {
			// Dropped on purpose: the next focus or list refresh re-emits,
			// and the persisted read mark already keeps unread correct.
			e.logger.Debug("mark_as_read skipped while disconnected",
				slog.String("conversation_id", conversationID),
			)
			return
		}
		e.logger.Warn("emitting mark_as_read",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *ReceiptEmitter) persistReadMark(conversationID, messageID string) {
	if e.appState == nil {
		return
	}

	err := e.appState.SetReadMark(state.ReadMark{
		ConversationID: conversationID,
		MessageID:      messageID,
		ReadAt:         time.Now(),
	})
	if err != nil {
		e.logger.Warn("persisting read mark",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}
