package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/state"
)

// ConversationList owns the ordered-by-recency conversation index. Entries
// are merged from paged fetches and live deltas; ordering is always
// descending by updatedAt with unique ids.
//
// Unread derivation is backed by persisted read marks: a conversation is
// unread iff its last activity postdates the most recent locally recorded
// read acknowledgement.
type ConversationList struct {
	logger *slog.Logger
	state  *state.State

	mu      sync.Mutex
	byID    map[string]*Conversation
	focused string
}

// NewConversationList creates a conversation list backed by the given
// state store. appState may be nil in tests that do not exercise
// persistence.
func NewConversationList(appState *state.State, logger *slog.Logger) *ConversationList {
	return &ConversationList{
		logger: logger,
		state:  appState,
		byID:   make(map[string]*Conversation),
	}
}

// WarmStart seeds the list from persisted snapshots so the UI has an
// ordering to show before the first fetch returns. Fetched pages overwrite
// these entries as they arrive.
func (cl *ConversationList) WarmStart() {
	if cl.state == nil {
		return
	}

	snaps, err := cl.state.AllConversations()
	if err != nil {
		cl.logger.Warn("loading conversation snapshots", slog.String("error", err.Error()))
		return
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	for id, cs := range snaps {
		if _, ok := cl.byID[id]; ok {
			continue
		}

		conv := &Conversation{
			ID:        id,
			UpdatedAt: cs.UpdatedAt,
		}
		if cs.LastContent != "" {
			conv.LastMessage = &MessageSnapshot{Content: cs.LastContent, CreatedAt: cs.LastSentAt}
		}
		conv.Unread = cl.deriveUnreadLocked(conv)
		cl.byID[id] = conv
	}
}

// LoadPage merges one fetched page into the list. An entry already present
// keeps whichever updatedAt is newer, so a live delta that raced ahead of
// the fetch is never regressed by stale page data.
func (cl *ConversationList) LoadPage(page Page[Conversation]) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	for _, item := range page.Items {
		conv := item
		existing, ok := cl.byID[conv.ID]
		if ok && existing.UpdatedAt.After(conv.UpdatedAt) {
			// Keep the fresher activity but adopt fetched metadata the
			// live delta did not carry.
			existing.Participants = conv.Participants
			continue
		}

		conv.Unread = cl.deriveUnreadLocked(&conv)
		cl.byID[conv.ID] = &conv
		cl.persistLocked(&conv)
	}
}

// ApplyLiveUpdate moves (or inserts) a conversation to the head of the
// ordering. The focused conversation never gains an unread flag; the
// caller is told to schedule a read receipt instead via the return value.
func (cl *ConversationList) ApplyLiveUpdate(conversationID string, last MessageSnapshot, updatedAt time.Time) (scheduleReceipt bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	conv, ok := cl.byID[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID}
		cl.byID[conversationID] = conv
	}

	snapshot := last
	conv.LastMessage = &snapshot
	if updatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = updatedAt
	}

	if cl.focused == conversationID {
		conv.Unread = false
		cl.persistLocked(conv)
		return true
	}

	conv.Unread = true
	cl.persistLocked(conv)

	return false
}

// MarkRead clears the unread flag optimistically, ahead of any server
// acknowledgement. Reconciled only on the next full list refresh.
func (cl *ConversationList) MarkRead(conversationID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if conv, ok := cl.byID[conversationID]; ok {
		conv.Unread = false
	}
}

// SetFocused records which conversation the UI currently displays. An
// empty id means none.
func (cl *ConversationList) SetFocused(conversationID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.focused = conversationID
}

// Focused returns the currently focused conversation id, or empty string.
func (cl *ConversationList) Focused() string {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return cl.focused
}

// Get returns a copy of a conversation entry.
func (cl *ConversationList) Get(conversationID string) (Conversation, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	conv, ok := cl.byID[conversationID]
	if !ok {
		return Conversation{}, false
	}

	return *conv, true
}

// Snapshot returns all entries ordered descending by updatedAt, ties
// broken by id for a stable ordering.
func (cl *ConversationList) Snapshot() []Conversation {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	out := make([]Conversation, 0, len(cl.byID))
	for _, conv := range cl.byID {
		out = append(out, *conv)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// deriveUnreadLocked computes the unread flag from the persisted read mark:
// unread iff the last activity postdates the last acknowledgement.
func (cl *ConversationList) deriveUnreadLocked(conv *Conversation) bool {
	if conv.LastMessage == nil {
		return false
	}

	if cl.state == nil {
		return false
	}

	rm, err := cl.state.GetReadMark(conv.ID)
	if err != nil {
		cl.logger.Warn("reading read mark",
			slog.String("conversation_id", conv.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if rm == nil {
		return true
	}

	return conv.LastMessage.CreatedAt.After(rm.ReadAt)
}

// persistLocked writes the list entry snapshot to the state store so the
// ordering survives a restart. Errors are logged; the snapshot is
// self-correcting on the next fetch.
func (cl *ConversationList) persistLocked(conv *Conversation) {
	if cl.state == nil {
		return
	}

	cs := state.ConversationSnapshot{
		ID:        conv.ID,
		UpdatedAt: conv.UpdatedAt,
	}
	if conv.LastMessage != nil {
		cs.LastContent = conv.LastMessage.Content
		cs.LastSentAt = conv.LastMessage.CreatedAt
	}
	for _, p := range conv.Participants {
		cs.Participants = append(cs.Participants, p.ID)
	}

	if err := cl.state.SetConversation(cs); err != nil {
		cl.logger.Warn("persisting conversation snapshot",
			slog.String("conversation_id", conv.ID),
			slog.String("error", err.Error()),
		)
	}
}
