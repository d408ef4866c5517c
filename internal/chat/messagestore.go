package chat

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/text/unicode/norm"
)

const (
	// provisionalPrefix marks locally generated message ids. Server ids
	// never carry it, so provisional ids are structurally distinguishable
	// and never collide with confirmed ones.
	provisionalPrefix = "local-"

	// defaultMatchWindow bounds the optimistic promotion heuristic. A
	// server echo only promotes a pending entry created within this window,
	// so two rapid identical sends resolve to two confirmed messages
	// instead of collapsing into one.
	defaultMatchWindow = 5 * time.Second
)

// Anomaly reports a server id collision with differing content. The store
// recovers by itself (last write wins by createdAt); the hook exists so the
// condition is observable rather than silently swallowed.
type Anomaly struct {
	ConversationID string
	MessageID      string
	Kept           Message
	Dropped        Message
	Diff           string
}

// MessageStore owns the per-conversation ordered message log. All reads and
// writes go through its methods; every mutation is atomic under one mutex,
// so pagination pages and live events can never interleave mid-merge.
//
// Invariants per conversation:
//   - log is sorted ascending by (createdAt, id)
//   - no two entries share an id
//   - a pending entry resolves to exactly one confirmed entry (promotion)
//     or terminates as failed; it is never duplicated by its own echo
type MessageStore struct {
	logger *slog.Logger

	// OnAnomaly, when set, receives merge-conflict reports. Must not call
	// back into the store.
	OnAnomaly func(Anomaly)

	mu   sync.Mutex
	logs map[string][]Message

	// pending tracks unresolved optimistic sends per conversation, in
	// insertion order. Entries leave on promotion or failure.
	pending map[string][]pendingSend

	seq         atomic.Int64
	matchWindow time.Duration

	// now is swappable for tests.
	now func() time.Time
}

type pendingSend struct {
	provisionalID string
	senderID      string
	content       string // normalized
	createdAt     time.Time
}

// NewMessageStore creates an empty message store.
func NewMessageStore(logger *slog.Logger) *MessageStore {
	return &MessageStore{
		logger:      logger,
		logs:        make(map[string][]Message),
		pending:     make(map[string][]pendingSend),
		matchWindow: defaultMatchWindow,
		now:         time.Now,
	}
}

// LoadInitialPage installs page 0 for a conversation. A conversation that
// already holds messages (a live event beat the fetch) is merged instead of
// replaced, so nothing already delivered is lost.
func (ms *MessageStore) LoadInitialPage(conversationID string, page Page[Message]) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	log := ms.logs[conversationID]
	if len(log) == 0 {
		items := make([]Message, len(page.Items))
		copy(items, page.Items)
		sortMessages(items)
		ms.logs[conversationID] = items
		return
	}

	for _, m := range page.Items {
		ms.insertLocked(conversationID, m)
	}
}

// LoadOlderPage prepends a backward-pagination page. Items whose id is
// already present are skipped, covering the race where a live event
// delivered a message this page also contains. Returns the number of items
// actually inserted, which is the scroll-anchor delta the caller must apply
// in the same tick.
func (ms *MessageStore) LoadOlderPage(conversationID string, page Page[Message]) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	inserted := 0
	for _, m := range page.Items {
		if ms.insertLocked(conversationID, m) {
			inserted++
		}
	}

	return inserted
}

// AppendOptimistic inserts a pending message at the tail of the log and
// returns it. The returned message carries the provisional id the caller
// uses to mark the send failed later.
func (ms *MessageStore) AppendOptimistic(conversationID, senderID, content string) Message {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	m := Message{
		ID:             fmt.Sprintf("%s%d", provisionalPrefix, ms.seq.Add(1)),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      ms.now(),
		State:          StatePending,
	}

	ms.logs[conversationID] = append(ms.logs[conversationID], m)
	ms.pending[conversationID] = append(ms.pending[conversationID], pendingSend{
		provisionalID: m.ID,
		senderID:      senderID,
		content:       normalizeContent(content),
		createdAt:     m.CreatedAt,
	})

	return m
}

// ReconcileResult describes what ReconcileIncoming did with a message.
type ReconcileResult struct {
	// Promoted is true when a pending entry was confirmed in place.
	// ProvisionalID then names the entry that resolved.
	Promoted      bool
	ProvisionalID string

	// Inserted is true when the message entered the log as a new entry.
	Inserted bool

	// Duplicate is true when the server id was already present (idempotent
	// redelivery or a resolved conflict).
	Duplicate bool
}

// ReconcileIncoming merges an authoritative server message into the log.
//
// Order of checks:
//  1. Duplicate server id: identical content is an idempotent no-op;
//     differing content is a merge conflict resolved last-write-wins by
//     createdAt and reported through OnAnomaly.
//  2. Promotion: a pending entry from this session with the same sender and
//     normalized content, created within the match window, is promoted in
//     place. The entry keeps its list position so the UI never sees a jump.
//  3. Otherwise the message is inserted at its sort position, which handles
//     out-of-order arrivals from stale subscribers.
//
// The merge commutes with LoadOlderPage: applying a backfill page and a set
// of live events in either order produces the same sorted, deduplicated log.
func (ms *MessageStore) ReconcileIncoming(msg Message) ReconcileResult {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	msg.State = StateConfirmed
	convID := msg.ConversationID

	if idx, ok := ms.findLocked(convID, msg.ID); ok {
		ms.resolveCollisionLocked(convID, idx, msg)
		return ReconcileResult{Duplicate: true}
	}

	if provisionalID, ok := ms.promoteLocked(convID, msg); ok {
		return ReconcileResult{Promoted: true, ProvisionalID: provisionalID}
	}

	ms.insertLocked(convID, msg)

	return ReconcileResult{Inserted: true}
}

// MarkFailed transitions a pending entry to failed without removing it, so
// the UI can keep it visible with a retry affordance. A message that
// already resolved is left untouched.
func (ms *MessageStore) MarkFailed(conversationID, provisionalID string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	idx, ok := ms.findLocked(conversationID, provisionalID)
	if !ok || ms.logs[conversationID][idx].State != StatePending {
		return false
	}

	ms.logs[conversationID][idx].State = StateFailed
	ms.removePendingLocked(conversationID, provisionalID)

	ms.logger.Warn("send failed",
		slog.String("conversation_id", conversationID),
		slog.String("provisional_id", provisionalID),
	)

	return true
}

// RemoveFailed deletes a failed entry from the log. Used by the resend
// path, which replaces the failed entry with a fresh optimistic send; a
// failed message is never flipped back to pending in place.
func (ms *MessageStore) RemoveFailed(conversationID, provisionalID string) (Message, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	idx, ok := ms.findLocked(conversationID, provisionalID)
	if !ok || ms.logs[conversationID][idx].State != StateFailed {
		return Message{}, false
	}

	log := ms.logs[conversationID]
	removed := log[idx]
	ms.logs[conversationID] = append(log[:idx], log[idx+1:]...)

	return removed, true
}

// Messages returns a copy of a conversation's log in ascending order.
func (ms *MessageStore) Messages(conversationID string) []Message {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	log := ms.logs[conversationID]
	out := make([]Message, len(log))
	copy(out, log)

	return out
}

// Latest returns the newest message in a conversation's log, or false when
// the log is empty.
func (ms *MessageStore) Latest(conversationID string) (Message, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	log := ms.logs[conversationID]
	if len(log) == 0 {
		return Message{}, false
	}

	return log[len(log)-1], true
}

// PendingCount returns the number of unresolved optimistic sends in a
// conversation.
func (ms *MessageStore) PendingCount(conversationID string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return len(ms.pending[conversationID])
}

// insertLocked places m at its sort position, skipping duplicates. Returns
// true when the message was inserted.
func (ms *MessageStore) insertLocked(conversationID string, m Message) bool {
	if _, ok := ms.findLocked(conversationID, m.ID); ok {
		return false
	}

	if m.State != StatePending {
		m.State = StateConfirmed
	}

	log := ms.logs[conversationID]
	pos := sort.Search(len(log), func(i int) bool {
		return !messageLess(log[i], m)
	})

	log = append(log, Message{})
	copy(log[pos+1:], log[pos:])
	log[pos] = m
	ms.logs[conversationID] = log

	return true
}

// promoteLocked attempts the optimistic match. The oldest unresolved
// pending entry with the same sender and normalized content, created within
// the match window of the echo, is promoted in place. Returns the
// provisional id that resolved.
func (ms *MessageStore) promoteLocked(conversationID string, msg Message) (string, bool) {
	content := normalizeContent(msg.Content)

	for _, p := range ms.pending[conversationID] {
		if p.senderID != msg.SenderID || p.content != content {
			continue
		}
		if absDuration(msg.CreatedAt.Sub(p.createdAt)) > ms.matchWindow {
			continue
		}

		idx, ok := ms.findLocked(conversationID, p.provisionalID)
		if !ok {
			continue
		}

		entry := &ms.logs[conversationID][idx]
		entry.ID = msg.ID
		entry.CreatedAt = msg.CreatedAt
		entry.State = StateConfirmed
		ms.removePendingLocked(conversationID, p.provisionalID)

		ms.logger.Debug("promoted optimistic message",
			slog.String("conversation_id", conversationID),
			slog.String("provisional_id", p.provisionalID),
			slog.String("server_id", msg.ID),
		)

		return p.provisionalID, true
	}

	return "", false
}

// resolveCollisionLocked handles a duplicate server id. Identical content
// is the idempotent redelivery case. Differing content keeps whichever
// message has the newer createdAt and reports the anomaly.
func (ms *MessageStore) resolveCollisionLocked(conversationID string, idx int, msg Message) {
	existing := ms.logs[conversationID][idx]
	if existing.Content == msg.Content {
		return
	}

	kept, dropped := existing, msg
	if msg.CreatedAt.After(existing.CreatedAt) {
		kept, dropped = msg, existing
		ms.logs[conversationID][idx] = msg
	}

	ms.logger.Warn("merge conflict on server id",
		slog.String("conversation_id", conversationID),
		slog.String("message_id", msg.ID),
		slog.Time("kept_created_at", kept.CreatedAt),
	)

	if ms.OnAnomaly != nil {
		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(dropped.Content, kept.Content, false)
		ms.OnAnomaly(Anomaly{
			ConversationID: conversationID,
			MessageID:      msg.ID,
			Kept:           kept,
			Dropped:        dropped,
			Diff:           dmp.DiffPrettyText(diffs),
		})
	}
}

func (ms *MessageStore) findLocked(conversationID, id string) (int, bool) {
	for i, m := range ms.logs[conversationID] {
		if m.ID == id {
			return i, true
		}
	}

	return 0, false
}

func (ms *MessageStore) removePendingLocked(conversationID, provisionalID string) {
	pend := ms.pending[conversationID]
	for i, p := range pend {
		if p.provisionalID == provisionalID {
			ms.pending[conversationID] = append(pend[:i], pend[i+1:]...)
			return
		}
	}
}

// messageLess orders messages ascending by (createdAt, id).
func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return a.ID < b.ID
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return messageLess(msgs[i], msgs[j])
	})
}

// normalizeContent puts content into NFC form with surrounding whitespace
// trimmed, so the promotion heuristic is not defeated by the server
// normalizing unicode or trimming differently than the client composed it.
func normalizeContent(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}
