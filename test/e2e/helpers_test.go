package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

const (
	testUserID = "user-me"
	testToken  = "e2e-test-token"
	otherUser  = "user-other"
)

var seedTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// readReceipt is a mark_as_read frame as observed by the fake server.
type readReceipt struct {
	ConversationID string
	MessageID      string
}

// fakeChatServer is an in-process chat backend: REST history endpoints plus
// a WebSocket push endpoint speaking the production wire protocol.
type fakeChatServer struct {
	t *testing.T

	mu       sync.Mutex
	conn     *websocket.Conn
	connects int
	joins    []string
	reads    []readReceipt
	nextID   int

	conversations []chat.Conversation
	// messages holds each conversation's seed log newest-first, the order
	// the real backend pages in.
	messages map[string][]chat.Message
}

func newFakeChatServer(t *testing.T) *fakeChatServer {
	t.Helper()

	return &fakeChatServer{
		t: t,
		conversations: []chat.Conversation{
			{
				ID: "conv-1",
				Participants: []chat.Participant{
					{Kind: chat.ParticipantUser, ID: testUserID, Name: "Me"},
					{Kind: chat.ParticipantUser, ID: otherUser, Name: "Other"},
				},
				LastMessage: &chat.MessageSnapshot{Content: "two", CreatedAt: seedTime.Add(2 * time.Second)},
				UpdatedAt:   seedTime.Add(2 * time.Second),
			},
		},
		messages: map[string][]chat.Message{
			"conv-1": {
				{ID: "m2", ConversationID: "conv-1", SenderID: otherUser, Content: "two", CreatedAt: seedTime.Add(2 * time.Second)},
				{ID: "m1", ConversationID: "conv-1", SenderID: otherUser, Content: "one", CreatedAt: seedTime.Add(1 * time.Second)},
			},
		},
	}
}

func (s *fakeChatServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/conversations", s.handleConversations)
	mux.HandleFunc("/messages", s.handleMessages)

	return mux
}

func (s *fakeChatServer) handleConversations(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	s.mu.Lock()
	page := chat.Page[chat.Conversation]{Items: s.conversations}
	s.mu.Unlock()

	json.NewEncoder(w).Encode(page)
}

func (s *fakeChatServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}

	conversationID := r.URL.Query().Get("conversationId")

	s.mu.Lock()
	page := chat.Page[chat.Message]{Items: s.messages[conversationID]}
	s.mu.Unlock()

	json.NewEncoder(w).Encode(page)
}

func (s *fakeChatServer) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
		return false
	}

	return true
}

func (s *fakeChatServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx := r.Context()

	// First frame must be auth.
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	if gjson.GetBytes(data, "token").Str != testToken {
		s.write(ctx, conn, map[string]string{"res": "error", "msg": "invalid token"})
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		return
	}

	s.write(ctx, conn, map[string]string{"res": "ok"})

	s.mu.Lock()
	s.conn = conn
	s.connects++
	s.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch gjson.GetBytes(data, "event").Str {
		case "ping":
			s.write(ctx, conn, map[string]string{"event": "pong"})

		case "join_room":
			s.mu.Lock()
			s.joins = append(s.joins, gjson.GetBytes(data, "conversationId").Str)
			s.mu.Unlock()

		case "leave_room":

		case "send_message":
			s.mu.Lock()
			s.nextID++
			msg := chat.Message{
				ID:             fmt.Sprintf("srv-%d", s.nextID),
				ConversationID: gjson.GetBytes(data, "conversationId").Str,
				SenderID:       testUserID,
				Content:        gjson.GetBytes(data, "content").Str,
				CreatedAt:      time.Now().UTC(),
			}
			s.mu.Unlock()

			s.write(ctx, conn, chat.ReceiveMessageEvent{Event: "receive_message", Message: msg})

		case "mark_as_read":
			s.mu.Lock()
			s.reads = append(s.reads, readReceipt{
				ConversationID: gjson.GetBytes(data, "conversationId").Str,
				MessageID:      gjson.GetBytes(data, "messageId").Str,
			})
			s.mu.Unlock()
		}
	}
}

func (s *fakeChatServer) write(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	require.NoError(s.t, err)

	_ = conn.Write(ctx, websocket.MessageText, data)
}

// pushMessage delivers a receive_message event over the live connection, as
// if another participant had sent it.
func (s *fakeChatServer) pushMessage(t *testing.T, msg chat.Message) {
	t.Helper()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn, "no live connection to push on")

	s.write(context.Background(), conn, chat.ReceiveMessageEvent{Event: "receive_message", Message: msg})
}

// dropConnection closes the live connection server-side, forcing the client
// through its reconnect path.
func (s *fakeChatServer) dropConnection(t *testing.T) {
	t.Helper()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn)

	conn.Close(websocket.StatusGoingAway, "bye")
}

func (s *fakeChatServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connects
}

func (s *fakeChatServer) joinCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.joins {
		if id == conversationID {
			n++
		}
	}

	return n
}

func (s *fakeChatServer) readReceipts() []readReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]readReceipt, len(s.reads))
	copy(out, s.reads)

	return out
}

// harness wires the full client stack against a fakeChatServer, mirroring
// the production wiring in cmd/chat-sync.
type harness struct {
	server    *fakeChatServer
	engine    *chat.Engine
	msgs      *chat.MessageStore
	convs     *chat.ConversationList
	transport *chat.Transport
}

// newStack builds the client stack without connecting, so failure-path
// tests can drive Connect themselves.
func newStack(t *testing.T, token string) *harness {
	t.Helper()

	server := newFakeChatServer(t)
	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)

	wsHost := "ws" + strings.TrimPrefix(ts.URL, "http")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	appState, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { appState.Close() })

	client := chat.NewClient(ts.Client(), ts.URL, token, 30)
	msgs := chat.NewMessageStore(logger)
	convs := chat.NewConversationList(appState, logger)

	var engine *chat.Engine

	transport := chat.NewTransport(chat.TransportConfig{
		Host:   wsHost,
		UserID: testUserID,
		Token:  token,
		Device: "e2e-test",
		OnMessage: func(m chat.Message) {
			engine.HandleMessage(m)
		},
		OnConversationUpdate: func(ev chat.ConversationUpdatedEvent) {
			engine.HandleConversationUpdate(ev)
		},
		OnStateChange: func(s chat.ConnState) {
			engine.HandleStateChange(s)
		},
	}, logger)
	t.Cleanup(func() { transport.Close() })

	receipts := chat.NewReceiptEmitter(transport, appState, testUserID, logger)

	engine = chat.NewEngine(chat.EngineConfig{
		UserID:         testUserID,
		SendMaxRetries: 3,
		SendTimeout:    30 * time.Second,
	}, client, transport, msgs, convs, receipts, logger)

	return &harness{
		server:    server,
		engine:    engine,
		msgs:      msgs,
		convs:     convs,
		transport: transport,
	}
}

// newHarness builds the stack, connects, and starts the listen loop.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := newStack(t, testToken)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, h.transport.Connect(ctx))

	go func() { _ = h.transport.Listen(ctx) }()

	return h
}
