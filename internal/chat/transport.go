package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	cerrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// wsReadLimit caps inbound frame size. Chat frames are small; anything
	// near this limit is a protocol violation.
	wsReadLimit = 1 * 1024 * 1024

	// outboundChanSize is the buffer for frames queued to the event loop.
	outboundChanSize = 64

	// inboundChanSize is the buffer for the reader goroutine's channel.
	inboundChanSize = 64

	// jitterDivisor controls the range of random jitter added to reconnect
	// backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// ConnState is the transport connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// outboundFrame is a marshalled frame submitted to the event loop, which
// owns all writes.
type outboundFrame struct {
	data   []byte
	result chan error
}

// wsConn abstracts the WebSocket connection so Transport can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// TransportConfig holds the parameters needed to connect to the push server.
type TransportConfig struct {
	Host   string
	UserID string
	Token  string
	Device string

	// OnMessage receives every receive_message event.
	OnMessage func(Message)

	// OnConversationUpdate receives every conversation.updated event.
	OnConversationUpdate func(ConversationUpdatedEvent)

	// OnStateChange observes connection state transitions. Called from the
	// transport's goroutines; handlers must not block.
	OnStateChange func(ConnState)
}

// Transport manages the persistent WebSocket connection to the chat push
// server: auth handshake, room subscription bookkeeping, heartbeat, and
// automatic reconnection with capped exponential backoff.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// messages. A single event loop goroutine (Listen) processes inbound
// events, outbound frames, and heartbeat ticks. All writes to the
// connection happen from the event loop, eliminating the need for a write
// mutex.
type Transport struct {
	conn   wsConn
	logger *slog.Logger

	host   string
	userID string
	token  string
	device string

	onMessage            func(Message)
	onConversationUpdate func(ConversationUpdatedEvent)
	onStateChange        func(ConnState)

	// outboundCh receives marshalled frames from callers. The event loop
	// writes them one at a time.
	outboundCh chan outboundFrame

	// inboundCh receives messages from the reader goroutine.
	inboundCh chan inboundMsg

	// subs is the set of conversation rooms the UI considers active. It is
	// the source of truth for resubscription after a reconnect; the server
	// is never assumed to retain memberships across connections.
	subs   map[string]struct{}
	subsMu sync.Mutex

	state   ConnState
	stateMu sync.RWMutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel cancels the per-connection context. Used to stop the
	// reader goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc
}

// NewTransport creates a Transport from the given config.
func NewTransport(cfg TransportConfig, logger *slog.Logger) *Transport {
	return &Transport{
		logger:               logger,
		host:                 cfg.Host,
		userID:               cfg.UserID,
		token:                cfg.Token,
		device:               cfg.Device,
		onMessage:            cfg.OnMessage,
		onConversationUpdate: cfg.OnConversationUpdate,
		onStateChange:        cfg.OnStateChange,
		outboundCh:           make(chan outboundFrame, outboundChanSize),
		inboundCh:            make(chan inboundMsg, inboundChanSize),
		subs:                 make(map[string]struct{}),
		state:                StateDisconnected,
	}
}

// Connect dials the WebSocket and performs the auth handshake.
func (t *Transport) Connect(ctx context.Context) error {
	// Cancel any previous reader goroutine from a prior connection.
	if t.connCancel != nil {
		t.connCancel()
	}

	t.setState(StateConnecting)

	// A bare host gets the secure scheme; an explicit ws:// is allowed for
	// local development.
	url := t.host + "/ws"
	if !strings.Contains(t.host, "://") {
		url = "wss://" + url
	}
	t.logger.Debug("connecting", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"chat-sync/1.0"},
		},
	})
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("dialing websocket: %w", err)
	}

	if err := t.handshake(ctx, conn); err != nil {
		t.setState(StateDisconnected)
		return err
	}

	t.setState(StateConnected)

	return nil
}

// handshake performs the post-dial auth sequence. Extracted from Connect so
// the auth logic can be tested with a mock wsConn without a real network
// connection.
func (t *Transport) handshake(ctx context.Context, conn wsConn) error {
	t.conn = conn
	t.conn.SetReadLimit(wsReadLimit)
	t.touchLastMessage()

	auth := AuthMessage{
		Event:  eventAuth,
		UserID: t.userID,
		Token:  t.token,
		Device: t.device,
	}

	if err := t.writeJSON(ctx, auth); err != nil {
		t.conn.Close(websocket.StatusInternalError, "auth write failed")
		return fmt.Errorf("sending auth: %w", err)
	}

	// Read the auth response directly; the reader goroutine is not running
	// yet.
	var resp AuthResponse
	if err := t.readJSON(ctx, &resp); err != nil {
		t.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		t.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("%w: %s", cerrors.ErrAuthFailed, msg)
	}

	t.logger.Info("websocket authenticated", slog.String("user_id", t.userID))

	return nil
}

// Subscribe records interest in a conversation's room and joins it if the
// connection is live. Subscribing twice is a no-op; the recorded set, not
// the join frames sent, decides what is re-issued after a reconnect, so
// repeated reconnect attempts can never accumulate duplicates.
func (t *Transport) Subscribe(ctx context.Context, conversationID string) error {
	t.subsMu.Lock()
	_, exists := t.subs[conversationID]
	t.subs[conversationID] = struct{}{}
	t.subsMu.Unlock()

	if exists || t.State() != StateConnected {
		return nil
	}

	return t.Send(ctx, JoinRoomMessage{Event: eventJoinRoom, ConversationID: conversationID})
}

// Unsubscribe releases a room subscription. The leave frame is best-effort;
// dropping the local record is what matters, since that stops
// resubscription on the next reconnect.
func (t *Transport) Unsubscribe(ctx context.Context, conversationID string) {
	t.subsMu.Lock()
	_, exists := t.subs[conversationID]
	delete(t.subs, conversationID)
	t.subsMu.Unlock()

	if !exists || t.State() != StateConnected {
		return
	}

	if err := t.Send(ctx, LeaveRoomMessage{Event: eventLeaveRoom, ConversationID: conversationID}); err != nil {
		t.logger.Debug("leave_room failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

// Subscriptions returns the active room set in sorted order.
func (t *Transport) Subscriptions() []string {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()

	out := make([]string, 0, len(t.subs))
	for id := range t.subs {
		out = append(out, id)
	}
	sort.Strings(out)

	return out
}

// Send marshals payload and submits it to the event loop for writing.
// Fails fast with ErrNotConnected while the connection is down; callers
// that need delivery (the engine's optimistic send path) queue and retry on
// reconnect.
func (t *Transport) Send(ctx context.Context, payload any) error {
	if t.State() != StateConnected {
		return cerrors.ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	frame := outboundFrame{data: data, result: make(chan error, 1)}

	select {
	case t.outboundCh <- frame:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-frame.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()

	return t.state
}

// startReader launches a goroutine that reads from the WebSocket and feeds
// inboundCh. Exits when connCtx is cancelled or a read error occurs. The
// error is delivered as the final message on the channel. The goroutine
// captures ch by value so that if startReader is called again for a new
// connection, the old goroutine cannot send stale messages into the new
// channel.
func (t *Transport) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	t.inboundCh = ch
	conn := t.conn
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It owns all writes
// to the connection, processes inbound events, outbound frames, and
// heartbeat ticks. Returns only on permanent errors or context
// cancellation. On return all subscriptions are cleared.
func (t *Transport) Listen(ctx context.Context) error {
	defer func() {
		t.setState(StateDisconnected)
		t.subsMu.Lock()
		t.subs = make(map[string]struct{})
		t.subsMu.Unlock()
	}()

	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	t.connCancel = connCancel
	t.startReader(connCtx)

	for {
		err := t.eventLoop(ctx, connCtx)
		if err == nil {
			return nil
		}

		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanentError(err) {
			return fmt.Errorf("permanent error: %w", err)
		}

		t.setState(StateReconnecting)
		t.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int63n(int64(backoff) / jitterDivisor))
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := t.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isPermanentError(err) {
				return fmt.Errorf("permanent reconnect error: %w", err)
			}
			t.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		// Fresh connection context and reader for the new connection.
		connCtx, connCancel = context.WithCancel(ctx)
		t.connCancel = connCancel
		t.startReader(connCtx)

		backoff = reconnectMin
		t.logger.Info("reconnected")
	}
}

// eventLoop is the single event loop for one connection. It selects on
// inbound messages, outbound frames, and the heartbeat ticker. All writes
// happen here, so no mutex is needed. Returns on read error or context
// cancellation.
func (t *Transport) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-t.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}
			t.touchLastMessage()

			if msg.typ != websocket.MessageText {
				t.logger.Debug("unexpected non-text frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			t.handleInbound(msg.data)

		case frame := <-t.outboundCh:
			err := t.conn.Write(ctx, websocket.MessageText, frame.data)
			frame.result <- err
			if err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}

		case <-ticker.C:
			t.lastMsgMu.Lock()
			elapsed := time.Since(t.lastMessage)
			t.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				t.logger.Warn("connection timed out, closing")
				t.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := t.writeJSON(ctx, map[string]string{"event": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound dispatches a single inbound text frame by its event field.
func (t *Transport) handleInbound(data []byte) {
	event := gjson.GetBytes(data, "event").Str

	switch event {
	case "pong":

	case eventReceiveMessage:
		var ev ReceiveMessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.logger.Warn("failed to decode receive_message", slog.String("error", err.Error()))
			return
		}
		if t.onMessage != nil {
			t.onMessage(ev.Message)
		}

	case eventConversationUpdated:
		var ev ConversationUpdatedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.logger.Warn("failed to decode conversation.updated", slog.String("error", err.Error()))
			return
		}
		if t.onConversationUpdate != nil {
			t.onConversationUpdate(ev)
		}

	default:
		t.logger.Debug("unexpected event", slog.String("event", event))
	}
}

// reconnect dials a fresh WebSocket, re-authenticates, and re-joins every
// room the UI still considers active. Room membership does not survive a
// reconnect on the server side, so each recorded subscription is re-issued
// exactly once.
func (t *Transport) reconnect(ctx context.Context) error {
	if err := t.Connect(ctx); err != nil {
		return err
	}

	// The reader goroutine is not running yet, so writing directly is safe.
	for _, conversationID := range t.Subscriptions() {
		join := JoinRoomMessage{Event: eventJoinRoom, ConversationID: conversationID}
		if err := t.writeJSON(ctx, join); err != nil {
			return fmt.Errorf("rejoining room %s: %w", conversationID, err)
		}
	}

	return nil
}

// Close cleanly shuts down the WebSocket connection.
func (t *Transport) Close() error {
	if t.connCancel != nil {
		t.connCancel()
	}
	t.setState(StateDisconnected)
	if t.conn != nil {
		return t.conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

func (t *Transport) setState(s ConnState) {
	t.stateMu.Lock()
	changed := t.state != s
	t.state = s
	t.stateMu.Unlock()

	if changed && t.onStateChange != nil {
		t.onStateChange(s)
	}
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	return errors.Is(err, cerrors.ErrAuthFailed)
}

func (t *Transport) touchLastMessage() {
	t.lastMsgMu.Lock()
	t.lastMessage = time.Now()
	t.lastMsgMu.Unlock()
}

// writeJSON marshals v to JSON and writes it as a text frame. Only called
// from the event loop or during Connect (before Listen starts).
func (t *Transport) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// readJSON reads a text frame and unmarshals it into v. Only called during
// Connect (before Listen starts).
func (t *Transport) readJSON(ctx context.Context, v interface{}) error {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}
	t.touchLastMessage()
	return json.Unmarshal(data, v)
}
