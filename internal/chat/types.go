package chat

import "time"

// MessageState tracks the delivery lifecycle of a message in the local log.
type MessageState int

const (
	// StatePending marks a locally originated message that has not been
	// confirmed by the server yet.
	StatePending MessageState = iota

	// StateConfirmed marks a message the server has acknowledged, either by
	// echoing a local send or by delivering it from another participant.
	StateConfirmed

	// StateFailed marks a local send that exhausted its retries or timed
	// out. Failed messages stay in the log so the UI can offer resend.
	StateFailed
)

func (s MessageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is a single chat message. ID is server-assigned for confirmed
// messages and a locally generated provisional id (prefixed "local-") for
// optimistic ones.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"createdAt"`
	State          MessageState `json:"-"`
}

// ParticipantKind distinguishes user accounts from page accounts.
type ParticipantKind string

const (
	ParticipantUser ParticipantKind = "user"
	ParticipantPage ParticipantKind = "page"
)

// Participant is one member of a conversation, resolvable to a display
// name and avatar.
type Participant struct {
	Kind      ParticipantKind `json:"kind"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	AvatarURL string          `json:"avatarUrl,omitempty"`
}

// MessageSnapshot is the denormalized last-message preview carried on a
// conversation list entry.
type MessageSnapshot struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a conversation list entry. Unread is client-derived and
// never sent by the server.
type Conversation struct {
	ID           string           `json:"id"`
	Participants []Participant    `json:"participants"`
	LastMessage  *MessageSnapshot `json:"lastMessage"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Unread       bool             `json:"-"`
}

// Page is one cursor-delimited slice of a paginated listing. NextCursor is
// an opaque backend token; empty means no further pages.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor"`
}

// WebSocket message types.

// AuthMessage is sent as the first frame after the WebSocket connects.
type AuthMessage struct {
	Event  string `json:"event"`
	UserID string `json:"userId"`
	Token  string `json:"token"`
	Device string `json:"device"`
}

// AuthResponse is the server reply to an auth message.
type AuthResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg,omitempty"`
}

// JoinRoomMessage subscribes the connection to a conversation's event room.
type JoinRoomMessage struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
}

// LeaveRoomMessage releases a room subscription.
type LeaveRoomMessage struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the client's outbound message frame.
type SendMessagePayload struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// MarkAsReadPayload acknowledges messages up to MessageID in a conversation.
type MarkAsReadPayload struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	MessageID      string `json:"messageId"`
}

// ReceiveMessageEvent is the server's inbound message frame.
type ReceiveMessageEvent struct {
	Event   string  `json:"event"`
	Message Message `json:"message"`
}

// ConversationUpdatedEvent signals new activity on a conversation.
type ConversationUpdatedEvent struct {
	Event          string          `json:"event"`
	ConversationID string          `json:"conversationId"`
	LastMessage    MessageSnapshot `json:"lastMessage"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Event names on the wire.
const (
	eventAuth                = "auth"
	eventJoinRoom            = "join_room"
	eventLeaveRoom           = "leave_room"
	eventSendMessage         = "send_message"
	eventMarkAsRead          = "mark_as_read"
	eventReceiveMessage      = "receive_message"
	eventConversationUpdated = "conversation.updated"
)
