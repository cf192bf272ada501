package models

// Inbound event kinds accepted on the websocket.
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMarkRead    = "mark_read"
)

// Outbound event kinds emitted to clients.
const (
	EventConnected         = "connected"
	EventRoomJoined        = "room_joined"
	EventRoomLeft          = "room_left"
	EventNewMessage        = "new_message"
	EventMessageSentAck    = "message_sent_ack"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventMessagesRead      = "messages_read"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventRateLimited       = "rate_limit_exceeded"
	EventError             = "error"
)

// ClientEvent is the wire envelope for inbound events.
type ClientEvent struct {
	Event      string   `json:"event"`
	Room       string   `json:"room,omitempty"`
	Text       string   `json:"text,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// Commands are the parsed forms of inbound events. Each handler takes one of
// these plus the connection's bound identity, never ambient socket state.

type JoinRoomCommand struct {
	Room string
}

type LeaveRoomCommand struct {
	Room string
}

type SendMessageCommand struct {
	Room string
	Text string
}

type TypingCommand struct {
	Room string
}

type MarkReadCommand struct {
	Room string
	// MessageIDs empty means "everything unread in the room".
	MessageIDs []string
}

// ServerEvent is the wire envelope for outbound events. Fields are omitted
// when empty so each event kind carries only what it needs.
type ServerEvent struct {
	Event      string    `json:"event"`
	Room       string    `json:"room,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	Timestamp  int64     `json:"timestamp,omitempty"`
	Count      int       `json:"count,omitempty"`
	MessageIDs []string  `json:"message_ids,omitempty"`
	History    []Message `json:"history,omitempty"`
	RetryAt    int64     `json:"retry_at,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}
