package ws

import "github.com/creatorchat/internal/model"

type EventType string

// Commands from the UI.
const (
	EventSelect   EventType = "select"
	EventDeselect EventType = "deselect"
	EventSend     EventType = "send"
	EventTyping   EventType = "typing"
	EventRetry    EventType = "retry"
	EventDiscard  EventType = "discard"
)

// Server-side events; view changes use the chat.ChangeKind as their type.
const (
	EventHello EventType = "hello"
	EventSent  EventType = "sent"
	EventError EventType = "error"
)

// IncomingMessage is what the UI sends to the daemon.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"roomId,omitempty"`
	Body      string    `json:"body,omitempty"`
	ClientKey string    `json:"clientKey,omitempty"`
}

// OutgoingMessage is what the daemon sends to the UI.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type HelloPayload struct {
	ActiveRoom string `json:"activeRoom"`
	Connected  bool   `json:"connected"`
}

type SentPayload struct {
	Message model.Message `json:"message"`
}

type ErrorPayload struct {
	Command EventType `json:"command,omitempty"`
	Error   string    `json:"error"`
}
