package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/creatorchat/internal/model"
)

type EventName string

const (
	EventNewMessage   EventName = "new_message"
	EventUserTyping   EventName = "user_typing"
	EventMessagesRead EventName = "messages_read"
)

const channelPrefix = "private-chat."

// ChannelName returns the private per-room channel (chat.<roomId> on the backend side).
func ChannelName(roomID string) string {
	return channelPrefix + roomID
}

// RoomFromChannel is the inverse of ChannelName.
func RoomFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return "", false
	}
	room := strings.TrimPrefix(channel, channelPrefix)
	return room, room != ""
}

// Event is one of NewMessage, Typing, MessagesRead or Rejected.
type Event interface {
	Room() string
	event()
}

// NewMessage carries a validated message payload.
type NewMessage struct {
	RoomID  string
	Payload model.WireMessage
}

// Message converts the payload for the given current user.
func (e NewMessage) Message(userID int64) model.Message {
	return e.Payload.ToMessage(e.RoomID, userID)
}

type Typing struct {
	RoomID   string
	SenderID int64
	IsTyping bool
}

type MessagesRead struct {
	RoomID     string
	ReaderID   int64
	MessageIDs []int64
}

// Rejected is an event that could not be turned into a typed variant.
// It is never applied to a store.
type Rejected struct {
	RoomID string
	Name   string
	Reason string
	Raw    []byte
}

func (e NewMessage) Room() string   { return e.RoomID }
func (e Typing) Room() string       { return e.RoomID }
func (e MessagesRead) Room() string { return e.RoomID }
func (e Rejected) Room() string     { return e.RoomID }

func (NewMessage) event()   {}
func (Typing) event()       {}
func (MessagesRead) event() {}
func (Rejected) event()     {}

type typingPayload struct {
	SenderID int64 `json:"senderId"`
	UserID   int64 `json:"userId"`
	IsTyping *bool `json:"isTyping"`
}

type readPayload struct {
	MessageIDs []int64 `json:"messageIds"`
	ReaderID   int64   `json:"readerId"`
}

var errUnknownEvent = errors.New("unknown event")

// Decode turns a named event payload into a typed Event. It never fails:
// anything malformed comes back as Rejected.
func Decode(roomID, name string, data []byte) Event {
	ev, err := decode(roomID, name, data)
	if err != nil {
		return Rejected{RoomID: roomID, Name: name, Reason: err.Error(), Raw: append([]byte(nil), data...)}
	}
	return ev
}

func decode(roomID, name string, data []byte) (Event, error) {
	switch EventName(strings.TrimPrefix(name, ".")) {
	case EventNewMessage:
		var p model.WireMessage
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if p.RoomID != "" && p.RoomID != roomID {
			return nil, fmt.Errorf("roomId %q does not match channel room %q", p.RoomID, roomID)
		}
		return NewMessage{RoomID: roomID, Payload: p}, nil
	case EventUserTyping:
		var p typingPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		sender := p.SenderID
		if sender == 0 {
			sender = p.UserID
		}
		if sender <= 0 {
			return nil, errors.New("senderId is required")
		}
		if p.IsTyping == nil {
			return nil, errors.New("isTyping is required")
		}
		return Typing{RoomID: roomID, SenderID: sender, IsTyping: *p.IsTyping}, nil
	case EventMessagesRead:
		var p readPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if p.MessageIDs == nil {
			return nil, errors.New("messageIds is required")
		}
		return MessagesRead{RoomID: roomID, ReaderID: p.ReaderID, MessageIDs: p.MessageIDs}, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownEvent, name)
	}
}
