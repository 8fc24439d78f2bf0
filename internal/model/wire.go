package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	errNoSender  = errors.New("senderId is required")
	errNoID      = errors.New("messageId is required")
	errNoContent = errors.New("message or fileData is required")
)

// WireMessage: сообщение в формате бэкенда. Один и тот же формат приходит
// в realtime-событии new_message, в истории и в lastMessage списка чатов.
type WireMessage struct {
	MessageID int64           `json:"messageId"`
	ID        int64           `json:"id"`
	RoomID    string          `json:"roomId,omitempty"`
	SenderID  int64           `json:"senderId"`
	Message   string          `json:"message"`
	Type      string          `json:"type,omitempty"`
	IsRead    bool            `json:"isRead"`
	CreatedAt Timestamp       `json:"createdAt"`
	FileData  *Attachment     `json:"fileData,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	ClientKey string          `json:"clientKey,omitempty"`
}

// ServerID: messageId из realtime, id из REST.
func (w *WireMessage) ServerID() int64 {
	if w.MessageID != 0 {
		return w.MessageID
	}
	return w.ID
}

// Validate проверяет поля, без которых сообщение нельзя положить в стор.
func (w *WireMessage) Validate() error {
	if w.ServerID() <= 0 {
		return errNoID
	}
	if w.SenderID <= 0 {
		return errNoSender
	}
	if strings.TrimSpace(w.Message) == "" && w.FileData == nil && len(w.Offer) == 0 {
		return errNoContent
	}
	return nil
}

func (w *WireMessage) kind() MessageKind {
	switch {
	case w.FileData != nil:
		return MessageKindFile
	case len(w.Offer) > 0 && string(w.Offer) != "null":
		return MessageKindOffer
	case MessageKind(w.Type) == MessageKindFile || MessageKind(w.Type) == MessageKindOffer:
		return MessageKind(w.Type)
	default:
		return MessageKindText
	}
}

// ToMessage строит подтверждённое сообщение комнаты roomID глазами пользователя userID.
func (w *WireMessage) ToMessage(roomID string, userID int64) Message {
	room := roomID
	if room == "" {
		room = w.RoomID
	}
	created := w.CreatedAt.Time
	if created.IsZero() {
		created = time.Now().UTC()
	}
	m := Message{
		ID:             w.ServerID(),
		ClientKey:      w.ClientKey,
		ConversationID: room,
		Body:           w.Message,
		Kind:           w.kind(),
		SenderID:       w.SenderID,
		IsOwn:          w.SenderID == userID,
		IsRead:         w.IsRead,
		Status:         StatusConfirmed,
		CreatedAt:      created,
	}
	if w.FileData != nil {
		a := *w.FileData
		m.Attachment = &a
	}
	if len(w.Offer) > 0 && string(w.Offer) != "null" {
		m.Offer = append(json.RawMessage(nil), w.Offer...)
	}
	return m
}
