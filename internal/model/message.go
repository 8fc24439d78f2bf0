package model

import (
	"encoding/json"
	"time"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindFile  MessageKind = "file"
	MessageKindOffer MessageKind = "offer"
)

// DeliveryStatus отражает жизненный цикл сообщения на клиенте.
// pending: создано локально и ещё не подтверждено сервером,
// confirmed: есть серверная копия с настоящим ID,
// failed: отправка не удалась, доступны повтор и удаление.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

type Attachment struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
}

type Message struct {
	// ID: серверный ID, 0 пока сообщение не подтверждено.
	ID int64 `json:"id"`
	// ClientKey назначается при отправке и живёт до подтверждения (пусто у чужих сообщений).
	ClientKey string `json:"clientKey,omitempty"`
	// ProvisionalID: epoch ms на момент отправки; используется только как ResolvedID до подтверждения.
	ProvisionalID  int64           `json:"provisionalId,omitempty"`
	ConversationID string          `json:"conversationId"`
	Body           string          `json:"body"`
	Kind           MessageKind     `json:"kind"`
	SenderID       int64           `json:"senderId"`
	IsOwn          bool            `json:"isOwn"`
	IsRead         bool            `json:"isRead"`
	Status         DeliveryStatus  `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	Attachment     *Attachment     `json:"attachment,omitempty"`
	Offer          json.RawMessage `json:"offer,omitempty"`
}

// ResolvedID возвращает ID, по которому сообщение уникально в сторе:
// серверный для подтверждённых, провизорный для остальных.
func (m *Message) ResolvedID() int64 {
	if m.Status == StatusConfirmed {
		return m.ID
	}
	return m.ProvisionalID
}

// Unconfirmed: сообщение ещё ждёт серверной копии (pending или failed).
func (m *Message) Unconfirmed() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// Clone копирует сообщение вместе с вложением и offer, чтобы снимки стора не делили память.
func (m Message) Clone() Message {
	out := m
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.Offer != nil {
		out.Offer = append(json.RawMessage(nil), m.Offer...)
	}
	return out
}
