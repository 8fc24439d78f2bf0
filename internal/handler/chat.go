package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/creatorchat/internal/chat"
	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/model"
	"github.com/go-chi/chi/v5"
)

// Chat is the part of *chat.Messenger the control API needs.
type Chat interface {
	Select(ctx context.Context, roomID string) error
	Send(ctx context.Context, roomID, body string) (model.Message, error)
	Retry(ctx context.Context, roomID, clientKey string) (model.Message, error)
	Discard(roomID, clientKey string) error
	Keystroke()
	ActiveRoom() string
	Connected() bool
	RemoteIsTyping() bool
	SubscriptionState() (string, chat.SubState)
	Messages(roomID string) []model.Message
	Conversations() []model.Conversation
}

type ChatHandler struct {
	chat Chat
	// breaker reports the backend circuit breaker state; optional.
	breaker func() string
}

func NewChatHandler(c Chat, breaker func() string) *ChatHandler {
	return &ChatHandler{chat: c, breaker: breaker}
}

func (h *ChatHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.chat.Conversations())
}

type messagesResponse struct {
	RoomID   string          `json:"roomId"`
	Messages []model.Message `json:"messages"`
}

// Messages вызывается по deep link (?roomId=): выбирает комнату и отдаёт её сообщения.
// Без roomId: сообщения активной комнаты.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	room := chat.DeepLinkRoom(r.URL.RawQuery)
	if room != "" {
		if err := h.chat.Select(r.Context(), room); err != nil {
			// подписка восстановится после переподключения, сообщения отдаём всё равно
			logger.Errorf("control: select room=%s: %v", room, err)
		}
	} else {
		room = h.chat.ActiveRoom()
	}
	if room == "" {
		writeError(w, http.StatusConflict, chat.ErrNoActiveRoom.Error())
		return
	}
	msgs := h.chat.Messages(room)
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{RoomID: room, Messages: msgs})
}

type sendRequest struct {
	RoomID string `json:"roomId"`
	Body   string `json:"body"`
}

func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	room := strings.TrimSpace(req.RoomID)
	if room == "" {
		room = h.chat.ActiveRoom()
	}
	msg, err := h.chat.Send(r.Context(), room, req.Body)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (h *ChatHandler) Retry(w http.ResponseWriter, r *http.Request) {
	room := h.roomParam(r)
	msg, err := h.chat.Retry(r.Context(), room, chi.URLParam(r, "clientKey"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (h *ChatHandler) Discard(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Discard(h.roomParam(r), chi.URLParam(r, "clientKey")); err != nil {
		writeChatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) Typing(w http.ResponseWriter, r *http.Request) {
	h.chat.Keystroke()
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	ActiveRoom     string `json:"activeRoom"`
	Subscription   string `json:"subscription"`
	Connected      bool   `json:"connected"`
	RemoteIsTyping bool   `json:"remoteIsTyping"`
	Breaker        string `json:"breaker,omitempty"`
}

func (h *ChatHandler) Status(w http.ResponseWriter, r *http.Request) {
	_, state := h.chat.SubscriptionState()
	resp := statusResponse{
		ActiveRoom:     h.chat.ActiveRoom(),
		Subscription:   state.String(),
		Connected:      h.chat.Connected(),
		RemoteIsTyping: h.chat.RemoteIsTyping(),
	}
	if h.breaker != nil {
		resp.Breaker = h.breaker()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) roomParam(r *http.Request) string {
	if room := strings.TrimSpace(r.URL.Query().Get("roomId")); room != "" {
		return room
	}
	return h.chat.ActiveRoom()
}

func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyBody):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrNoActiveRoom), errors.Is(err, chat.ErrNotFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrUnknownMessage):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logger.Errorf("control: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
