package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/push"
)

type Pusher interface {
	PublicKey() string
	Subscribe(ctx context.Context, sub push.Subscription) error
	Unsubscribe(ctx context.Context, endpoint string) error
}

type PushHandler struct {
	push Pusher
}

func NewPushHandler(p Pusher) *PushHandler {
	return &PushHandler{push: p}
}

// VAPIDPublic отдаёт публичный ключ для pushManager.subscribe в браузере.
func (h *PushHandler) VAPIDPublic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.push.PublicKey()})
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var sub push.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.push.Subscribe(r.Context(), sub); err != nil {
		if errors.Is(err, push.ErrInvalidSubscription) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Errorf("push subscribe: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if err := h.push.Unsubscribe(r.Context(), req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
