package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/creatorchat/internal/chat"
	"github.com/creatorchat/internal/model"
	"github.com/go-chi/chi/v5"
)

type fakeChat struct {
	active   string
	msgs     map[string][]model.Message
	selected []string
	sendErr  error
	retryErr error
}

func (f *fakeChat) Select(_ context.Context, room string) error {
	f.selected = append(f.selected, room)
	f.active = room
	return nil
}

func (f *fakeChat) Send(_ context.Context, room, body string) (model.Message, error) {
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	return model.Message{ConversationID: room, Body: body, Status: model.StatusPending}, nil
}

func (f *fakeChat) Retry(_ context.Context, room, key string) (model.Message, error) {
	return model.Message{ConversationID: room, ClientKey: key, Status: model.StatusPending}, f.retryErr
}

func (f *fakeChat) Discard(room, key string) error      { return chat.ErrUnknownMessage }
func (f *fakeChat) Keystroke()                          {}
func (f *fakeChat) ActiveRoom() string                  { return f.active }
func (f *fakeChat) Connected() bool                     { return true }
func (f *fakeChat) RemoteIsTyping() bool                { return false }
func (f *fakeChat) Conversations() []model.Conversation { return nil }

func (f *fakeChat) SubscriptionState() (string, chat.SubState) {
	return f.active, chat.Subscribed
}

func (f *fakeChat) Messages(room string) []model.Message { return f.msgs[room] }

func router(c Chat) http.Handler {
	h := NewChatHandler(c, func() string { return "closed" })
	r := chi.NewRouter()
	r.Get("/api/status", h.Status)
	r.Get("/api/messages", h.Messages)
	r.Post("/api/messages", h.Send)
	r.Post("/api/messages/{clientKey}/retry", h.Retry)
	r.Delete("/api/messages/{clientKey}", h.Discard)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMessagesDeepLinkSelectsRoom(t *testing.T) {
	fc := &fakeChat{msgs: map[string][]model.Message{"42": {{ID: 1, ConversationID: "42", Status: model.StatusConfirmed}}}}
	rec := do(t, router(fc), http.MethodGet, "/api/messages?roomId=42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(fc.selected) != 1 || fc.selected[0] != "42" {
		t.Fatalf("selected = %v", fc.selected)
	}
	var resp messagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RoomID != "42" || len(resp.Messages) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestMessagesWithoutActiveRoom(t *testing.T) {
	rec := do(t, router(&fakeChat{}), http.MethodGet, "/api/messages", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestMessagesEmptyRoomIsArray(t *testing.T) {
	rec := do(t, router(&fakeChat{active: "r1"}), http.MethodGet, "/api/messages", "")
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestSendStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		chat *fakeChat
		body string
		want int
	}{
		{"accepted", &fakeChat{active: "r1"}, `{"body":"hi"}`, http.StatusAccepted},
		{"bad json", &fakeChat{active: "r1"}, `{`, http.StatusBadRequest},
		{"empty body", &fakeChat{active: "r1", sendErr: chat.ErrEmptyBody}, `{"body":" "}`, http.StatusBadRequest},
		{"no room", &fakeChat{sendErr: chat.ErrNoActiveRoom}, `{"body":"hi"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router(tt.chat), http.MethodPost, "/api/messages", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestRetryAndDiscard(t *testing.T) {
	fc := &fakeChat{active: "r1"}
	rec := do(t, router(fc), http.MethodPost, "/api/messages/k1/retry", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d", rec.Code)
	}
	var msg model.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ClientKey != "k1" || msg.ConversationID != "r1" {
		t.Fatalf("retry msg = %+v", msg)
	}

	fc.retryErr = chat.ErrNotFailed
	if rec := do(t, router(fc), http.MethodPost, "/api/messages/k1/retry?roomId=r2", ""); rec.Code != http.StatusConflict {
		t.Fatalf("retry not-failed status = %d, want 409", rec.Code)
	}
	if rec := do(t, router(fc), http.MethodDelete, "/api/messages/k9", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("discard unknown status = %d, want 404", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	rec := do(t, router(&fakeChat{active: "r1"}), http.MethodGet, "/api/status", "")
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ActiveRoom != "r1" || resp.Subscription != chat.Subscribed.String() || resp.Breaker != "closed" || !resp.Connected {
		t.Fatalf("status = %+v", resp)
	}
}
