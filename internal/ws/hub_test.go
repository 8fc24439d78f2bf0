package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creatorchat/internal/chat"
	"github.com/creatorchat/internal/model"
	"github.com/gorilla/websocket"
)

type fakeController struct {
	mu       sync.Mutex
	active   string
	calls    []string
	sendErr  error
	selected chan string
}

func (f *fakeController) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeController) Select(_ context.Context, room string) error {
	f.mu.Lock()
	f.active = room
	f.mu.Unlock()
	f.record("select:" + room)
	if f.selected != nil {
		f.selected <- room
	}
	return nil
}

func (f *fakeController) Deselect() { f.record("deselect") }

func (f *fakeController) Send(_ context.Context, room, body string) (model.Message, error) {
	f.record("send:" + room + ":" + body)
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	return model.Message{ClientKey: "k1", ConversationID: room, Body: body, Status: model.StatusPending}, nil
}

func (f *fakeController) Retry(_ context.Context, room, key string) (model.Message, error) {
	f.record("retry:" + room + ":" + key)
	return model.Message{}, nil
}

func (f *fakeController) Discard(room, key string) error {
	f.record("discard:" + room + ":" + key)
	return nil
}

func (f *fakeController) Keystroke() { f.record("keystroke") }

func (f *fakeController) ActiveRoom() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeController) Connected() bool { return true }

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func startHub(t *testing.T, ctrl Controller, maxConns int) (*Hub, string) {
	t.Helper()
	hub := NewHub(ctrl, maxConns)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		c := NewClient(hub, conn)
		c.Start(cctx, ccancel)
		hub.Register(c)
	}))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type rawOutgoing struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readEvent(t *testing.T, conn *websocket.Conn) rawOutgoing {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var msg rawOutgoing
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Count = %d, want %d", hub.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHelloOnConnect(t *testing.T) {
	ctrl := &fakeController{active: "r1"}
	_, url := startHub(t, ctrl, 4)
	conn := dial(t, url)

	msg := readEvent(t, conn)
	if msg.Type != EventHello {
		t.Fatalf("type = %q, want hello", msg.Type)
	}
	var hello HelloPayload
	if err := json.Unmarshal(msg.Payload, &hello); err != nil {
		t.Fatal(err)
	}
	if hello.ActiveRoom != "r1" || !hello.Connected {
		t.Fatalf("hello = %+v", hello)
	}
}

func TestBroadcastReachesClients(t *testing.T) {
	hub, url := startHub(t, &fakeController{}, 4)
	a, b := dial(t, url), dial(t, url)
	readEvent(t, a)
	readEvent(t, b)
	waitCount(t, hub, 2)

	hub.Broadcast(chat.Change{Kind: chat.ChangeTyping, RoomID: "r1", Typing: true})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readEvent(t, conn)
		if msg.Type != EventType(chat.ChangeTyping) {
			t.Fatalf("type = %q, want typing", msg.Type)
		}
		var ch chat.Change
		if err := json.Unmarshal(msg.Payload, &ch); err != nil {
			t.Fatal(err)
		}
		if ch.RoomID != "r1" || !ch.Typing {
			t.Fatalf("change = %+v", ch)
		}
	}
}

func TestSendCommandDefaultsToActiveRoom(t *testing.T) {
	ctrl := &fakeController{active: "r9"}
	_, url := startHub(t, ctrl, 4)
	conn := dial(t, url)
	readEvent(t, conn)

	if err := conn.WriteJSON(IncomingMessage{Type: EventSend, Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	msg := readEvent(t, conn)
	if msg.Type != EventSent {
		t.Fatalf("type = %q, want sent", msg.Type)
	}
	var sent SentPayload
	if err := json.Unmarshal(msg.Payload, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Message.ConversationID != "r9" || sent.Message.Status != model.StatusPending {
		t.Fatalf("sent = %+v", sent.Message)
	}
}

func TestCommandErrorsAreReported(t *testing.T) {
	ctrl := &fakeController{active: "r1", sendErr: errors.New("message body is empty")}
	_, url := startHub(t, ctrl, 4)
	conn := dial(t, url)
	readEvent(t, conn)

	for _, in := range []IncomingMessage{{Type: EventSend, Body: " "}, {Type: "explode"}} {
		if err := conn.WriteJSON(in); err != nil {
			t.Fatal(err)
		}
		msg := readEvent(t, conn)
		if msg.Type != EventError {
			t.Fatalf("%s: type = %q, want error", in.Type, msg.Type)
		}
		var ep ErrorPayload
		if err := json.Unmarshal(msg.Payload, &ep); err != nil {
			t.Fatal(err)
		}
		if ep.Command != in.Type || ep.Error == "" {
			t.Fatalf("error payload = %+v", ep)
		}
	}
}

func TestCommandsDispatch(t *testing.T) {
	ctrl := &fakeController{active: "r1", selected: make(chan string, 1)}
	_, url := startHub(t, ctrl, 4)
	conn := dial(t, url)
	readEvent(t, conn)

	cmds := []IncomingMessage{
		{Type: EventTyping},
		{Type: EventRetry, ClientKey: "k1"},
		{Type: EventDiscard, RoomID: "r2", ClientKey: "k2"},
		{Type: EventDeselect},
		{Type: EventSelect, RoomID: "r3"},
	}
	for _, c := range cmds {
		if err := conn.WriteJSON(c); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-ctrl.selected:
	case <-time.After(2 * time.Second):
		t.Fatal("select not dispatched")
	}
	want := []string{"keystroke", "retry:r1:k1", "discard:r2:k2", "deselect", "select:r3"}
	got := ctrl.Calls()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestConnectionLimit(t *testing.T) {
	hub, url := startHub(t, &fakeController{}, 1)
	first := dial(t, url)
	readEvent(t, first)
	waitCount(t, hub, 1)

	second := dial(t, url)
	if err := second.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("second client should be closed")
	}
	if hub.Count() != 1 {
		t.Fatalf("Count = %d, want 1", hub.Count())
	}
}

func TestMalformedCommandGetsError(t *testing.T) {
	ctrl := &fakeController{active: "r1"}
	_, url := startHub(t, ctrl, 4)
	conn := dial(t, url)
	readEvent(t, conn)

	for _, raw := range []string{`{"type":`, `{"roomId":"r1"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
		msg := readEvent(t, conn)
		if msg.Type != EventError {
			t.Fatalf("%s: type = %q, want error", raw, msg.Type)
		}
		var ep ErrorPayload
		if err := json.Unmarshal(msg.Payload, &ep); err != nil {
			t.Fatal(err)
		}
		if ep.Command != "" || ep.Error != errMalformedCommand.Error() {
			t.Fatalf("%s: error payload = %+v", raw, ep)
		}
	}

	// The connection stays usable after a bad frame.
	if err := conn.WriteJSON(IncomingMessage{Type: EventSend, Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if msg := readEvent(t, conn); msg.Type != EventSent {
		t.Fatalf("type = %q, want sent", msg.Type)
	}
	if got := ctrl.Calls(); len(got) != 1 {
		t.Fatalf("calls = %v, want only the send", got)
	}
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		raw     string
		want    IncomingMessage
		wantErr bool
	}{
		{raw: `{"type":"select","roomId":" r1 "}`, want: IncomingMessage{Type: EventSelect, RoomID: "r1"}},
		{raw: `{"type":" typing "}`, want: IncomingMessage{Type: EventTyping}},
		{raw: `{"type":"  "}`, wantErr: true},
		{raw: `[1,2]`, wantErr: true},
		{raw: ``, wantErr: true},
	}
	for _, tt := range tests {
		got, err := decodeCommand([]byte(tt.raw))
		if tt.wantErr {
			if !errors.Is(err, errMalformedCommand) {
				t.Errorf("decodeCommand(%q) err = %v, want errMalformedCommand", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("decodeCommand(%q) = %+v, %v; want %+v", tt.raw, got, err, tt.want)
		}
	}
}
