package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingSub struct {
	subscribed chan struct{}
	events     chan Event
}

func newRecordingSub() *recordingSub {
	return &recordingSub{subscribed: make(chan struct{}, 4), events: make(chan Event, 16)}
}

func (s *recordingSub) Subscribed()          { s.subscribed <- struct{}{} }
func (s *recordingSub) HandleEvent(ev Event) { s.events <- ev }

type staticAuth struct{ sig string }

func (a staticAuth) AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error) {
	return a.sig + ":" + socketID, nil
}

// fakeChannelServer speaks just enough of the channel protocol for one client.
func fakeChannelServer(t *testing.T, frames chan<- Frame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		hello := `{"event":"pusher:connection_established","data":"{\"socket_id\":\"123.456\",\"activity_timeout\":30}"}`
		if err := ws.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Errorf("server unmarshal: %v", err)
				return
			}
			frames <- f
			if f.Event != frameSubscribe {
				continue
			}
			var sd subscribeData
			_ = json.Unmarshal(f.Data, &sd)
			ack := `{"event":"pusher_internal:subscription_succeeded","channel":"` + sd.Channel + `","data":"{}"}`
			msg := `{"event":"new_message","channel":"` + sd.Channel + `","data":"{\"messageId\":101,\"senderId\":5,\"message\":\"Hello\"}"}`
			_ = ws.WriteMessage(websocket.TextMessage, []byte(ack))
			_ = ws.WriteMessage(websocket.TextMessage, []byte(msg))
		}
	}))
}

func TestConnSubscribeReceiveUnsubscribe(t *testing.T) {
	frames := make(chan Frame, 16)
	srv := fakeChannelServer(t, frames)
	defer srv.Close()

	status := make(chan bool, 4)
	conn := NewConn(Options{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		OnStatus: func(up bool) { status <- up },
	}, staticAuth{sig: "key"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	select {
	case up := <-status:
		if !up {
			t.Fatal("first status should be connected")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connection")
	}

	sub := newRecordingSub()
	channel := ChannelName("r1")
	if err := conn.Subscribe(ctx, channel, sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f := waitFrame(t, frames)
	if f.Event != frameSubscribe {
		t.Fatalf("first client frame = %s, want subscribe", f.Event)
	}
	var sd subscribeData
	if err := json.Unmarshal(f.Data, &sd); err != nil {
		t.Fatalf("subscribe data: %v", err)
	}
	if sd.Channel != channel || sd.Auth != "key:123.456" {
		t.Fatalf("subscribe data = %+v", sd)
	}

	select {
	case <-sub.subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for subscription ack")
	}
	select {
	case ev := <-sub.events:
		nm, ok := ev.(NewMessage)
		if !ok {
			t.Fatalf("event = %T, want NewMessage", ev)
		}
		if nm.RoomID != "r1" || nm.Payload.ServerID() != 101 {
			t.Fatalf("event = %+v", nm)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	if err := conn.Unsubscribe(channel); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if f := waitFrame(t, frames); f.Event != frameUnsubscribe {
		t.Fatalf("frame after unsubscribe = %s", f.Event)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if conn.Connected() {
		t.Fatal("Connected() after shutdown")
	}
}

func waitFrame(t *testing.T, frames <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client frame")
		return Frame{}
	}
}

type connFrame struct {
	conn  int32
	frame Frame
}

// droppingChannelServer acks subscriptions and cuts the first socket once it
// has acked `channels` of them; later sockets stay up.
func droppingChannelServer(t *testing.T, channels int, frames chan<- connFrame) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		hello := fmt.Sprintf(`{"event":"pusher:connection_established","data":"{\"socket_id\":\"1.%d\",\"activity_timeout\":30}"}`, n)
		if err := ws.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
		acked := 0
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Errorf("server unmarshal: %v", err)
				return
			}
			frames <- connFrame{conn: n, frame: f}
			if f.Event != frameSubscribe {
				continue
			}
			var sd subscribeData
			_ = json.Unmarshal(f.Data, &sd)
			ack := `{"event":"pusher_internal:subscription_succeeded","channel":"` + sd.Channel + `","data":"{}"}`
			if err := ws.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
				return
			}
			acked++
			if n == 1 && acked == channels {
				return
			}
		}
	}))
}

func TestConnResubscribesAfterDrop(t *testing.T) {
	frames := make(chan connFrame, 16)
	srv := droppingChannelServer(t, 2, frames)
	defer srv.Close()

	status := make(chan bool, 8)
	conn := NewConn(Options{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		OnStatus: func(up bool) { status <- up },
	}, staticAuth{sig: "key"})

	// recorded while offline, sent by the first socket
	subs := map[string]*recordingSub{
		ChannelName("r1"): newRecordingSub(),
		ChannelName("r2"): newRecordingSub(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for ch, sub := range subs {
		if err := conn.Subscribe(ctx, ch, sub); err != nil {
			t.Fatalf("Subscribe %s: %v", ch, err)
		}
	}
	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	for socket := int32(1); socket <= 2; socket++ {
		got := make(map[string]string)
		for len(got) < len(subs) {
			cf := waitConnFrame(t, frames)
			if cf.frame.Event != frameSubscribe {
				continue
			}
			if cf.conn != socket {
				t.Fatalf("subscribe on socket %d, want %d", cf.conn, socket)
			}
			var sd subscribeData
			if err := json.Unmarshal(cf.frame.Data, &sd); err != nil {
				t.Fatalf("subscribe data: %v", err)
			}
			got[sd.Channel] = sd.Auth
		}
		for ch := range subs {
			if want := fmt.Sprintf("key:1.%d", socket); got[ch] != want {
				t.Fatalf("socket %d: auth for %s = %q, want %q", socket, ch, got[ch], want)
			}
		}
	}

	for ch, sub := range subs {
		for i := 0; i < 2; i++ {
			select {
			case <-sub.subscribed:
			case <-time.After(5 * time.Second):
				t.Fatalf("%s: ack %d not delivered", ch, i+1)
			}
		}
	}

	want := []bool{true, false, true}
	for i, w := range want {
		select {
		case up := <-status:
			if up != w {
				t.Fatalf("status %d = %v, want %v", i, up, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("status %d not reported", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func waitConnFrame(t *testing.T, frames <-chan connFrame) connFrame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client frame")
		return connFrame{}
	}
}
