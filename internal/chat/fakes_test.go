package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/creatorchat/internal/model"
	"github.com/creatorchat/internal/realtime"
)

func syncGo(f func()) { f() }

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fakeClock fires timers only from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// fakeTransport records subscribe/unsubscribe calls in order.
type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	subs  map[string]realtime.Subscriber
	err   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]realtime.Subscriber)}
}

func (f *fakeTransport) Subscribe(_ context.Context, channel string, sub realtime.Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "subscribe:"+channel)
	if f.err != nil {
		return f.err
	}
	f.subs[channel] = sub
	return nil
}

func (f *fakeTransport) Unsubscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unsubscribe:"+channel)
	delete(f.subs, channel)
	return nil
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) sub(channel string) realtime.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[channel]
}

func (f *fakeTransport) ack(room string) {
	if s := f.sub(realtime.ChannelName(room)); s != nil {
		s.Subscribed()
	}
}

func (f *fakeTransport) deliver(room string, ev realtime.Event) {
	if s := f.sub(realtime.ChannelName(room)); s != nil {
		s.HandleEvent(ev)
	}
}

type sendCall struct {
	Room, Body, ClientKey string
}

type typingCall struct {
	Room   string
	Typing bool
}

type historyCall struct {
	Room    string
	AfterID int64
	Limit   int
}

type fakeBackend struct {
	mu            sync.Mutex
	conversations []model.Conversation
	history       map[string][]model.Message
	sendErr       error
	historyErr    error

	sends     []sendCall
	reads     map[string][][]int64
	typing    []typingCall
	histories []historyCall
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: make(map[string][]model.Message), reads: make(map[string][][]int64)}
}

func (b *fakeBackend) ListConversations(context.Context) ([]model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Conversation(nil), b.conversations...), nil
}

func (b *fakeBackend) History(_ context.Context, roomID string, afterID int64, limit int) ([]model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.histories = append(b.histories, historyCall{roomID, afterID, limit})
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	var out []model.Message
	for _, m := range b.history[roomID] {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *fakeBackend) SendMessage(_ context.Context, roomID, body, clientKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, sendCall{roomID, body, clientKey})
	return b.sendErr
}

func (b *fakeBackend) MarkRead(_ context.Context, roomID string, ids []int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads[roomID] = append(b.reads[roomID], append([]int64(nil), ids...))
	return nil
}

func (b *fakeBackend) SendTyping(_ context.Context, roomID string, typing bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typing = append(b.typing, typingCall{roomID, typing})
	return nil
}

func (b *fakeBackend) Reads(room string) [][]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]int64(nil), b.reads[room]...)
}

func (b *fakeBackend) Typing() []typingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]typingCall(nil), b.typing...)
}

func (b *fakeBackend) Sends() []sendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sendCall(nil), b.sends...)
}

func wire(id, sender int64, body string) model.WireMessage {
	return model.WireMessage{
		MessageID: id,
		SenderID:  sender,
		Message:   body,
		CreatedAt: model.Timestamp{Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func confirmed(room string, id, sender, self int64, body string) model.Message {
	w := wire(id, sender, body)
	return w.ToMessage(room, self)
}
