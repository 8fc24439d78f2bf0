package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/metrics"
	"github.com/creatorchat/internal/model"
	"github.com/creatorchat/internal/realtime"
)

// SubState is the ingestor's subscription state for the active room.
type SubState int

const (
	Unsubscribed SubState = iota
	Subscribing
	Subscribed
)

func (s SubState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// ReadMarker reports messages as read to the backend.
type ReadMarker interface {
	MarkRead(ctx context.Context, roomID string, ids []int64) error
}

type IngestorConfig struct {
	UserID    int64
	Transport realtime.Transport
	Stores    *Stores
	List      *ConversationList
	Typing    *TypingTracker
	Reads     ReadMarker
	// Notify reports view changes. Optional.
	Notify func(Change)
	// Replay runs after the channel is acknowledged again following a disconnect.
	Replay func(roomID string)
	// Go runs fire-and-forget work. Defaults to a new goroutine.
	Go               func(func())
	RequestTimeout   time.Duration
	SubscribeTimeout time.Duration
}

// Ingestor keeps exactly one channel subscription (the active room) and turns
// its events into store, list and typing updates.
type Ingestor struct {
	cfg IngestorConfig

	mu          sync.Mutex
	room        string
	state       SubState
	needsReplay bool
}

func NewIngestor(cfg IngestorConfig) *Ingestor {
	if cfg.Notify == nil {
		cfg.Notify = func(Change) {}
	}
	if cfg.Go == nil {
		cfg.Go = func(f func()) { go f() }
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	return &Ingestor{cfg: cfg}
}

// State returns the active room and its subscription state.
func (in *Ingestor) State() (string, SubState) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.room, in.state
}

// Activate detaches the previous room's channel and subscribes to roomID.
// The state becomes Subscribed when the transport acknowledges; a failed
// subscribe leaves it Unsubscribed with roomID still recorded as the room.
func (in *Ingestor) Activate(ctx context.Context, roomID string) error {
	in.mu.Lock()
	if in.room == roomID && in.state != Unsubscribed {
		in.mu.Unlock()
		return nil
	}
	prev := in.room
	in.room = roomID
	in.state = Subscribing
	in.needsReplay = false
	in.mu.Unlock()

	if prev != "" && prev != roomID {
		if err := in.cfg.Transport.Unsubscribe(realtime.ChannelName(prev)); err != nil {
			logger.Errorf("ingestor: unsubscribe room=%s: %v", prev, err)
		}
		metrics.Subscriptions.WithLabelValues("unsubscribed").Inc()
	}
	ctx, cancel := context.WithTimeout(ctx, in.cfg.SubscribeTimeout)
	defer cancel()
	if err := in.cfg.Transport.Subscribe(ctx, realtime.ChannelName(roomID), &subscription{in: in, room: roomID}); err != nil {
		metrics.Subscriptions.WithLabelValues("error").Inc()
		// Unsubscribed lets the next Activate for the same room try again.
		in.mu.Lock()
		if in.room == roomID && in.state == Subscribing {
			in.state = Unsubscribed
		}
		in.mu.Unlock()
		return fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	return nil
}

// Deactivate drops the active subscription.
func (in *Ingestor) Deactivate() {
	in.mu.Lock()
	prev := in.room
	in.room = ""
	in.state = Unsubscribed
	in.needsReplay = false
	in.mu.Unlock()
	if prev == "" {
		return
	}
	if err := in.cfg.Transport.Unsubscribe(realtime.ChannelName(prev)); err != nil {
		logger.Errorf("ingestor: unsubscribe room=%s: %v", prev, err)
	}
	metrics.Subscriptions.WithLabelValues("unsubscribed").Inc()
}

// Disconnected is called when the transport loses its socket. Events sent
// meanwhile are lost; the next acknowledgement triggers a replay.
func (in *Ingestor) Disconnected() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.room == "" {
		return
	}
	in.state = Subscribing
	in.needsReplay = true
}

func (in *Ingestor) isActive(room string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.room == room && in.state != Unsubscribed
}

func (in *Ingestor) subscribed(room string) {
	in.mu.Lock()
	if in.room != room {
		in.mu.Unlock()
		return
	}
	in.state = Subscribed
	replay := in.needsReplay
	in.needsReplay = false
	in.mu.Unlock()

	metrics.Subscriptions.WithLabelValues("subscribed").Inc()
	logger.Debugf("ingestor: subscribed room=%s replay=%v", room, replay)
	if replay && in.cfg.Replay != nil {
		in.cfg.Go(func() { in.cfg.Replay(room) })
	}
}

func (in *Ingestor) handle(room string, ev realtime.Event) {
	if !in.isActive(room) {
		metrics.RealtimeRejected.WithLabelValues("stale").Inc()
		logger.Debugf("ingestor: drop event for inactive room=%s", room)
		return
	}
	switch e := ev.(type) {
	case realtime.NewMessage:
		metrics.RealtimeEvents.WithLabelValues(string(realtime.EventNewMessage)).Inc()
		msg := e.Message(in.cfg.UserID)
		if in.Apply(room, msg) && !msg.IsOwn {
			in.markRead(room, []int64{msg.ID})
		}
	case realtime.Typing:
		metrics.RealtimeEvents.WithLabelValues(string(realtime.EventUserTyping)).Inc()
		if e.SenderID == in.cfg.UserID {
			return
		}
		in.cfg.Typing.Remote(e.IsTyping)
	case realtime.MessagesRead:
		metrics.RealtimeEvents.WithLabelValues(string(realtime.EventMessagesRead)).Inc()
		if n := in.cfg.Stores.Get(room).MarkRead(e.MessageIDs); n > 0 {
			in.cfg.Notify(Change{Kind: ChangeMessages, RoomID: room})
		}
	case realtime.Rejected:
		metrics.RealtimeRejected.WithLabelValues("malformed").Inc()
		logger.Warnf("ingestor: rejected %s room=%s: %s", e.Name, room, e.Reason)
	}
}

// Apply puts a confirmed message into the room's store: own messages reconcile
// against their optimistic entry, inbound ones are appended. The list preview is
// updated either way. Reports whether the store changed.
func (in *Ingestor) Apply(room string, msg model.Message) bool {
	st := in.cfg.Stores.Get(room)
	var changed bool
	if msg.IsOwn {
		i, replaced := st.ReconcileOptimistic(msg)
		switch {
		case replaced:
			metrics.Reconciled.WithLabelValues("replaced").Inc()
		case i >= 0:
			metrics.Reconciled.WithLabelValues("appended").Inc()
		default:
			metrics.Reconciled.WithLabelValues("duplicate").Inc()
		}
		changed = i >= 0
	} else {
		changed = st.Append(msg)
	}

	stored := msg
	if got, ok := st.Get(msg.ClientKey, msg.ID); ok {
		stored = got
	}
	if in.cfg.List != nil && in.cfg.List.UpdatePreview(room, stored) {
		in.cfg.Notify(Change{Kind: ChangeConversations, RoomID: room})
	}
	if changed {
		in.cfg.Notify(Change{Kind: ChangeMessage, RoomID: room, Message: &stored})
	}
	return changed
}

func (in *Ingestor) markRead(room string, ids []int64) {
	if in.cfg.Reads == nil || len(ids) == 0 {
		return
	}
	in.cfg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), in.cfg.RequestTimeout)
		defer cancel()
		if err := in.cfg.Reads.MarkRead(ctx, room, ids); err != nil {
			logger.Errorf("ingestor: mark read room=%s ids=%v: %v", room, ids, err)
		}
	})
}

// subscription binds transport callbacks to the room they were registered for,
// so callbacks for an abandoned room can be told apart.
type subscription struct {
	in   *Ingestor
	room string
}

func (s *subscription) Subscribed()                   { s.in.subscribed(s.room) }
func (s *subscription) HandleEvent(ev realtime.Event) { s.in.handle(s.room, ev) }
