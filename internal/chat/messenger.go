package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/metrics"
	"github.com/creatorchat/internal/model"
	"github.com/creatorchat/internal/realtime"
	"github.com/creatorchat/internal/storage"
	"github.com/google/uuid"
)

var (
	ErrEmptyBody    = errors.New("chat: empty message body")
	ErrNoActiveRoom = errors.New("chat: no active room")
)

// Backend is the REST API the messenger talks to. The returned messages are
// already resolved against the signed-in user (IsOwn set).
type Backend interface {
	ReadMarker
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	History(ctx context.Context, roomID string, afterID int64, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, roomID, body, clientKey string) error
	SendTyping(ctx context.Context, roomID string, typing bool) error
}

type ChangeKind string

const (
	// ChangeMessage: one entry was added or changed; Message carries it.
	ChangeMessage ChangeKind = "message"
	// ChangeMessages: the room's list changed in bulk; refetch it.
	ChangeMessages      ChangeKind = "messages"
	ChangeConversations ChangeKind = "conversations"
	ChangeActiveRoom    ChangeKind = "active_room"
	ChangeTyping        ChangeKind = "typing"
	ChangeConnection    ChangeKind = "connection"
)

// Change is a view notification.
type Change struct {
	Kind      ChangeKind     `json:"kind"`
	RoomID    string         `json:"roomId,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
	Typing    bool           `json:"typing,omitempty"`
	Connected bool           `json:"connected,omitempty"`
}

type Options struct {
	UserID    int64
	Backend   Backend
	Transport realtime.Transport
	// State persists the last selected room. Optional.
	State storage.StateStore
	Clock Clock

	TypingIdle       time.Duration
	TypingFailsafe   time.Duration
	HistoryLimit     int
	ReplayLimit      int
	RequestTimeout   time.Duration
	SubscribeTimeout time.Duration

	// Go runs async side effects (sends, receipts, fetches). Defaults to a goroutine.
	Go func(func())
}

// Messenger composes the per-room stores, the conversation list, the typing
// tracker and the realtime ingestor into one chat view for a single user.
type Messenger struct {
	opts     Options
	stores   *Stores
	list     *ConversationList
	typing   *TypingTracker
	ingestor *Ingestor

	mu          sync.Mutex
	active      string
	loaded      map[string]bool
	lastPending int64
	connected   bool

	lmu       sync.RWMutex
	listeners map[string]func(Change)

	// typing signals leave one at a time, in emit order
	tmu         sync.Mutex
	typingQueue []typingSignal
	typingBusy  bool
}

type typingSignal struct {
	roomID string
	typing bool
}

func New(opts Options) *Messenger {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Go == nil {
		opts.Go = func(f func()) { go f() }
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	m := &Messenger{
		opts:      opts,
		stores:    NewStores(),
		list:      NewConversationList(),
		loaded:    make(map[string]bool),
		listeners: make(map[string]func(Change)),
	}
	m.typing = NewTypingTracker(opts.Clock, opts.TypingIdle, opts.TypingFailsafe, m.emitTyping, func(typing bool) {
		m.notify(Change{Kind: ChangeTyping, RoomID: m.ActiveRoom(), Typing: typing})
	})
	m.ingestor = NewIngestor(IngestorConfig{
		UserID:           opts.UserID,
		Transport:        opts.Transport,
		Stores:           m.stores,
		List:             m.list,
		Typing:           m.typing,
		Reads:            opts.Backend,
		Notify:           m.notify,
		Replay:           m.Replay,
		Go:               opts.Go,
		RequestTimeout:   opts.RequestTimeout,
		SubscribeTimeout: opts.SubscribeTimeout,
	})
	return m
}

// Start loads the conversation list and restores the selection: the deep link
// room wins over the persisted one. Fetch errors leave the list empty.
func (m *Messenger) Start(ctx context.Context, deepLinkRoom string) error {
	defer logger.DeferLogDuration("messenger_start", time.Now())()
	m.RefreshConversations(ctx)

	room := strings.TrimSpace(deepLinkRoom)
	if room == "" && m.opts.State != nil {
		saved, err := m.opts.State.Get(ctx, storage.KeyLastSelectedRoom)
		switch {
		case err == nil:
			room = saved
		case !errors.Is(err, storage.ErrNotFound):
			logger.Errorf("messenger: read %s: %v", storage.KeyLastSelectedRoom, err)
		}
	}
	if room == "" {
		return nil
	}
	return m.Select(ctx, room)
}

// RefreshConversations replaces the list with the backend's.
func (m *Messenger) RefreshConversations(ctx context.Context) {
	list, err := m.opts.Backend.ListConversations(ctx)
	if err != nil {
		logger.Errorf("messenger: list conversations: %v", err)
		return
	}
	m.list.Replace(list)
	m.notify(Change{Kind: ChangeConversations})
}

// Select makes roomID the active conversation. History is fetched only the
// first time a room becomes active; its store is kept for the session.
func (m *Messenger) Select(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrNoActiveRoom
	}
	m.mu.Lock()
	if m.active == roomID {
		m.mu.Unlock()
		// Already selected; only a failed subscription needs another attempt.
		if _, state := m.ingestor.State(); state != Unsubscribed {
			return nil
		}
		if err := m.ingestor.Activate(ctx, roomID); err != nil {
			return fmt.Errorf("select %s: %w", roomID, err)
		}
		return nil
	}
	m.active = roomID
	needHistory := !m.loaded[roomID]
	m.loaded[roomID] = true
	m.mu.Unlock()

	m.typing.Reset(roomID)
	if _, ok := m.list.Get(roomID); !ok {
		m.list.Add(model.Conversation{RoomID: roomID})
	}
	m.persistSelection(ctx, roomID)
	m.notify(Change{Kind: ChangeActiveRoom, RoomID: roomID})

	err := m.ingestor.Activate(ctx, roomID)
	if needHistory {
		m.opts.Go(func() { m.loadHistory(roomID) })
	}
	if err != nil {
		return fmt.Errorf("select %s: %w", roomID, err)
	}
	return nil
}

// Deselect leaves the active room; its store stays in memory.
func (m *Messenger) Deselect() {
	m.mu.Lock()
	m.active = ""
	m.mu.Unlock()
	m.typing.Reset("")
	m.ingestor.Deactivate()
	m.notify(Change{Kind: ChangeActiveRoom})
}

func (m *Messenger) persistSelection(ctx context.Context, roomID string) {
	if m.opts.State == nil {
		return
	}
	if err := m.opts.State.Set(ctx, storage.KeyLastSelectedRoom, roomID); err != nil {
		logger.Errorf("messenger: persist %s: %v", storage.KeyLastSelectedRoom, err)
	}
}

func (m *Messenger) loadHistory(roomID string) {
	defer logger.DeferLogDuration("history_"+roomID, time.Now())()
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	msgs, err := m.opts.Backend.History(ctx, roomID, 0, m.opts.HistoryLimit)
	if err != nil {
		logger.Errorf("messenger: history room=%s: %v", roomID, err)
		m.mu.Lock()
		delete(m.loaded, roomID)
		m.mu.Unlock()
		return
	}
	st := m.stores.Get(roomID)
	added := st.LoadHistory(chronological(msgs))
	logger.Debugf("messenger: history room=%s fetched=%d added=%d", roomID, len(msgs), added)

	// Populated but not rendered when the user has already moved on.
	if m.ActiveRoom() != roomID {
		return
	}
	if unread := unreadInbound(st.Messages()); len(unread) > 0 {
		st.MarkRead(unread)
		m.list.SetUnread(roomID, 0)
		m.ingestor.markRead(roomID, unread)
		m.notify(Change{Kind: ChangeConversations, RoomID: roomID})
	}
	m.notify(Change{Kind: ChangeMessages, RoomID: roomID})
}

// Replay fetches what the active room received after its last confirmed message
// and applies it like realtime events. Called after a reconnect.
func (m *Messenger) Replay(roomID string) {
	if m.ActiveRoom() != roomID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	st := m.stores.Get(roomID)
	msgs, err := m.opts.Backend.History(ctx, roomID, st.LastConfirmedID(), m.opts.ReplayLimit)
	if err != nil {
		logger.Errorf("messenger: replay room=%s: %v", roomID, err)
		return
	}
	var unread []int64
	applied := 0
	for _, msg := range chronological(msgs) {
		if !m.ingestor.Apply(roomID, msg) {
			continue
		}
		applied++
		if !msg.IsOwn && !msg.IsRead {
			unread = append(unread, msg.ID)
		}
	}
	metrics.ReplayedMessages.Add(float64(applied))
	if applied > 0 {
		logger.Infof("messenger: replay room=%s recovered=%d", roomID, applied)
	}
	m.ingestor.markRead(roomID, unread)
}

// Send appends a pending own message to roomID and delivers it in the background.
// The HTTP response is not used for confirmation; the realtime echo is.
func (m *Messenger) Send(ctx context.Context, roomID, body string) (model.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return model.Message{}, ErrEmptyBody
	}
	if roomID == "" {
		return model.Message{}, ErrNoActiveRoom
	}
	now := m.opts.Clock.Now()
	msg := model.Message{
		ClientKey:      uuid.NewString(),
		ProvisionalID:  m.nextProvisionalID(now),
		ConversationID: roomID,
		Body:           body,
		Kind:           model.MessageKindText,
		SenderID:       m.opts.UserID,
		IsOwn:          true,
		Status:         model.StatusPending,
		CreatedAt:      now,
	}
	m.stores.Get(roomID).Append(msg)
	if roomID == m.ActiveRoom() {
		m.typing.Stop()
	}
	if m.list.UpdatePreview(roomID, msg) {
		m.notify(Change{Kind: ChangeConversations, RoomID: roomID})
	}
	m.notify(Change{Kind: ChangeMessage, RoomID: roomID, Message: &msg})
	metrics.MessagesSent.WithLabelValues("queued").Inc()

	m.deliver(context.WithoutCancel(ctx), roomID, msg)
	return msg, nil
}

// nextProvisionalID is the send time in ms, bumped to stay unique within a session.
func (m *Messenger) nextProvisionalID(now time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := now.UnixMilli()
	if id <= m.lastPending {
		id = m.lastPending + 1
	}
	m.lastPending = id
	return id
}

func (m *Messenger) deliver(ctx context.Context, roomID string, msg model.Message) {
	m.opts.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
		defer cancel()
		err := m.opts.Backend.SendMessage(ctx, roomID, msg.Body, msg.ClientKey)
		if err == nil {
			metrics.MessagesSent.WithLabelValues("accepted").Inc()
			return
		}
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		logger.Errorf("messenger: send room=%s key=%s: %v", roomID, msg.ClientKey, err)

		st := m.stores.Get(roomID)
		if ferr := st.MarkFailed(msg.ClientKey); ferr != nil {
			// the echo already confirmed it
			return
		}
		if failed, ok := st.Get(msg.ClientKey, 0); ok {
			m.notify(Change{Kind: ChangeMessage, RoomID: roomID, Message: &failed})
		}
	})
}

// Retry re-sends a failed message of roomID.
func (m *Messenger) Retry(ctx context.Context, roomID, clientKey string) (model.Message, error) {
	msg, err := m.stores.Get(roomID).MarkPending(clientKey)
	if err != nil {
		return model.Message{}, err
	}
	metrics.MessagesSent.WithLabelValues("retried").Inc()
	m.notify(Change{Kind: ChangeMessage, RoomID: roomID, Message: &msg})
	m.deliver(context.WithoutCancel(ctx), roomID, msg)
	return msg, nil
}

// Discard removes a failed message of roomID.
func (m *Messenger) Discard(roomID, clientKey string) error {
	st := m.stores.Get(roomID)
	if err := st.Discard(clientKey); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues("discarded").Inc()
	if last, ok := st.Last(); ok && m.list.UpdatePreview(roomID, last) {
		m.notify(Change{Kind: ChangeConversations, RoomID: roomID})
	}
	m.notify(Change{Kind: ChangeMessages, RoomID: roomID})
	return nil
}

// Keystroke reports composer activity in the active room.
func (m *Messenger) Keystroke() {
	m.typing.Keystroke()
}

func (m *Messenger) emitTyping(roomID string, typing bool) {
	if roomID == "" {
		return
	}
	m.tmu.Lock()
	m.typingQueue = append(m.typingQueue, typingSignal{roomID: roomID, typing: typing})
	if m.typingBusy {
		m.tmu.Unlock()
		return
	}
	m.typingBusy = true
	m.tmu.Unlock()
	m.opts.Go(m.drainTyping)
}

// drainTyping sends queued signals until the queue is empty, so a false
// emitted right after a true never overtakes it.
func (m *Messenger) drainTyping() {
	for {
		m.tmu.Lock()
		if len(m.typingQueue) == 0 {
			m.typingBusy = false
			m.tmu.Unlock()
			return
		}
		sig := m.typingQueue[0]
		m.typingQueue = m.typingQueue[1:]
		m.tmu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
		if err := m.opts.Backend.SendTyping(ctx, sig.roomID, sig.typing); err != nil {
			logger.Errorf("messenger: typing room=%s typing=%v: %v", sig.roomID, sig.typing, err)
		}
		cancel()
	}
}

// SetConnected is the transport status callback.
func (m *Messenger) SetConnected(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.mu.Unlock()
	if connected {
		metrics.RealtimeConnected.Set(1)
	} else {
		metrics.RealtimeConnected.Set(0)
		m.ingestor.Disconnected()
	}
	if changed {
		m.notify(Change{Kind: ChangeConnection, Connected: connected})
	}
}

func (m *Messenger) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Messenger) ActiveRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Messages returns roomID's entries in render order; nil for a room never opened.
func (m *Messenger) Messages(roomID string) []model.Message {
	st, ok := m.stores.Lookup(roomID)
	if !ok {
		return nil
	}
	return st.Messages()
}

func (m *Messenger) Conversations() []model.Conversation {
	return m.list.List()
}

func (m *Messenger) RemoteIsTyping() bool {
	return m.typing.RemoteIsTyping()
}

// SubscriptionState exposes the ingestor state for status reporting.
func (m *Messenger) SubscriptionState() (string, SubState) {
	return m.ingestor.State()
}

// Subscribe registers a view listener and returns its cancel func.
// Listeners are called synchronously and must not block.
func (m *Messenger) Subscribe(fn func(Change)) func() {
	id := uuid.NewString()
	m.lmu.Lock()
	m.listeners[id] = fn
	m.lmu.Unlock()
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Messenger) notify(c Change) {
	m.lmu.RLock()
	fns := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

// DeepLinkRoom extracts roomId from a link, a query string or "?roomId=..".
func DeepLinkRoom(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	if i := strings.IndexByte(link, '?'); i >= 0 {
		link = link[i+1:]
	}
	if i := strings.IndexByte(link, '#'); i >= 0 {
		link = link[:i]
	}
	q, err := url.ParseQuery(link)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(q.Get("roomId"))
}

// chronological returns a page oldest first; the backend may return newest first.
func chronological(msgs []model.Message) []model.Message {
	if len(msgs) < 2 || msgs[0].ID <= msgs[len(msgs)-1].ID {
		return msgs
	}
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

func unreadInbound(msgs []model.Message) []int64 {
	var ids []int64
	for _, m := range msgs {
		if !m.IsOwn && !m.IsRead && m.Status == model.StatusConfirmed {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
