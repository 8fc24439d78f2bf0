// Package ws streams chat view changes to local UI clients and takes their commands.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/creatorchat/internal/chat"
	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/metrics"
	"github.com/creatorchat/internal/model"
)

// Controller is the part of *chat.Messenger the hub drives.
type Controller interface {
	Select(ctx context.Context, roomID string) error
	Deselect()
	Send(ctx context.Context, roomID, body string) (model.Message, error)
	Retry(ctx context.Context, roomID, clientKey string) (model.Message, error)
	Discard(roomID, clientKey string) error
	Keystroke()
	ActiveRoom() string
	Connected() bool
}

type Hub struct {
	ctrl       Controller
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxConns   int
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(ctrl Controller, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 64
	}
	return &Hub{
		ctrl:       ctrl,
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect under the lock, close outside it.
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	metrics.ViewClients.Set(0)

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("view ws connection limit reached (%d), rejecting client=%s", h.maxConns, c.id)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ViewClients.Set(float64(n))

	h.sendToClient(c, OutgoingMessage{Type: EventHello, Payload: HelloPayload{
		ActiveRoom: h.ctrl.ActiveRoom(),
		Connected:  h.ctrl.Connected(),
	}})
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ViewClients.Set(float64(n))
	c.Close()
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast forwards a view change to every client. It never blocks:
// a client whose buffer is full is dropped.
func (h *Hub) Broadcast(change chat.Change) {
	msg := OutgoingMessage{Type: EventType(change.Kind), Payload: change}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

// HandleMessage dispatches a UI command. Room-scoped commands default to the active room.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	room := msg.RoomID
	if room == "" {
		room = h.ctrl.ActiveRoom()
	}
	var err error
	switch msg.Type {
	case EventSelect:
		err = h.ctrl.Select(ctx, msg.RoomID)
	case EventDeselect:
		h.ctrl.Deselect()
	case EventTyping:
		h.ctrl.Keystroke()
	case EventSend:
		defer logger.DeferLogDuration("view.send", time.Now())()
		var m model.Message
		if m, err = h.ctrl.Send(ctx, room, msg.Body); err == nil {
			h.sendToClient(c, OutgoingMessage{Type: EventSent, Payload: SentPayload{Message: m}})
		}
	case EventRetry:
		_, err = h.ctrl.Retry(ctx, room, msg.ClientKey)
	case EventDiscard:
		err = h.ctrl.Discard(room, msg.ClientKey)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Command: msg.Type, Error: "unknown event type"}})
		return
	}
	if err != nil {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Command: msg.Type, Error: err.Error()}})
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("view ws send buffer full, closing slow client=%s", c.id)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
