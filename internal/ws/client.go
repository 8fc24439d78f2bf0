package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/creatorchat/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 10
	sendBufSize    = 256
)

var errMalformedCommand = errors.New("malformed command")

// Client is one UI tab attached to the daemon. Commands are read in readCommands,
// view events are written in writeEvents; Close stops both.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan OutgoingMessage
	id   string

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan OutgoingMessage, sendBufSize),
		id:   uuid.NewString()[:8],
		done: make(chan struct{}),
	}
}

func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writeEvents(ctx)
	go c.readCommands(ctx)
}

func (c *Client) Wait() {
	c.wg.Wait()
}

// Close may be called from the hub, the handler or either loop.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

// decodeCommand parses one UI frame. A frame without a type is rejected here so
// the hub only sees commands it can name in an error reply.
func decodeCommand(raw []byte) (IncomingMessage, error) {
	var msg IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, errMalformedCommand
	}
	msg.Type = EventType(strings.TrimSpace(string(msg.Type)))
	msg.RoomID = strings.TrimSpace(msg.RoomID)
	if msg.Type == "" {
		return msg, errMalformedCommand
	}
	return msg, nil
}

func (c *Client) readCommands(ctx context.Context) {
	defer c.wg.Done()
	defer c.Close()
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("view ws client=%s: %v", c.id, err)
			}
			return
		}
		msg, err := decodeCommand(raw)
		if err != nil {
			logger.Warnf("view ws client=%s: %v (%d bytes)", c.id, err, len(raw))
			c.hub.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Error: err.Error()}})
			continue
		}
		c.hub.HandleMessage(ctx, c, msg)
	}
}

func (c *Client) writeEvents(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "chatd stopping"))
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Errorf("view ws client=%s: encode %s: %v", c.id, msg.Type, err)
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(kind int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}
