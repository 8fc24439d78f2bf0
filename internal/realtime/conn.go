package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/creatorchat/internal/logger"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 << 10
	defaultMaxBackoff     = 30 * time.Second
	minBackoff            = time.Second
	sendBufSize           = 64
)

// ErrBufferFull is returned when a frame cannot be queued for the socket.
var ErrBufferFull = errors.New("realtime: send buffer full")

// Subscriber receives the events of one channel in the order the transport delivers them.
// Subscribed is called on every acknowledgement, including resubscription after a reconnect.
type Subscriber interface {
	Subscribed()
	HandleEvent(ev Event)
}

// Transport is what the chat ingestor needs from a realtime connection.
type Transport interface {
	Subscribe(ctx context.Context, channel string, sub Subscriber) error
	Unsubscribe(channel string) error
}

// Authorizer signs private channel subscriptions.
type Authorizer interface {
	AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error)
}

type Options struct {
	URL            string
	Header         http.Header
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxBackoff     time.Duration
	MaxMessageSize int64
	// OnStatus is called from the connection goroutine whenever the socket
	// becomes usable (true) or is lost after being usable (false).
	OnStatus func(connected bool)
}

// Conn is a reconnecting channel connection.
// Lifecycle: NewConn -> Run(ctx) in its own goroutine -> cancel ctx.
// Subscriptions survive reconnects and are re-sent on every new socket.
type Conn struct {
	opts   Options
	auth   Authorizer
	dialer *websocket.Dialer

	mu       sync.Mutex
	subs     map[string]Subscriber
	socketID string
	// send is the current socket's outbound queue; nil while offline.
	send chan []byte
}

func NewConn(opts Options, auth Authorizer) *Conn {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteWait
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongWait
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	return &Conn{
		opts:   opts,
		auth:   auth,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subs:   make(map[string]Subscriber),
	}
}

// Connected reports whether a socket is currently established.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// Run dials and redials until ctx is cancelled, with exponential backoff.
func (c *Conn) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			backoff = minBackoff
		}
		if err != nil {
			logger.Warnf("realtime: connection lost, retry in %v: %v", backoff, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < c.opts.MaxBackoff {
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
		}
	}
}

// Subscribe registers sub for channel. While offline the subscription is
// only recorded and gets sent once the next socket is established.
func (c *Conn) Subscribe(ctx context.Context, channel string, sub Subscriber) error {
	c.mu.Lock()
	c.subs[channel] = sub
	socketID, send := c.socketID, c.send
	c.mu.Unlock()
	if send == nil {
		return nil
	}
	return c.sendSubscribe(ctx, socketID, send, channel)
}

// Unsubscribe detaches the channel's subscriber immediately; events for it are dropped from now on.
func (c *Conn) Unsubscribe(channel string) error {
	c.mu.Lock()
	_, ok := c.subs[channel]
	delete(c.subs, channel)
	send := c.send
	c.mu.Unlock()
	if !ok || send == nil {
		return nil
	}
	frame, err := encodeFrame(frameUnsubscribe, subscribeData{Channel: channel})
	if err != nil {
		return err
	}
	return enqueue(send, frame)
}

func (c *Conn) sendSubscribe(ctx context.Context, socketID string, send chan []byte, channel string) error {
	data := subscribeData{Channel: channel}
	if c.auth != nil && strings.HasPrefix(channel, "private-") {
		sig, err := c.auth.AuthorizeChannel(ctx, socketID, channel)
		if err != nil {
			return fmt.Errorf("authorize %s: %w", channel, err)
		}
		data.Auth = sig
	}
	frame, err := encodeFrame(frameSubscribe, data)
	if err != nil {
		return err
	}
	return enqueue(send, frame)
}

func enqueue(send chan []byte, frame []byte) error {
	select {
	case send <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Conn) lookup(channel string) Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[channel]
}

// session runs one socket until it fails or ctx is cancelled. established
// reports whether the server completed the handshake on this socket.
func (c *Conn) session(ctx context.Context) (established bool, err error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	send := make(chan []byte, sendBufSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(sctx, ws, send)
	}()

	established, err = c.readPump(sctx, ws, send)
	cancel()
	ws.Close()
	wg.Wait()
	c.goOffline(send, established)
	return established, err
}

func (c *Conn) goOnline(ctx context.Context, socketID string, send chan []byte) {
	c.mu.Lock()
	c.socketID = socketID
	c.send = send
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	logger.Infof("realtime: connected socket=%s", socketID)
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(true)
	}
	for _, ch := range channels {
		ch := ch
		// Authorization is an HTTP round trip; keep the read loop moving.
		go func() {
			if err := c.sendSubscribe(ctx, socketID, send, ch); err != nil {
				logger.Errorf("realtime: resubscribe %s: %v", ch, err)
			}
		}()
	}
}

func (c *Conn) goOffline(send chan []byte, established bool) {
	c.mu.Lock()
	if c.send == send {
		c.send = nil
		c.socketID = ""
	}
	c.mu.Unlock()
	if established && c.opts.OnStatus != nil {
		c.opts.OnStatus(false)
	}
}

// readPump reads frames until the socket fails. Channel events are handed to
// subscribers synchronously so their order is the transport's order.
func (c *Conn) readPump(ctx context.Context, ws *websocket.Conn, send chan []byte) (bool, error) {
	established := false
	ws.SetReadLimit(c.opts.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
		return false, err
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return established, nil
			}
			return established, fmt.Errorf("read: %w", err)
		}
		if err := ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
			return established, err
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("realtime: unmarshal frame: %v", err)
			continue
		}

		switch f.Event {
		case frameConnectionEstablished:
			data, err := f.Payload()
			if err != nil {
				return established, err
			}
			var ce connectionEstablished
			if err := json.Unmarshal(data, &ce); err != nil {
				return established, fmt.Errorf("connection_established: %w", err)
			}
			established = true
			c.goOnline(ctx, ce.SocketID, send)
		case framePing:
			if frame, err := encodeFrame(framePong, struct{}{}); err == nil {
				if err := enqueue(send, frame); err != nil {
					logger.Warnf("realtime: pong: %v", err)
				}
			}
		case frameError, frameSubscriptionError:
			var ed errorData
			if data, err := f.Payload(); err == nil {
				_ = json.Unmarshal(data, &ed)
			}
			logger.Errorf("realtime: %s channel=%s code=%d: %s", f.Event, f.Channel, ed.Code, ed.Message)
		case frameSubscriptionSucceeded:
			if sub := c.lookup(f.Channel); sub != nil {
				sub.Subscribed()
			}
		default:
			if strings.HasPrefix(f.Event, "pusher:") || strings.HasPrefix(f.Event, "pusher_internal:") {
				continue
			}
			sub := c.lookup(f.Channel)
			if sub == nil {
				logger.Debugf("realtime: drop %s for detached channel %s", f.Event, f.Channel)
				continue
			}
			room, _ := RoomFromChannel(f.Channel)
			data, err := f.Payload()
			if err != nil {
				sub.HandleEvent(Rejected{RoomID: room, Name: f.Event, Reason: err.Error(), Raw: raw})
				continue
			}
			sub.HandleEvent(Decode(room, f.Event, data))
		}
	}
}

// writePump writes queued frames and keeps the socket alive with pings.
// Exits on ctx cancellation or a write error.
func (c *Conn) writePump(ctx context.Context, ws *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(c.opts.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := ws.WriteMessage(websocket.CloseMessage, msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debugf("realtime: close message: %v", err)
			}
			return
		case frame := <-send:
			if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				logger.Errorf("realtime: set write deadline: %v", err)
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Errorf("realtime: write: %v", err)
				return
			}
		case <-ticker.C:
			if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
