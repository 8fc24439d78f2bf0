// Package backend is the HTTP client of the marketplace REST API used by the chat.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/metrics"
	"github.com/creatorchat/internal/model"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const maxErrorBody = 512

// StatusError is a non-2xx response.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.Status, e.Body)
}

// clientSide reports 4xx: the request was wrong, the backend itself is fine.
func (e *StatusError) clientSide() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

type Options struct {
	BaseURL string
	Token   string
	// UserID resolves IsOwn on returned messages.
	UserID int64

	Timeout            time.Duration
	RateLimitRPS       float64
	RateLimitBurst     int
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration

	// Transport is the base round tripper, wrapped with otelhttp. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client implements chat.Backend and realtime.Authorizer.
// Every call waits on the rate limiter and runs inside the circuit breaker.
type Client struct {
	base    *url.URL
	token   string
	userID  int64
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 10
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 20
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 30 * time.Second
	}
	rt := opts.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}

	maxFailures := opts.BreakerMaxFailures
	st := gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("backend: circuit breaker %s %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.clientSide()
		},
	}

	return &Client{
		base:    base,
		token:   opts.Token,
		userID:  opts.UserID,
		http:    &http.Client{Timeout: opts.Timeout, Transport: otelhttp.NewTransport(rt)},
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitRPS), opts.RateLimitBurst),
		cb:      gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Breaker exposes the breaker state for status reporting.
func (c *Client) Breaker() string {
	return c.cb.State().String()
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	start := time.Now()
	err := c.call(ctx, op, method, path, query, in, out)
	metrics.BackendLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.BackendRequests.WithLabelValues(op, outcome(err)).Inc()
	return err
}

func outcome(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.As(err, &se):
		return strconv.Itoa(se.Status/100) + "xx"
	default:
		return "error"
	}
}

func (c *Client) call(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("backend %s: rate limit: %w", op, err)
	}
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, op, method, path, query, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("backend %s: %w", op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend %s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("backend %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend %s: decode: %w", op, err)
	}
	return nil
}

func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/api/chats", nil, nil, &raw); err != nil {
		return nil, err
	}
	var dtos []conversationDTO
	if err := unwrapList(raw, &dtos); err != nil {
		return nil, fmt.Errorf("backend list_conversations: %w", err)
	}
	out := make([]model.Conversation, 0, len(dtos))
	for _, d := range dtos {
		if d.RoomID == "" {
			continue
		}
		out = append(out, d.conversation(c.userID))
	}
	return out, nil
}

// History returns up to limit messages of roomID with id > afterID (0 = latest page).
// Entries that fail validation are skipped.
func (c *Client) History(ctx context.Context, roomID string, afterID int64, limit int) ([]model.Message, error) {
	q := url.Values{}
	if afterID > 0 {
		q.Set("after_id", strconv.FormatInt(afterID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var raw json.RawMessage
	path := "/api/chats/" + url.PathEscape(roomID) + "/messages"
	if err := c.do(ctx, "history", http.MethodGet, path, q, nil, &raw); err != nil {
		return nil, err
	}
	var wires []model.WireMessage
	if err := unwrapList(raw, &wires); err != nil {
		return nil, fmt.Errorf("backend history: %w", err)
	}
	out := make([]model.Message, 0, len(wires))
	for i := range wires {
		if err := wires[i].Validate(); err != nil {
			logger.Warnf("backend: history room=%s skip entry %d: %v", roomID, i, err)
			continue
		}
		out = append(out, wires[i].ToMessage(roomID, c.userID))
	}
	return out, nil
}

type sendRequest struct {
	RoomID    string `json:"roomId"`
	Body      string `json:"body"`
	ClientKey string `json:"clientKey,omitempty"`
}

// SendMessage posts a message; the response body is ignored, confirmation comes from the echo.
func (c *Client) SendMessage(ctx context.Context, roomID, body, clientKey string) error {
	return c.do(ctx, "send_message", http.MethodPost, "/api/chats/messages", nil,
		sendRequest{RoomID: roomID, Body: body, ClientKey: clientKey}, nil)
}

type readRequest struct {
	RoomID     string  `json:"roomId"`
	MessageIDs []int64 `json:"messageIds"`
}

func (c *Client) MarkRead(ctx context.Context, roomID string, ids []int64) error {
	return c.do(ctx, "mark_read", http.MethodPost, "/api/chats/read", nil,
		readRequest{RoomID: roomID, MessageIDs: ids}, nil)
}

type typingRequest struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

func (c *Client) SendTyping(ctx context.Context, roomID string, typing bool) error {
	return c.do(ctx, "typing", http.MethodPost, "/api/chats/typing", nil,
		typingRequest{RoomID: roomID, IsTyping: typing}, nil)
}

type authRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

type authResponse struct {
	Auth string `json:"auth"`
}

// AuthorizeChannel signs a private channel subscription for socketID.
func (c *Client) AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error) {
	var resp authResponse
	if err := c.do(ctx, "channel_auth", http.MethodPost, "/broadcasting/auth", nil,
		authRequest{SocketID: socketID, ChannelName: channel}, &resp); err != nil {
		return "", err
	}
	if resp.Auth == "" {
		return "", fmt.Errorf("backend channel_auth: empty signature for %s", channel)
	}
	return resp.Auth, nil
}
