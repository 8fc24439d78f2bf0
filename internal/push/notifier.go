// Package push sends Web Push notifications for inbound messages while no UI is watching.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/creatorchat/internal/chat"
	"github.com/creatorchat/internal/logger"
	"github.com/creatorchat/internal/metrics"
	"github.com/creatorchat/internal/storage"
)

const (
	sendTimeout = 10 * time.Second
	pushTTL     = 30
	previewLen  = 120
)

var ErrInvalidSubscription = errors.New("push: endpoint and keys are required")

type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is a browser PushSubscription as serialized by PushSubscription.toJSON().
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Payload is what the service worker receives.
type Payload struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	RoomID string `json:"roomId"`
	URL    string `json:"url"`
}

// SendFunc delivers one notification and reports the push service status code.
type SendFunc func(ctx context.Context, payload []byte, sub Subscription) (int, error)

type NotifierOptions struct {
	State   storage.StateStore
	Keys    *VAPIDKeys
	Subject string
	// Viewers reports connected UI clients; notifications are sent only when it returns 0.
	Viewers func() int
	// Title resolves a display name for the room; optional.
	Title   func(roomID string) string
	Send    SendFunc
	Go      func(func())
}

type Notifier struct {
	state   storage.StateStore
	keys    *VAPIDKeys
	viewers func() int
	title   func(string) string
	send    SendFunc
	goFn    func(func())

	// persistMu orders state store writes; mu only guards subs and is never held during I/O.
	persistMu sync.Mutex
	mu        sync.Mutex
	subs      []Subscription
}

// NewNotifier loads persisted subscriptions from the state store.
func NewNotifier(ctx context.Context, opts NotifierOptions) (*Notifier, error) {
	if opts.State == nil || opts.Keys == nil {
		return nil, errors.New("push: state store and VAPID keys are required")
	}
	n := &Notifier{
		state:   opts.State,
		keys:    opts.Keys,
		viewers: opts.Viewers,
		title:   opts.Title,
		send:    opts.Send,
		goFn:    opts.Go,
	}
	if n.send == nil {
		n.send = webpushSender(opts.Keys, opts.Subject)
	}
	if n.goFn == nil {
		n.goFn = func(f func()) { go f() }
	}
	raw, err := opts.State.Get(ctx, storage.KeyPushSubscriptions)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("push: load subscriptions: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &n.subs); err != nil {
			logger.Errorf("push: повреждённый список подписок, начинаем с пустого: %v", err)
			n.subs = nil
		}
	}
	return n, nil
}

func webpushSender(keys *VAPIDKeys, subject string) SendFunc {
	return func(ctx context.Context, payload []byte, sub Subscription) (int, error) {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}, &webpush.Options{
			Subscriber:      subject,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             pushTTL,
		})
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	}
}

func (n *Notifier) PublicKey() string {
	return n.keys.PublicKey
}

// Subscribe stores sub, replacing an existing one with the same endpoint.
func (n *Notifier) Subscribe(ctx context.Context, sub Subscription) error {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return ErrInvalidSubscription
	}
	return n.update(ctx, func() bool {
		for i := range n.subs {
			if n.subs[i].Endpoint == sub.Endpoint {
				n.subs[i] = sub
				return true
			}
		}
		n.subs = append(n.subs, sub)
		return true
	})
}

// Unsubscribe removes the subscription with endpoint; unknown endpoints are a no-op.
func (n *Notifier) Unsubscribe(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	return n.update(ctx, func() bool { return n.removeLocked(endpoint) })
}

// update applies mutate under mu and, if it changed anything, writes the
// resulting list after mu is released.
func (n *Notifier) update(ctx context.Context, mutate func() bool) error {
	n.persistMu.Lock()
	defer n.persistMu.Unlock()

	n.mu.Lock()
	changed := mutate()
	var data []byte
	var err error
	if changed {
		data, err = json.Marshal(n.subs)
	}
	n.mu.Unlock()
	if !changed {
		return nil
	}
	if err != nil {
		return err
	}
	return n.state.Set(ctx, storage.KeyPushSubscriptions, string(data))
}

func (n *Notifier) Subscriptions() []Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Subscription(nil), n.subs...)
}

// OnChange is a chat.Messenger listener. Only confirmed inbound messages notify.
func (n *Notifier) OnChange(change chat.Change) {
	if change.Kind != chat.ChangeMessage || change.Message == nil {
		return
	}
	msg := change.Message
	if msg.IsOwn || msg.Unconfirmed() {
		return
	}
	if n.viewers != nil && n.viewers() > 0 {
		return
	}
	subs := n.Subscriptions()
	if len(subs) == 0 {
		return
	}
	p := Payload{
		Title:  "Новое сообщение",
		Body:   truncate(msg.Body, previewLen),
		RoomID: change.RoomID,
		URL:    "/messages?roomId=" + change.RoomID,
	}
	if n.title != nil {
		if t := n.title(change.RoomID); t != "" {
			p.Title = t
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		logger.Errorf("push: marshal payload: %v", err)
		return
	}
	n.goFn(func() { n.deliver(data, subs) })
}

func (n *Notifier) deliver(data []byte, subs []Subscription) {
	var gone []string
	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		status, err := n.send(ctx, data, sub)
		cancel()
		switch {
		case err != nil:
			metrics.PushSent.WithLabelValues("error").Inc()
			logger.Errorf("push: отправка на %s: %v", endpointHost(sub.Endpoint), err)
		case status == http.StatusGone || status == http.StatusNotFound:
			metrics.PushSent.WithLabelValues("expired").Inc()
			gone = append(gone, sub.Endpoint)
		case status >= 200 && status < 300:
			metrics.PushSent.WithLabelValues("ok").Inc()
		default:
			metrics.PushSent.WithLabelValues("rejected").Inc()
			logger.Warnf("push: %s ответил %d", endpointHost(sub.Endpoint), status)
		}
	}
	if len(gone) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	err := n.update(ctx, func() bool {
		removed := false
		for _, ep := range gone {
			if n.removeLocked(ep) {
				removed = true
			}
		}
		return removed
	})
	if err != nil {
		logger.Errorf("push: сохранить подписки после удаления: %v", err)
	}
}

func (n *Notifier) removeLocked(endpoint string) bool {
	for i := range n.subs {
		if n.subs[i].Endpoint == endpoint {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

// endpointHost hides the subscription token part of the endpoint in logs.
func endpointHost(endpoint string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
