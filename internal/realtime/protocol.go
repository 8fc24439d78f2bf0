package realtime

import (
	"encoding/json"
	"fmt"
)

// Pusher protocol v7 frame names used by the channel server.
const (
	frameConnectionEstablished = "pusher:connection_established"
	frameError                 = "pusher:error"
	framePing                  = "pusher:ping"
	framePong                  = "pusher:pong"
	frameSubscribe             = "pusher:subscribe"
	frameUnsubscribe           = "pusher:unsubscribe"
	frameSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	frameSubscriptionError     = "pusher:subscription_error"
)

// Frame is a single protocol message. Data is either a JSON object or a
// JSON string holding encoded JSON, depending on the server.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Payload returns Data with one level of string encoding removed.
func (f Frame) Payload() ([]byte, error) {
	if len(f.Data) == 0 || f.Data[0] != '"' {
		return f.Data, nil
	}
	var s string
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return nil, fmt.Errorf("frame %s: %w", f.Event, err)
	}
	return []byte(s), nil
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type subscribeData struct {
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

type errorData struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
