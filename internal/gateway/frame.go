package gateway

import (
	"encoding/json"

	"chatty/internal/pubsub"
)

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameEmit        = "emit"
	FramePing        = "ping"
)

// Server frame types.
const (
	FrameWelcome = "welcome"
	FrameEvent   = "event"
	FrameAck     = "ack"
	FrameError   = "error"
	FramePong    = "pong"
)

// ClientFrame is what a socket sends. Ref, when set, is echoed on the ack or
// error that answers the frame.
type ClientFrame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ServerFrame struct {
	Type     string          `json:"type"`
	Ref      string          `json:"ref,omitempty"`
	ConnID   string          `json:"connId,omitempty"`
	Room     string          `json:"room,omitempty"`
	Event    string          `json:"event,omitempty"`
	OriginID string          `json:"originId,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// encodeEvent renders an envelope as an event frame. JSON payloads are
// embedded as-is; anything else is carried as a base64 string.
func encodeEvent(env pubsub.Envelope) ([]byte, error) {
	f := ServerFrame{
		Type:     FrameEvent,
		Room:     env.Room,
		Event:    env.Event,
		OriginID: env.OriginID,
		Seq:      env.Seq,
	}
	if len(env.Payload) > 0 {
		if json.Valid(env.Payload) {
			f.Payload = json.RawMessage(env.Payload)
		} else {
			b, err := json.Marshal(env.Payload)
			if err != nil {
				return nil, err
			}
			f.Payload = b
		}
	}
	return json.Marshal(f)
}

func encodeFrame(f ServerFrame) []byte {
	b, _ := json.Marshal(f)
	return b
}
