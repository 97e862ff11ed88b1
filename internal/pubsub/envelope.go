package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope marks bytes from the broker that are not a valid
	// Envelope. Such messages are dropped.
	ErrMalformedEnvelope = errors.New("pubsub: malformed envelope")
	// ErrDeliveryDropped means the envelope reached local connections but
	// could not be published to the rest of the fleet.
	ErrDeliveryDropped = errors.New("pubsub: delivery dropped")
)

// Envelope is one real-time event addressed to a room. (OriginID, Boot, Seq)
// identifies it uniquely across the fleet: Seq restarts with every process,
// Boot does not repeat.
type Envelope struct {
	Event    string `json:"event"`
	Room     string `json:"room"`
	OriginID string `json:"originId"`
	Boot     string `json:"boot,omitempty"`
	Seq      uint64 `json:"seq"`
	Payload  []byte `json:"payload"`
}

// stream names the sequence Seq belongs to.
func (e Envelope) stream() string { return e.OriginID + "/" + e.Boot }

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates wire bytes. Every failure wraps
// ErrMalformedEnvelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch {
	case e.Event == "":
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	case e.Room == "":
		return Envelope{}, fmt.Errorf("%w: missing room", ErrMalformedEnvelope)
	case e.OriginID == "":
		return Envelope{}, fmt.Errorf("%w: missing originId", ErrMalformedEnvelope)
	case e.Seq == 0:
		return Envelope{}, fmt.Errorf("%w: missing seq", ErrMalformedEnvelope)
	}
	return e, nil
}
