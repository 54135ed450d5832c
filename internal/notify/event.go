package notify

import (
	"encoding/json"
	"errors"
	"time"
)

// Event is one broadcast notification.
type Event struct {
	// Name is the event channel, e.g. "processes:history".
	Name string
	// Payload is serialized as JSON for remote listeners.
	Payload any
	// TS is the UTC time the event was broadcast.
	TS time.Time
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Name == "" {
		return errors.New("event name is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

type wireEvent struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	TS      time.Time `json:"ts"`
}

// MarshalJSON renders the wire form {"event","payload","ts"}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Event: e.Name, Payload: e.Payload, TS: e.TS})
}
