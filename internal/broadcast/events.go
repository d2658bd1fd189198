// Package broadcast carries queue events from the engine to display clients. Delivery
// is best effort: a display that misses an event catches up on its next poll of the
// waiting and skipped lists.
package broadcast

import (
	"context"
	"encoding/json"
	"time"
)

const (
	EventQueueUpdate  = "queue-update"
	EventStatusUpdate = "status-update"
	EventCallPatient  = "call-patient"
)

type Event struct {
	Name      string          `json:"event"`
	PoliID    string          `json:"poli_id,omitempty"`
	DoctorID  string          `json:"doctor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

func NewEvent(name, poliID, doctorID string, payload interface{}) (Event, error) {
	event := Event{Name: name, PoliID: poliID, DoctorID: doctorID, EmittedAt: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		event.Payload = raw
	}
	return event, nil
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}
