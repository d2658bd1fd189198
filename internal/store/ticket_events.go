package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"simrs/internal/models"
)

const (
	EventTicketCreated  = "ticket.created"
	EventTicketCalled   = "ticket.called"
	EventTicketSkipped  = "ticket.skipped"
	EventTicketRecalled = "ticket.recalled"
	EventTicketServed   = "ticket.served"
)

// TicketEvent is one link of a ticket's append-only history.
type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID    string     `json:"ticket_id"`
	QuotaID     string     `json:"quota_id"`
	DoctorID    string     `json:"doctor_id"`
	PoliID      string     `json:"poli_id"`
	QueueNumber int        `json:"queue_number"`
	QueueCode   string     `json:"queue_code"`
	Status      string     `json:"status"`
	CounterName *string    `json:"counter_name"`
	CreatedAt   *time.Time `json:"created_at"`
	CalledAt    *time.Time `json:"called_at"`
	SkippedAt   *time.Time `json:"skipped_at"`
	ServedAt    *time.Time `json:"served_at"`
}

// EventTypeFor maps a ticket action to the history event it records.
func EventTypeFor(action string) string {
	switch action {
	case ActionCall:
		return EventTicketCalled
	case ActionComplete:
		return EventTicketServed
	case ActionSkip:
		return EventTicketSkipped
	case ActionRecall:
		return EventTicketRecalled
	default:
		return "ticket." + action
	}
}

// TicketEventPayload is the JSON snapshot stored with each history event.
func TicketEventPayload(ticket models.Ticket) ([]byte, error) {
	createdAt := ticket.CreatedAt
	return json.Marshal(eventPayload{
		TicketID:    ticket.TicketID,
		QuotaID:     ticket.QuotaID,
		DoctorID:    ticket.DoctorID,
		PoliID:      ticket.PoliID,
		QueueNumber: ticket.QueueNumber,
		QueueCode:   ticket.QueueCode,
		Status:      ticket.Status,
		CounterName: ticket.CounterName,
		CreatedAt:   &createdAt,
		CalledAt:    ticket.CalledAt,
		SkippedAt:   ticket.SkippedAt,
		ServedAt:    ticket.ServedAt,
	})
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent builds the event following last (nil for the first event).
// Timestamps are truncated to microseconds so hashes survive a database round trip.
func NextTicketEvent(last *TicketEvent, ticketID, eventType string, payload []byte, createdAt time.Time) TicketEvent {
	seq := 1
	prev := ""
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	if last != nil {
		seq = last.TicketSeq + 1
		prev = last.Hash
	}
	return TicketEvent{
		TicketID:  ticketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      ComputeTicketEventHash(prev, ticketID, eventType, payload, createdAt, seq),
	}
}

// VerifyTicketEvents checks sequence continuity and every hash link.
func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrChainBroken, event.TicketSeq, i)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrChainBroken, event.TicketSeq)
		}
		want := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrChainBroken, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.QuotaID != "" {
			ticket.QuotaID = payload.QuotaID
		}
		if payload.DoctorID != "" {
			ticket.DoctorID = payload.DoctorID
		}
		if payload.PoliID != "" {
			ticket.PoliID = payload.PoliID
		}
		if payload.QueueNumber != 0 {
			ticket.QueueNumber = payload.QueueNumber
		}
		if payload.QueueCode != "" {
			ticket.QueueCode = payload.QueueCode
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.CounterName != nil {
			ticket.CounterName = payload.CounterName
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			ticket.CalledAt = payload.CalledAt
		}
		if payload.SkippedAt != nil {
			ticket.SkippedAt = payload.SkippedAt
		}
		if payload.ServedAt != nil {
			ticket.ServedAt = payload.ServedAt
		}
	}
	return ticket, nil
}
