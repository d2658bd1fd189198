package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"simrs/internal/models"
	"simrs/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const dateLayout = "2006-01-02"

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const ticketSelect = `
	SELECT t.ticket_id, t.quota_id, t.doctor_id, t.poli_id, p.name, t.queue_number, t.queue_code,
	       t.status, t.counter_name, t.created_at, t.called_at, t.skipped_at, t.served_at
	FROM tickets t
	JOIN polikliniks p ON p.poli_id = t.poli_id
`

func scanTicket(row scanner) (models.Ticket, error) {
	var ticket models.Ticket
	var counterNull sql.NullString
	var calledAtNull sql.NullTime
	var skippedAtNull sql.NullTime
	var servedAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.QuotaID, &ticket.DoctorID, &ticket.PoliID, &ticket.PoliName,
		&ticket.QueueNumber, &ticket.QueueCode, &ticket.Status, &counterNull, &ticket.CreatedAt,
		&calledAtNull, &skippedAtNull, &servedAtNull); err != nil {
		return models.Ticket{}, err
	}
	ticket.CounterName = nullStringPtr(counterNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.SkippedAt = nullTimePtr(skippedAtNull)
	ticket.ServedAt = nullTimePtr(servedAtNull)
	return ticket, nil
}

func getTicketByID(ctx context.Context, q querier, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(q.QueryRow(ctx, ticketSelect+` WHERE t.ticket_id = $1`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

const quotaColumns = `quota_id, doctor_id, quota_date, status, max_quota, current_count, updated_at`

func scanQuota(row scanner) (models.DailyQuota, error) {
	var quota models.DailyQuota
	if err := row.Scan(&quota.QuotaID, &quota.DoctorID, &quota.Date, &quota.Status, &quota.MaxQuota, &quota.CurrentCount, &quota.UpdatedAt); err != nil {
		return models.DailyQuota{}, err
	}
	return quota, nil
}

func getDoctor(ctx context.Context, q querier, doctorID string) (models.Doctor, error) {
	var doctor models.Doctor
	row := q.QueryRow(ctx, `
		SELECT d.doctor_id, d.poli_id, d.name, d.active, p.poli_id, p.name, p.queue_code
		FROM doctors d
		JOIN polikliniks p ON p.poli_id = d.poli_id
		WHERE d.doctor_id = $1
	`, doctorID)
	if err := row.Scan(&doctor.DoctorID, &doctor.PoliID, &doctor.Name, &doctor.Active,
		&doctor.Poliklinik.PoliID, &doctor.Poliklinik.Name, &doctor.Poliklinik.QueueCode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Doctor{}, store.ErrDoctorNotFound
		}
		return models.Doctor{}, err
	}
	return doctor, nil
}

// insertTicketEvent appends the next link of the ticket's history chain. The advisory
// lock serialises writers of the same ticket.
func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string, occurredAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return err
	}

	var last *store.TicketEvent
	var lastSeq int
	var lastHash string
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	if err := row.Scan(&lastSeq, &lastHash); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	} else {
		last = &store.TicketEvent{TicketSeq: lastSeq, Hash: lastHash}
	}

	payload, err := store.TicketEventPayload(ticket)
	if err != nil {
		return err
	}
	event := store.NextTicketEvent(last, ticket.TicketID, eventType, payload, occurredAt)

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func dateParam(t time.Time) string {
	return t.Format(dateLayout)
}

func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
