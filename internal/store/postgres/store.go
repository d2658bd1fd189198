package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"simrs/internal/models"
	"simrs/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queueNumberPad = 3

type Store struct {
	pool              *pgxpool.Pool
	strictTransitions bool
}

type Options struct {
	StrictTransitions bool
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	return &Store{
		pool:              pool,
		strictTransitions: options.StrictTransitions,
	}
}

func (s *Store) TakeTicket(ctx context.Context, input store.TakeTicketInput) (store.TakeTicketResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.TakeTicketResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	doctor, err := getDoctor(ctx, tx, input.DoctorID)
	if errors.Is(err, store.ErrDoctorNotFound) {
		err = store.ErrDoctorUnavailable
	}
	if err != nil {
		return store.TakeTicketResult{}, err
	}
	if !doctor.Active {
		err = store.ErrDoctorUnavailable
		return store.TakeTicketResult{}, err
	}

	createdAt := nowIfZero(input.CreatedAt)

	// The conditional increment takes the quota row lock, so numbering is serialised
	// per doctor and day and the counter never passes max_quota.
	quota, err := scanQuota(tx.QueryRow(ctx, `
		UPDATE daily_quotas
		SET current_count = current_count + 1, updated_at = $3
		WHERE doctor_id = $1 AND quota_date = $2::date AND status = 'OPEN' AND current_count < max_quota
		RETURNING `+quotaColumns, input.DoctorID, dateParam(input.Date), createdAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyQuotaRejection(ctx, tx, input.DoctorID, input.Date)
		}
		return store.TakeTicketResult{}, err
	}

	ticket := models.Ticket{
		TicketID:    uuid.NewString(),
		QuotaID:     quota.QuotaID,
		DoctorID:    doctor.DoctorID,
		PoliID:      doctor.PoliID,
		PoliName:    doctor.Poliklinik.Name,
		QueueNumber: quota.CurrentCount,
		QueueCode:   fmt.Sprintf("%s-%0*d", doctor.Poliklinik.QueueCode, queueNumberPad, quota.CurrentCount),
		Status:      models.StatusWaiting,
		CreatedAt:   createdAt,
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO tickets (ticket_id, quota_id, doctor_id, poli_id, queue_number, queue_code, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ticket.TicketID, ticket.QuotaID, ticket.DoctorID, ticket.PoliID, ticket.QueueNumber, ticket.QueueCode, ticket.Status, ticket.CreatedAt); err != nil {
		return store.TakeTicketResult{}, err
	}

	if err = insertTicketEvent(ctx, tx, ticket, store.EventTicketCreated, createdAt); err != nil {
		return store.TakeTicketResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.TakeTicketResult{}, err
	}
	return store.TakeTicketResult{Ticket: ticket, Quota: quota, Doctor: doctor}, nil
}

func classifyQuotaRejection(ctx context.Context, tx pgx.Tx, doctorID string, date time.Time) error {
	var status string
	var maxQuota, currentCount int
	row := tx.QueryRow(ctx, `
		SELECT status, max_quota, current_count
		FROM daily_quotas
		WHERE doctor_id = $1 AND quota_date = $2::date
	`, doctorID, dateParam(date))
	if err := row.Scan(&status, &maxQuota, &currentCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrDoctorUnavailable
		}
		return err
	}
	if status != models.QuotaOpen {
		return store.ErrQueueClosed
	}
	return store.ErrQuotaFull
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	calledAt := nowIfZero(input.CalledAt)

	var ticketID string
	row := tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT t.ticket_id
			FROM tickets t
			JOIN daily_quotas q ON q.quota_id = t.quota_id
			WHERE t.status = 'WAITING'
			  AND q.quota_date = $1::date
			  AND ($2::text = '' OR t.poli_id = $2::text)
			ORDER BY t.created_at ASC, t.queue_number ASC, t.ticket_id ASC
			LIMIT 1
			FOR UPDATE OF t SKIP LOCKED
		)
		UPDATE tickets
		SET status = 'CALLED', called_at = $3, counter_name = $4
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING tickets.ticket_id
	`, dateParam(input.Date), input.PoliID, calledAt, nullIfEmpty(input.CounterName))
	if err = row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoTicket
		}
		return models.Ticket{}, err
	}

	ticket, err := getTicketByID(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = insertTicketEvent(ctx, tx, ticket, store.EventTicketCalled, calledAt); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyTicketAction(ctx, input, store.ActionComplete, "served_at")
}

func (s *Store) SkipTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyTicketAction(ctx, input, store.ActionSkip, "skipped_at")
}

func (s *Store) RecallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyTicketAction(ctx, input, store.ActionRecall, "called_at")
}

func (s *Store) applyTicketAction(ctx context.Context, input store.TicketActionInput, action, timestampColumn string) (models.Ticket, error) {
	toStatus, ok := store.TargetStatus(action)
	if !ok {
		return models.Ticket{}, store.ErrInvalidState
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := nowIfZero(input.OccurredAt)

	var ticketID string
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE tickets
		SET status = $1, %s = $2, counter_name = COALESCE($3, counter_name)
		WHERE ticket_id = $4 AND status = ANY($5)
		RETURNING ticket_id
	`, timestampColumn), toStatus, occurredAt, nullIfEmpty(input.CounterName), input.TicketID, store.AllowedFrom(action, s.strictTransitions))
	if err = row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if scanErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, input.TicketID).Scan(&exists); scanErr != nil {
				err = scanErr
				return models.Ticket{}, err
			}
			if !exists {
				err = store.ErrTicketNotFound
			} else {
				err = store.ErrInvalidState
			}
		}
		return models.Ticket{}, err
	}

	ticket, err := getTicketByID(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = insertTicketEvent(ctx, tx, ticket, store.EventTypeFor(action), occurredAt); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) UpsertQuota(ctx context.Context, input store.QuotaInput) (models.DailyQuota, error) {
	if input.MaxQuota != nil && *input.MaxQuota < 0 {
		return models.DailyQuota{}, store.ErrInvalidQuantity
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.DailyQuota{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = getDoctor(ctx, tx, input.DoctorID); err != nil {
		return models.DailyQuota{}, err
	}

	updatedAt := nowIfZero(input.UpdatedAt)
	createMax := input.DefaultMax
	if input.MaxQuota != nil {
		createMax = *input.MaxQuota
	}
	// Concurrent creators race on the unique (doctor_id, quota_date) index;
	// the loser falls through to the locked update below.
	quota, err := scanQuota(tx.QueryRow(ctx, `
		INSERT INTO daily_quotas (quota_id, doctor_id, quota_date, status, max_quota, current_count, updated_at)
		VALUES ($1, $2, $3::date, $4, $5, 0, $6)
		ON CONFLICT (doctor_id, quota_date) DO NOTHING
		RETURNING `+quotaColumns, uuid.NewString(), input.DoctorID, dateParam(input.Date), input.Status, createMax, updatedAt))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.DailyQuota{}, err
	}

	if errors.Is(err, pgx.ErrNoRows) {
		var existing models.DailyQuota
		existing, err = scanQuota(tx.QueryRow(ctx, `
			SELECT `+quotaColumns+`
			FROM daily_quotas
			WHERE doctor_id = $1 AND quota_date = $2::date
			FOR UPDATE
		`, input.DoctorID, dateParam(input.Date)))
		if err != nil {
			return models.DailyQuota{}, err
		}
		maxQuota := existing.MaxQuota
		if input.MaxQuota != nil {
			maxQuota = *input.MaxQuota
		}
		if maxQuota < existing.CurrentCount {
			err = store.ErrInvalidQuantity
			return models.DailyQuota{}, err
		}
		quota, err = scanQuota(tx.QueryRow(ctx, `
			UPDATE daily_quotas
			SET status = $1, max_quota = $2, updated_at = $3
			WHERE quota_id = $4
			RETURNING `+quotaColumns, input.Status, maxQuota, updatedAt, existing.QuotaID))
		if err != nil {
			return models.DailyQuota{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.DailyQuota{}, err
	}
	return quota, nil
}

// GenerateQuotas opens a quota for every active doctor that has none on date.
// Existing rows are left untouched and are not returned.
func (s *Store) GenerateQuotas(ctx context.Context, input store.GenerateQuotasInput) ([]models.DailyQuota, error) {
	date, maxQuota := input.Date, input.MaxQuota
	if maxQuota < 0 {
		return nil, store.ErrInvalidQuantity
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `SELECT doctor_id FROM doctors WHERE active ORDER BY doctor_id`)
	if err != nil {
		return nil, err
	}
	var doctorIDs []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		doctorIDs = append(doctorIDs, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	now := nowIfZero(input.UpdatedAt)
	var created []models.DailyQuota
	for _, doctorID := range doctorIDs {
		quota, scanErr := scanQuota(tx.QueryRow(ctx, `
			INSERT INTO daily_quotas (quota_id, doctor_id, quota_date, status, max_quota, current_count, updated_at)
			VALUES ($1, $2, $3::date, 'OPEN', $4, 0, $5)
			ON CONFLICT (doctor_id, quota_date) DO NOTHING
			RETURNING `+quotaColumns, uuid.NewString(), doctorID, dateParam(date), maxQuota, now))
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				continue
			}
			err = scanErr
			return nil, err
		}
		created = append(created, quota)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) GetQuota(ctx context.Context, doctorID string, date time.Time) (models.DailyQuota, error) {
	if _, err := getDoctor(ctx, s.pool, doctorID); err != nil {
		return models.DailyQuota{}, err
	}
	quota, err := scanQuota(s.pool.QueryRow(ctx, `
		SELECT `+quotaColumns+`
		FROM daily_quotas
		WHERE doctor_id = $1 AND quota_date = $2::date
	`, doctorID, dateParam(date)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DailyQuota{}, store.ErrDoctorUnavailable
		}
		return models.DailyQuota{}, err
	}
	return quota, nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	return getDoctor(ctx, s.pool, doctorID)
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	query := ticketSelect + `
		JOIN daily_quotas q ON q.quota_id = t.quota_id
		WHERE q.quota_date = $1::date
	`
	args := []interface{}{dateParam(filter.Date)}
	if filter.PoliID != "" {
		args = append(args, filter.PoliID)
		query += fmt.Sprintf(" AND t.poli_id = $%d", len(args))
	}
	if filter.DoctorID != "" {
		args = append(args, filter.DoctorID)
		query += fmt.Sprintf(" AND t.doctor_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND t.status = $%d", len(args))
	}
	query += " ORDER BY t.created_at ASC, t.queue_number ASC, t.ticket_id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := []models.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload::text, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload string
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := getTicketByID(ctx, s.pool, ticketID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

var (
	_ store.QueueStore     = (*Store)(nil)
	_ store.InventoryStore = (*Store)(nil)
)
