// Package queue is the outpatient queue engine: ticket issuing against daily doctor
// quotas, counter calling, skip and recall, with every change pushed to displays.
package queue

import (
	"context"
	"time"

	"simrs/internal/broadcast"
	"simrs/internal/models"
	"simrs/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Location        *time.Location
	DefaultMaxQuota int
	Now             func() time.Time
}

type Engine struct {
	store           store.QueueStore
	publisher       broadcast.Publisher
	logger          logrus.FieldLogger
	loc             *time.Location
	defaultMaxQuota int
	now             func() time.Time
	tracer          trace.Tracer
}

func NewEngine(st store.QueueStore, publisher broadcast.Publisher, logger logrus.FieldLogger, options Options) *Engine {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	maxQuota := options.DefaultMaxQuota
	if maxQuota <= 0 {
		maxQuota = 30
	}
	if publisher == nil {
		publisher = broadcast.NopPublisher{}
	}
	return &Engine{
		store:           st,
		publisher:       publisher,
		logger:          logger,
		loc:             loc,
		defaultMaxQuota: maxQuota,
		now:             now,
		tracer:          otel.Tracer("simrs/queue"),
	}
}

// Today is the current calendar day in the hospital's timezone.
func (e *Engine) Today() time.Time {
	return models.StartOfDay(e.now(), e.loc)
}

type QueueUpdate struct {
	Action string        `json:"action"`
	Ticket models.Ticket `json:"ticket"`
}

type CallPatient struct {
	Ticket      models.Ticket `json:"ticket"`
	CounterName string        `json:"counter_name"`
	PoliName    string        `json:"poli_name"`
}

type QuotaStatus struct {
	DoctorID     string `json:"doctor_id"`
	Date         string `json:"date"`
	Status       string `json:"status"`
	MaxQuota     int    `json:"max_quota"`
	CurrentCount int    `json:"current_count"`
	Remaining    int    `json:"remaining"`
}

func quotaStatus(quota models.DailyQuota) QuotaStatus {
	return QuotaStatus{
		DoctorID:     quota.DoctorID,
		Date:         quota.Date.Format("2006-01-02"),
		Status:       quota.Status,
		MaxQuota:     quota.MaxQuota,
		CurrentCount: quota.CurrentCount,
		Remaining:    quota.Remaining(),
	}
}

func (e *Engine) TakeTicket(ctx context.Context, doctorID string) (store.TakeTicketResult, error) {
	ctx, span := e.tracer.Start(ctx, "queue.TakeTicket", trace.WithAttributes(attribute.String("doctor_id", doctorID)))
	defer span.End()

	now := e.now()
	result, err := e.store.TakeTicket(ctx, store.TakeTicketInput{
		DoctorID:  doctorID,
		Date:      models.StartOfDay(now, e.loc),
		CreatedAt: now.UTC(),
	})
	if err != nil {
		recordError(span, err)
		return store.TakeTicketResult{}, err
	}
	span.SetAttributes(attribute.String("queue_code", result.Ticket.QueueCode))

	e.logger.WithFields(logrus.Fields{
		"module":     "queue",
		"doctor_id":  doctorID,
		"ticket_id":  result.Ticket.TicketID,
		"queue_code": result.Ticket.QueueCode,
	}).Info("ticket issued")

	e.publish(ctx, broadcast.EventQueueUpdate, result.Ticket.PoliID, doctorID, QueueUpdate{Action: "taken", Ticket: result.Ticket})
	e.publish(ctx, broadcast.EventStatusUpdate, result.Ticket.PoliID, doctorID, quotaStatus(result.Quota))
	return result, nil
}

// CallNext calls the oldest waiting ticket of today, optionally within one poliklinik.
func (e *Engine) CallNext(ctx context.Context, counterName, poliID string) (models.Ticket, error) {
	ctx, span := e.tracer.Start(ctx, "queue.CallNext", trace.WithAttributes(
		attribute.String("counter_name", counterName),
		attribute.String("poli_id", poliID),
	))
	defer span.End()

	now := e.now()
	ticket, err := e.store.CallNext(ctx, store.CallNextInput{
		CounterName: counterName,
		PoliID:      poliID,
		Date:        models.StartOfDay(now, e.loc),
		CalledAt:    now.UTC(),
	})
	if err != nil {
		recordError(span, err)
		return models.Ticket{}, err
	}

	e.announce(ctx, ticket, counterName, "called")
	return ticket, nil
}

func (e *Engine) CompleteTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.transition(ctx, "queue.CompleteTicket", ticketID, "served", e.store.CompleteTicket)
}

func (e *Engine) SkipTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.transition(ctx, "queue.SkipTicket", ticketID, "skipped", e.store.SkipTicket)
}

// RecallSkipped calls a ticket back to a counter.
func (e *Engine) RecallSkipped(ctx context.Context, ticketID, counterName string) (models.Ticket, error) {
	ctx, span := e.tracer.Start(ctx, "queue.RecallSkipped", trace.WithAttributes(attribute.String("ticket_id", ticketID)))
	defer span.End()

	ticket, err := e.store.RecallTicket(ctx, store.TicketActionInput{
		TicketID:    ticketID,
		CounterName: counterName,
		OccurredAt:  e.now().UTC(),
	})
	if err != nil {
		recordError(span, err)
		return models.Ticket{}, err
	}

	e.announce(ctx, ticket, counterName, "recalled")
	return ticket, nil
}

func (e *Engine) transition(ctx context.Context, spanName, ticketID, action string, apply func(context.Context, store.TicketActionInput) (models.Ticket, error)) (models.Ticket, error) {
	ctx, span := e.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("ticket_id", ticketID)))
	defer span.End()

	ticket, err := apply(ctx, store.TicketActionInput{TicketID: ticketID, OccurredAt: e.now().UTC()})
	if err != nil {
		recordError(span, err)
		return models.Ticket{}, err
	}
	e.logger.WithFields(logrus.Fields{"module": "queue", "ticket_id": ticketID, "status": ticket.Status}).Info("ticket " + action)
	e.publish(ctx, broadcast.EventQueueUpdate, ticket.PoliID, ticket.DoctorID, QueueUpdate{Action: action, Ticket: ticket})
	return ticket, nil
}

func (e *Engine) announce(ctx context.Context, ticket models.Ticket, counterName, action string) {
	e.logger.WithFields(logrus.Fields{
		"module":       "queue",
		"ticket_id":    ticket.TicketID,
		"queue_code":   ticket.QueueCode,
		"counter_name": counterName,
	}).Info("ticket " + action)

	e.publish(ctx, broadcast.EventCallPatient, ticket.PoliID, ticket.DoctorID, CallPatient{
		Ticket:      ticket,
		CounterName: counterName,
		PoliName:    ticket.PoliName,
	})
	e.publish(ctx, broadcast.EventQueueUpdate, ticket.PoliID, ticket.DoctorID, QueueUpdate{Action: action, Ticket: ticket})
}

// ToggleQuotaStatus opens or closes today's quota for a doctor, creating it with the
// default capacity when absent. maxQuota, when given, also sets the capacity.
func (e *Engine) ToggleQuotaStatus(ctx context.Context, doctorID, status string, maxQuota *int) (models.DailyQuota, error) {
	ctx, span := e.tracer.Start(ctx, "queue.ToggleQuotaStatus", trace.WithAttributes(
		attribute.String("doctor_id", doctorID),
		attribute.String("status", status),
	))
	defer span.End()

	if status != models.QuotaOpen && status != models.QuotaClosed {
		recordError(span, store.ErrInvalidState)
		return models.DailyQuota{}, store.ErrInvalidState
	}

	now := e.now()
	quota, err := e.store.UpsertQuota(ctx, store.QuotaInput{
		DoctorID:   doctorID,
		Date:       models.StartOfDay(now, e.loc),
		Status:     status,
		MaxQuota:   maxQuota,
		DefaultMax: e.defaultMaxQuota,
		UpdatedAt:  now.UTC(),
	})
	if err != nil {
		recordError(span, err)
		return models.DailyQuota{}, err
	}

	e.logger.WithFields(logrus.Fields{"module": "queue", "doctor_id": doctorID, "status": quota.Status, "max_quota": quota.MaxQuota}).Info("quota updated")
	doctor, err := e.store.GetDoctor(ctx, doctorID)
	if err != nil {
		e.logger.WithFields(logrus.Fields{"module": "queue", "doctor_id": doctorID}).WithError(err).Warn("doctor lookup for broadcast failed")
	}
	e.publish(ctx, broadcast.EventStatusUpdate, doctor.PoliID, doctorID, quotaStatus(quota))
	return quota, nil
}

// GenerateQuotas opens quotas for every active doctor on date (today when zero).
func (e *Engine) GenerateQuotas(ctx context.Context, date time.Time, maxQuota int) ([]models.DailyQuota, error) {
	if date.IsZero() {
		date = e.Today()
	} else {
		date = models.StartOfDay(date, e.loc)
	}
	if maxQuota <= 0 {
		maxQuota = e.defaultMaxQuota
	}
	quotas, err := e.store.GenerateQuotas(ctx, store.GenerateQuotasInput{
		Date:      date,
		MaxQuota:  maxQuota,
		UpdatedAt: e.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{"module": "queue", "date": date.Format("2006-01-02"), "created": len(quotas)}).Info("quotas generated")
	return quotas, nil
}

func (e *Engine) GetQuota(ctx context.Context, doctorID string) (models.DailyQuota, error) {
	return e.store.GetQuota(ctx, doctorID, e.Today())
}

func (e *Engine) GetWaiting(ctx context.Context, poliID string) ([]models.Ticket, error) {
	return e.store.ListTickets(ctx, store.TicketFilter{Date: e.Today(), PoliID: poliID, Status: models.StatusWaiting})
}

func (e *Engine) GetSkipped(ctx context.Context, poliID string) ([]models.Ticket, error) {
	return e.store.ListTickets(ctx, store.TicketFilter{Date: e.Today(), PoliID: poliID, Status: models.StatusSkipped})
}

// ListTickets returns every ticket of a day, for reporting.
func (e *Engine) ListTickets(ctx context.Context, date time.Time) ([]models.Ticket, error) {
	if date.IsZero() {
		date = e.Today()
	}
	return e.store.ListTickets(ctx, store.TicketFilter{Date: date})
}

type History struct {
	Ticket      models.Ticket       `json:"ticket"`
	Events      []store.TicketEvent `json:"events"`
	Verified    bool                `json:"verified"`
	VerifyError string              `json:"verify_error,omitempty"`
}

// TicketHistory returns the ticket's event chain, the ticket rebuilt from it and
// whether every hash link checks out.
func (e *Engine) TicketHistory(ctx context.Context, ticketID string) (History, error) {
	events, err := e.store.ListTicketEvents(ctx, ticketID)
	if err != nil {
		return History{}, err
	}
	ticket, err := store.RehydrateTicket(events)
	if err != nil {
		return History{}, err
	}
	history := History{Ticket: ticket, Events: events, Verified: true}
	if err := store.VerifyTicketEvents(events); err != nil {
		history.Verified = false
		history.VerifyError = err.Error()
		e.logger.WithFields(logrus.Fields{"module": "queue", "ticket_id": ticketID}).WithError(err).Warn("ticket history verification failed")
	}
	return history, nil
}

// publish is fire and forget; a failed broadcast never fails the operation.
func (e *Engine) publish(ctx context.Context, name, poliID, doctorID string, payload interface{}) {
	event, err := broadcast.NewEvent(name, poliID, doctorID, payload)
	if err == nil {
		err = e.publisher.Publish(ctx, event)
	}
	if err != nil {
		e.logger.WithFields(logrus.Fields{"module": "queue", "event": name}).WithError(err).Warn("broadcast failed")
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
