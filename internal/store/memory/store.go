// Package memory is an in-process store with the same semantics as the PostgreSQL
// store. One mutex stands in for the row locks, so every operation is atomic.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"simrs/internal/models"
	"simrs/internal/store"

	"github.com/google/uuid"
)

const queueNumberPad = 3

type Options struct {
	StrictTransitions bool
}

type Store struct {
	mu                sync.Mutex
	strictTransitions bool

	polikliniks   map[string]models.Poliklinik
	doctors       map[string]models.Doctor
	quotas        map[string]*models.DailyQuota
	tickets       map[string]*models.Ticket
	ticketOrder   []string
	events        map[string][]store.TicketEvent
	locations     map[string]models.Location
	medicines     map[string]*models.Medicine
	batches       map[string]*models.StockBatch
	batchOrder    []string
	prescriptions map[string]*models.Prescription
	orders        []models.PurchaseOrder
}

func NewStore(options Options) *Store {
	return &Store{
		strictTransitions: options.StrictTransitions,
		polikliniks:       make(map[string]models.Poliklinik),
		doctors:           make(map[string]models.Doctor),
		quotas:            make(map[string]*models.DailyQuota),
		tickets:           make(map[string]*models.Ticket),
		events:            make(map[string][]store.TicketEvent),
		locations:         make(map[string]models.Location),
		medicines:         make(map[string]*models.Medicine),
		batches:           make(map[string]*models.StockBatch),
		prescriptions:     make(map[string]*models.Prescription),
	}
}

func quotaKey(doctorID string, date time.Time) string {
	return doctorID + "|" + date.Format("2006-01-02")
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func (s *Store) AddPoliklinik(poli models.Poliklinik) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polikliniks[poli.PoliID] = poli
}

func (s *Store) AddDoctor(doctor models.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors[doctor.DoctorID] = doctor
}

func (s *Store) AddLocation(location models.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[location.LocationID] = location
}

func (s *Store) AddMedicine(medicine models.Medicine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := medicine
	s.medicines[medicine.MedicineID] = &copied
}

func (s *Store) SavePoliklinik(ctx context.Context, poli models.Poliklinik) (models.Poliklinik, error) {
	if poli.PoliID == "" {
		poli.PoliID = uuid.NewString()
	}
	s.AddPoliklinik(poli)
	return poli, nil
}

func (s *Store) SaveDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error) {
	if doctor.DoctorID == "" {
		doctor.DoctorID = uuid.NewString()
	}
	s.AddDoctor(doctor)
	return doctor, nil
}

func (s *Store) SaveLocation(ctx context.Context, location models.Location) (models.Location, error) {
	if location.LocationID == "" {
		location.LocationID = uuid.NewString()
	}
	s.AddLocation(location)
	return location, nil
}

func (s *Store) SaveMedicine(ctx context.Context, medicine models.Medicine) (models.Medicine, error) {
	if medicine.MedicineID == "" {
		medicine.MedicineID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.medicines[medicine.MedicineID]; ok {
		medicine.Stock = existing.Stock
	}
	copied := medicine
	s.medicines[medicine.MedicineID] = &copied
	return medicine, nil
}

// RemoveMedicine drops a medicine while leaving prescription items that reference it,
// the way ON DELETE SET NULL does.
func (s *Store) RemoveMedicine(medicineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.medicines, medicineID)
}

func (s *Store) doctorLocked(doctorID string) (models.Doctor, error) {
	doctor, ok := s.doctors[doctorID]
	if !ok {
		return models.Doctor{}, store.ErrDoctorNotFound
	}
	doctor.Poliklinik = s.polikliniks[doctor.PoliID]
	return doctor, nil
}

func (s *Store) ticketCopy(ticket *models.Ticket) models.Ticket {
	copied := *ticket
	copied.PoliName = s.polikliniks[ticket.PoliID].Name
	return copied
}

func (s *Store) appendEvent(ticket models.Ticket, eventType string, occurredAt time.Time) error {
	payload, err := store.TicketEventPayload(ticket)
	if err != nil {
		return err
	}
	history := s.events[ticket.TicketID]
	var last *store.TicketEvent
	if len(history) > 0 {
		last = &history[len(history)-1]
	}
	s.events[ticket.TicketID] = append(history, store.NextTicketEvent(last, ticket.TicketID, eventType, payload, occurredAt))
	return nil
}

func (s *Store) TakeTicket(ctx context.Context, input store.TakeTicketInput) (store.TakeTicketResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doctor, err := s.doctorLocked(input.DoctorID)
	if errors.Is(err, store.ErrDoctorNotFound) {
		return store.TakeTicketResult{}, store.ErrDoctorUnavailable
	}
	if err != nil {
		return store.TakeTicketResult{}, err
	}
	if !doctor.Active {
		return store.TakeTicketResult{}, store.ErrDoctorUnavailable
	}
	quota, ok := s.quotas[quotaKey(input.DoctorID, input.Date)]
	if !ok {
		return store.TakeTicketResult{}, store.ErrDoctorUnavailable
	}
	if quota.Status != models.QuotaOpen {
		return store.TakeTicketResult{}, store.ErrQueueClosed
	}
	if quota.CurrentCount >= quota.MaxQuota {
		return store.TakeTicketResult{}, store.ErrQuotaFull
	}

	createdAt := nowIfZero(input.CreatedAt)
	quota.CurrentCount++
	quota.UpdatedAt = createdAt

	ticket := &models.Ticket{
		TicketID:    uuid.NewString(),
		QuotaID:     quota.QuotaID,
		DoctorID:    doctor.DoctorID,
		PoliID:      doctor.PoliID,
		QueueNumber: quota.CurrentCount,
		QueueCode:   fmt.Sprintf("%s-%0*d", doctor.Poliklinik.QueueCode, queueNumberPad, quota.CurrentCount),
		Status:      models.StatusWaiting,
		CreatedAt:   createdAt,
	}
	s.tickets[ticket.TicketID] = ticket
	s.ticketOrder = append(s.ticketOrder, ticket.TicketID)
	if err := s.appendEvent(*ticket, store.EventTicketCreated, createdAt); err != nil {
		return store.TakeTicketResult{}, err
	}

	return store.TakeTicketResult{Ticket: s.ticketCopy(ticket), Quota: *quota, Doctor: doctor}, nil
}

// ticketsForDayLocked returns the tickets issued against quotas dated day, in call order.
func (s *Store) ticketsForDayLocked(filter store.TicketFilter) []*models.Ticket {
	day := dateOnly(filter.Date)
	var tickets []*models.Ticket
	for _, id := range s.ticketOrder {
		ticket := s.tickets[id]
		quota := s.quotaByIDLocked(ticket.QuotaID)
		if quota == nil || !quota.Date.Equal(day) {
			continue
		}
		if filter.PoliID != "" && ticket.PoliID != filter.PoliID {
			continue
		}
		if filter.DoctorID != "" && ticket.DoctorID != filter.DoctorID {
			continue
		}
		if filter.Status != "" && ticket.Status != filter.Status {
			continue
		}
		tickets = append(tickets, ticket)
	}
	sort.SliceStable(tickets, func(i, j int) bool {
		a, b := tickets[i], tickets[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.QueueNumber != b.QueueNumber {
			return a.QueueNumber < b.QueueNumber
		}
		return a.TicketID < b.TicketID
	})
	return tickets
}

func (s *Store) quotaByIDLocked(quotaID string) *models.DailyQuota {
	for _, quota := range s.quotas {
		if quota.QuotaID == quotaID {
			return quota
		}
	}
	return nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiting := s.ticketsForDayLocked(store.TicketFilter{Date: input.Date, PoliID: input.PoliID, Status: models.StatusWaiting})
	if len(waiting) == 0 {
		return models.Ticket{}, store.ErrNoTicket
	}
	ticket := waiting[0]
	calledAt := nowIfZero(input.CalledAt)
	ticket.Status = models.StatusCalled
	ticket.CalledAt = &calledAt
	if input.CounterName != "" {
		counter := input.CounterName
		ticket.CounterName = &counter
	} else {
		ticket.CounterName = nil
	}
	if err := s.appendEvent(*ticket, store.EventTicketCalled, calledAt); err != nil {
		return models.Ticket{}, err
	}
	return s.ticketCopy(ticket), nil
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyTicketAction(input, store.ActionComplete)
}

func (s *Store) SkipTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyTicketAction(input, store.ActionSkip)
}

func (s *Store) RecallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyTicketAction(input, store.ActionRecall)
}

func (s *Store) applyTicketAction(input store.TicketActionInput, action string) (models.Ticket, error) {
	toStatus, ok := store.TargetStatus(action)
	if !ok {
		return models.Ticket{}, store.ErrInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !store.ValidTransition(action, ticket.Status, s.strictTransitions) {
		return models.Ticket{}, store.ErrInvalidState
	}

	occurredAt := nowIfZero(input.OccurredAt)
	ticket.Status = toStatus
	switch action {
	case store.ActionComplete:
		ticket.ServedAt = &occurredAt
	case store.ActionSkip:
		ticket.SkippedAt = &occurredAt
	case store.ActionRecall:
		ticket.CalledAt = &occurredAt
	}
	if input.CounterName != "" {
		counter := input.CounterName
		ticket.CounterName = &counter
	}
	if err := s.appendEvent(*ticket, store.EventTypeFor(action), occurredAt); err != nil {
		return models.Ticket{}, err
	}
	return s.ticketCopy(ticket), nil
}

func (s *Store) UpsertQuota(ctx context.Context, input store.QuotaInput) (models.DailyQuota, error) {
	if input.MaxQuota != nil && *input.MaxQuota < 0 {
		return models.DailyQuota{}, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.doctorLocked(input.DoctorID); err != nil {
		return models.DailyQuota{}, err
	}

	updatedAt := nowIfZero(input.UpdatedAt)
	key := quotaKey(input.DoctorID, input.Date)
	quota, ok := s.quotas[key]
	if !ok {
		maxQuota := input.DefaultMax
		if input.MaxQuota != nil {
			maxQuota = *input.MaxQuota
		}
		quota = &models.DailyQuota{
			QuotaID:   uuid.NewString(),
			DoctorID:  input.DoctorID,
			Date:      dateOnly(input.Date),
			Status:    input.Status,
			MaxQuota:  maxQuota,
			UpdatedAt: updatedAt,
		}
		s.quotas[key] = quota
		return *quota, nil
	}

	maxQuota := quota.MaxQuota
	if input.MaxQuota != nil {
		maxQuota = *input.MaxQuota
	}
	if maxQuota < quota.CurrentCount {
		return models.DailyQuota{}, store.ErrInvalidQuantity
	}
	quota.Status = input.Status
	quota.MaxQuota = maxQuota
	quota.UpdatedAt = updatedAt
	return *quota, nil
}

func (s *Store) GenerateQuotas(ctx context.Context, input store.GenerateQuotasInput) ([]models.DailyQuota, error) {
	date, maxQuota := input.Date, input.MaxQuota
	if maxQuota < 0 {
		return nil, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.doctors))
	for id, doctor := range s.doctors {
		if doctor.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	now := nowIfZero(input.UpdatedAt)
	var created []models.DailyQuota
	for _, id := range ids {
		key := quotaKey(id, date)
		if _, ok := s.quotas[key]; ok {
			continue
		}
		quota := &models.DailyQuota{
			QuotaID:   uuid.NewString(),
			DoctorID:  id,
			Date:      dateOnly(date),
			Status:    models.QuotaOpen,
			MaxQuota:  maxQuota,
			UpdatedAt: now,
		}
		s.quotas[key] = quota
		created = append(created, *quota)
	}
	return created, nil
}

func (s *Store) GetQuota(ctx context.Context, doctorID string, date time.Time) (models.DailyQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.doctorLocked(doctorID); err != nil {
		return models.DailyQuota{}, err
	}
	quota, ok := s.quotas[quotaKey(doctorID, date)]
	if !ok {
		return models.DailyQuota{}, store.ErrDoctorUnavailable
	}
	return *quota, nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doctorLocked(doctorID)
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tickets := []models.Ticket{}
	for _, ticket := range s.ticketsForDayLocked(filter) {
		tickets = append(tickets, s.ticketCopy(ticket))
	}
	return tickets, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	events := make([]store.TicketEvent, len(s.events[ticketID]))
	copy(events, s.events[ticketID])
	return events, nil
}

var _ store.QueueStore = (*Store)(nil)
var _ store.InventoryStore = (*Store)(nil)
var _ store.MasterDataStore = (*Store)(nil)
