package models

import "time"

type Poliklinik struct {
	PoliID    string `json:"poli_id"`
	Name      string `json:"name"`
	QueueCode string `json:"queue_code"`
}

type Doctor struct {
	DoctorID   string     `json:"doctor_id"`
	PoliID     string     `json:"poli_id"`
	Name       string     `json:"name"`
	Active     bool       `json:"active"`
	Poliklinik Poliklinik `json:"poliklinik"`
}

type DailyQuota struct {
	QuotaID      string    `json:"quota_id"`
	DoctorID     string    `json:"doctor_id"`
	Date         time.Time `json:"date"`
	Status       string    `json:"status"`
	MaxQuota     int       `json:"max_quota"`
	CurrentCount int       `json:"current_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Remaining is the number of tickets that can still be issued.
func (q DailyQuota) Remaining() int {
	if q.CurrentCount >= q.MaxQuota {
		return 0
	}
	return q.MaxQuota - q.CurrentCount
}

type Ticket struct {
	TicketID    string     `json:"ticket_id"`
	QuotaID     string     `json:"quota_id"`
	DoctorID    string     `json:"doctor_id"`
	PoliID      string     `json:"poli_id"`
	PoliName    string     `json:"poli_name,omitempty"`
	QueueNumber int        `json:"queue_number"`
	QueueCode   string     `json:"queue_code"`
	Status      string     `json:"status"`
	CounterName *string    `json:"counter_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	SkippedAt   *time.Time `json:"skipped_at,omitempty"`
	ServedAt    *time.Time `json:"served_at,omitempty"`
}

const (
	QuotaOpen   = "OPEN"
	QuotaClosed = "CLOSED"
)

const (
	StatusWaiting = "WAITING"
	StatusCalled  = "CALLED"
	StatusServed  = "SERVED"
	StatusSkipped = "SKIPPED"
)

// StartOfDay truncates t to midnight in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
