package store

import "errors"

var (
	ErrDoctorNotFound       = errors.New("doctor not found")
	ErrDoctorUnavailable    = errors.New("doctor has no quota today")
	ErrQueueClosed          = errors.New("queue closed")
	ErrQuotaFull            = errors.New("quota full")
	ErrNoTicket             = errors.New("no ticket available")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrPrescriptionNotFound = errors.New("prescription not found")
	ErrMedicineNotFound     = errors.New("medicine not found")
	ErrLocationNotFound     = errors.New("location not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrChainBroken          = errors.New("ticket history chain broken")
)
