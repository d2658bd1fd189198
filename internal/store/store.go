package store

import (
	"context"
	"time"

	"simrs/internal/inventory"
	"simrs/internal/models"

	"github.com/shopspring/decimal"
)

type TakeTicketInput struct {
	DoctorID  string
	Date      time.Time
	CreatedAt time.Time
}

type TakeTicketResult struct {
	Ticket models.Ticket
	Quota  models.DailyQuota
	Doctor models.Doctor
}

type CallNextInput struct {
	CounterName string
	PoliID      string
	Date        time.Time
	CalledAt    time.Time
}

type TicketActionInput struct {
	TicketID    string
	CounterName string
	OccurredAt  time.Time
}

// QuotaInput upserts a doctor's quota for one day. MaxQuota nil keeps the current
// capacity, or DefaultMax when the row is created.
type QuotaInput struct {
	DoctorID   string
	Date       time.Time
	Status     string
	MaxQuota   *int
	DefaultMax int
	UpdatedAt  time.Time
}

type GenerateQuotasInput struct {
	Date      time.Time
	MaxQuota  int
	UpdatedAt time.Time
}

type TicketFilter struct {
	Date     time.Time
	PoliID   string
	DoctorID string
	Status   string
}

type QueueStore interface {
	TakeTicket(ctx context.Context, input TakeTicketInput) (TakeTicketResult, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, error)
	CompleteTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	SkipTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	RecallTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	UpsertQuota(ctx context.Context, input QuotaInput) (models.DailyQuota, error)
	GenerateQuotas(ctx context.Context, input GenerateQuotasInput) ([]models.DailyQuota, error)
	GetQuota(ctx context.Context, doctorID string, date time.Time) (models.DailyQuota, error)
	GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

type PrescriptionItemInput struct {
	MedicineID string
	Quantity   int
	Dosage     string
	Notes      string
}

type CreatePrescriptionInput struct {
	DoctorID    string
	PatientName string
	Items       []PrescriptionItemInput
	CreatedAt   time.Time
}

// PrescriptionStatusInput moves a prescription to Status. Moving to COMPLETED runs
// batch fulfillment at the location named PharmacyLocation in the same transaction.
type PrescriptionStatusInput struct {
	PrescriptionID   string
	Status           string
	PharmacyLocation string
	Strict           bool
	OccurredAt       time.Time
}

type ItemFulfillment struct {
	ItemID          string                 `json:"item_id"`
	MedicineID      string                 `json:"medicine_id"`
	Requested       int                    `json:"requested"`
	Deducted        int                    `json:"deducted"`
	Shortfall       int                    `json:"shortfall"`
	ActualPrice     *decimal.Decimal       `json:"actual_price,omitempty"`
	MedicineMissing bool                   `json:"medicine_missing,omitempty"`
	Allocations     []inventory.Allocation `json:"allocations,omitempty"`
}

type FulfillmentReport struct {
	PrescriptionID  string            `json:"prescription_id"`
	Location        string            `json:"location"`
	LocationMissing bool              `json:"location_missing,omitempty"`
	Items           []ItemFulfillment `json:"items"`
}

// Partial reports whether any item was not fully covered by batches.
func (r FulfillmentReport) Partial() bool {
	for _, item := range r.Items {
		if item.Shortfall > 0 {
			return true
		}
	}
	return false
}

type ReceiveStockInput struct {
	LocationID  string
	MedicineID  string
	Quantity    int
	UnitCost    decimal.Decimal
	ExpiryDate  time.Time
	BatchNumber string
	ReceivedAt  time.Time
}

type TransferStockInput struct {
	FromLocationID string
	ToLocationID   string
	MedicineID     string
	Quantity       int
	OccurredAt     time.Time
}

type TransferResult struct {
	Moved       int                    `json:"moved"`
	Batches     []models.StockBatch    `json:"batches"`
	Allocations []inventory.Allocation `json:"allocations"`
}

type BatchFilter struct {
	LocationID   string
	MedicineID   string
	IncludeEmpty bool
}

// LowStockInput drives one sweep pass. NewPONumber is called once per created order.
type LowStockInput struct {
	Multiplier  int
	NewPONumber func() string
	CreatedAt   time.Time
}

// MasterDataStore upserts reference rows by id. Saving a medicine keeps its
// legacy stock counter.
type MasterDataStore interface {
	SavePoliklinik(ctx context.Context, poli models.Poliklinik) (models.Poliklinik, error)
	SaveDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error)
	SaveLocation(ctx context.Context, location models.Location) (models.Location, error)
	SaveMedicine(ctx context.Context, medicine models.Medicine) (models.Medicine, error)
}

type InventoryStore interface {
	CreatePrescription(ctx context.Context, input CreatePrescriptionInput) (models.Prescription, error)
	GetPrescription(ctx context.Context, prescriptionID string) (models.Prescription, error)
	UpdatePrescriptionStatus(ctx context.Context, input PrescriptionStatusInput) (models.Prescription, FulfillmentReport, error)
	ReceiveStock(ctx context.Context, input ReceiveStockInput) (models.StockBatch, error)
	TransferStock(ctx context.Context, input TransferStockInput) (TransferResult, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]models.StockBatch, error)
	ListLocations(ctx context.Context) ([]models.Location, error)
	StockLedger(ctx context.Context) ([]inventory.Ledger, error)
	CreateLowStockOrders(ctx context.Context, input LowStockInput) ([]models.PurchaseOrder, error)
}

// ReorderQuantity is the amount ordered to bring on-hand stock back to
// minStock*multiplier.
func ReorderQuantity(minStock, onHand, multiplier int) int {
	if multiplier < 1 {
		multiplier = 1
	}
	qty := minStock*multiplier - onHand
	if qty < 1 {
		qty = 1
	}
	return qty
}
