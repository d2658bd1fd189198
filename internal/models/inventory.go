package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Location struct {
	LocationID string `json:"location_id"`
	Name       string `json:"name"`
	Kind       string `json:"kind"`
}

const (
	LocationPharmacy  = "PHARMACY"
	LocationWarehouse = "WAREHOUSE"
)

// Medicine.Stock is the legacy aggregate counter kept next to the batch ledger.
type Medicine struct {
	MedicineID string `json:"medicine_id"`
	Name       string `json:"name"`
	Unit       string `json:"unit"`
	Stock      int    `json:"stock"`
	MinStock   int    `json:"min_stock"`
}

type StockBatch struct {
	BatchID     string          `json:"batch_id"`
	LocationID  string          `json:"location_id"`
	MedicineID  string          `json:"medicine_id"`
	ItemName    string          `json:"item_name"`
	Quantity    int             `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	ExpiryDate  time.Time       `json:"expiry_date"`
	BatchNumber string          `json:"batch_number"`
	ReceivedAt  time.Time       `json:"received_at"`
}

type Prescription struct {
	PrescriptionID string             `json:"prescription_id"`
	DoctorID       string             `json:"doctor_id,omitempty"`
	PatientName    string             `json:"patient_name"`
	Status         string             `json:"status"`
	Items          []PrescriptionItem `json:"items"`
	CreatedAt      time.Time          `json:"created_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

type PrescriptionItem struct {
	ItemID         string           `json:"item_id"`
	PrescriptionID string           `json:"prescription_id"`
	MedicineID     string           `json:"medicine_id"`
	MedicineName   string           `json:"medicine_name,omitempty"`
	Quantity       int              `json:"quantity"`
	Dosage         string           `json:"dosage,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	ActualPrice    *decimal.Decimal `json:"actual_price,omitempty"`
	Shortfall      int              `json:"shortfall"`
}

const (
	PrescriptionPending   = "PENDING"
	PrescriptionPreparing = "PREPARING"
	PrescriptionCompleted = "COMPLETED"
)

type PurchaseOrder struct {
	POID       string    `json:"po_id"`
	PONumber   string    `json:"po_number"`
	MedicineID string    `json:"medicine_id"`
	ItemName   string    `json:"item_name"`
	Quantity   int       `json:"quantity"`
	OnHand     int       `json:"on_hand"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	PurchaseOrderOpen = "OPEN"
)
