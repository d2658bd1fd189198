// Package inventory holds the pure parts of batch stock handling: FIFO-by-expiry
// allocation, weighted-average cost and ledger reconciliation. Stores call into it
// while holding row locks; nothing here touches storage.
package inventory

import (
	"sort"

	"simrs/internal/models"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places kept for currency.
const PriceScale = 2

type Allocation struct {
	BatchID     string          `json:"batch_id"`
	BatchNumber string          `json:"batch_number,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Remaining   int             `json:"remaining"`
}

type Plan struct {
	Requested   int
	Deducted    int
	Shortfall   int
	TotalCost   decimal.Decimal
	Allocations []Allocation
}

// SortFIFO orders batches by expiry, then receipt time, then batch number.
func SortFIFO(batches []models.StockBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		if !a.ExpiryDate.Equal(b.ExpiryDate) {
			return a.ExpiryDate.Before(b.ExpiryDate)
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		if a.BatchNumber != b.BatchNumber {
			return a.BatchNumber < b.BatchNumber
		}
		return a.BatchID < b.BatchID
	})
}

// PlanFIFO allocates requested units across batches, earliest expiry first, taking
// min(batch quantity, remaining) from each. Empty batches are ignored. The input
// slice is not modified.
func PlanFIFO(batches []models.StockBatch, requested int) Plan {
	plan := Plan{Requested: requested, TotalCost: decimal.Zero}
	if requested <= 0 {
		return plan
	}

	ordered := make([]models.StockBatch, 0, len(batches))
	for _, batch := range batches {
		if batch.Quantity > 0 {
			ordered = append(ordered, batch)
		}
	}
	SortFIFO(ordered)

	remaining := requested
	for _, batch := range ordered {
		if remaining == 0 {
			break
		}
		take := batch.Quantity
		if take > remaining {
			take = remaining
		}
		remaining -= take
		plan.Deducted += take
		plan.TotalCost = plan.TotalCost.Add(batch.UnitCost.Mul(decimal.NewFromInt(int64(take))))
		plan.Allocations = append(plan.Allocations, Allocation{
			BatchID:     batch.BatchID,
			BatchNumber: batch.BatchNumber,
			Quantity:    take,
			UnitCost:    batch.UnitCost,
			Remaining:   batch.Quantity - take,
		})
	}
	plan.Shortfall = remaining
	return plan
}

// AveragePrice is the weighted-average unit cost of the deducted units, rounded
// half-up to PriceScale places. ok is false when nothing was deducted.
func (p Plan) AveragePrice() (decimal.Decimal, bool) {
	if p.Deducted <= 0 {
		return decimal.Decimal{}, false
	}
	avg := p.TotalCost.DivRound(decimal.NewFromInt(int64(p.Deducted)), PriceScale+4)
	return avg.Round(PriceScale), true
}

// Complete reports whether the whole request was covered.
func (p Plan) Complete() bool {
	return p.Shortfall == 0
}
