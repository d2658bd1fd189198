package memory

import (
	"context"
	"fmt"
	"sort"

	"simrs/internal/inventory"
	"simrs/internal/models"
	"simrs/internal/store"

	"github.com/google/uuid"
)

func (s *Store) batchesLocked(locationID, medicineID string, includeEmpty bool) []models.StockBatch {
	var batches []models.StockBatch
	for _, id := range s.batchOrder {
		batch := s.batches[id]
		if locationID != "" && batch.LocationID != locationID {
			continue
		}
		if medicineID != "" && batch.MedicineID != medicineID {
			continue
		}
		if !includeEmpty && batch.Quantity <= 0 {
			continue
		}
		batches = append(batches, *batch)
	}
	return batches
}

func (s *Store) addBatchLocked(batch models.StockBatch) models.StockBatch {
	batch.BatchID = uuid.NewString()
	copied := batch
	s.batches[batch.BatchID] = &copied
	s.batchOrder = append(s.batchOrder, batch.BatchID)
	return batch
}

func (s *Store) applyAllocationsLocked(allocations []inventory.Allocation) {
	for _, allocation := range allocations {
		s.batches[allocation.BatchID].Quantity -= allocation.Quantity
	}
}

func (s *Store) locationByNameLocked(name string) (models.Location, bool) {
	for _, location := range s.locations {
		if location.Name == name {
			return location, true
		}
	}
	return models.Location{}, false
}

func copyPrescription(prescription *models.Prescription) models.Prescription {
	copied := *prescription
	copied.Items = make([]models.PrescriptionItem, len(prescription.Items))
	copy(copied.Items, prescription.Items)
	return copied
}

func (s *Store) CreatePrescription(ctx context.Context, input store.CreatePrescriptionInput) (models.Prescription, error) {
	if len(input.Items) == 0 {
		return models.Prescription{}, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if input.DoctorID != "" {
		if _, err := s.doctorLocked(input.DoctorID); err != nil {
			return models.Prescription{}, err
		}
	}

	prescription := &models.Prescription{
		PrescriptionID: uuid.NewString(),
		DoctorID:       input.DoctorID,
		PatientName:    input.PatientName,
		Status:         models.PrescriptionPending,
		CreatedAt:      nowIfZero(input.CreatedAt),
	}
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return models.Prescription{}, store.ErrInvalidQuantity
		}
		medicine, ok := s.medicines[item.MedicineID]
		if !ok {
			return models.Prescription{}, fmt.Errorf("%w: %s", store.ErrMedicineNotFound, item.MedicineID)
		}
		prescription.Items = append(prescription.Items, models.PrescriptionItem{
			ItemID:         uuid.NewString(),
			PrescriptionID: prescription.PrescriptionID,
			MedicineID:     item.MedicineID,
			MedicineName:   medicine.Name,
			Quantity:       item.Quantity,
			Dosage:         item.Dosage,
			Notes:          item.Notes,
		})
	}
	s.prescriptions[prescription.PrescriptionID] = prescription
	return copyPrescription(prescription), nil
}

func (s *Store) GetPrescription(ctx context.Context, prescriptionID string) (models.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prescription, ok := s.prescriptions[prescriptionID]
	if !ok {
		return models.Prescription{}, store.ErrPrescriptionNotFound
	}
	return copyPrescription(prescription), nil
}

// UpdatePrescriptionStatus stages every write of a fulfillment and commits only when
// all items succeeded, mirroring the transactional store.
func (s *Store) UpdatePrescriptionStatus(ctx context.Context, input store.PrescriptionStatusInput) (models.Prescription, store.FulfillmentReport, error) {
	report := store.FulfillmentReport{PrescriptionID: input.PrescriptionID, Location: input.PharmacyLocation}

	s.mu.Lock()
	defer s.mu.Unlock()

	prescription, ok := s.prescriptions[input.PrescriptionID]
	if !ok {
		return models.Prescription{}, report, store.ErrPrescriptionNotFound
	}
	if !store.ValidPrescriptionTransition(prescription.Status, input.Status) {
		return models.Prescription{}, report, store.ErrInvalidState
	}

	if input.Status != models.PrescriptionCompleted {
		prescription.Status = input.Status
		return copyPrescription(prescription), report, nil
	}

	location, found := s.locationByNameLocked(input.PharmacyLocation)
	if !found {
		if input.Strict {
			return models.Prescription{}, report, fmt.Errorf("%w: %s", store.ErrLocationNotFound, input.PharmacyLocation)
		}
		report.LocationMissing = true
	}

	items := make([]models.PrescriptionItem, len(prescription.Items))
	copy(items, prescription.Items)
	batchQty := map[string]int{}
	legacy := map[string]int{}

	for i := range items {
		item := &items[i]
		result := store.ItemFulfillment{ItemID: item.ItemID, MedicineID: item.MedicineID, Requested: item.Quantity}

		if _, ok := s.medicines[item.MedicineID]; !ok {
			if input.Strict {
				return models.Prescription{}, report, fmt.Errorf("%w: item %s", store.ErrMedicineNotFound, item.ItemID)
			}
			result.MedicineMissing = true
			report.Items = append(report.Items, result)
			continue
		}

		if !report.LocationMissing {
			batches := s.batchesLocked(location.LocationID, item.MedicineID, false)
			for j := range batches {
				if qty, staged := batchQty[batches[j].BatchID]; staged {
					batches[j].Quantity = qty
				}
			}
			plan := inventory.PlanFIFO(batches, item.Quantity)
			if plan.Shortfall > 0 && input.Strict {
				return models.Prescription{}, report, fmt.Errorf("%w: medicine %s short by %d", store.ErrInsufficientStock, item.MedicineID, plan.Shortfall)
			}
			for _, allocation := range plan.Allocations {
				batchQty[allocation.BatchID] = allocation.Remaining
			}
			result.Deducted = plan.Deducted
			result.Shortfall = plan.Shortfall
			result.Allocations = plan.Allocations
			item.Shortfall = plan.Shortfall
			if avg, ok := plan.AveragePrice(); ok {
				price := avg
				result.ActualPrice = &price
				item.ActualPrice = &price
			}
		}

		legacy[item.MedicineID] += item.Quantity
		report.Items = append(report.Items, result)
	}

	for batchID, qty := range batchQty {
		s.batches[batchID].Quantity = qty
	}
	for medicineID, qty := range legacy {
		s.medicines[medicineID].Stock -= qty
	}
	completedAt := nowIfZero(input.OccurredAt)
	prescription.Items = items
	prescription.Status = models.PrescriptionCompleted
	prescription.CompletedAt = &completedAt
	return copyPrescription(prescription), report, nil
}

func (s *Store) ReceiveStock(ctx context.Context, input store.ReceiveStockInput) (models.StockBatch, error) {
	if input.Quantity <= 0 || input.UnitCost.IsNegative() {
		return models.StockBatch{}, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	medicine, ok := s.medicines[input.MedicineID]
	if !ok {
		return models.StockBatch{}, store.ErrMedicineNotFound
	}
	if _, ok := s.locations[input.LocationID]; !ok {
		return models.StockBatch{}, store.ErrLocationNotFound
	}

	batch := s.addBatchLocked(models.StockBatch{
		LocationID:  input.LocationID,
		MedicineID:  medicine.MedicineID,
		ItemName:    medicine.Name,
		Quantity:    input.Quantity,
		UnitCost:    input.UnitCost.Round(inventory.PriceScale),
		ExpiryDate:  dateOnly(input.ExpiryDate),
		BatchNumber: input.BatchNumber,
		ReceivedAt:  nowIfZero(input.ReceivedAt),
	})
	medicine.Stock += input.Quantity
	return batch, nil
}

func (s *Store) TransferStock(ctx context.Context, input store.TransferStockInput) (store.TransferResult, error) {
	if input.Quantity <= 0 || input.FromLocationID == input.ToLocationID {
		return store.TransferResult{}, store.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	medicine, ok := s.medicines[input.MedicineID]
	if !ok {
		return store.TransferResult{}, store.ErrMedicineNotFound
	}
	if _, ok := s.locations[input.FromLocationID]; !ok {
		return store.TransferResult{}, store.ErrLocationNotFound
	}
	if _, ok := s.locations[input.ToLocationID]; !ok {
		return store.TransferResult{}, store.ErrLocationNotFound
	}

	source := s.batchesLocked(input.FromLocationID, medicine.MedicineID, false)
	plan := inventory.PlanFIFO(source, input.Quantity)
	if plan.Shortfall > 0 {
		return store.TransferResult{}, fmt.Errorf("%w: %d available", store.ErrInsufficientStock, plan.Deducted)
	}
	s.applyAllocationsLocked(plan.Allocations)

	occurredAt := nowIfZero(input.OccurredAt)
	result := store.TransferResult{Moved: plan.Deducted, Allocations: plan.Allocations}
	for _, allocation := range plan.Allocations {
		origin := s.batches[allocation.BatchID]
		result.Batches = append(result.Batches, s.addBatchLocked(models.StockBatch{
			LocationID:  input.ToLocationID,
			MedicineID:  medicine.MedicineID,
			ItemName:    medicine.Name,
			Quantity:    allocation.Quantity,
			UnitCost:    origin.UnitCost,
			ExpiryDate:  origin.ExpiryDate,
			BatchNumber: origin.BatchNumber,
			ReceivedAt:  occurredAt,
		}))
	}
	return result, nil
}

func (s *Store) ListBatches(ctx context.Context, filter store.BatchFilter) ([]models.StockBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batches := s.batchesLocked(filter.LocationID, filter.MedicineID, filter.IncludeEmpty)
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		if a.LocationID != b.LocationID {
			return a.LocationID < b.LocationID
		}
		return a.MedicineID < b.MedicineID
	})
	grouped := []models.StockBatch{}
	for start := 0; start < len(batches); {
		end := start
		for end < len(batches) && batches[end].LocationID == batches[start].LocationID && batches[end].MedicineID == batches[start].MedicineID {
			end++
		}
		group := batches[start:end]
		inventory.SortFIFO(group)
		grouped = append(grouped, group...)
		start = end
	}
	return grouped, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]models.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locations := make([]models.Location, 0, len(s.locations))
	for _, location := range s.locations {
		locations = append(locations, location)
	}
	sort.Slice(locations, func(i, j int) bool { return locations[i].Name < locations[j].Name })
	return locations, nil
}

func (s *Store) StockLedger(ctx context.Context) ([]inventory.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledgers := make([]inventory.Ledger, 0, len(s.medicines))
	for _, medicine := range s.medicines {
		total := 0
		for _, batch := range s.batches {
			if batch.MedicineID == medicine.MedicineID {
				total += batch.Quantity
			}
		}
		ledgers = append(ledgers, inventory.Ledger{
			MedicineID:  medicine.MedicineID,
			Name:        medicine.Name,
			LegacyStock: medicine.Stock,
			BatchTotal:  total,
		})
	}
	sort.Slice(ledgers, func(i, j int) bool {
		if ledgers[i].Name != ledgers[j].Name {
			return ledgers[i].Name < ledgers[j].Name
		}
		return ledgers[i].MedicineID < ledgers[j].MedicineID
	})
	return ledgers, nil
}

func (s *Store) CreateLowStockOrders(ctx context.Context, input store.LowStockInput) ([]models.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := map[string]bool{}
	for _, order := range s.orders {
		if order.Status == models.PurchaseOrderOpen {
			open[order.MedicineID] = true
		}
	}

	ids := make([]string, 0, len(s.medicines))
	for id := range s.medicines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	createdAt := nowIfZero(input.CreatedAt)
	orders := []models.PurchaseOrder{}
	for _, id := range ids {
		medicine := s.medicines[id]
		if medicine.MinStock <= 0 || open[id] {
			continue
		}
		onHand := 0
		for _, batch := range s.batches {
			if batch.MedicineID == id {
				onHand += batch.Quantity
			}
		}
		if onHand >= medicine.MinStock {
			continue
		}
		order := models.PurchaseOrder{
			POID:       uuid.NewString(),
			PONumber:   input.NewPONumber(),
			MedicineID: id,
			ItemName:   medicine.Name,
			Quantity:   store.ReorderQuantity(medicine.MinStock, onHand, input.Multiplier),
			OnHand:     onHand,
			Status:     models.PurchaseOrderOpen,
			Reason:     fmt.Sprintf("on hand %d below minimum %d", onHand, medicine.MinStock),
			CreatedAt:  createdAt,
		}
		s.orders = append(s.orders, order)
		orders = append(orders, order)
	}
	return orders, nil
}
