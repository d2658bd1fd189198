package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"simrs/internal/inventory"
	"simrs/internal/models"
	"simrs/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const batchColumns = `batch_id, location_id, medicine_id, item_name, quantity, unit_cost::text, expiry_date, batch_number, received_at`

func scanBatch(row scanner) (models.StockBatch, error) {
	var batch models.StockBatch
	var unitCost string
	if err := row.Scan(&batch.BatchID, &batch.LocationID, &batch.MedicineID, &batch.ItemName, &batch.Quantity, &unitCost, &batch.ExpiryDate, &batch.BatchNumber, &batch.ReceivedAt); err != nil {
		return models.StockBatch{}, err
	}
	cost, err := decimal.NewFromString(unitCost)
	if err != nil {
		return models.StockBatch{}, err
	}
	batch.UnitCost = cost
	return batch, nil
}

func collectBatches(rows pgx.Rows) ([]models.StockBatch, error) {
	defer rows.Close()
	batches := []models.StockBatch{}
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

// lockBatches returns the non-empty batches of a medicine at a location, locked for
// the rest of the transaction, in FIFO order.
func lockBatches(ctx context.Context, tx pgx.Tx, locationID, medicineID string) ([]models.StockBatch, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+batchColumns+`
		FROM stock_batches
		WHERE location_id = $1 AND medicine_id = $2 AND quantity > 0
		ORDER BY expiry_date ASC, received_at ASC, batch_number ASC, batch_id ASC
		FOR UPDATE
	`, locationID, medicineID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func applyAllocations(ctx context.Context, tx pgx.Tx, allocations []inventory.Allocation) error {
	for _, allocation := range allocations {
		if _, err := tx.Exec(ctx, `
			UPDATE stock_batches SET quantity = quantity - $1 WHERE batch_id = $2
		`, allocation.Quantity, allocation.BatchID); err != nil {
			return err
		}
	}
	return nil
}

func lockMedicine(ctx context.Context, tx pgx.Tx, medicineID string) (models.Medicine, error) {
	var medicine models.Medicine
	row := tx.QueryRow(ctx, `
		SELECT medicine_id, name, unit, stock, min_stock
		FROM medicines
		WHERE medicine_id = $1
		FOR UPDATE
	`, medicineID)
	if err := row.Scan(&medicine.MedicineID, &medicine.Name, &medicine.Unit, &medicine.Stock, &medicine.MinStock); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Medicine{}, store.ErrMedicineNotFound
		}
		return models.Medicine{}, err
	}
	return medicine, nil
}

func locationExists(ctx context.Context, q querier, locationID string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM locations WHERE location_id = $1)`, locationID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrLocationNotFound
	}
	return nil
}

func (s *Store) CreatePrescription(ctx context.Context, input store.CreatePrescriptionInput) (models.Prescription, error) {
	if len(input.Items) == 0 {
		return models.Prescription{}, store.ErrInvalidQuantity
	}
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return models.Prescription{}, store.ErrInvalidQuantity
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Prescription{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.DoctorID != "" {
		if _, err = getDoctor(ctx, tx, input.DoctorID); err != nil {
			return models.Prescription{}, err
		}
	}

	prescriptionID := uuid.NewString()
	createdAt := nowIfZero(input.CreatedAt)
	if _, err = tx.Exec(ctx, `
		INSERT INTO prescriptions (prescription_id, doctor_id, patient_name, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, prescriptionID, nullIfEmpty(input.DoctorID), input.PatientName, models.PrescriptionPending, createdAt); err != nil {
		return models.Prescription{}, err
	}

	for _, item := range input.Items {
		var name string
		if err = tx.QueryRow(ctx, `SELECT name FROM medicines WHERE medicine_id = $1`, item.MedicineID).Scan(&name); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				err = fmt.Errorf("%w: %s", store.ErrMedicineNotFound, item.MedicineID)
			}
			return models.Prescription{}, err
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO prescription_items (item_id, prescription_id, medicine_id, medicine_name, quantity, dosage, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.NewString(), prescriptionID, item.MedicineID, name, item.Quantity, item.Dosage, item.Notes); err != nil {
			return models.Prescription{}, err
		}
	}

	prescription, err := getPrescription(ctx, tx, prescriptionID)
	if err != nil {
		return models.Prescription{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Prescription{}, err
	}
	return prescription, nil
}

func (s *Store) GetPrescription(ctx context.Context, prescriptionID string) (models.Prescription, error) {
	return getPrescription(ctx, s.pool, prescriptionID)
}

func getPrescription(ctx context.Context, q querier, prescriptionID string) (models.Prescription, error) {
	var prescription models.Prescription
	var doctorNull sql.NullString
	var completedAtNull sql.NullTime
	row := q.QueryRow(ctx, `
		SELECT prescription_id, doctor_id, patient_name, status, created_at, completed_at
		FROM prescriptions
		WHERE prescription_id = $1
	`, prescriptionID)
	if err := row.Scan(&prescription.PrescriptionID, &doctorNull, &prescription.PatientName, &prescription.Status, &prescription.CreatedAt, &completedAtNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Prescription{}, store.ErrPrescriptionNotFound
		}
		return models.Prescription{}, err
	}
	if doctorNull.Valid {
		prescription.DoctorID = doctorNull.String
	}
	prescription.CompletedAt = nullTimePtr(completedAtNull)

	items, err := listPrescriptionItems(ctx, q, prescriptionID)
	if err != nil {
		return models.Prescription{}, err
	}
	prescription.Items = items
	return prescription, nil
}

func listPrescriptionItems(ctx context.Context, q querier, prescriptionID string) ([]models.PrescriptionItem, error) {
	rows, err := q.Query(ctx, `
		SELECT item_id, prescription_id, medicine_id, medicine_name, quantity, dosage, notes, actual_price::text, shortfall
		FROM prescription_items
		WHERE prescription_id = $1
		ORDER BY item_id
	`, prescriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.PrescriptionItem{}
	for rows.Next() {
		var item models.PrescriptionItem
		var medicineNull sql.NullString
		var priceNull sql.NullString
		if err := rows.Scan(&item.ItemID, &item.PrescriptionID, &medicineNull, &item.MedicineName, &item.Quantity, &item.Dosage, &item.Notes, &priceNull, &item.Shortfall); err != nil {
			return nil, err
		}
		if medicineNull.Valid {
			item.MedicineID = medicineNull.String
		}
		if priceNull.Valid {
			price, err := decimal.NewFromString(priceNull.String)
			if err != nil {
				return nil, err
			}
			item.ActualPrice = &price
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdatePrescriptionStatus(ctx context.Context, input store.PrescriptionStatusInput) (models.Prescription, store.FulfillmentReport, error) {
	report := store.FulfillmentReport{PrescriptionID: input.PrescriptionID, Location: input.PharmacyLocation}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Prescription{}, report, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var current string
	if err = tx.QueryRow(ctx, `
		SELECT status FROM prescriptions WHERE prescription_id = $1 FOR UPDATE
	`, input.PrescriptionID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrPrescriptionNotFound
		}
		return models.Prescription{}, report, err
	}
	if !store.ValidPrescriptionTransition(current, input.Status) {
		err = store.ErrInvalidState
		return models.Prescription{}, report, err
	}

	occurredAt := nowIfZero(input.OccurredAt)
	if input.Status == models.PrescriptionCompleted {
		if report, err = fulfillPrescription(ctx, tx, input); err != nil {
			return models.Prescription{}, report, err
		}
		_, err = tx.Exec(ctx, `
			UPDATE prescriptions SET status = $1, completed_at = $2 WHERE prescription_id = $3
		`, input.Status, occurredAt, input.PrescriptionID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE prescriptions SET status = $1 WHERE prescription_id = $2
		`, input.Status, input.PrescriptionID)
	}
	if err != nil {
		return models.Prescription{}, report, err
	}

	prescription, err := getPrescription(ctx, tx, input.PrescriptionID)
	if err != nil {
		return models.Prescription{}, report, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Prescription{}, report, err
	}
	return prescription, report, nil
}

// fulfillPrescription deducts every item from the pharmacy batches in FIFO order and
// decrements the legacy aggregate by the full requested quantity. Items are handled in
// medicine order so concurrent fulfillments take row locks in the same sequence.
func fulfillPrescription(ctx context.Context, tx pgx.Tx, input store.PrescriptionStatusInput) (store.FulfillmentReport, error) {
	report := store.FulfillmentReport{PrescriptionID: input.PrescriptionID, Location: input.PharmacyLocation}

	var locationID string
	err := tx.QueryRow(ctx, `SELECT location_id FROM locations WHERE name = $1`, input.PharmacyLocation).Scan(&locationID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return report, err
		}
		if input.Strict {
			return report, fmt.Errorf("%w: %s", store.ErrLocationNotFound, input.PharmacyLocation)
		}
		report.LocationMissing = true
	}

	items, err := listPrescriptionItems(ctx, tx, input.PrescriptionID)
	if err != nil {
		return report, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].MedicineID < items[j].MedicineID })

	for _, item := range items {
		result := store.ItemFulfillment{ItemID: item.ItemID, MedicineID: item.MedicineID, Requested: item.Quantity}

		if item.MedicineID == "" {
			result.MedicineMissing = true
		} else if _, err := lockMedicine(ctx, tx, item.MedicineID); err != nil {
			if !errors.Is(err, store.ErrMedicineNotFound) {
				return report, err
			}
			result.MedicineMissing = true
		}
		if result.MedicineMissing {
			if input.Strict {
				return report, fmt.Errorf("%w: item %s", store.ErrMedicineNotFound, item.ItemID)
			}
			report.Items = append(report.Items, result)
			continue
		}

		if !report.LocationMissing {
			batches, err := lockBatches(ctx, tx, locationID, item.MedicineID)
			if err != nil {
				return report, err
			}
			plan := inventory.PlanFIFO(batches, item.Quantity)
			if plan.Shortfall > 0 && input.Strict {
				return report, fmt.Errorf("%w: medicine %s short by %d", store.ErrInsufficientStock, item.MedicineID, plan.Shortfall)
			}
			if err := applyAllocations(ctx, tx, plan.Allocations); err != nil {
				return report, err
			}
			result.Deducted = plan.Deducted
			result.Shortfall = plan.Shortfall
			result.Allocations = plan.Allocations

			var price interface{}
			if avg, ok := plan.AveragePrice(); ok {
				result.ActualPrice = &avg
				price = avg.StringFixed(inventory.PriceScale)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE prescription_items SET actual_price = $1::numeric, shortfall = $2 WHERE item_id = $3
			`, price, plan.Shortfall, item.ItemID); err != nil {
				return report, err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE medicines SET stock = stock - $1 WHERE medicine_id = $2
		`, item.Quantity, item.MedicineID); err != nil {
			return report, err
		}
		report.Items = append(report.Items, result)
	}
	return report, nil
}

func (s *Store) ReceiveStock(ctx context.Context, input store.ReceiveStockInput) (models.StockBatch, error) {
	if input.Quantity <= 0 || input.UnitCost.IsNegative() {
		return models.StockBatch{}, store.ErrInvalidQuantity
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.StockBatch{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	medicine, err := lockMedicine(ctx, tx, input.MedicineID)
	if err != nil {
		return models.StockBatch{}, err
	}
	if err = locationExists(ctx, tx, input.LocationID); err != nil {
		return models.StockBatch{}, err
	}

	batch, err := scanBatch(tx.QueryRow(ctx, `
		INSERT INTO stock_batches (batch_id, location_id, medicine_id, item_name, quantity, unit_cost, expiry_date, batch_number, received_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::date, $8, $9)
		RETURNING `+batchColumns,
		uuid.NewString(), input.LocationID, medicine.MedicineID, medicine.Name, input.Quantity,
		input.UnitCost.StringFixed(inventory.PriceScale), dateParam(input.ExpiryDate), input.BatchNumber, nowIfZero(input.ReceivedAt)))
	if err != nil {
		return models.StockBatch{}, err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE medicines SET stock = stock + $1 WHERE medicine_id = $2
	`, input.Quantity, medicine.MedicineID); err != nil {
		return models.StockBatch{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.StockBatch{}, err
	}
	return batch, nil
}

// TransferStock moves units between locations in FIFO order. Each consumed source
// batch produces a destination batch with the same expiry, cost and batch number.
// The legacy aggregate is unchanged since the units stay in the hospital.
func (s *Store) TransferStock(ctx context.Context, input store.TransferStockInput) (store.TransferResult, error) {
	if input.Quantity <= 0 || input.FromLocationID == input.ToLocationID {
		return store.TransferResult{}, store.ErrInvalidQuantity
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.TransferResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	medicine, err := lockMedicine(ctx, tx, input.MedicineID)
	if err != nil {
		return store.TransferResult{}, err
	}
	if err = locationExists(ctx, tx, input.FromLocationID); err != nil {
		return store.TransferResult{}, err
	}
	if err = locationExists(ctx, tx, input.ToLocationID); err != nil {
		return store.TransferResult{}, err
	}

	source, err := lockBatches(ctx, tx, input.FromLocationID, medicine.MedicineID)
	if err != nil {
		return store.TransferResult{}, err
	}
	plan := inventory.PlanFIFO(source, input.Quantity)
	if plan.Shortfall > 0 {
		err = fmt.Errorf("%w: %d available", store.ErrInsufficientStock, plan.Deducted)
		return store.TransferResult{}, err
	}
	if err = applyAllocations(ctx, tx, plan.Allocations); err != nil {
		return store.TransferResult{}, err
	}

	byID := make(map[string]models.StockBatch, len(source))
	for _, batch := range source {
		byID[batch.BatchID] = batch
	}

	occurredAt := nowIfZero(input.OccurredAt)
	result := store.TransferResult{Moved: plan.Deducted, Allocations: plan.Allocations}
	for _, allocation := range plan.Allocations {
		origin := byID[allocation.BatchID]
		batch, scanErr := scanBatch(tx.QueryRow(ctx, `
			INSERT INTO stock_batches (batch_id, location_id, medicine_id, item_name, quantity, unit_cost, expiry_date, batch_number, received_at)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::date, $8, $9)
			RETURNING `+batchColumns,
			uuid.NewString(), input.ToLocationID, medicine.MedicineID, medicine.Name, allocation.Quantity,
			origin.UnitCost.StringFixed(inventory.PriceScale), dateParam(origin.ExpiryDate), origin.BatchNumber, occurredAt))
		if scanErr != nil {
			err = scanErr
			return store.TransferResult{}, err
		}
		result.Batches = append(result.Batches, batch)
	}

	if err = tx.Commit(ctx); err != nil {
		return store.TransferResult{}, err
	}
	return result, nil
}

func (s *Store) ListBatches(ctx context.Context, filter store.BatchFilter) ([]models.StockBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM stock_batches WHERE 1 = 1`
	args := []interface{}{}
	if filter.LocationID != "" {
		args = append(args, filter.LocationID)
		query += fmt.Sprintf(" AND location_id = $%d", len(args))
	}
	if filter.MedicineID != "" {
		args = append(args, filter.MedicineID)
		query += fmt.Sprintf(" AND medicine_id = $%d", len(args))
	}
	if !filter.IncludeEmpty {
		query += " AND quantity > 0"
	}
	query += " ORDER BY location_id, medicine_id, expiry_date ASC, received_at ASC, batch_number ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (s *Store) ListLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := s.pool.Query(ctx, `SELECT location_id, name, kind FROM locations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := []models.Location{}
	for rows.Next() {
		var location models.Location
		if err := rows.Scan(&location.LocationID, &location.Name, &location.Kind); err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locations, nil
}

func (s *Store) StockLedger(ctx context.Context) ([]inventory.Ledger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.medicine_id, m.name, m.stock, COALESCE(SUM(b.quantity), 0)::int
		FROM medicines m
		LEFT JOIN stock_batches b ON b.medicine_id = m.medicine_id
		GROUP BY m.medicine_id, m.name, m.stock
		ORDER BY m.name, m.medicine_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ledgers := []inventory.Ledger{}
	for rows.Next() {
		var ledger inventory.Ledger
		if err := rows.Scan(&ledger.MedicineID, &ledger.Name, &ledger.LegacyStock, &ledger.BatchTotal); err != nil {
			return nil, err
		}
		ledgers = append(ledgers, ledger)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ledgers, nil
}

type lowStockCandidate struct {
	medicineID string
	name       string
	minStock   int
	onHand     int
}

// CreateLowStockOrders opens a purchase order for every medicine whose batch total is
// below its minimum and that has no open order. Medicine rows are locked with SKIP
// LOCKED so a sweep never waits on, or races with, a fulfillment in progress.
func (s *Store) CreateLowStockOrders(ctx context.Context, input store.LowStockInput) ([]models.PurchaseOrder, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT m.medicine_id, m.name, m.min_stock,
		       COALESCE((SELECT SUM(b.quantity) FROM stock_batches b WHERE b.medicine_id = m.medicine_id), 0)::int
		FROM medicines m
		WHERE m.min_stock > 0
		  AND NOT EXISTS (
			SELECT 1 FROM purchase_orders po WHERE po.medicine_id = m.medicine_id AND po.status = 'OPEN'
		  )
		ORDER BY m.medicine_id
		FOR UPDATE OF m SKIP LOCKED
	`)
	if err != nil {
		return nil, err
	}
	var candidates []lowStockCandidate
	for rows.Next() {
		var candidate lowStockCandidate
		if err = rows.Scan(&candidate.medicineID, &candidate.name, &candidate.minStock, &candidate.onHand); err != nil {
			rows.Close()
			return nil, err
		}
		if candidate.onHand < candidate.minStock {
			candidates = append(candidates, candidate)
		}
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	createdAt := nowIfZero(input.CreatedAt)
	orders := []models.PurchaseOrder{}
	for _, candidate := range candidates {
		order := models.PurchaseOrder{
			POID:       uuid.NewString(),
			PONumber:   input.NewPONumber(),
			MedicineID: candidate.medicineID,
			ItemName:   candidate.name,
			Quantity:   store.ReorderQuantity(candidate.minStock, candidate.onHand, input.Multiplier),
			OnHand:     candidate.onHand,
			Status:     models.PurchaseOrderOpen,
			Reason:     fmt.Sprintf("on hand %d below minimum %d", candidate.onHand, candidate.minStock),
			CreatedAt:  createdAt,
		}
		tag, execErr := tx.Exec(ctx, `
			INSERT INTO purchase_orders (po_id, po_number, medicine_id, item_name, quantity, on_hand, status, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (medicine_id) WHERE status = 'OPEN' DO NOTHING
		`, order.POID, order.PONumber, order.MedicineID, order.ItemName, order.Quantity, order.OnHand, order.Status, order.Reason, order.CreatedAt)
		if execErr != nil {
			err = execErr
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		orders = append(orders, order)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return orders, nil
}
