// Package reports renders the day's queue and the pharmacy stock as XLSX workbooks.
package reports

import (
	"fmt"
	"time"

	"simrs/internal/inventory"
	"simrs/internal/models"

	"github.com/xuri/excelize/v2"
)

const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const (
	queueSheet     = "Antrian"
	batchSheet     = "Batch"
	reconcileSheet = "Rekonsiliasi"
)

var (
	queueHeader     = []interface{}{"Queue Code", "Status", "Poliklinik", "Doctor ID", "Counter", "Created At", "Called At", "Served At", "Skipped At"}
	batchHeader     = []interface{}{"Location", "Medicine", "Batch Number", "Quantity", "Unit Cost", "Expiry Date", "Received At"}
	reconcileHeader = []interface{}{"Medicine ID", "Medicine", "Legacy Stock", "Batch Total", "Drift"}
)

// QueueWorkbook lists every ticket of one day in call order.
func QueueWorkbook(day time.Time, tickets []models.Ticket, loc *time.Location) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", queueSheet); err != nil {
		return nil, err
	}
	if err := f.SetCellValue(queueSheet, "A1", "Queue "+day.Format("2006-01-02")); err != nil {
		return nil, err
	}
	if err := setRow(f, queueSheet, 2, queueHeader); err != nil {
		return nil, err
	}
	for i, ticket := range tickets {
		counter := ""
		if ticket.CounterName != nil {
			counter = *ticket.CounterName
		}
		row := []interface{}{
			ticket.QueueCode,
			ticket.Status,
			ticket.PoliName,
			ticket.DoctorID,
			counter,
			formatTime(&ticket.CreatedAt, loc),
			formatTime(ticket.CalledAt, loc),
			formatTime(ticket.ServedAt, loc),
			formatTime(ticket.SkippedAt, loc),
		}
		if err := setRow(f, queueSheet, i+3, row); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// StockWorkbook writes the batch ledger on one sheet and the legacy counter drift on another.
func StockWorkbook(batches []models.StockBatch, locations []models.Location, drift []inventory.Drift) (*excelize.File, error) {
	names := make(map[string]string, len(locations))
	for _, location := range locations {
		names[location.LocationID] = location.Name
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", batchSheet); err != nil {
		return nil, err
	}
	if err := setRow(f, batchSheet, 1, batchHeader); err != nil {
		return nil, err
	}
	for i, batch := range batches {
		location := names[batch.LocationID]
		if location == "" {
			location = batch.LocationID
		}
		cost, _ := batch.UnitCost.Float64()
		row := []interface{}{
			location,
			batch.ItemName,
			batch.BatchNumber,
			batch.Quantity,
			cost,
			batch.ExpiryDate.Format("2006-01-02"),
			batch.ReceivedAt.Format("2006-01-02 15:04"),
		}
		if err := setRow(f, batchSheet, i+2, row); err != nil {
			return nil, err
		}
	}

	if _, err := f.NewSheet(reconcileSheet); err != nil {
		return nil, err
	}
	if err := setRow(f, reconcileSheet, 1, reconcileHeader); err != nil {
		return nil, err
	}
	for i, d := range drift {
		row := []interface{}{d.MedicineID, d.Name, d.LegacyStock, d.BatchTotal, d.Drift}
		if err := setRow(f, reconcileSheet, i+2, row); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return ""
	}
	if loc != nil {
		return t.In(loc).Format("15:04:05")
	}
	return t.Format("15:04:05")
}
