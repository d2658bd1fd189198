// Package pharmacy runs the prescription lifecycle on top of the batch ledger:
// completion deducts stock FIFO by expiry at the pharmacy location.
package pharmacy

import (
	"context"
	"time"

	"simrs/internal/inventory"
	"simrs/internal/models"
	"simrs/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	PharmacyLocation  string
	StrictFulfillment bool
	Now               func() time.Time
}

type Service struct {
	store            store.InventoryStore
	logger           logrus.FieldLogger
	pharmacyLocation string
	strict           bool
	now              func() time.Time
	tracer           trace.Tracer
}

func NewService(st store.InventoryStore, logger logrus.FieldLogger, options Options) *Service {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:            st,
		logger:           logger,
		pharmacyLocation: options.PharmacyLocation,
		strict:           options.StrictFulfillment,
		now:              now,
		tracer:           otel.Tracer("simrs/pharmacy"),
	}
}

func (s *Service) CreatePrescription(ctx context.Context, input store.CreatePrescriptionInput) (models.Prescription, error) {
	if len(input.Items) == 0 {
		return models.Prescription{}, store.ErrInvalidQuantity
	}
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return models.Prescription{}, store.ErrInvalidQuantity
		}
	}
	if input.CreatedAt.IsZero() {
		input.CreatedAt = s.now().UTC()
	}
	prescription, err := s.store.CreatePrescription(ctx, input)
	if err != nil {
		return models.Prescription{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"module":          "pharmacy",
		"prescription_id": prescription.PrescriptionID,
		"items":           len(prescription.Items),
	}).Info("prescription created")
	return prescription, nil
}

func (s *Service) GetPrescription(ctx context.Context, prescriptionID string) (models.Prescription, error) {
	return s.store.GetPrescription(ctx, prescriptionID)
}

// UpdateStatus moves a prescription forward. Completing it deducts stock in the same
// transaction; shortfalls are recorded unless strict fulfillment is on.
func (s *Service) UpdateStatus(ctx context.Context, prescriptionID, status string) (models.Prescription, store.FulfillmentReport, error) {
	ctx, span := s.tracer.Start(ctx, "pharmacy.UpdateStatus", trace.WithAttributes(
		attribute.String("prescription_id", prescriptionID),
		attribute.String("status", status),
	))
	defer span.End()

	switch status {
	case models.PrescriptionPending, models.PrescriptionPreparing, models.PrescriptionCompleted:
	default:
		recordError(span, store.ErrInvalidState)
		return models.Prescription{}, store.FulfillmentReport{}, store.ErrInvalidState
	}

	prescription, report, err := s.store.UpdatePrescriptionStatus(ctx, store.PrescriptionStatusInput{
		PrescriptionID:   prescriptionID,
		Status:           status,
		PharmacyLocation: s.pharmacyLocation,
		Strict:           s.strict,
		OccurredAt:       s.now().UTC(),
	})
	if err != nil {
		recordError(span, err)
		return models.Prescription{}, store.FulfillmentReport{}, err
	}

	fields := logrus.Fields{"module": "pharmacy", "prescription_id": prescriptionID, "status": prescription.Status}
	s.logger.WithFields(fields).Info("prescription status updated")
	if status == models.PrescriptionCompleted {
		s.logFulfillment(report)
		span.SetAttributes(attribute.Bool("partial", report.Partial()))
	}
	return prescription, report, nil
}

func (s *Service) logFulfillment(report store.FulfillmentReport) {
	log := s.logger.WithFields(logrus.Fields{"module": "pharmacy", "prescription_id": report.PrescriptionID, "location": report.Location})
	if report.LocationMissing {
		log.Warn("pharmacy location not found, batch deduction skipped")
	}
	for _, item := range report.Items {
		itemLog := log.WithFields(logrus.Fields{"item_id": item.ItemID, "medicine_id": item.MedicineID})
		if item.MedicineMissing {
			itemLog.Warn("medicine not found, item skipped")
			continue
		}
		if item.Shortfall > 0 {
			itemLog.WithFields(logrus.Fields{
				"requested": item.Requested,
				"deducted":  item.Deducted,
				"shortfall": item.Shortfall,
			}).Warn("partial fulfillment")
		}
	}
}

func (s *Service) ReceiveStock(ctx context.Context, input store.ReceiveStockInput) (models.StockBatch, error) {
	if input.ReceivedAt.IsZero() {
		input.ReceivedAt = s.now().UTC()
	}
	batch, err := s.store.ReceiveStock(ctx, input)
	if err != nil {
		return models.StockBatch{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"module":       "pharmacy",
		"batch_id":     batch.BatchID,
		"medicine_id":  batch.MedicineID,
		"location_id":  batch.LocationID,
		"quantity":     batch.Quantity,
		"batch_number": batch.BatchNumber,
	}).Info("stock received")
	return batch, nil
}

// TransferStock moves quantity between locations, earliest expiry first.
func (s *Service) TransferStock(ctx context.Context, input store.TransferStockInput) (store.TransferResult, error) {
	ctx, span := s.tracer.Start(ctx, "pharmacy.TransferStock", trace.WithAttributes(
		attribute.String("medicine_id", input.MedicineID),
		attribute.Int("quantity", input.Quantity),
	))
	defer span.End()

	if input.OccurredAt.IsZero() {
		input.OccurredAt = s.now().UTC()
	}
	result, err := s.store.TransferStock(ctx, input)
	if err != nil {
		recordError(span, err)
		return store.TransferResult{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"module":      "pharmacy",
		"medicine_id": input.MedicineID,
		"from":        input.FromLocationID,
		"to":          input.ToLocationID,
		"moved":       result.Moved,
	}).Info("stock transferred")
	return result, nil
}

func (s *Service) ListBatches(ctx context.Context, filter store.BatchFilter) ([]models.StockBatch, error) {
	return s.store.ListBatches(ctx, filter)
}

func (s *Service) ListLocations(ctx context.Context) ([]models.Location, error) {
	return s.store.ListLocations(ctx)
}

// Reconcile compares the legacy per-medicine counter with the batch ledger.
func (s *Service) Reconcile(ctx context.Context) ([]inventory.Drift, error) {
	ledgers, err := s.store.StockLedger(ctx)
	if err != nil {
		return nil, err
	}
	return inventory.Reconcile(ledgers), nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
