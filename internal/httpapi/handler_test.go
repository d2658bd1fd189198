package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"simrs/internal/inventory"
	"simrs/internal/models"
	"simrs/internal/queue"
	"simrs/internal/reports"
	"simrs/internal/store"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeQueue struct {
	takeFn     func(ctx context.Context, doctorID string) (store.TakeTicketResult, error)
	callFn     func(ctx context.Context, counterName, poliID string) (models.Ticket, error)
	completeFn func(ctx context.Context, ticketID string) (models.Ticket, error)
	skipFn     func(ctx context.Context, ticketID string) (models.Ticket, error)
	recallFn   func(ctx context.Context, ticketID, counterName string) (models.Ticket, error)
	toggleFn   func(ctx context.Context, doctorID, status string, maxQuota *int) (models.DailyQuota, error)
	generateFn func(ctx context.Context, date time.Time, maxQuota int) ([]models.DailyQuota, error)
	quotaFn    func(ctx context.Context, doctorID string) (models.DailyQuota, error)
	waitingFn  func(ctx context.Context, poliID string) ([]models.Ticket, error)
	skippedFn  func(ctx context.Context, poliID string) ([]models.Ticket, error)
	listFn     func(ctx context.Context, date time.Time) ([]models.Ticket, error)
	historyFn  func(ctx context.Context, ticketID string) (queue.History, error)
}

func (f fakeQueue) TakeTicket(ctx context.Context, doctorID string) (store.TakeTicketResult, error) {
	if f.takeFn == nil {
		return store.TakeTicketResult{}, nil
	}
	return f.takeFn(ctx, doctorID)
}

func (f fakeQueue) CallNext(ctx context.Context, counterName, poliID string) (models.Ticket, error) {
	if f.callFn == nil {
		return models.Ticket{}, nil
	}
	return f.callFn(ctx, counterName, poliID)
}

func (f fakeQueue) CompleteTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.completeFn == nil {
		return models.Ticket{}, nil
	}
	return f.completeFn(ctx, ticketID)
}

func (f fakeQueue) SkipTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.skipFn == nil {
		return models.Ticket{}, nil
	}
	return f.skipFn(ctx, ticketID)
}

func (f fakeQueue) RecallSkipped(ctx context.Context, ticketID, counterName string) (models.Ticket, error) {
	if f.recallFn == nil {
		return models.Ticket{}, nil
	}
	return f.recallFn(ctx, ticketID, counterName)
}

func (f fakeQueue) ToggleQuotaStatus(ctx context.Context, doctorID, status string, maxQuota *int) (models.DailyQuota, error) {
	if f.toggleFn == nil {
		return models.DailyQuota{}, nil
	}
	return f.toggleFn(ctx, doctorID, status, maxQuota)
}

func (f fakeQueue) GenerateQuotas(ctx context.Context, date time.Time, maxQuota int) ([]models.DailyQuota, error) {
	if f.generateFn == nil {
		return nil, nil
	}
	return f.generateFn(ctx, date, maxQuota)
}

func (f fakeQueue) GetQuota(ctx context.Context, doctorID string) (models.DailyQuota, error) {
	if f.quotaFn == nil {
		return models.DailyQuota{}, nil
	}
	return f.quotaFn(ctx, doctorID)
}

func (f fakeQueue) GetWaiting(ctx context.Context, poliID string) ([]models.Ticket, error) {
	if f.waitingFn == nil {
		return nil, nil
	}
	return f.waitingFn(ctx, poliID)
}

func (f fakeQueue) GetSkipped(ctx context.Context, poliID string) ([]models.Ticket, error) {
	if f.skippedFn == nil {
		return nil, nil
	}
	return f.skippedFn(ctx, poliID)
}

func (f fakeQueue) ListTickets(ctx context.Context, date time.Time) ([]models.Ticket, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, date)
}

func (f fakeQueue) TicketHistory(ctx context.Context, ticketID string) (queue.History, error) {
	if f.historyFn == nil {
		return queue.History{}, nil
	}
	return f.historyFn(ctx, ticketID)
}

func (f fakeQueue) Today() time.Time {
	return time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
}

type fakePharmacy struct {
	createFn    func(ctx context.Context, input store.CreatePrescriptionInput) (models.Prescription, error)
	getFn       func(ctx context.Context, prescriptionID string) (models.Prescription, error)
	statusFn    func(ctx context.Context, prescriptionID, status string) (models.Prescription, store.FulfillmentReport, error)
	receiveFn   func(ctx context.Context, input store.ReceiveStockInput) (models.StockBatch, error)
	transferFn  func(ctx context.Context, input store.TransferStockInput) (store.TransferResult, error)
	batchesFn   func(ctx context.Context, filter store.BatchFilter) ([]models.StockBatch, error)
	locationsFn func(ctx context.Context) ([]models.Location, error)
	reconcileFn func(ctx context.Context) ([]inventory.Drift, error)
}

func (f fakePharmacy) CreatePrescription(ctx context.Context, input store.CreatePrescriptionInput) (models.Prescription, error) {
	if f.createFn == nil {
		return models.Prescription{}, nil
	}
	return f.createFn(ctx, input)
}

func (f fakePharmacy) GetPrescription(ctx context.Context, prescriptionID string) (models.Prescription, error) {
	if f.getFn == nil {
		return models.Prescription{}, nil
	}
	return f.getFn(ctx, prescriptionID)
}

func (f fakePharmacy) UpdateStatus(ctx context.Context, prescriptionID, status string) (models.Prescription, store.FulfillmentReport, error) {
	if f.statusFn == nil {
		return models.Prescription{}, store.FulfillmentReport{}, nil
	}
	return f.statusFn(ctx, prescriptionID, status)
}

func (f fakePharmacy) ReceiveStock(ctx context.Context, input store.ReceiveStockInput) (models.StockBatch, error) {
	if f.receiveFn == nil {
		return models.StockBatch{}, nil
	}
	return f.receiveFn(ctx, input)
}

func (f fakePharmacy) TransferStock(ctx context.Context, input store.TransferStockInput) (store.TransferResult, error) {
	if f.transferFn == nil {
		return store.TransferResult{}, nil
	}
	return f.transferFn(ctx, input)
}

func (f fakePharmacy) ListBatches(ctx context.Context, filter store.BatchFilter) ([]models.StockBatch, error) {
	if f.batchesFn == nil {
		return nil, nil
	}
	return f.batchesFn(ctx, filter)
}

func (f fakePharmacy) ListLocations(ctx context.Context) ([]models.Location, error) {
	if f.locationsFn == nil {
		return nil, nil
	}
	return f.locationsFn(ctx)
}

func (f fakePharmacy) Reconcile(ctx context.Context) ([]inventory.Drift, error) {
	if f.reconcileFn == nil {
		return nil, nil
	}
	return f.reconcileFn(ctx)
}

func newTestHandler(q fakeQueue, p fakePharmacy) http.Handler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewHandler(q, p, logger, Options{}).Routes()
}

func doJSON(t *testing.T, h http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestTakeTicketSuccess(t *testing.T) {
	h := newTestHandler(fakeQueue{
		takeFn: func(ctx context.Context, doctorID string) (store.TakeTicketResult, error) {
			return store.TakeTicketResult{
				Ticket: models.Ticket{TicketID: "ticket-1", DoctorID: doctorID, QueueCode: "A-001", Status: models.StatusWaiting},
				Quota:  models.DailyQuota{DoctorID: doctorID, MaxQuota: 2, CurrentCount: 1, Status: models.QuotaOpen},
				Doctor: models.Doctor{DoctorID: doctorID, Name: "dr. Andi", PoliID: "poli-umum"},
			}, nil
		},
	}, fakePharmacy{})

	resp := doJSON(t, h, http.MethodPost, "/api/queue/ticket", map[string]string{"doctor_id": "dr-andi"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var body takeTicketResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Ticket.QueueCode != "A-001" || body.Remaining != 1 {
		t.Fatalf("unexpected response: %+v", body)
	}
	if body.Doctor.DoctorID != "dr-andi" || body.Doctor.Name != "dr. Andi" {
		t.Fatalf("expected doctor in response, got %+v", body.Doctor)
	}
}

func TestTakeTicketValidation(t *testing.T) {
	h := newTestHandler(fakeQueue{}, fakePharmacy{})

	resp := doJSON(t, h, http.MethodPost, "/api/queue/ticket", map[string]string{})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	body := decodeError(t, resp)
	if body.Error.Code != "invalid_request" || !strings.Contains(body.Error.Message, "doctor_id") {
		t.Fatalf("unexpected error: %+v", body.Error)
	}

	resp = doJSON(t, h, http.MethodPost, "/api/queue/ticket", map[string]string{"doctor_id": "dr-andi", "tenant_id": "x"})
	if resp.Code != http.StatusBadRequest || decodeError(t, resp).Error.Code != "invalid_json" {
		t.Fatalf("expected invalid_json for unknown field, got %d", resp.Code)
	}
}

func TestTakeTicketErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"full", store.ErrQuotaFull, http.StatusConflict, "quota_full"},
		{"closed", store.ErrQueueClosed, http.StatusConflict, "queue_closed"},
		{"unavailable", store.ErrDoctorUnavailable, http.StatusConflict, "doctor_unavailable"},
		{"unknown doctor", store.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
		{"database", context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(fakeQueue{
				takeFn: func(ctx context.Context, doctorID string) (store.TakeTicketResult, error) {
					return store.TakeTicketResult{}, tc.err
				},
			}, fakePharmacy{})
			resp := doJSON(t, h, http.MethodPost, "/api/queue/ticket", map[string]string{"doctor_id": "dr-andi"})
			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, resp.Code)
			}
			if body := decodeError(t, resp); body.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, body.Error.Code)
			}
		})
	}
}

func TestCallNextNoTicket(t *testing.T) {
	var gotCounter, gotPoli string
	h := newTestHandler(fakeQueue{
		callFn: func(ctx context.Context, counterName, poliID string) (models.Ticket, error) {
			gotCounter, gotPoli = counterName, poliID
			return models.Ticket{}, store.ErrNoTicket
		},
	}, fakePharmacy{})

	resp := doJSON(t, h, http.MethodPost, "/api/queues/call", map[string]string{"counter_name": " Loket 1 ", "poli_id": "poli-umum"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
	if gotCounter != "Loket 1" || gotPoli != "poli-umum" {
		t.Fatalf("unexpected call arguments %q %q", gotCounter, gotPoli)
	}
}

func TestWrongMethodIsRejected(t *testing.T) {
	h := newTestHandler(fakeQueue{}, fakePharmacy{})
	resp := doJSON(t, h, http.MethodGet, "/api/queues/call", nil)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", resp.Code)
	}
}

func TestTicketHistoryUsesPathID(t *testing.T) {
	h := newTestHandler(fakeQueue{
		historyFn: func(ctx context.Context, ticketID string) (queue.History, error) {
			if ticketID != "ticket-9" {
				return queue.History{}, store.ErrTicketNotFound
			}
			return queue.History{Ticket: models.Ticket{TicketID: ticketID}, Verified: true}, nil
		},
	}, fakePharmacy{})

	resp := doJSON(t, h, http.MethodGet, "/api/tickets/ticket-9/history", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	resp = doJSON(t, h, http.MethodGet, "/api/tickets/other/history", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestQuotaStatusValidatesStatus(t *testing.T) {
	called := false
	h := newTestHandler(fakeQueue{
		toggleFn: func(ctx context.Context, doctorID, status string, maxQuota *int) (models.DailyQuota, error) {
			called = true
			if maxQuota == nil || *maxQuota != 40 {
				t.Fatalf("expected max quota 40, got %v", maxQuota)
			}
			return models.DailyQuota{DoctorID: doctorID, Status: status, MaxQuota: *maxQuota}, nil
		},
	}, fakePharmacy{})

	resp := doJSON(t, h, http.MethodPut, "/api/quotas/status", map[string]interface{}{"doctor_id": "dr-andi", "status": "PAUSED"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	resp = doJSON(t, h, http.MethodPut, "/api/quotas/status", map[string]interface{}{"doctor_id": "dr-andi", "status": "OPEN", "max_quota": 40})
	if resp.Code != http.StatusOK || !called {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestPrescriptionCompletionReturnsFulfillment(t *testing.T) {
	price := decimal.RequireFromString("12.86")
	h := newTestHandler(fakeQueue{}, fakePharmacy{
		statusFn: func(ctx context.Context, prescriptionID, status string) (models.Prescription, store.FulfillmentReport, error) {
			return models.Prescription{PrescriptionID: prescriptionID, Status: status}, store.FulfillmentReport{
				PrescriptionID: prescriptionID,
				Items:          []store.ItemFulfillment{{ItemID: "item-1", Requested: 7, Deducted: 7, ActualPrice: &price}},
			}, nil
		},
	})

	resp := doJSON(t, h, http.MethodPut, "/api/prescriptions/rx-1/status", map[string]string{"status": models.PrescriptionCompleted})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var body prescriptionStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Fulfillment == nil || !body.Fulfillment.Items[0].ActualPrice.Equal(price) {
		t.Fatalf("expected fulfillment with price 12.86, got %+v", body.Fulfillment)
	}
}

func TestPrescriptionCompletionInsufficientStock(t *testing.T) {
	h := newTestHandler(fakeQueue{}, fakePharmacy{
		statusFn: func(ctx context.Context, prescriptionID, status string) (models.Prescription, store.FulfillmentReport, error) {
			return models.Prescription{}, store.FulfillmentReport{}, store.ErrInsufficientStock
		},
	})
	resp := doJSON(t, h, http.MethodPut, "/api/prescriptions/rx-1/status", map[string]string{"status": models.PrescriptionCompleted})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestCreatePrescriptionRequiresItems(t *testing.T) {
	h := newTestHandler(fakeQueue{}, fakePharmacy{})
	resp := doJSON(t, h, http.MethodPost, "/api/prescriptions", map[string]interface{}{
		"patient_name": "Budi",
		"items":        []map[string]interface{}{{"medicine_id": "med-para", "quantity": 0}},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestReceiveStock(t *testing.T) {
	var got store.ReceiveStockInput
	h := newTestHandler(fakeQueue{}, fakePharmacy{
		receiveFn: func(ctx context.Context, input store.ReceiveStockInput) (models.StockBatch, error) {
			got = input
			return models.StockBatch{BatchID: "batch-1", Quantity: input.Quantity}, nil
		},
	})

	resp := doJSON(t, h, http.MethodPost, "/api/stock/receive", map[string]interface{}{
		"location_id":  "loc-apotek",
		"medicine_id":  "med-para",
		"quantity":     10,
		"unit_cost":    "450.50",
		"expiry_date":  "2027-01-31",
		"batch_number": "PCT-01",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}
	if !got.UnitCost.Equal(decimal.RequireFromString("450.5")) || got.ExpiryDate.Format("2006-01-02") != "2027-01-31" {
		t.Fatalf("unexpected input %+v", got)
	}

	resp = doJSON(t, h, http.MethodPost, "/api/stock/receive", map[string]interface{}{
		"location_id":  "loc-apotek",
		"medicine_id":  "med-para",
		"quantity":     10,
		"unit_cost":    "-1",
		"expiry_date":  "2027-01-31",
		"batch_number": "PCT-01",
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for negative cost, got %d", resp.Code)
	}
}

func TestTransferStockRejectsSameLocation(t *testing.T) {
	h := newTestHandler(fakeQueue{}, fakePharmacy{})
	resp := doJSON(t, h, http.MethodPost, "/api/stock/transfer", map[string]interface{}{
		"from_location_id": "loc-gudang",
		"to_location_id":   "loc-gudang",
		"medicine_id":      "med-para",
		"quantity":         5,
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestStockReportIsWorkbook(t *testing.T) {
	h := newTestHandler(fakeQueue{}, fakePharmacy{
		batchesFn: func(ctx context.Context, filter store.BatchFilter) ([]models.StockBatch, error) {
			return []models.StockBatch{{LocationID: "loc-apotek", ItemName: "Paracetamol", Quantity: 3, UnitCost: decimal.NewFromInt(500)}}, nil
		},
	})
	resp := doJSON(t, h, http.MethodGet, "/api/reports/stock.xlsx", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if resp.Header().Get("Content-Type") != reports.ContentType {
		t.Fatalf("unexpected content type %s", resp.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), []byte("PK")) {
		t.Fatalf("expected a zip container")
	}
}

func TestQueueReportRejectsBadDate(t *testing.T) {
	h := newTestHandler(fakeQueue{}, fakePharmacy{})
	resp := doJSON(t, h, http.MethodGet, "/api/reports/queue.xlsx?date=04-05-2026", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 2})
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.7:5123"
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.8:5123"
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected a separate bucket per ip, got %d", resp.Code)
	}
}

func TestLoggingMiddlewareAssignsRequestID(t *testing.T) {
	var logs bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	h := LoggingMiddleware(logger)(newTestHandler(fakeQueue{
		takeFn: func(ctx context.Context, doctorID string) (store.TakeTicketResult, error) {
			return store.TakeTicketResult{}, store.ErrQuotaFull
		},
	}, fakePharmacy{}))

	resp := doJSON(t, h, http.MethodPost, "/api/queue/ticket", map[string]string{"doctor_id": "dr-andi"})
	id := resp.Header().Get(requestIDHeader)
	if id == "" {
		t.Fatalf("expected a request id header")
	}
	if body := decodeError(t, resp); body.RequestID != id {
		t.Fatalf("expected request id %s in body, got %s", id, body.RequestID)
	}
	if !strings.Contains(logs.String(), `"status":409`) {
		t.Fatalf("expected access log with status, got %s", logs.String())
	}
}
