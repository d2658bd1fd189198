package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"simrs/internal/inventory"
	"simrs/internal/models"
	"simrs/internal/queue"
	"simrs/internal/reports"
	"simrs/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type QueueService interface {
	TakeTicket(ctx context.Context, doctorID string) (store.TakeTicketResult, error)
	CallNext(ctx context.Context, counterName, poliID string) (models.Ticket, error)
	CompleteTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	SkipTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	RecallSkipped(ctx context.Context, ticketID, counterName string) (models.Ticket, error)
	ToggleQuotaStatus(ctx context.Context, doctorID, status string, maxQuota *int) (models.DailyQuota, error)
	GenerateQuotas(ctx context.Context, date time.Time, maxQuota int) ([]models.DailyQuota, error)
	GetQuota(ctx context.Context, doctorID string) (models.DailyQuota, error)
	GetWaiting(ctx context.Context, poliID string) ([]models.Ticket, error)
	GetSkipped(ctx context.Context, poliID string) ([]models.Ticket, error)
	ListTickets(ctx context.Context, date time.Time) ([]models.Ticket, error)
	TicketHistory(ctx context.Context, ticketID string) (queue.History, error)
	Today() time.Time
}

type PharmacyService interface {
	CreatePrescription(ctx context.Context, input store.CreatePrescriptionInput) (models.Prescription, error)
	GetPrescription(ctx context.Context, prescriptionID string) (models.Prescription, error)
	UpdateStatus(ctx context.Context, prescriptionID, status string) (models.Prescription, store.FulfillmentReport, error)
	ReceiveStock(ctx context.Context, input store.ReceiveStockInput) (models.StockBatch, error)
	TransferStock(ctx context.Context, input store.TransferStockInput) (store.TransferResult, error)
	ListBatches(ctx context.Context, filter store.BatchFilter) ([]models.StockBatch, error)
	ListLocations(ctx context.Context) ([]models.Location, error)
	Reconcile(ctx context.Context) ([]inventory.Drift, error)
}

type Handler struct {
	queue    QueueService
	pharmacy PharmacyService
	logger   logrus.FieldLogger
	location *time.Location
}

type Options struct {
	Location *time.Location
}

func NewHandler(queueService QueueService, pharmacyService PharmacyService, logger logrus.FieldLogger, options Options) *Handler {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{queue: queueService, pharmacy: pharmacyService, logger: logger, location: loc}
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type takeTicketRequest struct {
	DoctorID string `json:"doctor_id" validate:"required"`
}

type takeTicketResponse struct {
	Ticket    models.Ticket     `json:"ticket"`
	Quota     models.DailyQuota `json:"quota"`
	Doctor    models.Doctor     `json:"doctor"`
	Remaining int               `json:"remaining"`
}

type callNextRequest struct {
	CounterName string `json:"counter_name" validate:"required,max=64"`
	PoliID      string `json:"poli_id"`
}

type ticketActionRequest struct {
	TicketID    string `json:"ticket_id" validate:"required"`
	CounterName string `json:"counter_name" validate:"max=64"`
}

type quotaStatusRequest struct {
	DoctorID string `json:"doctor_id" validate:"required"`
	Status   string `json:"status" validate:"required,oneof=OPEN CLOSED"`
	MaxQuota *int   `json:"max_quota" validate:"omitempty,min=0"`
}

type generateQuotasRequest struct {
	Date     string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	MaxQuota int    `json:"max_quota" validate:"min=0"`
}

type prescriptionItemRequest struct {
	MedicineID string `json:"medicine_id" validate:"required"`
	Quantity   int    `json:"quantity" validate:"required,gt=0"`
	Dosage     string `json:"dosage"`
	Notes      string `json:"notes"`
}

type createPrescriptionRequest struct {
	DoctorID    string                    `json:"doctor_id"`
	PatientName string                    `json:"patient_name" validate:"required"`
	Items       []prescriptionItemRequest `json:"items" validate:"required,min=1,dive"`
}

type prescriptionStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=PENDING PREPARING COMPLETED"`
}

type prescriptionStatusResponse struct {
	Prescription models.Prescription      `json:"prescription"`
	Fulfillment  *store.FulfillmentReport `json:"fulfillment,omitempty"`
}

type receiveStockRequest struct {
	LocationID  string          `json:"location_id" validate:"required"`
	MedicineID  string          `json:"medicine_id" validate:"required"`
	Quantity    int             `json:"quantity" validate:"required,gt=0"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	ExpiryDate  string          `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	BatchNumber string          `json:"batch_number" validate:"required,max=64"`
}

type transferStockRequest struct {
	FromLocationID string `json:"from_location_id" validate:"required"`
	ToLocationID   string `json:"to_location_id" validate:"required,nefield=FromLocationID"`
	MedicineID     string `json:"medicine_id" validate:"required"`
	Quantity       int    `json:"quantity" validate:"required,gt=0"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", expvar.Handler())

	mux.HandleFunc("POST /api/queue/ticket", h.handleTakeTicket)
	mux.HandleFunc("POST /api/queues/call", h.handleCallNext)
	mux.HandleFunc("POST /api/queues/complete", h.handleComplete)
	mux.HandleFunc("POST /api/queues/skip", h.handleSkip)
	mux.HandleFunc("POST /api/queues/recall", h.handleRecall)
	mux.HandleFunc("GET /api/queues/waiting", h.handleWaiting)
	mux.HandleFunc("GET /api/queues/skipped", h.handleSkipped)
	mux.HandleFunc("GET /api/tickets/{id}/history", h.handleTicketHistory)

	mux.HandleFunc("PUT /api/quotas/status", h.handleQuotaStatus)
	mux.HandleFunc("POST /api/quotas/generate", h.handleGenerateQuotas)
	mux.HandleFunc("GET /api/quotas/{doctor_id}", h.handleGetQuota)

	mux.HandleFunc("POST /api/prescriptions", h.handleCreatePrescription)
	mux.HandleFunc("GET /api/prescriptions/{id}", h.handleGetPrescription)
	mux.HandleFunc("PUT /api/prescriptions/{id}/status", h.handlePrescriptionStatus)

	mux.HandleFunc("POST /api/stock/receive", h.handleReceiveStock)
	mux.HandleFunc("POST /api/stock/transfer", h.handleTransferStock)
	mux.HandleFunc("GET /api/stock/batches", h.handleListBatches)
	mux.HandleFunc("GET /api/stock/reconciliation", h.handleReconciliation)

	mux.HandleFunc("GET /api/reports/queue.xlsx", h.handleQueueReport)
	mux.HandleFunc("GET /api/reports/stock.xlsx", h.handleStockReport)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTakeTicket(w http.ResponseWriter, r *http.Request) {
	var req takeTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	result, err := h.queue.TakeTicket(r.Context(), strings.TrimSpace(req.DoctorID))
	if err != nil {
		h.fail(w, r, "handleTakeTicket", err)
		return
	}
	writeJSON(w, http.StatusOK, takeTicketResponse{Ticket: result.Ticket, Quota: result.Quota, Doctor: result.Doctor, Remaining: result.Quota.Remaining()})
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.queue.CallNext(r.Context(), strings.TrimSpace(req.CounterName), strings.TrimSpace(req.PoliID))
	if err != nil {
		h.fail(w, r, "handleCallNext", err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req ticketActionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.queue.CompleteTicket(r.Context(), strings.TrimSpace(req.TicketID))
	if err != nil {
		h.fail(w, r, "handleComplete", err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleSkip(w http.ResponseWriter, r *http.Request) {
	var req ticketActionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.queue.SkipTicket(r.Context(), strings.TrimSpace(req.TicketID))
	if err != nil {
		h.fail(w, r, "handleSkip", err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req ticketActionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.queue.RecallSkipped(r.Context(), strings.TrimSpace(req.TicketID), strings.TrimSpace(req.CounterName))
	if err != nil {
		h.fail(w, r, "handleRecall", err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleWaiting(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.queue.GetWaiting(r.Context(), strings.TrimSpace(r.URL.Query().Get("poli_id")))
	if err != nil {
		h.fail(w, r, "handleWaiting", err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleSkipped(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.queue.GetSkipped(r.Context(), strings.TrimSpace(r.URL.Query().Get("poli_id")))
	if err != nil {
		h.fail(w, r, "handleSkipped", err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleTicketHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.queue.TicketHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, "handleTicketHistory", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	var req quotaStatusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	quota, err := h.queue.ToggleQuotaStatus(r.Context(), strings.TrimSpace(req.DoctorID), req.Status, req.MaxQuota)
	if err != nil {
		h.fail(w, r, "handleQuotaStatus", err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func (h *Handler) handleGenerateQuotas(w http.ResponseWriter, r *http.Request) {
	var req generateQuotasRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	var date time.Time
	if req.Date != "" {
		date, _ = time.ParseInLocation("2006-01-02", req.Date, h.location)
	}
	quotas, err := h.queue.GenerateQuotas(r.Context(), date, req.MaxQuota)
	if err != nil {
		h.fail(w, r, "handleGenerateQuotas", err)
		return
	}
	if quotas == nil {
		quotas = []models.DailyQuota{}
	}
	writeJSON(w, http.StatusOK, quotas)
}

func (h *Handler) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	quota, err := h.queue.GetQuota(r.Context(), r.PathValue("doctor_id"))
	if err != nil {
		h.fail(w, r, "handleGetQuota", err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func (h *Handler) handleCreatePrescription(w http.ResponseWriter, r *http.Request) {
	var req createPrescriptionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	input := store.CreatePrescriptionInput{
		DoctorID:    strings.TrimSpace(req.DoctorID),
		PatientName: strings.TrimSpace(req.PatientName),
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, store.PrescriptionItemInput{
			MedicineID: strings.TrimSpace(item.MedicineID),
			Quantity:   item.Quantity,
			Dosage:     item.Dosage,
			Notes:      item.Notes,
		})
	}
	prescription, err := h.pharmacy.CreatePrescription(r.Context(), input)
	if err != nil {
		h.fail(w, r, "handleCreatePrescription", err)
		return
	}
	writeJSON(w, http.StatusCreated, prescription)
}

func (h *Handler) handleGetPrescription(w http.ResponseWriter, r *http.Request) {
	prescription, err := h.pharmacy.GetPrescription(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, "handleGetPrescription", err)
		return
	}
	writeJSON(w, http.StatusOK, prescription)
}

func (h *Handler) handlePrescriptionStatus(w http.ResponseWriter, r *http.Request) {
	var req prescriptionStatusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	prescription, report, err := h.pharmacy.UpdateStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		h.fail(w, r, "handlePrescriptionStatus", err)
		return
	}
	resp := prescriptionStatusResponse{Prescription: prescription}
	if req.Status == models.PrescriptionCompleted {
		resp.Fulfillment = &report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req receiveStockRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.UnitCost.IsNegative() {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "unit_cost must not be negative")
		return
	}
	expiry, _ := time.Parse("2006-01-02", req.ExpiryDate)
	batch, err := h.pharmacy.ReceiveStock(r.Context(), store.ReceiveStockInput{
		LocationID:  strings.TrimSpace(req.LocationID),
		MedicineID:  strings.TrimSpace(req.MedicineID),
		Quantity:    req.Quantity,
		UnitCost:    req.UnitCost,
		ExpiryDate:  expiry,
		BatchNumber: strings.TrimSpace(req.BatchNumber),
	})
	if err != nil {
		h.fail(w, r, "handleReceiveStock", err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (h *Handler) handleTransferStock(w http.ResponseWriter, r *http.Request) {
	var req transferStockRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	result, err := h.pharmacy.TransferStock(r.Context(), store.TransferStockInput{
		FromLocationID: strings.TrimSpace(req.FromLocationID),
		ToLocationID:   strings.TrimSpace(req.ToLocationID),
		MedicineID:     strings.TrimSpace(req.MedicineID),
		Quantity:       req.Quantity,
	})
	if err != nil {
		h.fail(w, r, "handleTransferStock", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListBatches(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	includeEmpty, _ := strconv.ParseBool(query.Get("include_empty"))
	batches, err := h.pharmacy.ListBatches(r.Context(), store.BatchFilter{
		LocationID:   strings.TrimSpace(query.Get("location_id")),
		MedicineID:   strings.TrimSpace(query.Get("medicine_id")),
		IncludeEmpty: includeEmpty,
	})
	if err != nil {
		h.fail(w, r, "handleListBatches", err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *Handler) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	drift, err := h.pharmacy.Reconcile(r.Context())
	if err != nil {
		h.fail(w, r, "handleReconciliation", err)
		return
	}
	if drift == nil {
		drift = []inventory.Drift{}
	}
	writeJSON(w, http.StatusOK, drift)
}

func (h *Handler) handleQueueReport(w http.ResponseWriter, r *http.Request) {
	day := h.queue.Today()
	if value := r.URL.Query().Get("date"); value != "" {
		parsed, err := time.ParseInLocation("2006-01-02", value, h.location)
		if err != nil {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}
	tickets, err := h.queue.ListTickets(r.Context(), day)
	if err != nil {
		h.fail(w, r, "handleQueueReport", err)
		return
	}
	f, err := reports.QueueWorkbook(day, tickets, h.location)
	if err != nil {
		h.fail(w, r, "handleQueueReport", err)
		return
	}
	h.writeWorkbook(w, r, f, "queue-"+day.Format("2006-01-02")+".xlsx")
}

func (h *Handler) handleStockReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batches, err := h.pharmacy.ListBatches(ctx, store.BatchFilter{})
	if err != nil {
		h.fail(w, r, "handleStockReport", err)
		return
	}
	locations, err := h.pharmacy.ListLocations(ctx)
	if err != nil {
		h.fail(w, r, "handleStockReport", err)
		return
	}
	drift, err := h.pharmacy.Reconcile(ctx)
	if err != nil {
		h.fail(w, r, "handleStockReport", err)
		return
	}
	f, err := reports.StockWorkbook(batches, locations, drift)
	if err != nil {
		h.fail(w, r, "handleStockReport", err)
		return
	}
	h.writeWorkbook(w, r, f, "stock.xlsx")
}

func (h *Handler) writeWorkbook(w http.ResponseWriter, r *http.Request, f *excelize.File, filename string) {
	defer f.Close()
	w.Header().Set("Content-Type", reports.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	if err := f.Write(w); err != nil {
		h.logger.WithFields(logrus.Fields{"module": "httpapi", "request_id": requestID(r)}).WithError(err).Error("write workbook")
	}
}

// fail maps err to a response and logs anything that is not a domain rejection.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, funcName string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"module":     "httpapi",
			"func":       funcName,
			"request_id": requestID(r),
		}).WithError(err).Error("request failed")
	}
	writeError(w, requestID(r), status, code, msg)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	if err := validate.Struct(target); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request payload"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(fields, "; ")
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrDoctorNotFound):
		return http.StatusNotFound, "doctor_not_found", "doctor not found"
	case errors.Is(err, store.ErrDoctorUnavailable):
		return http.StatusConflict, "doctor_unavailable", "doctor has no practice schedule today"
	case errors.Is(err, store.ErrQueueClosed):
		return http.StatusConflict, "queue_closed", "queue is closed"
	case errors.Is(err, store.ErrQuotaFull):
		return http.StatusConflict, "quota_full", "daily quota is full"
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusNotFound, "no_ticket", "no waiting ticket"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "current state does not allow this action"
	case errors.Is(err, store.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity", "invalid quantity"
	case errors.Is(err, store.ErrPrescriptionNotFound):
		return http.StatusNotFound, "prescription_not_found", "prescription not found"
	case errors.Is(err, store.ErrMedicineNotFound):
		return http.StatusNotFound, "medicine_not_found", "medicine not found"
	case errors.Is(err, store.ErrLocationNotFound):
		return http.StatusNotFound, "location_not_found", "location not found"
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock", "insufficient stock"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
