package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"simrs/internal/models"
	"simrs/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var testDay = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestTakeTicketConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctorID := seedDoctor(t, ctx, pool, "A")
	seedQuota(t, ctx, pool, doctorID, 20, models.QuotaOpen)

	const n = 20
	var wg sync.WaitGroup
	results := make(chan takeResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: doctorID, Date: testDay})
			results <- takeResult{number: result.Ticket.QueueNumber, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var numbers []int
	for result := range results {
		if result.err != nil {
			t.Fatalf("take ticket error: %v", result.err)
		}
		numbers = append(numbers, result.number)
	}
	sort.Ints(numbers)
	for i, number := range numbers {
		if number != i+1 {
			t.Fatalf("expected queue numbers 1..%d, got %v", n, numbers)
		}
	}

	_, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: doctorID, Date: testDay})
	if !errors.Is(err, store.ErrQuotaFull) {
		t.Fatalf("expected ErrQuotaFull, got %v", err)
	}
	quota, err := st.GetQuota(ctx, doctorID, testDay)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota.CurrentCount != n {
		t.Fatalf("expected current_count %d, got %d", n, quota.CurrentCount)
	}
}

func TestTakeTicketRejections(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctorID := seedDoctor(t, ctx, pool, "B")
	if _, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: doctorID, Date: testDay}); !errors.Is(err, store.ErrDoctorUnavailable) {
		t.Fatalf("expected ErrDoctorUnavailable, got %v", err)
	}
	seedQuota(t, ctx, pool, doctorID, 5, models.QuotaClosed)
	if _, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: doctorID, Date: testDay}); !errors.Is(err, store.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if _, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: uuid.NewString(), Date: testDay}); !errors.Is(err, store.ErrDoctorUnavailable) {
		t.Fatalf("expected ErrDoctorUnavailable for unknown doctor, got %v", err)
	}
}

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctorID := seedDoctor(t, ctx, pool, "C")
	seedQuota(t, ctx, pool, doctorID, 10, models.QuotaOpen)
	base := testDay.Add(8 * time.Hour)
	for i := 0; i < 2; i++ {
		if _, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: doctorID, Date: testDay, CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("take ticket: %v", err)
		}
	}

	var wg sync.WaitGroup
	results := make(chan callResult, 2)
	for _, counter := range []string{"Loket 1", "Loket 2"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			ticket, err := st.CallNext(ctx, store.CallNextInput{CounterName: name, Date: testDay})
			results <- callResult{ticketID: ticket.TicketID, err: err}
		}(counter)
	}
	wg.Wait()
	close(results)

	var ids []string
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		ids = append(ids, result.ticketID)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected distinct tickets, got %v", ids)
	}

	if _, err := st.CallNext(ctx, store.CallNextInput{CounterName: "Loket 1", Date: testDay}); !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("expected ErrNoTicket, got %v", err)
	}
}

func TestTicketHistoryChain(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctorID := seedDoctor(t, ctx, pool, "D")
	seedQuota(t, ctx, pool, doctorID, 10, models.QuotaOpen)
	taken, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: doctorID, Date: testDay})
	if err != nil {
		t.Fatalf("take ticket: %v", err)
	}
	if _, err := st.SkipTicket(ctx, store.TicketActionInput{TicketID: taken.Ticket.TicketID}); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if _, err := st.RecallTicket(ctx, store.TicketActionInput{TicketID: taken.Ticket.TicketID, CounterName: "Loket 3"}); err != nil {
		t.Fatalf("recall: %v", err)
	}

	events, err := st.ListTicketEvents(ctx, taken.Ticket.TicketID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	rebuilt, err := store.RehydrateTicket(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if rebuilt.Status != models.StatusCalled || rebuilt.CounterName == nil || *rebuilt.CounterName != "Loket 3" {
		t.Fatalf("unexpected rehydrated ticket: %+v", rebuilt)
	}
}

func TestFulfillmentFIFO(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	locationID := seedLocation(t, ctx, pool, "Apotek Utama", models.LocationPharmacy)
	medicineID := seedMedicine(t, ctx, pool, "Paracetamol", 0)
	receive(t, ctx, st, locationID, medicineID, 5, 20, testDay.AddDate(0, 0, 5))
	receive(t, ctx, st, locationID, medicineID, 5, 10, testDay.AddDate(0, 0, 1))

	prescription, err := st.CreatePrescription(ctx, store.CreatePrescriptionInput{
		PatientName: "Budi",
		Items:       []store.PrescriptionItemInput{{MedicineID: medicineID, Quantity: 7}},
	})
	if err != nil {
		t.Fatalf("create prescription: %v", err)
	}

	updated, report, err := st.UpdatePrescriptionStatus(ctx, store.PrescriptionStatusInput{
		PrescriptionID:   prescription.PrescriptionID,
		Status:           models.PrescriptionCompleted,
		PharmacyLocation: "Apotek Utama",
	})
	if err != nil {
		t.Fatalf("complete prescription: %v", err)
	}
	if report.Partial() {
		t.Fatalf("expected full fulfillment: %+v", report)
	}
	price := updated.Items[0].ActualPrice
	if price == nil || !price.Equal(decimal.RequireFromString("12.86")) {
		t.Fatalf("expected actual price 12.86, got %v", price)
	}

	batches, err := st.ListBatches(ctx, store.BatchFilter{LocationID: locationID, MedicineID: medicineID, IncludeEmpty: true})
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 2 || batches[0].Quantity != 0 || batches[1].Quantity != 3 {
		t.Fatalf("unexpected batches after fulfillment: %+v", batches)
	}

	var legacy int
	if err := pool.QueryRow(ctx, `SELECT stock FROM medicines WHERE medicine_id = $1`, medicineID).Scan(&legacy); err != nil {
		t.Fatalf("read legacy stock: %v", err)
	}
	if legacy != 3 {
		t.Fatalf("expected legacy stock 3, got %d", legacy)
	}

	_, _, err = st.UpdatePrescriptionStatus(ctx, store.PrescriptionStatusInput{
		PrescriptionID:   prescription.PrescriptionID,
		Status:           models.PrescriptionCompleted,
		PharmacyLocation: "Apotek Utama",
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second completion, got %v", err)
	}
}

func TestStrictFulfillmentRollsBack(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	locationID := seedLocation(t, ctx, pool, "Apotek Utama", models.LocationPharmacy)
	medicineID := seedMedicine(t, ctx, pool, "Amoxicillin", 0)
	receive(t, ctx, st, locationID, medicineID, 2, 10, testDay.AddDate(0, 1, 0))

	prescription, err := st.CreatePrescription(ctx, store.CreatePrescriptionInput{
		PatientName: "Siti",
		Items:       []store.PrescriptionItemInput{{MedicineID: medicineID, Quantity: 5}},
	})
	if err != nil {
		t.Fatalf("create prescription: %v", err)
	}
	_, _, err = st.UpdatePrescriptionStatus(ctx, store.PrescriptionStatusInput{
		PrescriptionID:   prescription.PrescriptionID,
		Status:           models.PrescriptionCompleted,
		PharmacyLocation: "Apotek Utama",
		Strict:           true,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	batches, err := st.ListBatches(ctx, store.BatchFilter{MedicineID: medicineID})
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 1 || batches[0].Quantity != 2 {
		t.Fatalf("expected untouched batch, got %+v", batches)
	}
	current, err := st.GetPrescription(ctx, prescription.PrescriptionID)
	if err != nil {
		t.Fatalf("get prescription: %v", err)
	}
	if current.Status != models.PrescriptionPending {
		t.Fatalf("expected PENDING after rollback, got %s", current.Status)
	}
}

func TestLowStockOrders(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	locationID := seedLocation(t, ctx, pool, "Gudang", models.LocationWarehouse)
	medicineID := seedMedicine(t, ctx, pool, "Cetirizine", 10)
	receive(t, ctx, st, locationID, medicineID, 4, 5, testDay.AddDate(1, 0, 0))

	seq := 0
	input := store.LowStockInput{Multiplier: 2, NewPONumber: func() string {
		seq++
		return "PO-TEST-" + string(rune('0'+seq))
	}}
	orders, err := st.CreateLowStockOrders(ctx, input)
	if err != nil {
		t.Fatalf("create orders: %v", err)
	}
	if len(orders) != 1 || orders[0].Quantity != 16 || orders[0].OnHand != 4 {
		t.Fatalf("unexpected orders: %+v", orders)
	}

	orders, err = st.CreateLowStockOrders(ctx, input)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no duplicate order, got %+v", orders)
	}
}

type takeResult struct {
	number int
	err    error
}

type callResult struct {
	ticketID string
	err      error
}

func TestSkipWaitingTicketThenRecall(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctorID := seedDoctor(t, ctx, pool, "A")
	seedQuota(t, ctx, pool, doctorID, 2, models.QuotaOpen)
	base := testDay.Add(8 * time.Hour)

	t1, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: doctorID, Date: testDay, CreatedAt: base})
	if err != nil {
		t.Fatalf("take first: %v", err)
	}
	t2, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: doctorID, Date: testDay, CreatedAt: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("take second: %v", err)
	}
	if t1.Ticket.QueueCode != "A-001" || t2.Ticket.QueueCode != "A-002" {
		t.Fatalf("unexpected codes %s %s", t1.Ticket.QueueCode, t2.Ticket.QueueCode)
	}
	if _, err := st.TakeTicket(ctx, store.TakeTicketInput{DoctorID: doctorID, Date: testDay}); !errors.Is(err, store.ErrQuotaFull) {
		t.Fatalf("expected ErrQuotaFull, got %v", err)
	}

	called, err := st.CallNext(ctx, store.CallNextInput{CounterName: "Loket 1", Date: testDay})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.TicketID != t1.Ticket.TicketID {
		t.Fatalf("expected first ticket called, got %s", called.QueueCode)
	}

	skipped, err := st.SkipTicket(ctx, store.TicketActionInput{TicketID: t2.Ticket.TicketID})
	if err != nil {
		t.Fatalf("skip waiting ticket: %v", err)
	}
	if skipped.Status != models.StatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", skipped.Status)
	}
	recalled, err := st.RecallTicket(ctx, store.TicketActionInput{TicketID: t2.Ticket.TicketID, CounterName: "Loket 1"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if recalled.Status != models.StatusCalled {
		t.Fatalf("expected CALLED, got %s", recalled.Status)
	}

	for _, id := range []string{t1.Ticket.TicketID, t2.Ticket.TicketID} {
		for i := 0; i < 2; i++ {
			served, err := st.CompleteTicket(ctx, store.TicketActionInput{TicketID: id})
			if err != nil {
				t.Fatalf("complete #%d: %v", i+1, err)
			}
			if served.Status != models.StatusServed {
				t.Fatalf("expected SERVED after complete #%d, got %s", i+1, served.Status)
			}
		}
	}

	quota, err := st.GetQuota(ctx, doctorID, testDay)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota.CurrentCount != 2 {
		t.Fatalf("expected current_count 2, got %d", quota.CurrentCount)
	}
}

func TestUpsertQuotaConcurrentToggle(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	doctorID := seedDoctor(t, ctx, pool, "E")

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n+1)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := models.QuotaOpen
			if i%2 == 1 {
				status = models.QuotaClosed
			}
			_, err := st.UpsertQuota(ctx, store.QuotaInput{DoctorID: doctorID, Date: testDay, Status: status, DefaultMax: 30})
			errs <- err
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := st.GenerateQuotas(ctx, store.GenerateQuotasInput{Date: testDay, MaxQuota: 30})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent toggle: %v", err)
		}
	}

	var rows int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM daily_quotas WHERE doctor_id = $1`, doctorID).Scan(&rows); err != nil {
		t.Fatalf("count quotas: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected a single quota row, got %d", rows)
	}
	quota, err := st.GetQuota(ctx, doctorID, testDay)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if quota.MaxQuota != 30 || quota.CurrentCount != 0 {
		t.Fatalf("unexpected quota after toggles: %+v", quota)
	}
}

func TestSaveMasterDataKeepsStock(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	if _, err := st.SavePoliklinik(ctx, models.Poliklinik{PoliID: "poli-umum", Name: "Poli Umum", QueueCode: "A"}); err != nil {
		t.Fatalf("save poliklinik: %v", err)
	}
	if _, err := st.SaveDoctor(ctx, models.Doctor{DoctorID: "dr-andi", PoliID: "poli-umum", Name: "dr. Andi", Active: true}); err != nil {
		t.Fatalf("save doctor: %v", err)
	}
	pharmacy, err := st.SaveLocation(ctx, models.Location{LocationID: "loc-apotek", Name: "Apotek Utama", Kind: models.LocationPharmacy})
	if err != nil {
		t.Fatalf("save location: %v", err)
	}
	medicine, err := st.SaveMedicine(ctx, models.Medicine{MedicineID: "med-para", Name: "Paracetamol", Unit: "tablet", MinStock: 10})
	if err != nil {
		t.Fatalf("save medicine: %v", err)
	}
	receive(t, ctx, st, pharmacy.LocationID, medicine.MedicineID, 12, 100, testDay.AddDate(1, 0, 0))

	again, err := st.SaveMedicine(ctx, models.Medicine{MedicineID: "med-para", Name: "Paracetamol 500 mg", Unit: "tablet", MinStock: 20})
	if err != nil {
		t.Fatalf("save medicine again: %v", err)
	}
	if again.Stock != 12 || again.MinStock != 20 {
		t.Fatalf("expected stock kept at 12 and min_stock 20, got %+v", again)
	}
	if _, err := st.SaveDoctor(ctx, models.Doctor{DoctorID: "dr-andi", PoliID: "poli-umum", Name: "dr. Andi", Active: false}); err != nil {
		t.Fatalf("save doctor again: %v", err)
	}
	doctor, err := st.GetDoctor(ctx, "dr-andi")
	if err != nil {
		t.Fatalf("get doctor: %v", err)
	}
	if doctor.Active {
		t.Fatalf("expected doctor deactivated, got %+v", doctor)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedDoctor(t *testing.T, ctx context.Context, pool *pgxpool.Pool, queueCode string) string {
	t.Helper()
	poliID := uuid.NewString()
	doctorID := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO polikliniks (poli_id, name, queue_code) VALUES ($1, 'Poli Umum', $2)
	`, poliID, queueCode); err != nil {
		t.Fatalf("insert poliklinik: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO doctors (doctor_id, poli_id, name, active) VALUES ($1, $2, 'dr. Andi', true)
	`, doctorID, poliID); err != nil {
		t.Fatalf("insert doctor: %v", err)
	}
	return doctorID
}

func seedQuota(t *testing.T, ctx context.Context, pool *pgxpool.Pool, doctorID string, maxQuota int, status string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		INSERT INTO daily_quotas (quota_id, doctor_id, quota_date, status, max_quota, current_count)
		VALUES ($1, $2, $3::date, $4, $5, 0)
	`, uuid.NewString(), doctorID, dateParam(testDay), status, maxQuota); err != nil {
		t.Fatalf("insert quota: %v", err)
	}
}

func seedLocation(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name, kind string) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO locations (location_id, name, kind) VALUES ($1, $2, $3)`, id, name, kind); err != nil {
		t.Fatalf("insert location: %v", err)
	}
	return id
}

func seedMedicine(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name string, minStock int) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO medicines (medicine_id, name, unit, stock, min_stock) VALUES ($1, $2, 'tablet', 0, $3)
	`, id, name, minStock); err != nil {
		t.Fatalf("insert medicine: %v", err)
	}
	return id
}

func receive(t *testing.T, ctx context.Context, st *Store, locationID, medicineID string, qty int, cost int64, expiry time.Time) {
	t.Helper()
	if _, err := st.ReceiveStock(ctx, store.ReceiveStockInput{
		LocationID: locationID,
		MedicineID: medicineID,
		Quantity:   qty,
		UnitCost:   decimal.NewFromInt(cost),
		ExpiryDate: expiry,
		ReceivedAt: testDay,
	}); err != nil {
		t.Fatalf("receive stock: %v", err)
	}
}
