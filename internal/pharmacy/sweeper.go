package pharmacy

import (
	"context"
	"errors"
	"strconv"
	"time"

	"simrs/internal/inventory"
	"simrs/internal/models"
	"simrs/internal/notify"
	"simrs/internal/store"

	"github.com/bsm/redislock"
	"github.com/bwmarrin/snowflake"
	"github.com/sirupsen/logrus"
)

const (
	sweepLockKey = "simrs:low-stock-sweep"

	purchaseOrderSubject  = "Purchase order {po_number}"
	purchaseOrderTemplate = "Purchase order {po_number} opened for {item_name}: order {quantity}, on hand {on_hand}. {reason}"
)

type SweeperOptions struct {
	Multiplier int
	Recipient  string
	LockTTL    time.Duration
	Now        func() time.Time
}

// Sweeper opens purchase orders for medicines below their minimum stock. With a
// locker, only one instance sweeps per interval.
type Sweeper struct {
	store      store.InventoryStore
	node       *snowflake.Node
	locker     *redislock.Client
	notifier   notify.Provider
	logger     logrus.FieldLogger
	multiplier int
	recipient  string
	lockTTL    time.Duration
	now        func() time.Time
}

type SweepResult struct {
	Orders  []models.PurchaseOrder `json:"orders"`
	Drift   []inventory.Drift      `json:"drift"`
	Skipped bool                   `json:"skipped"`
}

func NewSweeper(st store.InventoryStore, node *snowflake.Node, locker *redislock.Client, notifier notify.Provider, logger logrus.FieldLogger, options SweeperOptions) *Sweeper {
	multiplier := options.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	lockTTL := options.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:      st,
		node:       node,
		locker:     locker,
		notifier:   notifier,
		logger:     logger,
		multiplier: multiplier,
		recipient:  options.Recipient,
		lockTTL:    lockTTL,
		now:        now,
	}
}

func (s *Sweeper) Run(ctx context.Context) (SweepResult, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, sweepLockKey, s.lockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.logger.WithField("module", "sweeper").Debug("sweep running elsewhere")
			return SweepResult{Skipped: true}, nil
		}
		if err != nil {
			return SweepResult{}, err
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				s.logger.WithField("module", "sweeper").WithError(err).Warn("release sweep lock")
			}
		}()
	}

	orders, err := s.store.CreateLowStockOrders(ctx, store.LowStockInput{
		Multiplier:  s.multiplier,
		NewPONumber: s.poNumber,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return SweepResult{}, err
	}
	for _, order := range orders {
		s.announce(ctx, order)
	}

	ledgers, err := s.store.StockLedger(ctx)
	if err != nil {
		return SweepResult{Orders: orders}, err
	}
	drift := inventory.Reconcile(ledgers)
	for _, d := range drift {
		s.logger.WithFields(logrus.Fields{
			"module":       "sweeper",
			"medicine_id":  d.MedicineID,
			"legacy_stock": d.LegacyStock,
			"batch_total":  d.BatchTotal,
			"drift":        d.Drift,
		}).Warn("stock ledger drift")
	}
	return SweepResult{Orders: orders, Drift: drift}, nil
}

func (s *Sweeper) poNumber() string {
	return "PO-" + s.node.Generate().String()
}

func (s *Sweeper) announce(ctx context.Context, order models.PurchaseOrder) {
	values := map[string]string{
		"po_number": order.PONumber,
		"item_name": order.ItemName,
		"quantity":  strconv.Itoa(order.Quantity),
		"on_hand":   strconv.Itoa(order.OnHand),
		"reason":    order.Reason,
	}
	log := s.logger.WithFields(logrus.Fields{
		"module":      "sweeper",
		"po_number":   order.PONumber,
		"medicine_id": order.MedicineID,
		"quantity":    order.Quantity,
	})
	log.Info("purchase order opened")
	if s.notifier == nil {
		return
	}
	subject := notify.RenderTemplate(purchaseOrderSubject, values)
	message := notify.RenderTemplate(purchaseOrderTemplate, values)
	if err := s.notifier.Send(ctx, subject, message, s.recipient); err != nil {
		log.WithError(err).Warn("purchase order notification failed")
	}
}
