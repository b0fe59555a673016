// Package tracking owns creation, mutation, and token-based retrieval of
// delivery-status records: it generates tracking tokens and order ids,
// computes arrival estimates, enforces the forward-only delivery state
// machine, hides expired records from lookup, and triggers customer
// notifications on status changes.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tiffinbox/tiffinbox/metrics"
	"github.com/tiffinbox/tiffinbox/notify"
	"github.com/tiffinbox/tiffinbox/store"
)

// Lifetime of a delivery-status record: past this horizon the record is
// invisible to token lookup.
const recordTTL = 48 * time.Hour

// maxTokenAttempts bounds the generate-and-retry loop for token allocation.
const maxTokenAttempts = 5

// Initial field values for a freshly created delivery-status record.
const (
	initialPartner  = "unassigned"
	initialLocation = "Kitchen - Being Prepared"
)

// Engine is the delivery-tracking engine. All dependencies are injected;
// there is no package-level state.
type Engine struct {
	deliveries store.DeliveryStatusStore
	customers  store.CustomerStore
	notifier   notify.Notifier
	logger     *slog.Logger
	collector  *metrics.Collector
	now        func() time.Time
}

// New creates a tracking Engine on the given stores.
func New(deliveries store.DeliveryStatusStore, customers store.CustomerStore, notifier notify.Notifier, logger *slog.Logger, collector *metrics.Collector) *Engine {
	return &Engine{
		deliveries: deliveries,
		customers:  customers,
		notifier:   notifier,
		logger:     logger,
		collector:  collector,
		now:        time.Now,
	}
}

// SetNowFunc overrides the engine's clock (useful for testing).
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// CreateRequest carries a new order into the tracking engine.
type CreateRequest struct {
	// Customer is the order's customer payload; the engine assigns the
	// tracking token and order date before persisting it.
	Customer *store.Customer
	// DeliverySlot is the requested HH:MM slot; when empty the customer's
	// own slot is used.
	DeliverySlot string
	// DailyPrice is the per-day price in minor units, carried into the
	// confirmation notification.
	DailyPrice int64
}

// CreateResult is what Create returns to the caller.
type CreateResult struct {
	ID               string `json:"id"`
	TrackingToken    string `json:"trackingToken"`
	OrderID          string `json:"orderId"`
	EstimatedArrival string `json:"estimatedArrival"`
}

// Create allocates a unique tracking token, persists the customer and the
// initial delivery-status record, and sends the confirmation notification.
// The notification is fire-and-forget: its failure is logged and never
// rolls back the already-persisted records.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Customer == nil {
		return nil, fmt.Errorf("tracking: create: customer payload required")
	}
	slot := req.DeliverySlot
	if slot == "" {
		slot = req.Customer.DeliverySlot
	}

	now := e.now()
	eta, err := EstimateArrival(slot, now)
	if err != nil {
		return nil, err
	}

	token, err := e.uniqueToken(ctx)
	if err != nil {
		return nil, err
	}

	cust := *req.Customer
	cust.TrackingToken = token
	cust.DeliverySlot = slot
	cust.OrderDate = now
	if err := e.customers.Create(ctx, &cust); err != nil {
		return nil, fmt.Errorf("tracking: persist customer: %w", err)
	}

	d := &store.DeliveryStatus{
		CustomerID:       cust.ID,
		CustomerName:     cust.Name,
		OrderID:          OrderID(now),
		TrackingToken:    token,
		Status:           store.DeliveryPrepared,
		AssignedPartner:  initialPartner,
		CurrentLocation:  initialLocation,
		EstimatedArrival: eta,
		LastUpdated:      now,
		ExpiresAt:        now.Add(recordTTL),
		CreatedAt:        now,
	}
	if err := e.deliveries.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("tracking: persist delivery status: %w", err)
	}
	e.collector.DeliveriesCreated.Inc()

	e.send(ctx, notify.Message{
		Template: notify.TemplateSubscriptionConfirmation,
		To:       cust.Email,
		Data: map[string]any{
			"customerName":    cust.Name,
			"customerEmail":   cust.Email,
			"trackingToken":   token,
			"planType":        cust.PlanType,
			"deliverySlot":    slot,
			"orderId":         d.OrderID,
			"dailyPrice":      req.DailyPrice,
			"studentDiscount": cust.StudentStatus,
		},
	})

	return &CreateResult{
		ID:               d.ID,
		TrackingToken:    token,
		OrderID:          d.OrderID,
		EstimatedArrival: eta,
	}, nil
}

// UpdateStatus applies a partial patch to a delivery-status record,
// stamping lastUpdated regardless of which fields changed. A status change
// is validated against the forward-only state machine and, once committed,
// triggers a best-effort customer notification.
func (e *Engine) UpdateStatus(ctx context.Context, id string, p store.DeliveryStatusPatch) error {
	now := e.now()
	p.LastUpdated = &now

	var current *store.DeliveryStatus
	if p.Status != nil {
		var err error
		current, err = e.deliveries.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("tracking: load delivery status: %w", err)
		}
		if !store.CanAdvanceDelivery(current.Status, *p.Status) {
			return &store.IllegalTransitionError{
				Entity: "delivery",
				From:   string(current.Status),
				To:     string(*p.Status),
			}
		}
	}

	if err := e.deliveries.Update(ctx, id, p); err != nil {
		return fmt.Errorf("tracking: update delivery status: %w", err)
	}

	if p.Status != nil && *p.Status != current.Status {
		e.collector.StatusUpdates.WithLabelValues(string(*p.Status)).Inc()
		e.notifyStatusChange(ctx, current, *p.Status)
	}
	return nil
}

// GetByToken returns the first non-expired record matching the token
// (newest first), or nil when no live record matches. The expiry filter is
// applied client-side against the engine's clock.
func (e *Engine) GetByToken(ctx context.Context, token string) (*store.DeliveryStatus, error) {
	token = normalizeToken(token)
	list, err := e.deliveries.ListByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("tracking: lookup token: %w", err)
	}
	now := e.now()
	for _, d := range list {
		if !d.Expired(now) {
			return d, nil
		}
	}
	return nil, nil
}

// WatchByToken establishes a live subscription on the token's records.
// onChange is invoked once with the current state and again after every
// store-side change, each time with the first non-expired match or nil.
// The caller owns the lifecycle and must call the returned stop func to
// release the underlying subscription.
func (e *Engine) WatchByToken(ctx context.Context, token string, onChange func(*store.DeliveryStatus)) (func(), error) {
	token = normalizeToken(token)
	stop, err := e.deliveries.WatchToken(ctx, token, func(cctx context.Context) {
		d, err := e.GetByToken(cctx, token)
		if err != nil {
			e.logger.Warn("tracking watch refresh failed", "token", token, "error", err)
			return
		}
		onChange(d)
	})
	if err != nil {
		return nil, err
	}

	e.collector.TrackingWatches.Inc()
	var once sync.Once
	wrapped := func() {
		once.Do(func() { e.collector.TrackingWatches.Dec() })
		stop()
	}

	// Initial snapshot, mirroring the push behavior on registration.
	d, err := e.GetByToken(ctx, token)
	if err != nil {
		wrapped()
		return nil, err
	}
	onChange(d)

	return wrapped, nil
}

// ExpireSweep removes records whose 48-hour horizon has passed. Records are
// already invisible to lookup by then; the sweep reclaims storage and index
// entries.
func (e *Engine) ExpireSweep(ctx context.Context) (int, error) {
	removed, err := e.deliveries.DeleteExpiredBefore(ctx, e.now())
	if err != nil {
		return removed, fmt.Errorf("tracking: expire sweep: %w", err)
	}
	if removed > 0 {
		e.collector.DeliveriesExpired.Add(float64(removed))
		e.logger.Info("expired delivery records removed", "count", removed)
	}
	return removed, nil
}

// uniqueToken draws tokens until one is unused, bounded by
// maxTokenAttempts. The customer index is checked as well: an expiry sweep
// frees a delivery record's token before its customer document goes away,
// and such tokens must stay out of circulation.
func (e *Engine) uniqueToken(ctx context.Context) (string, error) {
	for range maxTokenAttempts {
		token := NewToken()
		exists, err := e.deliveries.TokenExists(ctx, token)
		if err != nil {
			return "", fmt.Errorf("tracking: check token: %w", err)
		}
		if exists {
			continue
		}
		if _, err := e.customers.GetByToken(ctx, token); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("tracking: check token: %w", err)
		}
		return token, nil
	}
	return "", fmt.Errorf("tracking: allocate token after %d attempts: %w", maxTokenAttempts, store.ErrConflict)
}

// notifyStatusChange resolves the owning customer by tracking token and
// sends the status-update notification. Every failure on this path is
// logged and swallowed; the status update has already committed.
func (e *Engine) notifyStatusChange(ctx context.Context, d *store.DeliveryStatus, newStatus store.DeliveryState) {
	cust, err := e.customers.GetByToken(ctx, d.TrackingToken)
	if err != nil {
		e.logger.Warn("status-change notification skipped",
			"token", d.TrackingToken, "error", err)
		return
	}
	e.send(ctx, notify.Message{
		Template: notify.TemplateDeliveryStatusUpdate,
		To:       cust.Email,
		Data: map[string]any{
			"customerName":     cust.Name,
			"customerEmail":    cust.Email,
			"trackingToken":    d.TrackingToken,
			"newStatus":        newStatus,
			"estimatedArrival": d.EstimatedArrival,
		},
	})
}

func (e *Engine) send(ctx context.Context, msg notify.Message) {
	if err := e.notifier.Send(ctx, msg); err != nil {
		e.collector.NotificationsSent.WithLabelValues(msg.Template, "error").Inc()
		e.logger.Warn("notification send failed", "template", msg.Template, "to", msg.To, "error", err)
		return
	}
	e.collector.NotificationsSent.WithLabelValues(msg.Template, "sent").Inc()
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
