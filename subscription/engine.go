// Package subscription owns the meal-subscription lifecycle: the
// pending/active/paused/canceled/expired state machine, the derived billing
// schedule, the linkage between subscriptions and payment records, and the
// analytics aggregates the admin portal shows.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tiffinbox/tiffinbox/metrics"
	"github.com/tiffinbox/tiffinbox/notify"
	"github.com/tiffinbox/tiffinbox/store"
)

// Metadata keys written by the lifecycle operations. Metadata accumulates:
// a pause followed by a cancel keeps the pause's resumeDate entry.
const (
	metaResumeDate         = "resumeDate"
	metaResumedAt          = "resumedAt"
	metaCancellationReason = "cancellationReason"
)

// Engine is the subscription engine. All dependencies are injected; there
// is no package-level state.
type Engine struct {
	subs      store.SubscriptionStore
	links     store.SubscriptionPaymentStore
	payments  store.PaymentHistoryStore
	notifier  notify.Notifier
	logger    *slog.Logger
	collector *metrics.Collector
	now       func() time.Time
}

// New creates a subscription Engine on the given stores.
func New(subs store.SubscriptionStore, links store.SubscriptionPaymentStore, payments store.PaymentHistoryStore, notifier notify.Notifier, logger *slog.Logger, collector *metrics.Collector) *Engine {
	return &Engine{
		subs:      subs,
		links:     links,
		payments:  payments,
		notifier:  notifier,
		logger:    logger,
		collector: collector,
		now:       time.Now,
	}
}

// SetNowFunc overrides the engine's clock (useful for testing).
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// Add persists a new subscription, stamping createdAt and updatedAt. The
// caller supplies amount in minor units and a valid plan type; the engine
// performs no further field validation.
func (e *Engine) Add(ctx context.Context, sub *store.Subscription) (string, error) {
	now := e.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = store.SubscriptionPending
	}
	if err := e.subs.Create(ctx, sub); err != nil {
		return "", fmt.Errorf("subscription: add: %w", err)
	}
	return sub.ID, nil
}

// Get returns the subscription with the given id.
func (e *Engine) Get(ctx context.Context, id string) (*store.Subscription, error) {
	sub, err := e.subs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("subscription: get %s: %w", id, err)
	}
	return sub, nil
}

// List returns subscriptions newest first, narrowed by the optional
// conjunctive equality filters.
func (e *Engine) List(ctx context.Context, f store.SubscriptionFilter) ([]*store.Subscription, error) {
	subs, err := e.subs.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("subscription: list: %w", err)
	}
	return subs, nil
}

// Update applies a partial patch, always stamping updatedAt. A status
// change is validated against the lifecycle transition table and rejected
// with an IllegalTransitionError when the move is not allowed.
func (e *Engine) Update(ctx context.Context, id string, p store.SubscriptionPatch) error {
	if p.Status != nil {
		current, err := e.subs.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("subscription: load %s: %w", id, err)
		}
		if !store.CanTransitionSubscription(current.Status, *p.Status) {
			return &store.IllegalTransitionError{
				Entity: "subscription",
				From:   string(current.Status),
				To:     string(*p.Status),
			}
		}
	}
	now := e.now()
	p.UpdatedAt = &now
	if err := e.subs.Update(ctx, id, p); err != nil {
		return fmt.Errorf("subscription: update %s: %w", id, err)
	}
	return nil
}

// Cancel moves the subscription to canceled, recording the reason in
// metadata when given. Canceling an already-canceled subscription is a
// no-op success.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	current, err := e.subs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("subscription: load %s: %w", id, err)
	}
	if current.Status == store.SubscriptionCanceled {
		return nil
	}
	status := store.SubscriptionCanceled
	p := store.SubscriptionPatch{Status: &status}
	if reason != "" {
		p.MergeMetadata = map[string]string{metaCancellationReason: reason}
	}
	return e.Update(ctx, id, p)
}

// Pause moves an active subscription to paused, recording the intended
// resume date in metadata when given. No scheduler acts on the resume
// date; it is informational until Resume is called. Pausing an
// already-paused subscription is a no-op success.
func (e *Engine) Pause(ctx context.Context, id string, resumeAt *time.Time) error {
	current, err := e.subs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("subscription: load %s: %w", id, err)
	}
	if current.Status == store.SubscriptionPaused {
		return nil
	}
	status := store.SubscriptionPaused
	p := store.SubscriptionPatch{Status: &status}
	if resumeAt != nil {
		p.MergeMetadata = map[string]string{metaResumeDate: resumeAt.UTC().Format(time.RFC3339)}
	}
	return e.Update(ctx, id, p)
}

// Resume moves a paused subscription back to active, recording the resume
// instant in metadata. Resuming an already-active subscription is a no-op
// success.
func (e *Engine) Resume(ctx context.Context, id string) error {
	current, err := e.subs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("subscription: load %s: %w", id, err)
	}
	if current.Status == store.SubscriptionActive {
		return nil
	}
	status := store.SubscriptionActive
	return e.Update(ctx, id, store.SubscriptionPatch{
		Status:        &status,
		MergeMetadata: map[string]string{metaResumedAt: e.now().UTC().Format(time.RFC3339)},
	})
}

// Delete removes the subscription and its payment links outright. This is
// an administrative escape hatch that bypasses the lifecycle entirely.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.subs.Delete(ctx, id); err != nil {
		return fmt.Errorf("subscription: delete %s: %w", id, err)
	}
	return nil
}

// LinkPayment records a successful charge against the subscription: it
// stores the payment id, advances nextBillingDate to exactly one calendar
// month from now, and appends the payment-link row. The billing cadence is
// monthly regardless of the subscription's frequency. Both writes are
// applied atomically by the store.
func (e *Engine) LinkPayment(ctx context.Context, id, paymentID string) error {
	now := e.now()
	next := now.AddDate(0, 1, 0)
	p := store.SubscriptionPatch{
		LastPaymentID:   &paymentID,
		NextBillingDate: &next,
		UpdatedAt:       &now,
	}
	link := &store.SubscriptionPayment{
		SubscriptionID: id,
		PaymentID:      paymentID,
		Date:           now,
	}
	if err := e.subs.LinkPayment(ctx, id, p, link); err != nil {
		return fmt.Errorf("subscription: link payment %s: %w", id, err)
	}
	return nil
}

// Renew records a renewal charge: like LinkPayment, but the subscription is
// forced back to active and the link row is tagged as a renewal. Returns a
// not-found error when the subscription does not exist.
func (e *Engine) Renew(ctx context.Context, id, paymentIntentID string) error {
	if _, err := e.subs.Get(ctx, id); err != nil {
		return fmt.Errorf("subscription: renew %s: %w", id, err)
	}
	now := e.now()
	next := now.AddDate(0, 1, 0)
	status := store.SubscriptionActive
	p := store.SubscriptionPatch{
		Status:          &status,
		LastPaymentID:   &paymentIntentID,
		NextBillingDate: &next,
		UpdatedAt:       &now,
	}
	link := &store.SubscriptionPayment{
		SubscriptionID: id,
		PaymentID:      paymentIntentID,
		Date:           now,
		Type:           store.PaymentTypeRenewal,
	}
	if err := e.subs.LinkPayment(ctx, id, p, link); err != nil {
		return fmt.Errorf("subscription: renew %s: %w", id, err)
	}
	return nil
}

// PaymentHistory returns the payment-history items linked to the
// subscription, ordered by link date descending. Link rows whose target
// payment is missing are skipped. The lookups are batched into a single
// multi-get.
func (e *Engine) PaymentHistory(ctx context.Context, id string) ([]*store.PaymentHistoryItem, error) {
	linkRows, err := e.links.ListBySubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("subscription: payment links %s: %w", id, err)
	}
	intentIDs := make([]string, 0, len(linkRows))
	for _, l := range linkRows {
		intentIDs = append(intentIDs, l.PaymentID)
	}
	items, err := e.payments.GetByIntentBatch(ctx, intentIDs)
	if err != nil {
		return nil, fmt.Errorf("subscription: payment history %s: %w", id, err)
	}
	return items, nil
}

// Analytics summarizes the whole subscriptions collection.
type Analytics struct {
	TotalSubscriptions    int   `json:"totalSubscriptions"`
	ActiveSubscriptions   int   `json:"activeSubscriptions"`
	PausedSubscriptions   int   `json:"pausedSubscriptions"`
	CanceledSubscriptions int   `json:"canceledSubscriptions"`
	TotalRevenue          int64 `json:"totalRevenue"` // minor units
	VegPlans              int   `json:"vegPlans"`
	NonVegPlans           int   `json:"nonVegPlans"`
}

// Analytics loads every subscription and computes the aggregates by linear
// scan. Cost is O(n) in total subscription count per call.
func (e *Engine) Analytics(ctx context.Context) (*Analytics, error) {
	subs, err := e.subs.List(ctx, store.SubscriptionFilter{})
	if err != nil {
		return nil, fmt.Errorf("subscription: analytics: %w", err)
	}
	a := &Analytics{TotalSubscriptions: len(subs)}
	for _, sub := range subs {
		switch sub.Status {
		case store.SubscriptionActive:
			a.ActiveSubscriptions++
		case store.SubscriptionPaused:
			a.PausedSubscriptions++
		case store.SubscriptionCanceled:
			a.CanceledSubscriptions++
		}
		switch sub.PlanType {
		case store.PlanVeg:
			a.VegPlans++
		case store.PlanNonVeg:
			a.NonVegPlans++
		}
		a.TotalRevenue += sub.Amount
	}
	return a, nil
}

// DueForRenewal returns active subscriptions whose nextBillingDate falls
// within the next daysThreshold days.
func (e *Engine) DueForRenewal(ctx context.Context, daysThreshold int) ([]*store.Subscription, error) {
	if daysThreshold <= 0 {
		daysThreshold = 3
	}
	cutoff := e.now().AddDate(0, 0, daysThreshold)
	subs, err := e.subs.DueForRenewal(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("subscription: due for renewal: %w", err)
	}
	return subs, nil
}
