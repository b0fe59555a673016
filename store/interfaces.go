package store

import (
	"context"
	"time"
)

// CustomerStore defines persistence operations for customers.
type CustomerStore interface {
	Create(ctx context.Context, c *Customer) error
	Get(ctx context.Context, id string) (*Customer, error)
	GetByToken(ctx context.Context, token string) (*Customer, error)
	Update(ctx context.Context, c *Customer) error
	Delete(ctx context.Context, id string) error
}

// WatchFunc is invoked whenever a watched record set changes. It receives a
// context derived from the watch registration.
type WatchFunc func(ctx context.Context)

// DeliveryStatusStore defines persistence operations for delivery-status
// records, including the push-based change subscription used by live
// tracking pages.
type DeliveryStatusStore interface {
	Create(ctx context.Context, d *DeliveryStatus) error
	Get(ctx context.Context, id string) (*DeliveryStatus, error)
	// ListByToken returns every record whose trackingToken matches exactly,
	// newest first. Expiry filtering is the caller's concern.
	ListByToken(ctx context.Context, token string) ([]*DeliveryStatus, error)
	// TokenExists reports whether any record carries the given token.
	TokenExists(ctx context.Context, token string) (bool, error)
	Update(ctx context.Context, id string, p DeliveryStatusPatch) error
	Delete(ctx context.Context, id string) error
	// WatchToken registers fn to run after every write touching records
	// with the given token. The returned stop func releases the watch.
	WatchToken(ctx context.Context, token string, fn WatchFunc) (stop func(), err error)
	// DeleteExpiredBefore removes records whose expiresAt is at or before
	// cutoff and returns how many were removed.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// SubscriptionFilter specifies optional conjunctive equality filters for
// listing subscriptions.
type SubscriptionFilter struct {
	Status     SubscriptionStatus
	PlanType   PlanType
	CustomerID string
}

// SubscriptionStore defines persistence operations for subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	// List returns subscriptions matching the filter, createdAt descending.
	List(ctx context.Context, f SubscriptionFilter) ([]*Subscription, error)
	Update(ctx context.Context, id string, p SubscriptionPatch) error
	Delete(ctx context.Context, id string) error
	// LinkPayment applies the patch and appends the payment link row as a
	// single atomic write.
	LinkPayment(ctx context.Context, id string, p SubscriptionPatch, link *SubscriptionPayment) error
	// DueForRenewal returns active subscriptions whose nextBillingDate is
	// at or before the cutoff.
	DueForRenewal(ctx context.Context, cutoff time.Time) ([]*Subscription, error)
}

// SubscriptionPaymentStore defines read operations over the immutable
// subscription-payment join rows. Rows are written through
// SubscriptionStore.LinkPayment.
type SubscriptionPaymentStore interface {
	// ListBySubscription returns the join rows for a subscription ordered
	// by link date descending.
	ListBySubscription(ctx context.Context, subscriptionID string) ([]*SubscriptionPayment, error)
}

// PaymentHistoryStore defines persistence operations for payment-history
// items, keyed by store id and indexed by payment-intent id.
type PaymentHistoryStore interface {
	Create(ctx context.Context, p *PaymentHistoryItem) error
	Get(ctx context.Context, id string) (*PaymentHistoryItem, error)
	GetByIntent(ctx context.Context, intentID string) (*PaymentHistoryItem, error)
	// GetByIntentBatch resolves many intent ids in one round trip. Missing
	// intents are skipped, preserving input order for those found.
	GetByIntentBatch(ctx context.Context, intentIDs []string) ([]*PaymentHistoryItem, error)
	// UpdateStatus sets the status of the item with the given intent id.
	UpdateStatus(ctx context.Context, intentID, status string) error
}
