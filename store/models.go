package store

import (
	"time"
)

// PlanType identifies the meal plan variant for a customer or subscription.
type PlanType string

const (
	PlanVeg    PlanType = "veg"
	PlanNonVeg PlanType = "non-veg"
)

// ValidPlanTypes is the set of valid plan type values.
var ValidPlanTypes = map[PlanType]bool{
	PlanVeg:    true,
	PlanNonVeg: true,
}

// Frequency identifies how often a subscription delivers.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyMonthly Frequency = "monthly"
)

// DeliveryState represents the stage of a delivery-status record.
type DeliveryState string

const (
	DeliveryPrepared  DeliveryState = "prepared"
	DeliveryPickedUp  DeliveryState = "pickedUp"
	DeliveryOnTheWay  DeliveryState = "onTheWay"
	DeliveryDelivered DeliveryState = "delivered"
)

// deliveryRank orders delivery states along the forward-only progression.
var deliveryRank = map[DeliveryState]int{
	DeliveryPrepared:  0,
	DeliveryPickedUp:  1,
	DeliveryOnTheWay:  2,
	DeliveryDelivered: 3,
}

// ValidDeliveryState reports whether s is a known delivery state.
func ValidDeliveryState(s DeliveryState) bool {
	_, ok := deliveryRank[s]
	return ok
}

// CanAdvanceDelivery reports whether moving a delivery from one state to
// another is legal. Transitions are strictly forward; writing the current
// state again is treated as a no-op and allowed.
func CanAdvanceDelivery(from, to DeliveryState) bool {
	fr, ok := deliveryRank[from]
	if !ok {
		return false
	}
	tr, ok := deliveryRank[to]
	if !ok {
		return false
	}
	return tr >= fr
}

// SubscriptionStatus represents the lifecycle status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPending  SubscriptionStatus = "pending"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPaused   SubscriptionStatus = "paused"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

// subscriptionTransitions is the allowed lifecycle transition table.
// canceled and expired are terminal.
var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionPending: {SubscriptionActive, SubscriptionCanceled},
	SubscriptionActive:  {SubscriptionPaused, SubscriptionCanceled, SubscriptionExpired},
	SubscriptionPaused:  {SubscriptionActive, SubscriptionCanceled},
}

// ValidSubscriptionStatus reports whether s is a known subscription status.
func ValidSubscriptionStatus(s SubscriptionStatus) bool {
	switch s {
	case SubscriptionPending, SubscriptionActive, SubscriptionPaused,
		SubscriptionCanceled, SubscriptionExpired:
		return true
	}
	return false
}

// CanTransitionSubscription reports whether a subscription may move between
// the two statuses. Writing the current status again is allowed.
func CanTransitionSubscription(from, to SubscriptionStatus) bool {
	if from == to {
		return ValidSubscriptionStatus(from)
	}
	for _, next := range subscriptionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Customer is a customer record created once per order submission. The
// trackingToken ties it to exactly one DeliveryStatus record.
type Customer struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone,omitempty"`
	Address       string    `json:"address"`
	DeliverySlot  string    `json:"deliverySlot"` // HH:MM
	PlanType      PlanType  `json:"planType"`
	StudentStatus bool      `json:"studentStatus"`
	OrderDate     time.Time `json:"orderDate"`
	TrackingToken string    `json:"trackingToken"`
}

// DeliveryStatus tracks a single order's delivery progress. Records past
// ExpiresAt are invisible to token lookup even though they still exist.
type DeliveryStatus struct {
	ID               string        `json:"id"`
	CustomerID       string        `json:"customerId"`
	CustomerName     string        `json:"customerName"`
	OrderID          string        `json:"orderId"`
	TrackingToken    string        `json:"trackingToken"`
	Status           DeliveryState `json:"status"`
	AssignedPartner  string        `json:"assignedPartner"`
	CurrentLocation  string        `json:"currentLocation"`
	EstimatedArrival string        `json:"estimatedArrival"` // display string, computed once
	LastUpdated      time.Time     `json:"lastUpdated"`
	ExpiresAt        time.Time     `json:"expiresAt"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Expired reports whether the record is invisible to token lookup at t.
func (d *DeliveryStatus) Expired(t time.Time) bool {
	return !d.ExpiresAt.After(t)
}

// DeliveryStatusPatch is a partial update to a DeliveryStatus. Nil fields
// are left unchanged.
type DeliveryStatusPatch struct {
	Status           *DeliveryState
	AssignedPartner  *string
	CurrentLocation  *string
	EstimatedArrival *string
	LastUpdated      *time.Time
}

// Subscription is a meal-plan subscription and its derived billing schedule.
type Subscription struct {
	ID               string             `json:"id"`
	CustomerID       string             `json:"customerId"`
	CustomerName     string             `json:"customerName"`
	CustomerEmail    string             `json:"customerEmail"`
	CustomerPhone    string             `json:"customerPhone,omitempty"`
	DeliveryAddress  string             `json:"deliveryAddress"`
	PlanType         PlanType           `json:"planType"`
	Frequency        Frequency          `json:"frequency"`
	Status           SubscriptionStatus `json:"status"`
	StartDate        time.Time          `json:"startDate"`
	EndDate          *time.Time         `json:"endDate,omitempty"`
	NextDeliveryDate *time.Time         `json:"nextDeliveryDate,omitempty"`
	NextBillingDate  *time.Time         `json:"nextBillingDate,omitempty"`
	Amount           int64              `json:"amount"` // minor currency units
	Currency         string             `json:"currency"`
	StudentDiscount  bool               `json:"studentDiscount"`
	DeliveryDays     []string           `json:"deliveryDays,omitempty"`
	LastPaymentID    string             `json:"lastPaymentId,omitempty"`
	PaymentMethod    string             `json:"paymentMethod,omitempty"`
	Metadata         map[string]string  `json:"metadata,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// SubscriptionPatch is a partial update to a Subscription. Nil fields are
// left unchanged. MergeMetadata entries are merged into the existing
// metadata map rather than replacing it.
type SubscriptionPatch struct {
	Status          *SubscriptionStatus
	EndDate         *time.Time
	NextBillingDate *time.Time
	NextDelivery    *time.Time
	LastPaymentID   *string
	PaymentMethod   *string
	MergeMetadata   map[string]string
	UpdatedAt       *time.Time
}

// PaymentType tags a subscription payment link.
type PaymentType string

// PaymentTypeRenewal marks a link created by a renewal.
const PaymentTypeRenewal PaymentType = "renewal"

// SubscriptionPayment is an immutable join row between a subscription and
// an external payment-history item.
type SubscriptionPayment struct {
	SubscriptionID string      `json:"subscriptionId"`
	PaymentID      string      `json:"paymentId"`
	Date           time.Time   `json:"date"`
	Type           PaymentType `json:"type,omitempty"`
}

// PaymentHistoryItem records one attempted charge against the payment
// gateway. Its status may be updated in place by a confirmation step.
type PaymentHistoryItem struct {
	ID              string            `json:"id"`
	CustomerID      string            `json:"customerId"`
	PaymentIntentID string            `json:"paymentIntentId"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
	Status          string            `json:"status"`
	PaymentMethod   string            `json:"paymentMethod,omitempty"`
	Created         time.Time         `json:"created"`
	ReceiptURL      string            `json:"receiptUrl,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
