// Package payment abstracts the payment provider behind a small gateway
// interface. The engines treat charges as opaque: an id, a status, and an
// optional receipt URL.
package payment

import (
	"context"
	"fmt"
	"sync"
)

// ChargeRequest describes a charge to create.
type ChargeRequest struct {
	Amount        int64             `json:"amount"` // minor currency units
	Currency      string            `json:"currency"`
	CustomerEmail string            `json:"customerEmail,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Charge is the provider's view of a created or confirmed charge.
type Charge struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	ReceiptURL string `json:"receiptUrl,omitempty"`
}

// Gateway abstracts charge creation and confirmation.
type Gateway interface {
	// CreateCharge creates a new charge and returns its provider id and
	// initial status.
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	// ConfirmCharge fetches the current state of an existing charge.
	ConfirmCharge(ctx context.Context, id string) (*Charge, error)
}

// ---------- Mock implementation ----------

// MockGateway is a test double that records charges and returns
// configurable results.
type MockGateway struct {
	mu sync.Mutex

	// Charges maps charge id -> charge.
	Charges map[string]*Charge

	// Error fields allow tests to inject failures.
	CreateChargeErr  error
	ConfirmChargeErr error

	// Status is assigned to newly created charges; defaults to
	// "succeeded".
	Status string

	nextSeq int
}

// NewMockGateway creates a MockGateway ready for use.
func NewMockGateway() *MockGateway {
	return &MockGateway{Charges: make(map[string]*Charge)}
}

// CreateCharge creates a mock charge.
func (m *MockGateway) CreateCharge(_ context.Context, req ChargeRequest) (*Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateChargeErr != nil {
		return nil, m.CreateChargeErr
	}

	status := m.Status
	if status == "" {
		status = "succeeded"
	}
	m.nextSeq++
	c := &Charge{
		ID:       fmt.Sprintf("pi_mock_%d", m.nextSeq),
		Status:   status,
		Amount:   req.Amount,
		Currency: req.Currency,
	}
	m.Charges[c.ID] = c
	cp := *c
	return &cp, nil
}

// ConfirmCharge returns the recorded charge.
func (m *MockGateway) ConfirmCharge(_ context.Context, id string) (*Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ConfirmChargeErr != nil {
		return nil, m.ConfirmChargeErr
	}

	c, ok := m.Charges[id]
	if !ok {
		return nil, fmt.Errorf("payment: charge %s not found", id)
	}
	cp := *c
	return &cp, nil
}
