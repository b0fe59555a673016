// Package notify sends templated email/SMS notifications through an
// external provider. Sends are fire-and-forget from the engines'
// perspective: callers log failures and never roll back the operation that
// triggered the notification.
package notify

import (
	"context"
	"sync"
)

// Template names understood by the notification provider.
const (
	TemplateSubscriptionConfirmation = "subscription-confirmation"
	TemplateDeliveryStatusUpdate     = "delivery-status-update"
	TemplateRenewalReminder          = "renewal-reminder"
)

// Message is one notification to deliver.
type Message struct {
	Template string         `json:"template"`
	To       string         `json:"to"` // customer email address
	Data     map[string]any `json:"data,omitempty"`
}

// Notifier abstracts the email/SMS provider.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// ---------- Mock implementation ----------

// MockNotifier is a test double that records sent messages and returns a
// configurable error.
type MockNotifier struct {
	mu sync.Mutex

	// Sent collects every message passed to Send.
	Sent []Message
	// SendErr, when set, is returned by every Send call.
	SendErr error
}

// NewMockNotifier creates a MockNotifier ready for use.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// Send records the message.
func (m *MockNotifier) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MockNotifier) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.Sent...)
}
