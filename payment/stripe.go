package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/tiffinbox/tiffinbox/store"
)

// StripeGateway implements Gateway using the Stripe PaymentIntents API.
type StripeGateway struct {
	apiKey        string
	webhookSecret string
	payments      store.PaymentHistoryStore
}

// NewStripeGateway creates a StripeGateway with the given API key and
// webhook secret. The payment-history store is updated when webhook events
// confirm or fail a charge.
func NewStripeGateway(apiKey, webhookSecret string, payments store.PaymentHistoryStore) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		payments:      payments,
	}
}

// CreateCharge creates a Stripe payment intent for the given amount.
func (g *StripeGateway) CreateCharge(_ context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripe.String(req.CustomerEmail)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddExpand("latest_charge")

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("payment: create stripe payment intent: %w", err)
	}
	return chargeFromIntent(pi), nil
}

// ConfirmCharge fetches the current state of a Stripe payment intent.
func (g *StripeGateway) ConfirmCharge(_ context.Context, id string) (*Charge, error) {
	params := &stripe.PaymentIntentParams{}
	params.AddExpand("latest_charge")
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("payment: fetch stripe payment intent %s: %w", id, err)
	}
	return chargeFromIntent(pi), nil
}

// HandleWebhook validates the Stripe webhook signature and reflects
// payment-intent outcomes into the payment-history collection.
func (g *StripeGateway) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return fmt.Errorf("payment: webhook signature verification failed: %w", err)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("payment: parse payment intent event: %w", err)
		}
		if err := g.payments.UpdateStatus(ctx, pi.ID, string(pi.Status)); err != nil {
			// An intent we never recorded (e.g. created outside this
			// system) is not an error worth failing the webhook for.
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("payment: record intent status: %w", err)
		}
	}
	return nil
}

func chargeFromIntent(pi *stripe.PaymentIntent) *Charge {
	c := &Charge{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Amount:   pi.Amount,
		Currency: string(pi.Currency),
	}
	if pi.LatestCharge != nil {
		c.ReceiptURL = pi.LatestCharge.ReceiptURL
	}
	return c
}
