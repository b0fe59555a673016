package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tiffinbox/tiffinbox/auth"
	"github.com/tiffinbox/tiffinbox/metrics"
	"github.com/tiffinbox/tiffinbox/notify"
	"github.com/tiffinbox/tiffinbox/payment"
	"github.com/tiffinbox/tiffinbox/store"
	"github.com/tiffinbox/tiffinbox/subscription"
	"github.com/tiffinbox/tiffinbox/tracking"
)

type testServer struct {
	mux      *http.ServeMux
	tracking *tracking.Engine
	subs     *subscription.Engine
	gateway  *payment.MockGateway
	verifier *auth.Verifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := metrics.NewCollector("test")

	deliveries := store.NewMemoryDeliveryStatusStore()
	customers := store.NewMemoryCustomerStore()
	subsStore := store.NewMemorySubscriptionStore()
	payments := store.NewMemoryPaymentHistoryStore()
	notifier := notify.NewMockNotifier()
	gateway := payment.NewMockGateway()

	trackingEngine := tracking.New(deliveries, customers, notifier, logger, collector)
	subsEngine := subscription.New(subsStore, subsStore, payments, notifier, logger, collector)
	verifier := auth.NewVerifier("test-secret", "")

	h := NewHandler(trackingEngine, subsEngine, gateway, nil, payments,
		auth.NewMiddleware(verifier), collector, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &testServer{
		mux:      mux,
		tracking: trackingEngine,
		subs:     subsEngine,
		gateway:  gateway,
		verifier: verifier,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.ContentLength = int64(buf.Len())
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	token, err := ts.verifier.Sign(auth.Identity{UserID: "admin-1", Admin: true}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func (ts *testServer) userToken(t *testing.T) string {
	t.Helper()
	token, err := ts.verifier.Sign(auth.Identity{UserID: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func (ts *testServer) subscribe(t *testing.T) subscribeResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/subscribe", "", map[string]any{
		"name":          "Priya Sharma",
		"email":         "priya@example.com",
		"address":       "12 Mill Road",
		"deliverySlot":  "12:30",
		"planType":      "veg",
		"frequency":     "monthly",
		"studentStatus": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("subscribe status = %d, body %s", rec.Code, rec.Body)
	}
	var resp subscribeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubscribeFlow(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.subscribe(t)

	if resp.PaymentStatus != "succeeded" {
		t.Errorf("paymentStatus = %q", resp.PaymentStatus)
	}
	// Student discount on the veg monthly plan.
	if resp.Amount != 16915 {
		t.Errorf("amount = %d, want 16915", resp.Amount)
	}
	if len(resp.TrackingToken) != 8 {
		t.Errorf("trackingToken = %q", resp.TrackingToken)
	}

	// The subscription went active and points back at the tracking token.
	sub, err := ts.subs.Get(t.Context(), resp.SubscriptionID)
	if err != nil {
		t.Fatalf("Get subscription: %v", err)
	}
	if sub.Status != store.SubscriptionActive {
		t.Errorf("status = %q, want active", sub.Status)
	}
	if sub.Metadata["trackingToken"] != resp.TrackingToken {
		t.Errorf("metadata token = %q", sub.Metadata["trackingToken"])
	}
	if sub.NextBillingDate == nil {
		t.Error("NextBillingDate should be set by the payment link")
	}

	// The tracking page finds the delivery.
	rec := ts.do(t, http.MethodGet, "/api/v1/track/"+resp.TrackingToken, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("track status = %d", rec.Code)
	}
	var d store.DeliveryStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Status != store.DeliveryPrepared {
		t.Errorf("delivery status = %q", d.Status)
	}
}

func TestSubscribeValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/subscribe", "", map[string]any{
		"email": "no-name@example.com",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing fields: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/subscribe", "", map[string]any{
		"name":         "X",
		"email":        "x@example.com",
		"deliverySlot": "12:30",
		"planType":     "vegan",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown plan: status = %d", rec.Code)
	}
}

func TestSubscribePaymentPendingLeavesSubscriptionPending(t *testing.T) {
	ts := newTestServer(t)
	ts.gateway.Status = "requires_payment_method"

	resp := ts.subscribe(t)
	if resp.PaymentStatus != "requires_payment_method" {
		t.Fatalf("paymentStatus = %q", resp.PaymentStatus)
	}
	sub, err := ts.subs.Get(t.Context(), resp.SubscriptionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub.Status != store.SubscriptionPending {
		t.Errorf("status = %q, want pending until the charge succeeds", sub.Status)
	}
}

// tokenAttachRefusingStore rejects the metadata patch that cross-references
// the tracking token, leaving every other write intact.
type tokenAttachRefusingStore struct {
	*store.MemorySubscriptionStore
}

func (s *tokenAttachRefusingStore) Update(ctx context.Context, id string, p store.SubscriptionPatch) error {
	if p.MergeMetadata["trackingToken"] != "" {
		return errors.New("metadata write refused")
	}
	return s.MemorySubscriptionStore.Update(ctx, id, p)
}

func TestSubscribeSurvivesTokenAttachFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	collector := metrics.NewCollector("test")

	deliveries := store.NewMemoryDeliveryStatusStore()
	customers := store.NewMemoryCustomerStore()
	subsStore := &tokenAttachRefusingStore{store.NewMemorySubscriptionStore()}
	payments := store.NewMemoryPaymentHistoryStore()
	notifier := notify.NewMockNotifier()
	gateway := payment.NewMockGateway()

	trackingEngine := tracking.New(deliveries, customers, notifier, logger, collector)
	subsEngine := subscription.New(subsStore, subsStore.MemorySubscriptionStore, payments, notifier, logger, collector)
	verifier := auth.NewVerifier("test-secret", "")

	h := NewHandler(trackingEngine, subsEngine, gateway, nil, payments,
		auth.NewMiddleware(verifier), collector, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	ts := &testServer{mux: mux, tracking: trackingEngine, subs: subsEngine, gateway: gateway, verifier: verifier}

	resp := ts.subscribe(t)
	if resp.PaymentStatus != "succeeded" {
		t.Fatalf("paymentStatus = %q", resp.PaymentStatus)
	}

	sub, err := ts.subs.Get(t.Context(), resp.SubscriptionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub.Status != store.SubscriptionActive {
		t.Errorf("status = %q, want active despite the metadata failure", sub.Status)
	}
	if sub.Metadata["trackingToken"] != "" {
		t.Errorf("metadata unexpectedly present: %v", sub.Metadata)
	}
}

func TestTrackUnknownToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/track/ZZZZZZZZ", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeliveryUpdateAuthAndTransitions(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.subscribe(t)

	d, err := ts.tracking.GetByToken(t.Context(), resp.TrackingToken)
	if err != nil || d == nil {
		t.Fatalf("GetByToken: %v %v", d, err)
	}

	// No token, then a non-admin token, then admin.
	rec := ts.do(t, http.MethodPatch, "/api/v1/delivery/"+d.ID, "", map[string]any{"status": "onTheWay"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPatch, "/api/v1/delivery/"+d.ID, ts.userToken(t), map[string]any{"status": "onTheWay"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin: status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPatch, "/api/v1/delivery/"+d.ID, ts.adminToken(t), map[string]any{"status": "onTheWay"})
	if rec.Code != http.StatusOK {
		t.Errorf("admin: status = %d, body %s", rec.Code, rec.Body)
	}

	// Backward transition maps to 409.
	rec = ts.do(t, http.MethodPatch, "/api/v1/delivery/"+d.ID, ts.adminToken(t), map[string]any{"status": "prepared"})
	if rec.Code != http.StatusConflict {
		t.Errorf("backward transition: status = %d", rec.Code)
	}

	// Unknown record maps to 404.
	rec = ts.do(t, http.MethodPatch, "/api/v1/delivery/missing", ts.adminToken(t), map[string]any{"status": "onTheWay"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d", rec.Code)
	}
}

func TestSubscriptionLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.subscribe(t)
	user := ts.userToken(t)
	admin := ts.adminToken(t)

	base := "/api/v1/subscriptions/" + resp.SubscriptionID

	rec := ts.do(t, http.MethodPost, base+"/pause", user, map[string]any{"resumeDate": "2026-06-01T00:00:00Z"})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status = %d, body %s", rec.Code, rec.Body)
	}
	rec = ts.do(t, http.MethodPost, base+"/resume", user, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, base+"/cancel", user, map[string]any{"reason": "moving"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, base, user, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	var sub store.Subscription
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.Status != store.SubscriptionCanceled {
		t.Errorf("status = %q", sub.Status)
	}
	if sub.Metadata["cancellationReason"] != "moving" || sub.Metadata["resumeDate"] == "" {
		t.Errorf("metadata = %v", sub.Metadata)
	}

	// Listing is admin-only.
	rec = ts.do(t, http.MethodGet, "/api/v1/subscriptions?status=canceled", user, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("list as user: status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/api/v1/subscriptions?status=canceled", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var subs []*store.Subscription
	if err := json.Unmarshal(rec.Body.Bytes(), &subs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("expected 1 canceled subscription, got %d", len(subs))
	}

	rec = ts.do(t, http.MethodDelete, base, admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, base, user, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d", rec.Code)
	}
}

func TestRenewAndPaymentHistory(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.subscribe(t)
	admin := ts.adminToken(t)
	base := "/api/v1/subscriptions/" + resp.SubscriptionID

	rec := ts.do(t, http.MethodPost, base+"/renew", admin, map[string]any{"paymentIntentId": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("renew without intent: status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, base+"/renew", admin, map[string]any{"paymentIntentId": resp.SubscriptionID + "-pi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("renew: status = %d, body %s", rec.Code, rec.Body)
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/subscriptions/missing/renew", admin, map[string]any{"paymentIntentId": "pi_x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("renew missing: status = %d", rec.Code)
	}

	// History returns the signup charge; the renewal intent has no
	// payment-history document and is skipped.
	rec = ts.do(t, http.MethodGet, base+"/payments", ts.userToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("payments: status = %d", rec.Code)
	}
	var items []*store.PaymentHistoryItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 history item, got %d", len(items))
	}
	if items[0].Status != "succeeded" {
		t.Errorf("status = %q", items[0].Status)
	}
}

func TestAnalyticsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t)
	ts.subscribe(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/analytics", ts.adminToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var a subscription.Analytics
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.TotalSubscriptions != 2 || a.ActiveSubscriptions != 2 || a.VegPlans != 2 {
		t.Errorf("analytics = %+v", a)
	}
}

func TestStripeWebhookUnconfigured(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/webhooks/stripe", "", map[string]any{})
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.subscribe(t)
	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("test_deliveries_created_total")) {
		t.Error("expected deliveries-created counter in metrics output")
	}
}
