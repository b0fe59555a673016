// Package api exposes the tracking and subscription engines over HTTP.
// Engines never format user-facing messages; handlers return generic error
// bodies and log the detail.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tiffinbox/tiffinbox/auth"
	"github.com/tiffinbox/tiffinbox/metrics"
	"github.com/tiffinbox/tiffinbox/payment"
	"github.com/tiffinbox/tiffinbox/store"
	"github.com/tiffinbox/tiffinbox/subscription"
	"github.com/tiffinbox/tiffinbox/tracking"
)

// Handler exposes the engines' operations as JSON endpoints.
type Handler struct {
	tracking  *tracking.Engine
	subs      *subscription.Engine
	gateway   payment.Gateway
	webhooks  *payment.StripeGateway // nil when no provider is configured
	payments  store.PaymentHistoryStore
	authmw    *auth.Middleware
	collector *metrics.Collector
	logger    *slog.Logger
}

// NewHandler creates the HTTP handler over the given engines.
func NewHandler(trackingEngine *tracking.Engine, subs *subscription.Engine, gateway payment.Gateway, webhooks *payment.StripeGateway, payments store.PaymentHistoryStore, authmw *auth.Middleware, collector *metrics.Collector, logger *slog.Logger) *Handler {
	return &Handler{
		tracking:  trackingEngine,
		subs:      subs,
		gateway:   gateway,
		webhooks:  webhooks,
		payments:  payments,
		authmw:    authmw,
		collector: collector,
		logger:    logger,
	}
}

// RegisterRoutes registers all endpoints on the given mux. Mutating
// delivery and admin endpoints are gated behind the identity provider.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", h.collector.Handler())

	mux.HandleFunc("GET /api/v1/track/{token}", h.instrument("track", h.handleTrack))
	mux.HandleFunc("POST /api/v1/subscribe", h.instrument("subscribe", h.handleSubscribe))
	mux.HandleFunc("POST /api/v1/webhooks/stripe", h.instrument("stripe-webhook", h.handleStripeWebhook))

	mux.Handle("PATCH /api/v1/delivery/{id}",
		h.authmw.RequireAdmin(http.HandlerFunc(h.instrument("delivery-update", h.handleDeliveryUpdate))))
	mux.Handle("GET /api/v1/subscriptions",
		h.authmw.RequireAdmin(http.HandlerFunc(h.instrument("subscriptions-list", h.handleListSubscriptions))))
	mux.Handle("GET /api/v1/subscriptions/{id}",
		h.authmw.Require(http.HandlerFunc(h.instrument("subscription-get", h.handleGetSubscription))))
	mux.Handle("POST /api/v1/subscriptions/{id}/cancel",
		h.authmw.Require(http.HandlerFunc(h.instrument("subscription-cancel", h.handleCancel))))
	mux.Handle("POST /api/v1/subscriptions/{id}/pause",
		h.authmw.Require(http.HandlerFunc(h.instrument("subscription-pause", h.handlePause))))
	mux.Handle("POST /api/v1/subscriptions/{id}/resume",
		h.authmw.Require(http.HandlerFunc(h.instrument("subscription-resume", h.handleResume))))
	mux.Handle("POST /api/v1/subscriptions/{id}/renew",
		h.authmw.RequireAdmin(http.HandlerFunc(h.instrument("subscription-renew", h.handleRenew))))
	mux.Handle("DELETE /api/v1/subscriptions/{id}",
		h.authmw.RequireAdmin(http.HandlerFunc(h.instrument("subscription-delete", h.handleDelete))))
	mux.Handle("GET /api/v1/subscriptions/{id}/payments",
		h.authmw.Require(http.HandlerFunc(h.instrument("subscription-payments", h.handlePaymentHistory))))
	mux.Handle("GET /api/v1/analytics",
		h.authmw.RequireAdmin(http.HandlerFunc(h.instrument("analytics", h.handleAnalytics))))
}

// ---------- GET /healthz ----------

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------- GET /api/v1/track/{token} ----------

func (h *Handler) handleTrack(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	d, err := h.tracking.GetByToken(r.Context(), token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if d == nil {
		http.Error(w, `{"error":"no active delivery for this code"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ---------- POST /api/v1/subscribe ----------

type subscribeRequest struct {
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	Phone         string          `json:"phone,omitempty"`
	Address       string          `json:"address"`
	DeliverySlot  string          `json:"deliverySlot"`
	PlanType      store.PlanType  `json:"planType"`
	Frequency     store.Frequency `json:"frequency"`
	StudentStatus bool            `json:"studentStatus"`
	DeliveryDays  []string        `json:"deliveryDays,omitempty"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
}

type subscribeResponse struct {
	SubscriptionID   string `json:"subscriptionId"`
	TrackingToken    string `json:"trackingToken"`
	OrderID          string `json:"orderId"`
	EstimatedArrival string `json:"estimatedArrival"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	PaymentStatus    string `json:"paymentStatus"`
	ReceiptURL       string `json:"receiptUrl,omitempty"`
}

// handleSubscribe runs the signup flow end to end: subscription record,
// tracking record, charge, payment history, and payment link. The
// confirmation notification is sent by the tracking engine.
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Email == "" || req.DeliverySlot == "" {
		http.Error(w, `{"error":"name, email and deliverySlot are required"}`, http.StatusBadRequest)
		return
	}
	plan := subscription.PlanByType(req.PlanType)
	if plan == nil {
		http.Error(w, `{"error":"unknown plan type"}`, http.StatusBadRequest)
		return
	}
	freq := req.Frequency
	if freq == "" {
		freq = store.FrequencyMonthly
	}
	amount := plan.Price(freq, req.StudentStatus)

	ctx := r.Context()
	now := time.Now()
	sub := &store.Subscription{
		CustomerName:    req.Name,
		CustomerEmail:   req.Email,
		CustomerPhone:   req.Phone,
		DeliveryAddress: req.Address,
		PlanType:        req.PlanType,
		Frequency:       freq,
		Status:          store.SubscriptionPending,
		StartDate:       now,
		Amount:          amount,
		Currency:        "gbp",
		StudentDiscount: req.StudentStatus,
		DeliveryDays:    req.DeliveryDays,
		PaymentMethod:   req.PaymentMethod,
	}
	subID, err := h.subs.Add(ctx, sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	created, err := h.tracking.Create(ctx, tracking.CreateRequest{
		Customer: &store.Customer{
			Name:          req.Name,
			Email:         req.Email,
			Phone:         req.Phone,
			Address:       req.Address,
			DeliverySlot:  req.DeliverySlot,
			PlanType:      req.PlanType,
			StudentStatus: req.StudentStatus,
		},
		DeliverySlot: req.DeliverySlot,
		DailyPrice:   plan.Price(store.FrequencyDaily, req.StudentStatus),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// Best-effort cross-reference; the order and subscription both exist,
	// so a failure here must not abort the signup.
	if err := h.subs.Update(ctx, subID, store.SubscriptionPatch{
		MergeMetadata: map[string]string{"trackingToken": created.TrackingToken},
	}); err != nil {
		h.logger.Warn("attach tracking token to subscription failed",
			"subscriptionId", subID, "error", err)
	}

	charge, err := h.gateway.CreateCharge(ctx, payment.ChargeRequest{
		Amount:        amount,
		Currency:      sub.Currency,
		CustomerEmail: req.Email,
		Description:   "TiffinBox " + plan.Name + " plan",
		Metadata:      map[string]string{"subscriptionId": subID},
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.payments.Create(ctx, &store.PaymentHistoryItem{
		CustomerID:      subID,
		PaymentIntentID: charge.ID,
		Amount:          charge.Amount,
		Currency:        charge.Currency,
		Status:          charge.Status,
		PaymentMethod:   req.PaymentMethod,
		Created:         now,
		ReceiptURL:      charge.ReceiptURL,
	}); err != nil {
		h.fail(w, r, err)
		return
	}

	if charge.Status == "succeeded" {
		active := store.SubscriptionActive
		if err := h.subs.Update(ctx, subID, store.SubscriptionPatch{Status: &active}); err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.subs.LinkPayment(ctx, subID, charge.ID); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, subscribeResponse{
		SubscriptionID:   subID,
		TrackingToken:    created.TrackingToken,
		OrderID:          created.OrderID,
		EstimatedArrival: created.EstimatedArrival,
		Amount:           amount,
		Currency:         sub.Currency,
		PaymentStatus:    charge.Status,
		ReceiptURL:       charge.ReceiptURL,
	})
}

// ---------- PATCH /api/v1/delivery/{id} ----------

type deliveryUpdateRequest struct {
	Status          *store.DeliveryState `json:"status,omitempty"`
	AssignedPartner *string              `json:"assignedPartner,omitempty"`
	CurrentLocation *string              `json:"currentLocation,omitempty"`
}

func (h *Handler) handleDeliveryUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req deliveryUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	err := h.tracking.UpdateStatus(r.Context(), id, store.DeliveryStatusPatch{
		Status:          req.Status,
		AssignedPartner: req.AssignedPartner,
		CurrentLocation: req.CurrentLocation,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ---------- subscription endpoints ----------

func (h *Handler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SubscriptionFilter{
		Status:     store.SubscriptionStatus(q.Get("status")),
		PlanType:   store.PlanType(q.Get("planType")),
		CustomerID: q.Get("customerId"),
	}
	subs, err := h.subs.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
	}
	if err := h.subs.Cancel(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumeDate *time.Time `json:"resumeDate,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
	}
	if err := h.subs.Pause(r.Context(), r.PathValue("id"), req.ResumeDate); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.Resume(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentIntentID string `json:"paymentIntentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentIntentID == "" {
		http.Error(w, `{"error":"paymentIntentId is required"}`, http.StatusBadRequest)
		return
	}
	if err := h.subs.Renew(r.Context(), r.PathValue("id"), req.PaymentIntentID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renewed"})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	items, err := h.subs.PaymentHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.subs.Analytics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ---------- POST /api/v1/webhooks/stripe ----------

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhooks == nil {
		http.Error(w, `{"error":"payment webhooks not configured"}`, http.StatusNotImplemented)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"read body failed"}`, http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if err := h.webhooks.HandleWebhook(r.Context(), payload, sig); err != nil {
		h.logger.Warn("stripe webhook rejected", "error", err)
		http.Error(w, `{"error":"webhook rejected"}`, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ---------- helpers ----------

// fail maps engine errors onto generic HTTP responses. Detail goes to the
// log, not the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case store.IsIllegalTransition(err):
		http.Error(w, `{"error":"illegal status transition"}`, http.StatusConflict)
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, `{"error":"failed, please try again"}`, http.StatusInternalServerError)
	}
}

// instrument counts requests per route and status code.
func (h *Handler) instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r)
		h.collector.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
