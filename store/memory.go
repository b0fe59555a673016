package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// MemoryCustomerStore
// ---------------------------------------------------------------------------

// MemoryCustomerStore is an in-memory implementation of CustomerStore for
// testing and local development.
type MemoryCustomerStore struct {
	mu        sync.Mutex
	customers map[string]*Customer
}

// NewMemoryCustomerStore creates a new MemoryCustomerStore.
func NewMemoryCustomerStore() *MemoryCustomerStore {
	return &MemoryCustomerStore{customers: make(map[string]*Customer)}
}

func (s *MemoryCustomerStore) Create(_ context.Context, c *Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.customers[c.ID]; ok {
		return ErrDuplicate
	}
	cp := *c
	s.customers[c.ID] = &cp
	return nil
}

func (s *MemoryCustomerStore) Get(_ context.Context, id string) (*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryCustomerStore) GetByToken(_ context.Context, token string) (*Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.ToUpper(token)
	for _, c := range s.customers {
		if c.TrackingToken == token {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryCustomerStore) Update(_ context.Context, c *Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	s.customers[c.ID] = &cp
	return nil
}

func (s *MemoryCustomerStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[id]; !ok {
		return ErrNotFound
	}
	delete(s.customers, id)
	return nil
}

// ---------------------------------------------------------------------------
// MemoryDeliveryStatusStore
// ---------------------------------------------------------------------------

// MemoryDeliveryStatusStore is an in-memory implementation of
// DeliveryStatusStore for testing and local development.
type MemoryDeliveryStatusStore struct {
	mu       sync.Mutex
	records  map[string]*DeliveryStatus
	watchers map[string][]*memoryWatch
}

type memoryWatch struct {
	ctx context.Context
	fn  WatchFunc
}

// NewMemoryDeliveryStatusStore creates a new MemoryDeliveryStatusStore.
func NewMemoryDeliveryStatusStore() *MemoryDeliveryStatusStore {
	return &MemoryDeliveryStatusStore{
		records:  make(map[string]*DeliveryStatus),
		watchers: make(map[string][]*memoryWatch),
	}
}

func (s *MemoryDeliveryStatusStore) Create(_ context.Context, d *DeliveryStatus) error {
	s.mu.Lock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if _, ok := s.records[d.ID]; ok {
		s.mu.Unlock()
		return ErrDuplicate
	}
	cp := *d
	s.records[d.ID] = &cp
	watchers := s.snapshotWatchers(d.TrackingToken)
	s.mu.Unlock()

	notifyWatchers(watchers)
	return nil
}

func (s *MemoryDeliveryStatusStore) Get(_ context.Context, id string) (*DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryDeliveryStatusStore) ListByToken(_ context.Context, token string) ([]*DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.ToUpper(token)
	var out []*DeliveryStatus
	for _, d := range s.records {
		if d.TrackingToken == token {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryDeliveryStatusStore) TokenExists(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.ToUpper(token)
	for _, d := range s.records {
		if d.TrackingToken == token {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryDeliveryStatusStore) Update(_ context.Context, id string, p DeliveryStatusPatch) error {
	s.mu.Lock()
	d, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	applyDeliveryPatch(d, p)
	watchers := s.snapshotWatchers(d.TrackingToken)
	s.mu.Unlock()

	notifyWatchers(watchers)
	return nil
}

func (s *MemoryDeliveryStatusStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	d, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.records, id)
	watchers := s.snapshotWatchers(d.TrackingToken)
	s.mu.Unlock()

	notifyWatchers(watchers)
	return nil
}

func (s *MemoryDeliveryStatusStore) WatchToken(ctx context.Context, token string, fn WatchFunc) (func(), error) {
	token = strings.ToUpper(token)
	w := &memoryWatch{ctx: ctx, fn: fn}

	s.mu.Lock()
	s.watchers[token] = append(s.watchers[token], w)
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[token]
		for i, candidate := range list {
			if candidate == w {
				s.watchers[token] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return stop, nil
}

func (s *MemoryDeliveryStatusStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, d := range s.records {
		if !d.ExpiresAt.After(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryDeliveryStatusStore) snapshotWatchers(token string) []*memoryWatch {
	return append([]*memoryWatch(nil), s.watchers[strings.ToUpper(token)]...)
}

func notifyWatchers(watchers []*memoryWatch) {
	for _, w := range watchers {
		if w.ctx.Err() != nil {
			continue
		}
		w.fn(w.ctx)
	}
}

func applyDeliveryPatch(d *DeliveryStatus, p DeliveryStatusPatch) {
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.AssignedPartner != nil {
		d.AssignedPartner = *p.AssignedPartner
	}
	if p.CurrentLocation != nil {
		d.CurrentLocation = *p.CurrentLocation
	}
	if p.EstimatedArrival != nil {
		d.EstimatedArrival = *p.EstimatedArrival
	}
	if p.LastUpdated != nil {
		d.LastUpdated = *p.LastUpdated
	}
}

// ---------------------------------------------------------------------------
// MemorySubscriptionStore
// ---------------------------------------------------------------------------

// MemorySubscriptionStore is an in-memory implementation of both
// SubscriptionStore and SubscriptionPaymentStore. The two collections share
// one lock so LinkPayment is atomic.
type MemorySubscriptionStore struct {
	mu    sync.Mutex
	subs  map[string]*Subscription
	links map[string][]*SubscriptionPayment // subscriptionID -> links
}

// NewMemorySubscriptionStore creates a new MemorySubscriptionStore.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{
		subs:  make(map[string]*Subscription),
		links: make(map[string][]*SubscriptionPayment),
	}
}

func (s *MemorySubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if _, ok := s.subs[sub.ID]; ok {
		return ErrDuplicate
	}
	cp := cloneSubscription(sub)
	s.subs[sub.ID] = cp
	return nil
}

func (s *MemorySubscriptionStore) Get(_ context.Context, id string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *MemorySubscriptionStore) List(_ context.Context, f SubscriptionFilter) ([]*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if !matchSubscription(sub, f) {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemorySubscriptionStore) Update(_ context.Context, id string, p SubscriptionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	applySubscriptionPatch(sub, p)
	return nil
}

func (s *MemorySubscriptionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrNotFound
	}
	delete(s.subs, id)
	delete(s.links, id)
	return nil
}

func (s *MemorySubscriptionStore) LinkPayment(_ context.Context, id string, p SubscriptionPatch, link *SubscriptionPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	applySubscriptionPatch(sub, p)
	cp := *link
	s.links[id] = append(s.links[id], &cp)
	return nil
}

func (s *MemorySubscriptionStore) DueForRenewal(_ context.Context, cutoff time.Time) ([]*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Status != SubscriptionActive || sub.NextBillingDate == nil {
			continue
		}
		if sub.NextBillingDate.After(cutoff) {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextBillingDate.Before(*out[j].NextBillingDate) })
	return out, nil
}

func (s *MemorySubscriptionStore) ListBySubscription(_ context.Context, subscriptionID string) ([]*SubscriptionPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := s.links[subscriptionID]
	out := make([]*SubscriptionPayment, 0, len(links))
	for _, l := range links {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func matchSubscription(sub *Subscription, f SubscriptionFilter) bool {
	if f.Status != "" && sub.Status != f.Status {
		return false
	}
	if f.PlanType != "" && sub.PlanType != f.PlanType {
		return false
	}
	if f.CustomerID != "" && sub.CustomerID != f.CustomerID {
		return false
	}
	return true
}

func cloneSubscription(sub *Subscription) *Subscription {
	cp := *sub
	if sub.Metadata != nil {
		cp.Metadata = make(map[string]string, len(sub.Metadata))
		for k, v := range sub.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.DeliveryDays = append([]string(nil), sub.DeliveryDays...)
	return &cp
}

func applySubscriptionPatch(sub *Subscription, p SubscriptionPatch) {
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.EndDate != nil {
		sub.EndDate = p.EndDate
	}
	if p.NextBillingDate != nil {
		sub.NextBillingDate = p.NextBillingDate
	}
	if p.NextDelivery != nil {
		sub.NextDeliveryDate = p.NextDelivery
	}
	if p.LastPaymentID != nil {
		sub.LastPaymentID = *p.LastPaymentID
	}
	if p.PaymentMethod != nil {
		sub.PaymentMethod = *p.PaymentMethod
	}
	if len(p.MergeMetadata) > 0 {
		if sub.Metadata == nil {
			sub.Metadata = make(map[string]string, len(p.MergeMetadata))
		}
		for k, v := range p.MergeMetadata {
			sub.Metadata[k] = v
		}
	}
	if p.UpdatedAt != nil {
		sub.UpdatedAt = *p.UpdatedAt
	}
}

// ---------------------------------------------------------------------------
// MemoryPaymentHistoryStore
// ---------------------------------------------------------------------------

// MemoryPaymentHistoryStore is an in-memory implementation of
// PaymentHistoryStore for testing and local development.
type MemoryPaymentHistoryStore struct {
	mu       sync.Mutex
	items    map[string]*PaymentHistoryItem
	byIntent map[string]string // intentID -> id
}

// NewMemoryPaymentHistoryStore creates a new MemoryPaymentHistoryStore.
func NewMemoryPaymentHistoryStore() *MemoryPaymentHistoryStore {
	return &MemoryPaymentHistoryStore{
		items:    make(map[string]*PaymentHistoryItem),
		byIntent: make(map[string]string),
	}
}

func (s *MemoryPaymentHistoryStore) Create(_ context.Context, p *PaymentHistoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, ok := s.items[p.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byIntent[p.PaymentIntentID]; ok {
		return ErrDuplicate
	}
	cp := *p
	s.items[p.ID] = &cp
	s.byIntent[p.PaymentIntentID] = p.ID
	return nil
}

func (s *MemoryPaymentHistoryStore) Get(_ context.Context, id string) (*PaymentHistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryPaymentHistoryStore) GetByIntent(_ context.Context, intentID string) (*PaymentHistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getByIntentLocked(intentID)
}

func (s *MemoryPaymentHistoryStore) GetByIntentBatch(_ context.Context, intentIDs []string) ([]*PaymentHistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PaymentHistoryItem, 0, len(intentIDs))
	for _, intentID := range intentIDs {
		p, err := s.getByIntentLocked(intentID)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryPaymentHistoryStore) UpdateStatus(_ context.Context, intentID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIntent[intentID]
	if !ok {
		return ErrNotFound
	}
	s.items[id].Status = status
	return nil
}

func (s *MemoryPaymentHistoryStore) getByIntentLocked(intentID string) (*PaymentHistoryItem, error) {
	id, ok := s.byIntent[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.items[id]
	return &cp, nil
}
