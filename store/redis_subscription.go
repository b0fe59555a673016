package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSubscriptionStore implements SubscriptionStore and
// SubscriptionPaymentStore backed by Redis. Documents live at sub:{id}; a
// zset scored by createdAt serves the ordered list, a zset scored by
// nextBillingDate serves the renewal-due query, and one zset per
// subscription scored by link date holds the immutable payment-link rows.
type RedisSubscriptionStore struct {
	r *Redis
}

// NewRedisSubscriptionStore creates a RedisSubscriptionStore on the given
// handle.
func NewRedisSubscriptionStore(r *Redis) *RedisSubscriptionStore {
	return &RedisSubscriptionStore{r: r}
}

func (s *RedisSubscriptionStore) docKey(id string) string {
	return s.r.key("sub:" + id)
}

func (s *RedisSubscriptionStore) createdKey() string {
	return s.r.key("sub:created")
}

func (s *RedisSubscriptionStore) billingKey() string {
	return s.r.key("sub:billing")
}

func (s *RedisSubscriptionStore) linksKey(id string) string {
	return s.r.key("sub:" + id + ":payments")
}

func (s *RedisSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	doc, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	_, err = s.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(sub.ID), doc, 0)
		pipe.ZAdd(ctx, s.createdKey(), redis.Z{Score: float64(sub.CreatedAt.UnixMilli()), Member: sub.ID})
		s.indexBilling(ctx, pipe, sub)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *RedisSubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	raw, err := s.r.client.Get(ctx, s.docKey(id)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	var sub Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &sub, nil
}

// List walks the createdAt index newest first and filters client-side; the
// equality filters are conjunctive and optional.
func (s *RedisSubscriptionStore) List(ctx context.Context, f SubscriptionFilter) ([]*Subscription, error) {
	ids, err := s.r.client.ZRevRange(ctx, s.createdKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscription index: %w", err)
	}
	subs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, sub := range subs {
		if matchSubscription(sub, f) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *RedisSubscriptionStore) Update(ctx context.Context, id string, p SubscriptionPatch) error {
	return s.patch(ctx, id, p, nil)
}

func (s *RedisSubscriptionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	_, err := s.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(id))
		pipe.ZRem(ctx, s.createdKey(), id)
		pipe.ZRem(ctx, s.billingKey(), id)
		pipe.Del(ctx, s.linksKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// LinkPayment applies the patch and appends the link row inside one
// MULTI/EXEC block, so a crash cannot leave the billing date updated
// without its payment-link row.
func (s *RedisSubscriptionStore) LinkPayment(ctx context.Context, id string, p SubscriptionPatch, link *SubscriptionPayment) error {
	return s.patch(ctx, id, p, link)
}

func (s *RedisSubscriptionStore) DueForRenewal(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	ids, err := s.r.client.ZRangeByScore(ctx, s.billingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan renewal index: %w", err)
	}
	subs, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, sub := range subs {
		if sub.Status == SubscriptionActive && sub.NextBillingDate != nil && !sub.NextBillingDate.After(cutoff) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *RedisSubscriptionStore) ListBySubscription(ctx context.Context, subscriptionID string) ([]*SubscriptionPayment, error) {
	raws, err := s.r.client.ZRevRange(ctx, s.linksKey(subscriptionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list payment links: %w", err)
	}
	out := make([]*SubscriptionPayment, 0, len(raws))
	for _, raw := range raws {
		var link SubscriptionPayment
		if err := json.Unmarshal([]byte(raw), &link); err != nil {
			continue
		}
		out = append(out, &link)
	}
	return out, nil
}

// patch applies a partial update under optimistic concurrency: the document
// key is WATCHed, the patch is applied to a fresh read, and the transaction
// (document, billing index, optional link row) retries when another writer
// commits first. Concurrent patches to disjoint fields both survive.
func (s *RedisSubscriptionStore) patch(ctx context.Context, id string, p SubscriptionPatch, link *SubscriptionPayment) error {
	key := s.docKey(id)
	var linkDoc []byte
	if link != nil {
		var err error
		linkDoc, err = json.Marshal(link)
		if err != nil {
			return fmt.Errorf("marshal payment link: %w", err)
		}
	}
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if isNil(err) {
				return ErrNotFound
			}
			return fmt.Errorf("get subscription: %w", err)
		}
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		applySubscriptionPatch(&sub, p)
		doc, err := json.Marshal(&sub)
		if err != nil {
			return fmt.Errorf("marshal subscription: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			s.indexBilling(ctx, pipe, &sub)
			if linkDoc != nil {
				pipe.ZAdd(ctx, s.linksKey(sub.ID), redis.Z{
					Score:  float64(link.Date.UnixMilli()),
					Member: string(linkDoc),
				})
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < patchAttempts; attempt++ {
		err := s.r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("write subscription: %w", ErrConflict)
}

// indexBilling keeps the renewal-due zset consistent with the document:
// only active subscriptions with a billing date are members.
func (s *RedisSubscriptionStore) indexBilling(ctx context.Context, pipe redis.Pipeliner, sub *Subscription) {
	if sub.Status == SubscriptionActive && sub.NextBillingDate != nil {
		pipe.ZAdd(ctx, s.billingKey(), redis.Z{Score: float64(sub.NextBillingDate.Unix()), Member: sub.ID})
	} else {
		pipe.ZRem(ctx, s.billingKey(), sub.ID)
	}
}

func (s *RedisSubscriptionStore) fetch(ctx context.Context, ids []string) ([]*Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(id)
	}
	raws, err := s.r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget subscriptions: %w", err)
	}
	out := make([]*Subscription, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var sub Subscription
		if err := json.Unmarshal([]byte(str), &sub); err != nil {
			continue
		}
		out = append(out, &sub)
	}
	return out, nil
}
