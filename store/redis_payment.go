package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisPaymentHistoryStore implements PaymentHistoryStore backed by Redis.
// Documents live at payment:{id}, with a string key per payment-intent id
// pointing at the owning document.
type RedisPaymentHistoryStore struct {
	r *Redis
}

// NewRedisPaymentHistoryStore creates a RedisPaymentHistoryStore on the
// given handle.
func NewRedisPaymentHistoryStore(r *Redis) *RedisPaymentHistoryStore {
	return &RedisPaymentHistoryStore{r: r}
}

func (s *RedisPaymentHistoryStore) docKey(id string) string {
	return s.r.key("payment:" + id)
}

func (s *RedisPaymentHistoryStore) intentKey(intentID string) string {
	return s.r.key("payment:intent:" + intentID)
}

func (s *RedisPaymentHistoryStore) Create(ctx context.Context, p *PaymentHistoryItem) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	_, err = s.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(p.ID), doc, 0)
		pipe.Set(ctx, s.intentKey(p.PaymentIntentID), p.ID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *RedisPaymentHistoryStore) Get(ctx context.Context, id string) (*PaymentHistoryItem, error) {
	raw, err := s.r.client.Get(ctx, s.docKey(id)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	var p PaymentHistoryItem
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}
	return &p, nil
}

func (s *RedisPaymentHistoryStore) GetByIntent(ctx context.Context, intentID string) (*PaymentHistoryItem, error) {
	id, err := s.r.client.Get(ctx, s.intentKey(intentID)).Result()
	if err != nil {
		if isNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve payment intent: %w", err)
	}
	return s.Get(ctx, id)
}

// GetByIntentBatch resolves the intent index in one pipeline then fetches
// the documents with a single MGET, replacing the per-row lookup the
// tracking pages used to issue.
func (s *RedisPaymentHistoryStore) GetByIntentBatch(ctx context.Context, intentIDs []string) ([]*PaymentHistoryItem, error) {
	if len(intentIDs) == 0 {
		return nil, nil
	}
	indexKeys := make([]string, len(intentIDs))
	for i, intentID := range intentIDs {
		indexKeys[i] = s.intentKey(intentID)
	}
	idVals, err := s.r.client.MGet(ctx, indexKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget payment intents: %w", err)
	}
	docKeys := make([]string, 0, len(idVals))
	for _, v := range idVals {
		id, ok := v.(string)
		if !ok {
			continue
		}
		docKeys = append(docKeys, s.docKey(id))
	}
	if len(docKeys) == 0 {
		return nil, nil
	}
	raws, err := s.r.client.MGet(ctx, docKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget payments: %w", err)
	}
	out := make([]*PaymentHistoryItem, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var p PaymentHistoryItem
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

func (s *RedisPaymentHistoryStore) UpdateStatus(ctx context.Context, intentID, status string) error {
	p, err := s.GetByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	p.Status = status
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	if err := s.r.client.Set(ctx, s.docKey(p.ID), doc, 0).Err(); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}
