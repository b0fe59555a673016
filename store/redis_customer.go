package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCustomerStore implements CustomerStore backed by Redis.
type RedisCustomerStore struct {
	r *Redis
}

// NewRedisCustomerStore creates a RedisCustomerStore on the given handle.
func NewRedisCustomerStore(r *Redis) *RedisCustomerStore {
	return &RedisCustomerStore{r: r}
}

func (s *RedisCustomerStore) docKey(id string) string {
	return s.r.key("customer:" + id)
}

func (s *RedisCustomerStore) tokenKey(token string) string {
	return s.r.key("customer:token:" + strings.ToUpper(token))
}

func (s *RedisCustomerStore) Create(ctx context.Context, c *Customer) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.TrackingToken = strings.ToUpper(c.TrackingToken)
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal customer: %w", err)
	}
	_, err = s.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(c.ID), doc, 0)
		if c.TrackingToken != "" {
			pipe.Set(ctx, s.tokenKey(c.TrackingToken), c.ID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (s *RedisCustomerStore) Get(ctx context.Context, id string) (*Customer, error) {
	raw, err := s.r.client.Get(ctx, s.docKey(id)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	var c Customer
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode customer: %w", err)
	}
	return &c, nil
}

func (s *RedisCustomerStore) GetByToken(ctx context.Context, token string) (*Customer, error) {
	id, err := s.r.client.Get(ctx, s.tokenKey(token)).Result()
	if err != nil {
		if isNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve customer token: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *RedisCustomerStore) Update(ctx context.Context, c *Customer) error {
	existing, err := s.Get(ctx, c.ID)
	if err != nil {
		return err
	}
	c.TrackingToken = strings.ToUpper(c.TrackingToken)
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal customer: %w", err)
	}
	_, err = s.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if existing.TrackingToken != c.TrackingToken && existing.TrackingToken != "" {
			pipe.Del(ctx, s.tokenKey(existing.TrackingToken))
		}
		pipe.Set(ctx, s.docKey(c.ID), doc, 0)
		if c.TrackingToken != "" {
			pipe.Set(ctx, s.tokenKey(c.TrackingToken), c.ID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	return nil
}

func (s *RedisCustomerStore) Delete(ctx context.Context, id string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(id))
		if existing.TrackingToken != "" {
			pipe.Del(ctx, s.tokenKey(existing.TrackingToken))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	return nil
}
