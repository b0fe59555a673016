package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisDeliveryStatusStore implements DeliveryStatusStore backed by Redis.
// Documents live at delivery:{id}; a set per tracking token serves the
// equality query, a zset scored by expiresAt serves the expiry sweep, and a
// pub/sub channel per token carries change notifications.
type RedisDeliveryStatusStore struct {
	r *Redis
}

// NewRedisDeliveryStatusStore creates a RedisDeliveryStatusStore on the
// given handle.
func NewRedisDeliveryStatusStore(r *Redis) *RedisDeliveryStatusStore {
	return &RedisDeliveryStatusStore{r: r}
}

func (s *RedisDeliveryStatusStore) docKey(id string) string {
	return s.r.key("delivery:" + id)
}

func (s *RedisDeliveryStatusStore) tokenKey(token string) string {
	return s.r.key("delivery:token:" + strings.ToUpper(token))
}

func (s *RedisDeliveryStatusStore) expiryKey() string {
	return s.r.key("delivery:expiry")
}

func (s *RedisDeliveryStatusStore) channel(token string) string {
	return s.r.key("delivery.watch." + strings.ToUpper(token))
}

func (s *RedisDeliveryStatusStore) Create(ctx context.Context, d *DeliveryStatus) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.TrackingToken = strings.ToUpper(d.TrackingToken)
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery status: %w", err)
	}
	_, err = s.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(d.ID), doc, 0)
		pipe.SAdd(ctx, s.tokenKey(d.TrackingToken), d.ID)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(d.ExpiresAt.Unix()), Member: d.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert delivery status: %w", err)
	}
	s.publish(ctx, d.TrackingToken, d.ID)
	return nil
}

func (s *RedisDeliveryStatusStore) Get(ctx context.Context, id string) (*DeliveryStatus, error) {
	raw, err := s.r.client.Get(ctx, s.docKey(id)).Bytes()
	if err != nil {
		if isNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get delivery status: %w", err)
	}
	var d DeliveryStatus
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode delivery status: %w", err)
	}
	return &d, nil
}

func (s *RedisDeliveryStatusStore) ListByToken(ctx context.Context, token string) ([]*DeliveryStatus, error) {
	ids, err := s.r.client.SMembers(ctx, s.tokenKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("list delivery token members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(id)
	}
	raws, err := s.r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget delivery statuses: %w", err)
	}
	out := make([]*DeliveryStatus, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // index entry whose document is gone
		}
		var d DeliveryStatus
		if err := json.Unmarshal([]byte(str), &d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisDeliveryStatusStore) TokenExists(ctx context.Context, token string) (bool, error) {
	n, err := s.r.client.SCard(ctx, s.tokenKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("check delivery token: %w", err)
	}
	return n > 0, nil
}

// Update applies the patch under optimistic concurrency: the document key
// is WATCHed, the patch is applied to a fresh read, and the write retries
// when another writer commits first, so concurrent patches to disjoint
// fields both survive.
func (s *RedisDeliveryStatusStore) Update(ctx context.Context, id string, p DeliveryStatusPatch) error {
	key := s.docKey(id)
	var d DeliveryStatus
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if isNil(err) {
				return ErrNotFound
			}
			return fmt.Errorf("get delivery status: %w", err)
		}
		d = DeliveryStatus{}
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("decode delivery status: %w", err)
		}
		applyDeliveryPatch(&d, p)
		doc, err := json.Marshal(&d)
		if err != nil {
			return fmt.Errorf("marshal delivery status: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
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
		s.publish(ctx, d.TrackingToken, d.ID)
		return nil
	}
	return fmt.Errorf("update delivery status: %w", ErrConflict)
}

func (s *RedisDeliveryStatusStore) Delete(ctx context.Context, id string) error {
	d, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.remove(ctx, d); err != nil {
		return err
	}
	s.publish(ctx, d.TrackingToken, d.ID)
	return nil
}

func (s *RedisDeliveryStatusStore) remove(ctx context.Context, d *DeliveryStatus) error {
	_, err := s.r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(d.ID))
		pipe.SRem(ctx, s.tokenKey(d.TrackingToken), d.ID)
		pipe.ZRem(ctx, s.expiryKey(), d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete delivery status: %w", err)
	}
	return nil
}

// WatchToken subscribes to the token's change channel. fn runs on a
// dedicated goroutine for every published change until stop is called or
// ctx is done.
func (s *RedisDeliveryStatusStore) WatchToken(ctx context.Context, token string, fn WatchFunc) (func(), error) {
	sub := s.r.client.Subscribe(ctx, s.channel(token))
	// Force the SUBSCRIBE round trip so a failure surfaces here, not on
	// the receive goroutine.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("watch delivery token: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx)
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return stop, nil
}

func (s *RedisDeliveryStatusStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.r.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expired deliveries: %w", err)
	}
	removed := 0
	for _, id := range ids {
		d, err := s.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				s.r.client.ZRem(ctx, s.expiryKey(), id)
				continue
			}
			return removed, err
		}
		if err := s.remove(ctx, d); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *RedisDeliveryStatusStore) publish(ctx context.Context, token, id string) {
	// Change notifications are best-effort; a lost publish only delays a
	// watcher until the next write.
	_ = s.r.client.Publish(ctx, s.channel(token), id).Err()
}
