package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

type Store interface {
	GetByOwner(ctx context.Context, ownerID string) (Cart, error)
	Save(ctx context.Context, c Cart) error
	// DeleteByOwner removes the cart and any pending checkout, reporting
	// whether a cart existed.
	DeleteByOwner(ctx context.Context, ownerID string) (bool, error)
	// SavePending records the encoded notification a checkout is about to
	// publish, replacing any earlier one.
	SavePending(ctx context.Context, ownerID string, payload []byte) error
	// GetPending returns ErrNotFound when no checkout is pending.
	GetPending(ctx context.Context, ownerID string) ([]byte, error)
}

// NewRedisClient parses url, instruments the client for tracing and pings
// it. Callers run it under a bootstrap retry.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("instrument redis: %w", err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func cartKey(ownerID string) string    { return "cart:owner:" + ownerID }
func pendingKey(ownerID string) string { return "cart:pending:" + ownerID }

func (r *RedisStore) GetByOwner(ctx context.Context, ownerID string) (Cart, error) {
	data, err := r.client.Get(ctx, cartKey(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Cart{}, ErrNotFound
	}
	if err != nil {
		return Cart{}, fmt.Errorf("get cart %s: %w", ownerID, err)
	}

	var c Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return Cart{}, fmt.Errorf("decode cart %s: %w", ownerID, err)
	}
	return c, nil
}

func (r *RedisStore) Save(ctx context.Context, c Cart) error {
	c.UpdatedAt = r.now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cart %s: %w", c.OwnerID, err)
	}
	if err := r.client.Set(ctx, cartKey(c.OwnerID), data, 0).Err(); err != nil {
		return fmt.Errorf("save cart %s: %w", c.OwnerID, err)
	}
	return nil
}

func (r *RedisStore) DeleteByOwner(ctx context.Context, ownerID string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, cartKey(ownerID))
		p.Del(ctx, pendingKey(ownerID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete cart %s: %w", ownerID, err)
	}
	return del.Val() > 0, nil
}

func (r *RedisStore) SavePending(ctx context.Context, ownerID string, payload []byte) error {
	if err := r.client.Set(ctx, pendingKey(ownerID), payload, 0).Err(); err != nil {
		return fmt.Errorf("save pending checkout %s: %w", ownerID, err)
	}
	return nil
}

func (r *RedisStore) GetPending(ctx context.Context, ownerID string) ([]byte, error) {
	data, err := r.client.Get(ctx, pendingKey(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending checkout %s: %w", ownerID, err)
	}
	return data, nil
}
