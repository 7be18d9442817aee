package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knadh/otpauth/internal/store"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`

	// KeyPrefix is prepended to every key, eg: "otpauth:".
	KeyPrefix string `json:"key_prefix"`
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.Timeout < time.Millisecond {
		c.Timeout = time.Second * 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.MaxActive,
		MaxIdleConns: c.MaxIdle,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.timeout(ctx)
	defer cancel()

	return wrap(r.client.Ping(ctx).Err())
}

// Get returns the value stored against a key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := r.timeout(ctx)
	defer cancel()

	b, err := r.client.Get(ctx, r.makeKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotExist
		}
		return nil, wrap(err)
	}
	return b, nil
}

// Set sets a value against a key with an optional TTL.
func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := r.timeout(ctx)
	defer cancel()

	return wrap(r.client.Set(ctx, r.makeKey(key), val, ttl).Err())
}

// Delete deletes a key.
func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.timeout(ctx)
	defer cancel()

	n, err := r.client.Del(ctx, r.makeKey(key)).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// CompareAndSwap replaces or deletes a key if its value is old. The key is
// WATCHed so that a write by another client between the read and the
// MULTI/EXEC aborts the swap.
func (r *Redis) CompareAndSwap(ctx context.Context, key string, old, val []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := r.timeout(ctx)
	defer cancel()

	var (
		k       = r.makeKey(key)
		swapped bool
	)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		if !bytes.Equal(cur, old) {
			return nil
		}

		if _, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if val == nil {
				p.Del(ctx, k)
			} else {
				p.Set(ctx, k, val, ttl)
			}
			return nil
		}); err != nil {
			return err
		}

		swapped = true
		return nil
	}, k)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return false, nil
		}
		return false, wrap(err)
	}

	return swapped, nil
}

// Incr increments a counter.
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.timeout(ctx)
	defer cancel()

	n, err := r.client.Incr(ctx, r.makeKey(key)).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// Expire sets a TTL on a key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.timeout(ctx)
	defer cancel()

	ok, err := r.client.PExpire(ctx, r.makeKey(key), ttl).Result()
	if err != nil {
		return wrap(err)
	}
	if !ok {
		return store.ErrNotExist
	}
	return nil
}

// TTL returns the remaining TTL of a key.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := r.timeout(ctx)
	defer cancel()

	ttl, err := r.client.PTTL(ctx, r.makeKey(key)).Result()
	if err != nil {
		return 0, wrap(err)
	}

	// go-redis returns the raw -2 (missing) and -1 (no expiry) replies
	// as nanosecond durations.
	switch ttl {
	case -2:
		return 0, store.ErrNotExist
	case -1:
		return -1, nil
	}
	return ttl, nil
}

// Close closes the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// timeout bounds a single round trip to the server.
func (r *Redis) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.conf.Timeout)
}

// makeKey makes the Redis key.
func (r *Redis) makeKey(key string) string {
	return r.conf.KeyPrefix + key
}

// wrap marks an error as a store failure.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
