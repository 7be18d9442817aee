// Package ratelimit implements a fixed window counter that bounds how
// often an identity may request a new code.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/knadh/otpauth/internal/store"
)

const (
	keyPrefix = "rate:"

	defaultMax    = 3
	defaultWindow = time.Hour
)

// Opt represents Limiter options.
type Opt struct {
	// Max is the number of requests allowed in a window.
	Max int

	// Window is the length of a window. It starts at the first request.
	Window time.Duration
}

// Limiter is a per-identity fixed window limiter.
type Limiter struct {
	kv  store.Store
	opt Opt
}

// New returns a new Limiter.
func New(kv store.Store, o Opt) *Limiter {
	if o.Max < 1 {
		o.Max = defaultMax
	}
	if o.Window <= 0 {
		o.Window = defaultWindow
	}
	return &Limiter{kv: kv, opt: o}
}

// TryAcquire counts a request against an identity and tells if it's
// within the limit. Rejected requests are counted too, so hammering the
// endpoint keeps the identity locked out until the window ends.
func (l *Limiter) TryAcquire(ctx context.Context, identity string) (bool, error) {
	key := makeKey(identity)

	n, err := l.kv.Incr(ctx, key)
	if err != nil {
		return false, err
	}

	if n == 1 {
		// First hit in this window starts the clock.
		if err := l.kv.Expire(ctx, key, l.opt.Window); err != nil {
			return false, err
		}
	} else if err := l.heal(ctx, key); err != nil {
		return false, err
	}

	return n <= int64(l.opt.Max), nil
}

// Remaining returns the time left until the identity's window resets.
// It returns 0 if there's no active window.
func (l *Limiter) Remaining(ctx context.Context, identity string) (time.Duration, error) {
	ttl, err := l.kv.TTL(ctx, makeKey(identity))
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Window returns the configured window.
func (l *Limiter) Window() time.Duration {
	return l.opt.Window
}

// heal re-applies the window on a counter that has lost its expiry, for
// instance when the process died between INCR and EXPIRE. Without it the
// identity would be locked out forever.
func (l *Limiter) heal(ctx context.Context, key string) error {
	ttl, err := l.kv.TTL(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return nil
		}
		return err
	}
	if ttl >= 0 {
		return nil
	}

	if err := l.kv.Expire(ctx, key, l.opt.Window); err != nil && !errors.Is(err, store.ErrNotExist) {
		return err
	}
	return nil
}

func makeKey(identity string) string {
	return keyPrefix + identity
}
