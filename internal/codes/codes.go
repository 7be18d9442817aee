// Package codes manages the lifecycle of one-time codes issued against
// identities: creation, lookup with logical expiry, attempt counting and
// consumption. Records live in a store.Store as JSON blobs, one per
// identity.
package codes

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/otpauth/internal/store"
	"github.com/knadh/otpauth/pkg/models"
)

const (
	keyPrefix = "code:"

	defaultLength      = 6
	defaultTTL         = 10 * time.Minute
	defaultMaxAttempts = 3

	// maxSwaps bounds the optimistic read-modify-write loop on a record.
	maxSwaps = 5
)

var (
	// ErrNotExist is returned when there is no live code for an identity.
	ErrNotExist = errors.New("the code does not exist or has expired")

	// ErrContention is returned when a record keeps changing under an update.
	ErrContention = errors.New("code record is being updated concurrently")
)

var ten = big.NewInt(10)

// Opt represents Store options.
type Opt struct {
	// Length is the number of digits in a code.
	Length int

	// TTL is the logical validity window of a code.
	TTL time.Duration

	// MaxAttempts is the number of failed verifications after which a
	// code is burnt.
	MaxAttempts int

	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
}

// Store is the OTP record store.
type Store struct {
	kv  store.Store
	opt Opt
}

// New returns a new code Store on top of the given key-value store.
func New(kv store.Store, o Opt) *Store {
	if o.Length < 1 {
		o.Length = defaultLength
	}
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	return &Store{kv: kv, opt: o}
}

// TTL returns the validity window of newly created codes.
func (s *Store) TTL() time.Duration {
	return s.opt.TTL
}

// MaxAttempts returns the configured attempt limit.
func (s *Store) MaxAttempts() int {
	return s.opt.MaxAttempts
}

// Create generates a fresh code for an identity and stores it, replacing
// any existing record for the identity. The plaintext code is returned so
// that it can be delivered out-of-band.
func (s *Store) Create(ctx context.Context, identity, subjectID, subjectName string) (models.Record, error) {
	code, err := generateCode(s.opt.Length)
	if err != nil {
		return models.Record{}, err
	}

	now := s.opt.Now()
	rec := models.Record{
		ID:          uuid.NewString(),
		Identity:    identity,
		Code:        code,
		SubjectID:   subjectID,
		SubjectName: subjectName,
		Attempts:    0,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.opt.TTL),
	}

	if err := s.put(ctx, rec, s.opt.TTL); err != nil {
		return models.Record{}, err
	}
	return rec, nil
}

// Fetch returns the live record for an identity. A record past its
// logical expiry is deleted and reported as ErrNotExist even if the
// store hasn't evicted it yet.
func (s *Store) Fetch(ctx context.Context, identity string) (models.Record, error) {
	rec, _, err := s.fetch(ctx, identity)
	return rec, err
}

// RecordFailedAttempt increments the failed attempt count on rec, the
// record a wrong code was checked against, and returns the new count. When
// the count reaches the limit, the record is deleted, burning the code.
// If rec has since been consumed, expired or superseded, nothing is
// counted and 0 is returned.
func (s *Store) RecordFailedAttempt(ctx context.Context, rec models.Record) (int, error) {
	var n int
	ok, err := s.swap(ctx, rec, func(cur *models.Record) ([]byte, time.Duration, error) {
		cur.Attempts++
		n = cur.Attempts
		if n >= s.opt.MaxAttempts {
			return nil, 0, nil
		}

		// Keep the original deadline. The TTL is only ever reduced.
		ttl := cur.ExpiresAt.Sub(s.opt.Now())
		if ttl < time.Millisecond {
			n = 0
			return nil, 0, nil
		}

		b, err := json.Marshal(cur)
		return b, ttl, err
	})
	if err != nil || !ok {
		return 0, err
	}

	return n, nil
}

// Consume deletes rec and reports whether this call removed it. Of two
// concurrent consumers of the same record, only one gets true. A record
// that has been superseded is left alone.
func (s *Store) Consume(ctx context.Context, rec models.Record) (bool, error) {
	return s.swap(ctx, rec, func(*models.Record) ([]byte, time.Duration, error) {
		return nil, 0, nil
	})
}

// Match compares a user supplied code against a record in constant time.
func Match(rec models.Record, code string) bool {
	code = strings.TrimSpace(code)
	if code == "" || rec.Code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) == 1
}

func (s *Store) put(ctx context.Context, rec models.Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, makeKey(rec.Identity), b, ttl)
}

// fetch returns the live record for an identity along with its raw stored
// value for a later CompareAndSwap.
func (s *Store) fetch(ctx context.Context, identity string) (models.Record, []byte, error) {
	key := makeKey(identity)

	b, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return models.Record{}, nil, ErrNotExist
		}
		return models.Record{}, nil, err
	}

	var rec models.Record
	if err := json.Unmarshal(b, &rec); err != nil || rec.Code == "" {
		// An unreadable record can never be verified against.
		if _, err := s.kv.CompareAndSwap(ctx, key, b, nil, 0); err != nil {
			return models.Record{}, nil, err
		}
		return models.Record{}, nil, ErrNotExist
	}

	if rec.Expired(s.opt.Now()) {
		// The answer is ErrNotExist whether or not the delete goes
		// through. The store TTL sweeps up what's left.
		_, _ = s.kv.CompareAndSwap(ctx, key, b, nil, 0)
		return models.Record{}, nil, ErrNotExist
	}

	return rec, b, nil
}

// swap runs fn on the live record issued as rec and writes back what it
// returns: a new value and TTL, or a nil value to delete the record. The
// write only lands if the stored value hasn't changed since it was read.
// Otherwise the record is re-read and fn runs again. It reports false if
// rec is no longer the live record.
func (s *Store) swap(ctx context.Context, rec models.Record, fn func(cur *models.Record) ([]byte, time.Duration, error)) (bool, error) {
	key := makeKey(rec.Identity)

	for i := 0; i < maxSwaps; i++ {
		cur, raw, err := s.fetch(ctx, rec.Identity)
		if err != nil {
			if errors.Is(err, ErrNotExist) {
				return false, nil
			}
			return false, err
		}
		if cur.ID != rec.ID {
			return false, nil
		}

		val, ttl, err := fn(&cur)
		if err != nil {
			return false, err
		}

		ok, err := s.kv.CompareAndSwap(ctx, key, raw, val, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	return false, ErrContention
}

// generateCode generates a cryptographically random numeric string
// of length n with every digit uniformly distributed.
func generateCode(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

func makeKey(identity string) string {
	return keyPrefix + identity
}
