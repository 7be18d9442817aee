package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/knadh/otpauth/internal/codes"
	"github.com/knadh/otpauth/internal/ratelimit"
	"github.com/knadh/otpauth/internal/store"
	"github.com/knadh/otpauth/internal/store/memory"
	"github.com/knadh/otpauth/internal/tokens"
	"github.com/knadh/otpauth/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
)

const dummyIdentity = "a@x.com"

var ctx = context.Background()

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) add(d time.Duration) {
	c.t = c.t.Add(d)
}

type dummyDirectory struct {
	members map[string]models.Member
	err     error
}

func (d *dummyDirectory) Lookup(_ context.Context, email string) (models.Member, error) {
	if d.err != nil {
		return models.Member{}, d.err
	}
	m, ok := d.members[email]
	if !ok {
		return models.Member{}, errors.New("not found")
	}
	return m, nil
}

type dummyDeliverer struct {
	mu    sync.Mutex
	codes map[string]string
	names map[string]string
	err   error
}

func (d *dummyDeliverer) Deliver(_ context.Context, to, code, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// The code is recorded even on failure to simulate a send that
	// errored but still reached the inbox.
	d.codes[to] = code
	d.names[to] = name
	return d.err
}

func (d *dummyDeliverer) code(to string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codes[to]
}

type env struct {
	auth *Auth
	dir  *dummyDirectory
	del  *dummyDeliverer

	// clk drives code expiry and token timestamps. kvClk drives the
	// store's own TTL eviction so that the two can be moved apart.
	clk   *clock
	kvClk *clock
}

func setup(t *testing.T) *env {
	return setupWithKV(t, nil)
}

func setupWithKV(t *testing.T, kv store.Store) *env {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &env{
		clk:   &clock{t: start},
		kvClk: &clock{t: start},
		dir: &dummyDirectory{members: map[string]models.Member{
			dummyIdentity: {ID: "42", Email: dummyIdentity, Name: "Ada", Status: "active"},
			"b@x.com":     {ID: "43", Email: "b@x.com", Name: "Bob", Status: "active"},
		}},
		del: &dummyDeliverer{codes: map[string]string{}, names: map[string]string{}},
	}
	if kv == nil {
		kv = memory.New(e.kvClk.now)
	}

	tk, err := tokens.New(tokens.Conf{
		Secret: strings.Repeat("s", 32),
		Issuer: "otpauth",
	}, e.clk.now)
	require.NoError(t, err)

	e.auth = New(
		codes.New(kv, codes.Opt{MaxAttempts: 3, Now: e.clk.now}),
		ratelimit.New(kv, ratelimit.Opt{Max: 3, Window: time.Hour}),
		e.dir, e.del, tk, logf.New(logf.Opts{}))
	return e
}

// wrongCode returns a code that differs from code at every digit.
func wrongCode(code string, shift int) string {
	b := []byte(code)
	for i, c := range b {
		b[i] = '0' + byte((int(c-'0')+shift)%10)
	}
	return string(b)
}

func TestRequestAndSubmit(t *testing.T) {
	e := setup(t)

	ttl, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)

	code := e.del.code(dummyIdentity)
	assert.Len(t, code, 6)
	assert.Equal(t, "Ada", e.del.names[dummyIdentity])

	tk, err := e.auth.SubmitCode(ctx, dummyIdentity, " "+code+" ")
	require.NoError(t, err)
	assert.NotEmpty(t, tk.Token)
	assert.Equal(t, int64((7 * 24 * time.Hour).Seconds()), tk.ExpiresIn)

	cl, err := e.auth.VerifyToken(tk.Token)
	require.NoError(t, err)
	assert.Equal(t, "42", cl.MemberID)
	assert.Equal(t, "Ada", cl.Name)
	assert.Equal(t, dummyIdentity, cl.Email)

	// Single use.
	_, err = e.auth.SubmitCode(ctx, dummyIdentity, code)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestNormalize(t *testing.T) {
	e := setup(t)

	_, err := e.auth.RequestCode(ctx, "  A@X.com ")
	require.NoError(t, err)

	_, err = e.auth.SubmitCode(ctx, "a@x.COM", e.del.code(dummyIdentity))
	assert.NoError(t, err)
}

func TestSupersede(t *testing.T) {
	e := setup(t)

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	old := e.del.code(dummyIdentity)

	_, err = e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	cur := e.del.code(dummyIdentity)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, old)
	if old == cur {
		// One in a million.
		assert.NoError(t, err)
		return
	}
	require.Error(t, err, "superseded code must not verify")
	assert.True(t, errors.Is(err, ErrInvalidOrExpired) || errors.Is(err, ErrInvalidCode))

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, cur)
	assert.NoError(t, err)
}

func TestAttemptsExhausted(t *testing.T) {
	e := setup(t)

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	code := e.del.code(dummyIdentity)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, wrongCode(code, 1))
	var ic *InvalidCodeError
	require.ErrorAs(t, err, &ic)
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.Equal(t, 2, ic.Remaining)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, wrongCode(code, 2))
	require.ErrorAs(t, err, &ic)
	assert.Equal(t, 1, ic.Remaining)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, wrongCode(code, 3))
	assert.ErrorIs(t, err, ErrAttemptsExhausted)

	// The real code is burned too.
	_, err = e.auth.SubmitCode(ctx, dummyIdentity, code)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestCorrectAfterWrong(t *testing.T) {
	e := setup(t)

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	code := e.del.code(dummyIdentity)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, wrongCode(code, 5))
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, code)
	assert.NoError(t, err)
}

func TestExpired(t *testing.T) {
	e := setup(t)

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	code := e.del.code(dummyIdentity)

	e.clk.add(10*time.Minute + time.Second)
	e.kvClk.add(10*time.Minute + time.Second)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, code)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestExpiredBeforeEviction(t *testing.T) {
	e := setup(t)

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	code := e.del.code(dummyIdentity)

	// The record is past its deadline but the store still holds it.
	e.clk.add(time.Hour)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, wrongCode(code, 1))
	assert.ErrorIs(t, err, ErrInvalidOrExpired, "a wrong code on an expired record isn't an attempt")

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, code)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestRateLimit(t *testing.T) {
	e := setup(t)

	for i := 0; i < 3; i++ {
		_, err := e.auth.RequestCode(ctx, dummyIdentity)
		require.NoError(t, err, "request %d", i+1)
	}

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, time.Hour, rl.RetryAfter)

	// Limits are per identity.
	_, err = e.auth.RequestCode(ctx, "b@x.com")
	assert.NoError(t, err)

	e.kvClk.add(time.Hour)
	_, err = e.auth.RequestCode(ctx, dummyIdentity)
	assert.NoError(t, err, "a new window should allow requests again")
}

func TestUnknownIdentity(t *testing.T) {
	e := setup(t)

	_, err := e.auth.RequestCode(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.Empty(t, e.del.code("nobody@x.com"), "nothing should be sent")

	_, err = e.auth.RequestCode(ctx, "")
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	// Directory failures fail closed.
	e.dir.err = errors.New("directory down")
	_, err = e.auth.RequestCode(ctx, dummyIdentity)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestDeliveryFailed(t *testing.T) {
	e := setup(t)
	e.del.err = errors.New("smtp: connection refused")

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	// The stored code remains usable.
	_, err = e.auth.SubmitCode(ctx, dummyIdentity, e.del.code(dummyIdentity))
	assert.NoError(t, err)
}

func TestSubmitWithoutCode(t *testing.T) {
	e := setup(t)

	_, err := e.auth.SubmitCode(ctx, dummyIdentity, "123456")
	assert.ErrorIs(t, err, ErrInvalidOrExpired)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, "  ")
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestConcurrentSubmit(t *testing.T) {
	e := setup(t)

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	code := e.del.code(dummyIdentity)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.auth.SubmitCode(ctx, dummyIdentity, code); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok, "exactly one submission should get a token")
}

type downKV struct{}

var errDown = errors.Join(store.ErrUnavailable, errors.New("dial tcp: connection refused"))

func (downKV) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (downKV) Set(context.Context, string, []byte, time.Duration) error { return errDown }
func (downKV) Delete(context.Context, string) (bool, error) { return false, errDown }
func (downKV) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	return false, errDown
}
func (downKV) Incr(context.Context, string) (int64, error) { return 0, errDown }
func (downKV) Expire(context.Context, string, time.Duration) error { return errDown }
func (downKV) TTL(context.Context, string) (time.Duration, error) { return 0, errDown }
func (downKV) Ping(context.Context) error { return errDown }

func TestStoreUnavailable(t *testing.T) {
	e := setupWithKV(t, downKV{})

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrRateLimited)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, "123456")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidOrExpired, "an outage mustn't look like a bad code")
}

// racyKV runs before() once, just before the next CompareAndSwap.
type racyKV struct {
	store.Store
	before func()
}

func (r *racyKV) CompareAndSwap(ctx context.Context, key string, old, val []byte, ttl time.Duration) (bool, error) {
	if fn := r.before; fn != nil {
		r.before = nil
		fn()
	}
	return r.Store.CompareAndSwap(ctx, key, old, val, ttl)
}

func TestWrongCodeRacingCorrectCode(t *testing.T) {
	kv := &racyKV{Store: memory.New(nil)}
	e := setupWithKV(t, kv)

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	code := e.del.code(dummyIdentity)

	// The correct code is consumed while a wrong one is mid-way through
	// recording its failed attempt.
	var okErr error
	kv.before = func() {
		_, okErr = e.auth.SubmitCode(ctx, dummyIdentity, code)
	}

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, wrongCode(code, 1))
	require.NoError(t, okErr, "correct code should've been accepted")
	assert.ErrorIs(t, err, ErrInvalidOrExpired)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, code)
	assert.ErrorIs(t, err, ErrInvalidOrExpired, "consumed code issued a second token")
}

func TestWrongCodeRacingNewCode(t *testing.T) {
	kv := &racyKV{Store: memory.New(nil)}
	e := setupWithKV(t, kv)

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	old := e.del.code(dummyIdentity)

	kv.before = func() {
		_, err := e.auth.RequestCode(ctx, dummyIdentity)
		require.NoError(t, err)
	}

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, wrongCode(old, 1))
	assert.ErrorIs(t, err, ErrInvalidOrExpired)

	next := e.del.code(dummyIdentity)
	if next != old {
		_, err = e.auth.SubmitCode(ctx, dummyIdentity, old)
		assert.ErrorIs(t, err, ErrInvalidOrExpired, "superseded code was written back")
	}

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, next)
	assert.NoError(t, err, "new code should still verify")
}

type failingIssuer struct {
	TokenIssuer
}

func (failingIssuer) Issue(string, string, string) (tokens.Token, error) {
	return tokens.Token{}, errors.New("signing failed")
}

func TestTokenFailure(t *testing.T) {
	e := setup(t)
	e.auth.tokens = failingIssuer{TokenIssuer: e.auth.tokens}

	_, err := e.auth.RequestCode(ctx, dummyIdentity)
	require.NoError(t, err)
	code := e.del.code(dummyIdentity)

	_, err = e.auth.SubmitCode(ctx, dummyIdentity, code)
	assert.ErrorIs(t, err, ErrTokenFailed)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)

	// The code was consumed before the token was minted.
	_, err = e.auth.SubmitCode(ctx, dummyIdentity, code)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}
