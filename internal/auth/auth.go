// Package auth implements the e-mail one-time code login flow: an identity
// requests a code, which is mailed out, and exchanges it for a signed token.
//
// Per identity, a code moves from Issued to one of Verified, Expired or
// AttemptsExhausted. Requesting a new code while one is outstanding
// supersedes it. All state lives in the key-value store behind the code
// store and the rate limiter, so any number of stateless instances can
// serve requests concurrently.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/otpauth/internal/codes"
	"github.com/knadh/otpauth/internal/ratelimit"
	"github.com/knadh/otpauth/internal/tokens"
	"github.com/knadh/otpauth/pkg/models"
	"github.com/zerodha/logf"
)

var (
	// ErrRateLimited is returned when an identity has requested too many
	// codes in the current window.
	ErrRateLimited = errors.New("too many code requests")

	// ErrUnknownIdentity is returned when the identity isn't an active member.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrDeliveryFailed is returned when a code was issued but couldn't be sent.
	ErrDeliveryFailed = errors.New("error sending code")

	// ErrInvalidOrExpired is returned when there is no live code for the identity.
	ErrInvalidOrExpired = errors.New("invalid or expired code")

	// ErrInvalidCode is returned when the code doesn't match.
	ErrInvalidCode = errors.New("incorrect code")

	// ErrAttemptsExhausted is returned when a wrong code burns the last attempt.
	ErrAttemptsExhausted = errors.New("too many incorrect attempts")

	// ErrStoreUnavailable is returned when the state store can't be reached.
	// It is the only retryable error.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTokenFailed is returned when a verified code couldn't be turned
	// into a token. The code is consumed by then.
	ErrTokenFailed = errors.New("error issuing token")
)

// InvalidCodeError is returned for a wrong code with attempts to spare.
// It matches ErrInvalidCode.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("%s: %d attempts remaining", ErrInvalidCode, e.Remaining)
}

// Is makes errors.Is(err, ErrInvalidCode) work.
func (e *InvalidCodeError) Is(target error) bool {
	return target == ErrInvalidCode
}

// RateLimitError is returned when an identity is rate limited. It matches
// ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return ErrRateLimited.Error()
}

// Is makes errors.Is(err, ErrRateLimited) work.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Directory resolves an identity to an active member. Any error,
// not-found or otherwise, rejects the identity.
type Directory interface {
	Lookup(ctx context.Context, email string) (models.Member, error)
}

// Deliverer sends a code to an identity out-of-band.
type Deliverer interface {
	Deliver(ctx context.Context, to, code, name string) error
}

// TokenIssuer mints and verifies session tokens.
type TokenIssuer interface {
	Issue(subjectID, subjectName, email string) (tokens.Token, error)
	Verify(token string) (tokens.Claims, error)
}

// Auth is the code login state machine.
type Auth struct {
	codes   *codes.Store
	limiter *ratelimit.Limiter
	dir     Directory
	del     Deliverer
	tokens  TokenIssuer
	lo      logf.Logger
}

// New returns a new Auth.
func New(c *codes.Store, l *ratelimit.Limiter, dir Directory, del Deliverer, tk TokenIssuer, lo logf.Logger) *Auth {
	return &Auth{
		codes:   c,
		limiter: l,
		dir:     dir,
		del:     del,
		tokens:  tk,
		lo:      lo,
	}
}

// Normalize case-folds and trims an e-mail identity.
func Normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// RequestCode issues a new code for an identity and delivers it,
// superseding any outstanding code. It returns the code's validity window.
//
// If delivery fails, the stored code stays valid and expires on its own.
func (a *Auth) RequestCode(ctx context.Context, identity string) (time.Duration, error) {
	id := Normalize(identity)
	if id == "" {
		return 0, ErrUnknownIdentity
	}

	ok, err := a.limiter.TryAcquire(ctx, id)
	if err != nil {
		a.lo.Error("error checking rate limit", "error", err)
		return 0, storeErr(err)
	}
	if !ok {
		wait, err := a.limiter.Remaining(ctx, id)
		if err != nil {
			wait = a.limiter.Window()
		}
		return 0, &RateLimitError{RetryAfter: wait}
	}

	m, err := a.dir.Lookup(ctx, id)
	if err != nil || m.ID == "" {
		a.lo.Debug("identity lookup failed", "identity", id, "error", err)
		return 0, ErrUnknownIdentity
	}

	rec, err := a.codes.Create(ctx, id, m.ID, m.Name)
	if err != nil {
		a.lo.Error("error creating code", "error", err)
		return 0, storeErr(err)
	}

	if err := a.del.Deliver(ctx, id, rec.Code, m.Name); err != nil {
		a.lo.Error("error delivering code", "identity", id, "error", err)
		return 0, ErrDeliveryFailed
	}

	return a.codes.TTL(), nil
}

// SubmitCode verifies a code for an identity and on success consumes it
// and returns a signed token.
func (a *Auth) SubmitCode(ctx context.Context, identity, code string) (tokens.Token, error) {
	var (
		id = Normalize(identity)
		cd = strings.TrimSpace(code)
	)
	if id == "" || cd == "" {
		return tokens.Token{}, ErrInvalidOrExpired
	}

	rec, err := a.codes.Fetch(ctx, id)
	if err != nil {
		if errors.Is(err, codes.ErrNotExist) {
			return tokens.Token{}, ErrInvalidOrExpired
		}
		a.lo.Error("error fetching code", "error", err)
		return tokens.Token{}, storeErr(err)
	}

	if !codes.Match(rec, cd) {
		n, err := a.codes.RecordFailedAttempt(ctx, rec)
		if err != nil {
			a.lo.Error("error recording failed attempt", "error", err)
			return tokens.Token{}, storeErr(err)
		}

		max := a.codes.MaxAttempts()
		switch {
		case n == 0:
			// Expired, consumed or superseded in between.
			return tokens.Token{}, ErrInvalidOrExpired
		case n >= max:
			return tokens.Token{}, ErrAttemptsExhausted
		}
		return tokens.Token{}, &InvalidCodeError{Remaining: max - n}
	}

	ok, err := a.codes.Consume(ctx, rec)
	if err != nil {
		a.lo.Error("error consuming code", "error", err)
		return tokens.Token{}, storeErr(err)
	}
	if !ok {
		// A concurrent submission consumed it first, or a new code
		// superseded it.
		return tokens.Token{}, ErrInvalidOrExpired
	}

	// The code is burnt from here on. A failure means a new code has to
	// be requested.
	tk, err := a.tokens.Issue(rec.SubjectID, rec.SubjectName, rec.Identity)
	if err != nil {
		a.lo.Error("error issuing token", "identity", id, "error", err)
		return tokens.Token{}, fmt.Errorf("%w: %v", ErrTokenFailed, err)
	}

	return tk, nil
}

// VerifyToken validates a token issued by SubmitCode.
func (a *Auth) VerifyToken(token string) (tokens.Claims, error) {
	return a.tokens.Verify(strings.TrimSpace(token))
}

// MaxAttempts returns the number of wrong codes allowed per issued code.
func (a *Auth) MaxAttempts() int {
	return a.codes.MaxAttempts()
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
