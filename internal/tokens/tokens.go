// Package tokens mints and verifies the signed session tokens handed out
// after a successful code verification.
package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultTTL      = 7 * 24 * time.Hour
	defaultAudience = "mcp-client"
	minSecretLen    = 32
)

var (
	// ErrSecretTooShort is returned when the HMAC secret is too short.
	ErrSecretTooShort = errors.New("token secret must be at least 32 bytes")

	// ErrInvalidToken is returned when a token is malformed, has a bad
	// signature, has expired or has unexpected claims.
	ErrInvalidToken = errors.New("invalid token")
)

// Conf contains token configuration fields.
type Conf struct {
	Secret       string        `json:"secret"`
	Issuer       string        `json:"issuer"`
	Audience     string        `json:"audience"`
	TTL          time.Duration `json:"ttl"`
	CommunityURL string        `json:"community_url"`
}

// Claims are the claims carried by a token.
type Claims struct {
	jwt.RegisteredClaims

	MemberID     string `json:"member_id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	CommunityURL string `json:"community_url,omitempty"`
}

// Token is a signed token and its expiry.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int64     `json:"expires_in"`
}

// Issuer issues and verifies HS256 tokens.
type Issuer struct {
	conf Conf
	now  func() time.Time
}

// New returns a new Issuer.
func New(c Conf, now func() time.Time) (*Issuer, error) {
	if len(c.Secret) < minSecretLen {
		return nil, ErrSecretTooShort
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.Audience == "" {
		c.Audience = defaultAudience
	}
	if now == nil {
		now = time.Now
	}

	return &Issuer{conf: c, now: now}, nil
}

// Issue mints a token for an authenticated subject.
func (i *Issuer) Issue(subjectID, subjectName, email string) (Token, error) {
	var (
		now = i.now()
		exp = now.Add(i.conf.TTL)
	)

	tk := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subjectID,
			Issuer:    i.conf.Issuer,
			Audience:  jwt.ClaimStrings{i.conf.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		MemberID:     subjectID,
		Email:        email,
		Name:         subjectName,
		CommunityURL: i.conf.CommunityURL,
	})

	s, err := tk.SignedString([]byte(i.conf.Secret))
	if err != nil {
		return Token{}, err
	}

	return Token{
		Token:     s,
		ExpiresAt: exp,
		ExpiresIn: int64(i.conf.TTL.Seconds()),
	}, nil
}

// Verify parses and validates a token and returns its claims.
func (i *Issuer) Verify(token string) (Claims, error) {
	var c Claims

	tk, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return []byte(i.conf.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.conf.Issuer),
		jwt.WithAudience(i.conf.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !tk.Valid {
		return Claims{}, ErrInvalidToken
	}

	return c, nil
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.conf.TTL
}
