// Package circle looks up community members on a Circle community using
// the headless auth API. A member is resolved by exchanging the
// community's API token for a member access token against an e-mail and
// then fetching the member's profile with it.
package circle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knadh/otpauth/pkg/models"
	"github.com/sethvargo/go-retry"
	"github.com/zerodha/logf"
)

const (
	uriAuthToken = "/api/v1/headless/auth_token"
	uriMe        = "/api/headless/v1/me"

	statusActive = "active"
	defaultName  = "Member"
)

// ErrNotFound is returned when an e-mail doesn't belong to an active member.
var ErrNotFound = errors.New("member not found")

// Conf contains the Circle API configuration.
type Conf struct {
	APIURL   string        `json:"api_url"`
	APIToken string        `json:"api_token"`
	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`

	// Retries is the number of times a transient failure (network error,
	// 429, 5xx) is retried.
	Retries uint64 `json:"retries"`
}

// Circle is a Circle member directory.
type Circle struct {
	cfg   Conf
	token string
	http  *http.Client
	lo    logf.Logger
}

type authTokenResp struct {
	AccessToken string `json:"access_token"`
}

type memberResp struct {
	ID        json.Number `json:"id"`
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	FirstName string      `json:"first_name"`
	Status    string      `json:"status"`
}

// errStatus is a non-2xx API response.
type errStatus struct {
	code int
	body string
}

func (e errStatus) Error() string {
	return fmt.Sprintf("circle API returned %d: %s", e.code, e.body)
}

// New returns a new Circle directory.
func New(cfg Conf, lo logf.Logger) (*Circle, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://app.circle.so"
	}
	if cfg.APIToken == "" {
		return nil, errors.New("invalid api_token")
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	return &Circle{
		cfg: cfg,
		// Tokens pasted into env vars often carry stray whitespace.
		token: strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == '\t' {
				return -1
			}
			return r
		}, strings.TrimSpace(cfg.APIToken)),
		lo: lo,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// Lookup resolves an e-mail to an active member. It returns ErrNotFound
// if there's no such member or the member isn't active.
func (c *Circle) Lookup(ctx context.Context, email string) (models.Member, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	// Exchange the community token for a member token.
	var at authTokenResp
	err := c.do(ctx, http.MethodPost, uriAuthToken, c.token, map[string]string{"email": email}, &at)
	if err != nil {
		var e errStatus
		if errors.As(err, &e) && (e.code == http.StatusNotFound || e.code == http.StatusUnprocessableEntity) {
			return models.Member{}, ErrNotFound
		}
		c.lo.Error("error fetching circle auth token", "error", err)
		return models.Member{}, err
	}
	if at.AccessToken == "" {
		return models.Member{}, ErrNotFound
	}

	// Fetch the member's profile.
	var m memberResp
	if err := c.do(ctx, http.MethodGet, uriMe, at.AccessToken, nil, &m); err != nil {
		c.lo.Error("error fetching circle member", "error", err)
		return models.Member{}, err
	}

	if m.Status != statusActive {
		return models.Member{}, ErrNotFound
	}

	name := m.Name
	if name == "" {
		name = m.FirstName
	}
	if name == "" {
		name = defaultName
	}

	if m.Email == "" {
		m.Email = email
	}

	return models.Member{
		ID:     m.ID.String(),
		Email:  m.Email,
		Name:   name,
		Status: m.Status,
	}, nil
}

// do makes an API request with retries on transient failures and decodes
// the JSON response into out.
func (c *Circle) do(ctx context.Context, method, uri, token string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	b := retry.WithMaxRetries(c.cfg.Retries, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+uri, r)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", "otpauth")
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() {
			// Drain and close the body to let the Transport reuse the connection
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			e := errStatus{code: resp.StatusCode, body: string(msg)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return retry.RetryableError(e)
			}
			return e
		}

		return json.NewDecoder(resp.Body).Decode(out)
	})
}
