// Package sendgrid is an e-mail Provider that delivers messages through
// the SendGrid v3 mail API.
package sendgrid

import (
	"context"
	"errors"
	"fmt"

	"github.com/knadh/otpauth/internal/providers"
	"github.com/knadh/otpauth/pkg/models"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	providerID  = "sendgrid"
	channelName = "E-mail"
	maxBodyLen  = 1024 * 1024
)

// Config contains the SendGrid provider configuration.
type Config struct {
	APIKey    string `json:"api_key"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// SendGrid is the SendGrid e-mail provider.
type SendGrid struct {
	cfg    Config
	client *sendgrid.Client
}

// New returns a new SendGrid provider.
func New(cfg Config) (*SendGrid, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("invalid api_key")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("invalid from_email")
	}

	return &SendGrid{
		cfg:    cfg,
		client: sendgrid.NewSendClient(cfg.APIKey),
	}, nil
}

// ID returns the Provider's ID.
func (s *SendGrid) ID() string {
	return providerID
}

// ChannelName returns the Provider's channel name.
func (s *SendGrid) ChannelName() string {
	return channelName
}

// ValidateAddress "validates" an e-mail address.
func (s *SendGrid) ValidateAddress(to string) error {
	return providers.ValidateEmail(to)
}

// Push sends an e-mail.
func (s *SendGrid) Push(ctx context.Context, m models.Message) error {
	var (
		from = mail.NewEmail(s.cfg.FromName, s.cfg.FromEmail)
		to   = mail.NewEmail(m.Name, m.To)
		msg  = mail.NewSingleEmail(from, m.Subject, to, string(m.Text), string(m.HTML))
	)

	resp, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return err
	}

	// SendGrid replies 202 when a message is queued.
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (s *SendGrid) MaxBodyLen() int {
	return maxBodyLen
}
