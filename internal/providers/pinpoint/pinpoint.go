package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/knadh/otpauth/internal/providers"
	"github.com/knadh/otpauth/pkg/models"
)

const (
	providerID  = "pinpoint"
	channelName = "E-mail"
	charset     = "UTF-8"

	// SES, which backs Pinpoint e-mail, caps raw messages at 10 MB.
	maxBodyLen = 10 * 1024 * 1024
)

// Pinpoint implements the AWS Pinpoint e-mail provider.
type Pinpoint struct {
	cfg Config
	p   *pinpoint.Client
}

// Config contains the Pinpoint provider configuration.
type Config struct {
	ApplicationID string        `json:"application_id"`
	AccessKey     string        `json:"access_key"`
	SecretKey     string        `json:"secret_key"`
	Region        string        `json:"region"`
	FromEmail     string        `json:"from_email"`
	Timeout       time.Duration `json:"timeout"`

	// Endpoint optionally overrides the API endpoint, eg: for a VPC
	// endpoint or a local mock.
	Endpoint string `json:"endpoint"`
}

// New returns an instance of the Pinpoint e-mail provider.
func New(cfg Config) (*Pinpoint, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("invalid application_id")
	}
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("invalid access_key")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("invalid secret_key")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("invalid from_email")
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}

	cfgAws, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	client := pinpoint.NewFromConfig(cfgAws, func(o *pinpoint.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Pinpoint{cfg: cfg, p: client}, nil
}

// ID returns the Provider's ID.
func (p *Pinpoint) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (p *Pinpoint) ChannelName() string {
	return channelName
}

// ValidateAddress "validates" an e-mail address.
func (p *Pinpoint) ValidateAddress(to string) error {
	return providers.ValidateEmail(to)
}

// Push sends an e-mail.
func (p *Pinpoint) Push(ctx context.Context, m models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	email := &types.SimpleEmail{
		Subject: part(m.Subject),
	}
	if len(m.HTML) > 0 {
		email.HtmlPart = part(string(m.HTML))
	}
	if len(m.Text) > 0 {
		email.TextPart = part(string(m.Text))
	}

	input := &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				m.To: {
					ChannelType: types.ChannelTypeEmail,
				},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				EmailMessage: &types.EmailMessage{
					FromAddress: aws.String(p.cfg.FromEmail),
					SimpleEmail: email,
				},
			},
		},
	}

	out, err := p.p.SendMessages(ctx, input)
	if err != nil {
		return err
	}

	// The API call succeeding doesn't mean the message went out.
	if out.MessageResponse != nil {
		if res, ok := out.MessageResponse.Result[m.To]; ok && res.DeliveryStatus != types.DeliveryStatusSuccessful {
			return fmt.Errorf("pinpoint delivery %s: %s", res.DeliveryStatus, aws.ToString(res.StatusMessage))
		}
	}

	return nil
}

// MaxBodyLen returns the max permitted body size.
func (p *Pinpoint) MaxBodyLen() int {
	return maxBodyLen
}

func part(s string) *types.SimpleEmailPart {
	return &types.SimpleEmailPart{
		Charset: aws.String(charset),
		Data:    aws.String(s),
	}
}
