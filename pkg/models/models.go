package models

import (
	"context"
	"time"
)

// Record is a one-time code issued against an identity (a normalised
// e-mail address). There is at most one live Record per identity.
type Record struct {
	// ID is unique per issued code. A superseding code gets a new ID.
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	Code        string    `json:"code"`
	SubjectID   string    `json:"subject_id"`
	SubjectName string    `json:"subject_name"`
	Attempts    int       `json:"attempts"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired tells if the record's logical expiry has passed at t.
func (r Record) Expired(t time.Time) bool {
	return t.After(r.ExpiresAt)
}

// Member is an authenticated subject as returned by the member directory.
type Member struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Message is a rendered code notification handed to a Provider.
type Message struct {
	To      string
	Name    string
	Code    string
	Subject string
	HTML    []byte
	Text    []byte
}

// ProviderConfig is the message template configuration shared by all Providers.
type ProviderConfig struct {
	Subject      string `json:"subject"`
	HTMLTemplate string `json:"html_template"`
	TextTemplate string `json:"text_template"`
}

// Provider is an interface for a messaging backend that can deliver
// codes, for instance, SMTP or a transactional e-mail API.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// ChannelName returns the name of the channel the provider delivers
	// on, for example "E-mail".
	ChannelName() string

	// ValidateAddress validates the 'to' address the Provider
	// is supposed to send the code to.
	ValidateAddress(to string) error

	// Push pushes a message out.
	Push(ctx context.Context, m Message) error

	// MaxBodyLen returns the maximum permitted length of the body
	// that can be sent by the Provider. 0 is unlimited.
	MaxBodyLen() int
}
