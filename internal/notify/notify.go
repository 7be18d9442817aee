// Package notify renders code e-mails from templates and pushes them out
// through a messaging Provider.
package notify

import (
	"bytes"
	"context"
	"fmt"
	htmltpl "html/template"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/knadh/otpauth/pkg/models"
)

// Templates are the parsed templates of a code message.
type Templates struct {
	Subject *template.Template
	HTML    *htmltpl.Template
	Text    *template.Template
}

// tplData is the data available to message templates.
type tplData struct {
	AppName    string
	To         string
	Name       string
	Code       string
	TTL        time.Duration
	TTLMinutes int
}

// Notifier delivers codes.
type Notifier struct {
	prov    models.Provider
	tpl     Templates
	appName string
	ttl     time.Duration
}

// New returns a new Notifier that pushes messages through prov. ttl is
// the code validity shown to the recipient.
func New(prov models.Provider, tpl Templates, appName string, ttl time.Duration) *Notifier {
	return &Notifier{
		prov:    prov,
		tpl:     tpl,
		appName: appName,
		ttl:     ttl,
	}
}

// ParseSubject parses a subject line template.
func ParseSubject(s string) (*template.Template, error) {
	return template.New("subject").Funcs(sprig.TxtFuncMap()).Parse(s)
}

// ParseHTML parses an HTML body template.
func ParseHTML(name, s string) (*htmltpl.Template, error) {
	return htmltpl.New(name).Funcs(sprig.FuncMap()).Parse(s)
}

// ParseText parses a plaintext body template.
func ParseText(name, s string) (*template.Template, error) {
	return template.New(name).Funcs(sprig.TxtFuncMap()).Parse(s)
}

// Deliver renders and sends a code to an address.
func (n *Notifier) Deliver(ctx context.Context, to, code, name string) error {
	if err := n.prov.ValidateAddress(to); err != nil {
		return err
	}

	m, err := n.render(to, code, name)
	if err != nil {
		return err
	}

	if max := n.prov.MaxBodyLen(); max > 0 && len(m.HTML)+len(m.Text) > max {
		return fmt.Errorf("message body exceeds %d bytes for provider %s", max, n.prov.ID())
	}

	return n.prov.Push(ctx, m)
}

// render compiles the message templates.
func (n *Notifier) render(to, code, name string) (models.Message, error) {
	var (
		subj = &bytes.Buffer{}
		html = &bytes.Buffer{}
		text = &bytes.Buffer{}

		data = tplData{
			AppName:    n.appName,
			To:         to,
			Name:       name,
			Code:       code,
			TTL:        n.ttl,
			TTLMinutes: int(n.ttl.Minutes()),
		}
	)

	if n.tpl.Subject != nil {
		if err := n.tpl.Subject.Execute(subj, data); err != nil {
			return models.Message{}, err
		}
	}
	if n.tpl.HTML != nil {
		if err := n.tpl.HTML.Execute(html, data); err != nil {
			return models.Message{}, err
		}
	}
	if n.tpl.Text != nil {
		if err := n.tpl.Text.Execute(text, data); err != nil {
			return models.Message{}, err
		}
	}

	return models.Message{
		To:      to,
		Name:    name,
		Code:    code,
		Subject: subj.String(),
		HTML:    html.Bytes(),
		Text:    text.Bytes(),
	}, nil
}
