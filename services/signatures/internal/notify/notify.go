// Package notify builds the emails that carry signature tokens and hands them
// to the mail transport.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/accordsai/openletter/pkg/mailer"
	"github.com/accordsai/openletter/services/signatures/internal/store"

	"github.com/yuin/goldmark"
)

type Kind string

const (
	KindConfirmation     Kind = "confirmation"
	KindSignConfirmation Kind = "sign-confirmation"
)

var ErrSendFailed = errors.New("notification could not be sent")

type Config struct {
	WebsiteURL    string
	PetitionTitle string
	VerifyPath    string
	RevokePath    string
}

type Notifier struct {
	cfg    Config
	sender mailer.Sender
	md     goldmark.Markdown
}

func New(cfg Config, sender mailer.Sender) *Notifier {
	if cfg.VerifyPath == "" {
		cfg.VerifyPath = "verify"
	}
	if cfg.RevokePath == "" {
		cfg.RevokePath = "revoke"
	}
	if cfg.PetitionTitle == "" {
		cfg.PetitionTitle = "Open letter"
	}
	return &Notifier{cfg: cfg, sender: sender, md: goldmark.New()}
}

type templateData struct {
	Title string
	Name  string
	URL   string
}

var bodies = map[Kind]*template.Template{
	KindConfirmation: template.Must(template.New("confirmation").Parse(`# {{.Title}}

Hello {{.Name}},

please follow the link below to **confirm your signature**.

<{{.URL}}>
`)),
	KindSignConfirmation: template.Must(template.New("sign-confirmation").Parse(`# {{.Title}}

Hello {{.Name}},

your signature is confirmed. Thank you for signing!

If you change your mind you can **withdraw your signature** here:

<{{.URL}}>
`)),
}

func (n *Notifier) Subject(kind Kind) string {
	switch kind {
	case KindConfirmation:
		return "Confirm your signature: " + n.cfg.PetitionTitle
	case KindSignConfirmation:
		return "Signature confirmed: " + n.cfg.PetitionTitle
	}
	return n.cfg.PetitionTitle
}

func (n *Notifier) LinkURL(kind Kind, token string) string {
	path := n.cfg.VerifyPath
	if kind == KindSignConfirmation {
		path = n.cfg.RevokePath
	}
	return strings.TrimRight(n.cfg.WebsiteURL, "/") + "/" + strings.Trim(path, "/") + "/" + token
}

// Render returns the subject and HTML body for a message. Equal inputs give
// byte-identical output.
func (n *Notifier) Render(kind Kind, sig store.Signature, token string) (string, string, error) {
	tpl, ok := bodies[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown notification kind %q", kind)
	}
	var src bytes.Buffer
	err := tpl.Execute(&src, templateData{
		Title: escapeMarkdown(n.cfg.PetitionTitle),
		Name:  escapeMarkdown(strings.TrimSpace(sig.FirstName + " " + sig.LastName)),
		URL:   n.LinkURL(kind, token),
	})
	if err != nil {
		return "", "", err
	}
	var html bytes.Buffer
	if err := n.md.Convert(src.Bytes(), &html); err != nil {
		return "", "", err
	}
	return n.Subject(kind), html.String(), nil
}

// Notify sends one message. Every transport failure is reported as
// ErrSendFailed.
func (n *Notifier) Notify(ctx context.Context, kind Kind, sig store.Signature, token string) error {
	subject, body, err := n.Render(kind, sig, token)
	if err != nil {
		return fmt.Errorf("%w: render %s: %v", ErrSendFailed, kind, err)
	}
	err = n.sender.Send(ctx, mailer.Message{
		ToName:   strings.TrimSpace(sig.FirstName + " " + sig.LastName),
		ToEmail:  sig.Email,
		Subject:  subject,
		HTMLBody: body,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSendFailed, kind, err)
	}
	return nil
}

const markdownSpecial = "\\`*_{}[]()#+-.!|<>&~"

func escapeMarkdown(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(markdownSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
