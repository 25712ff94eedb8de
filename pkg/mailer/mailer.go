// Package mailer delivers rendered HTML messages over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
)

type Message struct {
	ToName   string
	ToEmail  string
	Subject  string
	HTMLBody string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPConfig struct {
	// URL is smtp://host[:port] (STARTTLS when offered) or smtps://host[:port].
	URL      string
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

type SMTPSender struct {
	from string
	opts []mail.Option
	host string
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail sender address is required")
	}
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse smtp url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("smtp url %q has no host", cfg.URL)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid smtp port %q", p)
		}
	}
	var opts []mail.Option
	// an explicit port wins over the scheme's default port
	switch strings.ToLower(u.Scheme) {
	case "smtps":
		if port == 0 {
			opts = append(opts, mail.WithSSLPort(false))
		} else {
			opts = append(opts, mail.WithSSL(), mail.WithPort(port))
		}
	case "smtp", "":
		if port == 0 {
			opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
		} else {
			opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic), mail.WithPort(port))
		}
	default:
		return nil, fmt.Errorf("unsupported smtp scheme %q", u.Scheme)
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	return &SMTPSender{from: cfg.From, opts: opts, host: host}, nil
}

func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	msg, err := buildMsg(s.from, m)
	if err != nil {
		return err
	}
	client, err := s.client()
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) client() (*mail.Client, error) {
	return mail.NewClient(s.host, s.opts...)
}

func buildMsg(from string, m Message) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.AddToFormat(strings.TrimSpace(m.ToName), m.ToEmail); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextHTML, m.HTMLBody)
	return msg, nil
}

// LogSender writes messages to the log instead of delivering them. It keeps
// the last message per recipient so local runs can pick up links.
type LogSender struct {
	logger *slog.Logger
	mu     sync.Mutex
	last   map[string]Message
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &LogSender{logger: logger, last: map[string]Message{}}
}

func (s *LogSender) Send(ctx context.Context, m Message) error {
	s.mu.Lock()
	s.last[strings.ToLower(m.ToEmail)] = m
	s.mu.Unlock()
	s.logger.Info("mail not delivered, log transport",
		"component", "mailer",
		"subject", m.Subject,
		"body", m.HTMLBody,
	)
	return nil
}

func (s *LogSender) Last(email string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.last[strings.ToLower(email)]
	return m, ok
}
