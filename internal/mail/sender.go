// Package mail delivers the digest over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

const defaultTimeout = 30 * time.Second

// Config holds SMTP transport settings.
type Config struct {
	Host     string
	Port     int
	Secure   bool
	Username string
	Password string
	From     string
	To       []string
	Timeout  time.Duration
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) sender() string {
	if c.From != "" {
		return c.From
	}
	return c.Username
}

// DeliverFunc transmits a composed message.
type DeliverFunc func(ctx context.Context, cfg Config, msg *gomail.Msg) error

// Sender implements monitor.DigestSender over SMTP.
type Sender struct {
	cfg     Config
	deliver DeliverFunc
	now     func() time.Time
	logger  *zap.Logger
}

// Option customizes a Sender.
type Option func(*Sender)

// WithDeliver replaces the SMTP transport.
func WithDeliver(fn DeliverFunc) Option {
	return func(s *Sender) { s.deliver = fn }
}

// WithClock overrides the Date header source.
func WithClock(c monitor.Clock) Option {
	return func(s *Sender) { s.now = c.Now }
}

// New validates cfg and returns a Sender.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Sender, error) {
	if cfg.Host == "" {
		return nil, errors.New("mail: host is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("mail: port must be > 0")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("mail: at least one recipient is required")
	}
	if cfg.sender() == "" {
		return nil, errors.New("mail: from or username is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sender{cfg: cfg, deliver: deliverSMTP, now: time.Now, logger: logger.Named("mail")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send composes the digest and delivers it to every recipient.
func (s *Sender) Send(ctx context.Context, items []monitor.DigestItem) error {
	if len(items) == 0 {
		return nil
	}
	msg, err := Compose(s.cfg, items, s.now())
	if err != nil {
		return err
	}
	if err := s.deliver(ctx, s.cfg, msg); err != nil {
		return fmt.Errorf("deliver digest: %w", err)
	}
	s.logger.Info("digest mailed", zap.Int("recipients", len(s.cfg.To)), zap.Int("records", len(items)))
	return nil
}

// Subject returns the digest subject for n new entries.
func Subject(n int) string {
	return fmt.Sprintf("Novos andamentos (%d)", n)
}

// Compose renders a multipart/alternative message with text and HTML bodies.
// Parts are quoted-printable encoded and all recipients share one To header.
func Compose(cfg Config, items []monitor.DigestItem, now time.Time) (*gomail.Msg, error) {
	view := digestView{Items: items}
	for _, it := range items {
		view.Count += len(it.NewEntries)
	}

	msg := gomail.NewMsg(gomail.WithEncoding(gomail.EncodingQP), gomail.WithCharset(gomail.CharsetUTF8))
	if err := msg.From(cfg.sender()); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(cfg.To...); err != nil {
		return nil, fmt.Errorf("set recipients: %w", err)
	}
	msg.Subject(Subject(view.Count))
	msg.SetDateWithValue(now)
	if err := msg.SetBodyTextTemplate(textBody, view); err != nil {
		return nil, fmt.Errorf("render text body: %w", err)
	}
	if err := msg.AddAlternativeHTMLTemplate(htmlBody, view); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	return msg, nil
}

// deliverSMTP uses implicit TLS when cfg.Secure is set, and upgrades with
// STARTTLS when the server offers it otherwise.
func deliverSMTP(ctx context.Context, cfg Config, msg *gomail.Msg) error {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(cfg.Timeout),
	}
	if cfg.Secure {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send to %s: %w", cfg.addr(), err)
	}
	return nil
}
