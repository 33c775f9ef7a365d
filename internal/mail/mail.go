// Package mail renders and dispatches outbound email.
package mail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/web-tech-tw/freya-go/internal/config"
	"github.com/web-tech-tw/freya-go/internal/logutil"
)

var (
	ErrUnknownTemplate = errors.New("unknown mail template")
	ErrNoRecipient     = errors.New("mail has no recipient")
)

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Mailer renders templates and hands the result to a Sender.
type Mailer struct {
	sender Sender
	logger *slog.Logger
}

func NewMailer(sender Sender, logger *slog.Logger) *Mailer {
	return &Mailer{sender: sender, logger: logutil.NoopIfNil(logger)}
}

// Send renders the named template with data and delivers it.
func (m *Mailer) Send(ctx context.Context, name string, data Data) error {
	msg, err := Render(name, data)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Error("mail delivery failed", "template", name, "error", err)
		return fmt.Errorf("send %s: %w", name, err)
	}
	m.logger.Info("mail sent", "template", name)
	return nil
}

// NewSenderFromConfig builds the configured driver.
func NewSenderFromConfig(cfg config.MailConfig, logger *slog.Logger) (Sender, error) {
	switch cfg.Driver {
	case "log":
		return NewLogSender(logger), nil
	case "smtp":
		return NewSMTPSender(cfg)
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
	}
}

// LogSender writes mail to the logger instead of delivering it.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logutil.NoopIfNil(logger)}
}

// Send logs the envelope at info and the text body at debug.
func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.InfoContext(ctx, "mail (log driver)", "to", msg.To, "subject", msg.Subject)
	s.logger.DebugContext(ctx, "mail body (log driver)", "text", msg.Text)
	return nil
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	from   string
	client *gomail.Client
}

func tlsPolicy(name string) gomail.TLSPolicy {
	switch name {
	case "opportunistic":
		return gomail.TLSOpportunistic
	case "none":
		return gomail.NoTLS
	default:
		return gomail.TLSMandatory
	}
}

// NewSMTPSender prepares a client; no connection is made until Send.
func NewSMTPSender(cfg config.MailConfig) (*SMTPSender, error) {
	opts := []gomail.Option{
		gomail.WithTLSPolicy(tlsPolicy(cfg.SMTP.TLSPolicy)),
		gomail.WithTimeout(15 * time.Second),
	}
	if cfg.SMTP.Port > 0 {
		opts = append(opts, gomail.WithPort(cfg.SMTP.Port))
	}
	if cfg.SMTP.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthAutoDiscover),
			gomail.WithUsername(cfg.SMTP.Username),
			gomail.WithPassword(cfg.SMTP.Password),
		)
	}
	client, err := gomail.NewClient(cfg.SMTP.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPSender{from: cfg.From, client: client}, nil
}

// Build converts a rendered message into a MIME message.
func (s *SMTPSender) Build(msg *Message) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}
	return m, nil
}

// Send delivers msg in a single SMTP session.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	m, err := s.Build(msg)
	if err != nil {
		return err
	}
	return s.client.DialAndSendWithContext(ctx, m)
}
