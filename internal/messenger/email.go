package messenger

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/smtp"
	"net/textproto"

	"github.com/domodwyer/mailyak/v3"
	"github.com/rs/zerolog/log"
)

// EmailConfig configures the SMTP provider
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	Subject  string
}

// EmailProvider sends plain text mail through an SMTP relay
type EmailProvider struct {
	cfg  EmailConfig
	send func(*mailyak.MailYak) error
}

// NewEmailProvider creates an email provider
func NewEmailProvider(cfg EmailConfig) *EmailProvider {
	if cfg.Subject == "" {
		cfg.Subject = "Message from your club"
	}
	return &EmailProvider{
		cfg:  cfg,
		send: func(m *mailyak.MailYak) error { return m.Send() },
	}
}

func (p *EmailProvider) newMail() *mailyak.MailYak {
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	var auth smtp.Auth
	if p.cfg.Username != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}
	return mailyak.New(addr, auth)
}

// Send implements Provider
func (p *EmailProvider) Send(ctx context.Context, address, content string) SendResult {
	to, err := mail.ParseAddress(address)
	if err != nil {
		return Failed("rejected", fmt.Errorf("invalid email address %q: %w", address, err))
	}
	if err := ctx.Err(); err != nil {
		return Failed("cancelled", err)
	}

	m := p.newMail()
	m.To(to.Address)
	m.From(p.cfg.From)
	if p.cfg.FromName != "" {
		m.FromName(p.cfg.FromName)
	}
	m.Subject(p.cfg.Subject)
	m.Plain().Set(content)

	if err := p.send(m); err != nil {
		log.Error().Err(err).Str("host", p.cfg.Host).Msg("SMTP send failed")
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) {
			return Failed(fmt.Sprintf("smtp_%d", tpErr.Code), err)
		}
		return Failed("smtp_error", err)
	}

	log.Debug().Str("to", to.Address).Msg("Email sent")
	return SendResult{Success: true, ProviderStatus: "queued"}
}
