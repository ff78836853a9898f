package messenger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// ErrChannelNotConfigured is returned when no provider serves the channel
var ErrChannelNotConfigured = errors.New("messaging channel not configured")

// SendResult is the outcome of one delivery attempt. A provider that was
// reached but refused or failed the message reports it here, not as an error.
type SendResult struct {
	Success        bool
	ProviderStatus string
	Error          string
}

// Failed builds a failed result
func Failed(status string, err error) SendResult {
	return SendResult{ProviderStatus: status, Error: err.Error()}
}

// Messenger sends one message on a channel.
// The returned error is reserved for setup problems such as
// ErrChannelNotConfigured; delivery failures are reported in SendResult.
type Messenger interface {
	Send(ctx context.Context, channel models.Channel, address, content string) (SendResult, error)
}

// Provider delivers messages for a single channel
type Provider interface {
	Send(ctx context.Context, address, content string) SendResult
}

// Gateway routes each message to the provider registered for its channel
type Gateway struct {
	providers map[models.Channel]Provider
}

// NewGateway creates a gateway with no providers
func NewGateway() *Gateway {
	return &Gateway{providers: make(map[models.Channel]Provider)}
}

// Register sets the provider for a channel
func (g *Gateway) Register(channel models.Channel, p Provider) {
	g.providers[channel] = p
}

// Configured reports whether the channel has a provider
func (g *Gateway) Configured(channel models.Channel) bool {
	_, ok := g.providers[channel]
	return ok
}

// Send implements Messenger
func (g *Gateway) Send(ctx context.Context, channel models.Channel, address, content string) (SendResult, error) {
	p, ok := g.providers[channel]
	if !ok {
		return SendResult{}, fmt.Errorf("%w: %s", ErrChannelNotConfigured, channel)
	}
	if address == "" {
		return SendResult{ProviderStatus: "rejected", Error: "recipient has no address"}, nil
	}
	return p.Send(ctx, address, content), nil
}

// Options configures the providers built by New. A provider whose
// endpoint or host is empty is left out.
type Options struct {
	DefaultCountryCode string
	Timeout            time.Duration

	SMSEndpoint string
	SMSAPIKey   string
	SMSSender   string

	WhatsAppBaseURL       string
	WhatsAppPhoneNumberID string
	WhatsAppAccessToken   string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
	EmailName    string
	EmailSubject string
}

// New builds a gateway from explicit provider settings
func New(opts Options) *Gateway {
	g := NewGateway()

	if opts.SMSEndpoint != "" {
		g.Register(models.ChannelSMS, NewSMSProvider(SMSConfig{
			Endpoint:    opts.SMSEndpoint,
			APIKey:      opts.SMSAPIKey,
			Sender:      opts.SMSSender,
			CountryCode: opts.DefaultCountryCode,
			Timeout:     opts.Timeout,
		}))
	}

	if opts.WhatsAppPhoneNumberID != "" {
		g.Register(models.ChannelWhatsApp, NewWhatsAppProvider(WhatsAppConfig{
			BaseURL:       opts.WhatsAppBaseURL,
			PhoneNumberID: opts.WhatsAppPhoneNumberID,
			AccessToken:   opts.WhatsAppAccessToken,
			CountryCode:   opts.DefaultCountryCode,
			Timeout:       opts.Timeout,
		}))
	}

	if opts.SMTPHost != "" {
		g.Register(models.ChannelEmail, NewEmailProvider(EmailConfig{
			Host:     opts.SMTPHost,
			Port:     opts.SMTPPort,
			Username: opts.SMTPUsername,
			Password: opts.SMTPPassword,
			From:     opts.EmailFrom,
			FromName: opts.EmailName,
			Subject:  opts.EmailSubject,
		}))
	}

	return g
}
