package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// SMSConfig configures an HTTP SMS gateway
type SMSConfig struct {
	Endpoint    string
	APIKey      string
	Sender      string
	CountryCode string
	Timeout     time.Duration
}

// SMSProvider posts messages to a JSON SMS gateway:
// {"to", "from", "message"} with a bearer API key.
type SMSProvider struct {
	cfg        SMSConfig
	httpClient *http.Client
}

// NewSMSProvider creates an SMS provider
func NewSMSProvider(cfg SMSConfig) *SMSProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMSProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

type smsResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Send implements Provider
func (p *SMSProvider) Send(ctx context.Context, address, content string) SendResult {
	to, err := NormalizePhone(address, p.cfg.CountryCode)
	if err != nil {
		return Failed("rejected", fmt.Errorf("%w: %q", err, address))
	}

	body, err := json.Marshal(smsRequest{To: to, From: p.cfg.Sender, Message: content})
	if err != nil {
		return Failed("error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Failed("error", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("endpoint", p.cfg.Endpoint).Msg("SMS request failed")
		return Failed("unreachable", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out smsResponse
	json.Unmarshal(raw, &out)

	status := out.Status
	if status == "" {
		status = fmt.Sprintf("http_%d", resp.StatusCode)
	}

	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = string(bytes.TrimSpace(raw))
		}
		return SendResult{ProviderStatus: status, Error: fmt.Sprintf("sms gateway returned %d: %s", resp.StatusCode, msg)}
	}

	log.Debug().Str("to", to).Str("id", out.ID).Str("status", status).Msg("SMS sent")
	return SendResult{Success: true, ProviderStatus: status}
}
