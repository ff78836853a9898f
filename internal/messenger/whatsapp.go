package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// WhatsAppConfig configures the WhatsApp Cloud API provider
type WhatsAppConfig struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	CountryCode   string
	Timeout       time.Duration
}

// WhatsAppProvider sends text messages through the Cloud API
type WhatsAppProvider struct {
	cfg        WhatsAppConfig
	httpClient *http.Client
}

// NewWhatsAppProvider creates a WhatsApp provider
func NewWhatsAppProvider(cfg WhatsAppConfig) *WhatsAppProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhatsAppProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type waText struct {
	Body string `json:"body"`
}

type waRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             waText `json:"text"`
}

type waResponse struct {
	Messages []struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send implements Provider
func (p *WhatsAppProvider) Send(ctx context.Context, address, content string) SendResult {
	to, err := NormalizePhone(address, p.cfg.CountryCode)
	if err != nil {
		return Failed("rejected", fmt.Errorf("%w: %q", err, address))
	}

	body, err := json.Marshal(waRequest{
		MessagingProduct: "whatsapp",
		// Cloud API 不接受 + 前缀
		To:   strings.TrimPrefix(to, "+"),
		Type: "text",
		Text: waText{Body: content},
	})
	if err != nil {
		return Failed("error", err)
	}

	url := fmt.Sprintf("%s/%s/messages", p.cfg.BaseURL, p.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Failed("error", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("WhatsApp request failed")
		return Failed("unreachable", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out waResponse
	json.Unmarshal(raw, &out)

	if resp.StatusCode >= 300 || out.Error != nil {
		msg := fmt.Sprintf("whatsapp returned %d", resp.StatusCode)
		if out.Error != nil {
			msg = fmt.Sprintf("%s: %s (code %d)", msg, out.Error.Message, out.Error.Code)
		}
		return SendResult{ProviderStatus: fmt.Sprintf("http_%d", resp.StatusCode), Error: msg}
	}

	status := "accepted"
	if len(out.Messages) > 0 && out.Messages[0].MessageStatus != "" {
		status = out.Messages[0].MessageStatus
	}

	log.Debug().Str("to", to).Str("status", status).Msg("WhatsApp message sent")
	return SendResult{Success: true, ProviderStatus: status}
}
