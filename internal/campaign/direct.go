package campaign

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// DirectMessage is a one-off message outside any campaign
type DirectMessage struct {
	Channel  models.Channel
	ClientID *uuid.UUID
	Address  string
	Content  string
}

// SendDirect sends one message and records it. A provider failure is not
// an error: the returned record carries status FAILED.
func (e *Engine) SendDirect(ctx context.Context, m DirectMessage) (*models.MessageRecord, error) {
	if !m.Channel.Valid() {
		return nil, fmt.Errorf("unknown channel %q", m.Channel)
	}

	res := e.send(ctx, m.Channel, m.Address, m.Content)
	msg := e.newRecord(m.Channel, m.Address, m.Content, res)
	msg.ClientID = m.ClientID

	if err := e.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}

	log.Info().
		Str("channel", string(m.Channel)).
		Str("status", string(msg.Status)).
		Str("providerStatus", msg.ProviderStatus).
		Msg("Direct message sent")
	return msg, nil
}
