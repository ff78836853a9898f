package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/attendance"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// Command subjects. Requests carry JSON bodies and get a JSON reply when
// the sender set a reply subject.
const (
	SubjectSyncRequest     = "club.cmd.terminal.sync"
	SubjectCampaignRequest = "club.cmd.campaign.start"
)

// CampaignStarter is the part of the campaign engine driven over NATS
type CampaignStarter interface {
	StartRun(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
}

// TerminalSyncer is the part of the attendance syncer driven over NATS
type TerminalSyncer interface {
	SyncTerminal(ctx context.Context, t *models.Terminal) (*attendance.Result, error)
	SyncAll(ctx context.Context) ([]*attendance.Result, error)
}

// NATSSubscriber lets other services trigger syncs and campaign runs
type NATSSubscriber struct {
	nc        *nats.Conn
	terminals storage.TerminalStore
	syncer    TerminalSyncer
	campaigns CampaignStarter
	timeout   time.Duration
	subs      []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, terminals storage.TerminalStore, syncer TerminalSyncer, campaigns CampaignStarter) *NATSSubscriber {
	return &NATSSubscriber{
		nc:        nc,
		terminals: terminals,
		syncer:    syncer,
		campaigns: campaigns,
		timeout:   2 * time.Minute,
		subs:      make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub1, err := s.nc.Subscribe(SubjectSyncRequest, func(msg *nats.Msg) {
		s.reply(msg, s.handleSyncRequest(ctx, msg.Data))
	})
	if err != nil {
		return fmt.Errorf("subscribe sync requests: %w", err)
	}
	s.subs = append(s.subs, sub1)

	sub2, err := s.nc.Subscribe(SubjectCampaignRequest, func(msg *nats.Msg) {
		s.reply(msg, s.handleCampaignRequest(ctx, msg.Data))
	})
	if err != nil {
		sub1.Unsubscribe()
		return fmt.Errorf("subscribe campaign requests: %w", err)
	}
	s.subs = append(s.subs, sub2)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

type commandRequest struct {
	TerminalID string `json:"terminalId,omitempty"`
	CampaignID string `json:"campaignId,omitempty"`
}

type commandReply struct {
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

func (s *NATSSubscriber) handleSyncRequest(ctx context.Context, data []byte) commandReply {
	var req commandRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return commandReply{Error: "invalid request: " + err.Error()}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if req.TerminalID == "" {
		results, err := s.syncer.SyncAll(ctx)
		if err != nil {
			return commandReply{Error: err.Error()}
		}
		return commandReply{OK: true, Result: results}
	}

	id, err := uuid.Parse(req.TerminalID)
	if err != nil {
		return commandReply{Error: "invalid terminalId"}
	}
	t, err := s.terminals.GetTerminal(ctx, id)
	if err != nil {
		return commandReply{Error: err.Error()}
	}

	res, err := s.syncer.SyncTerminal(ctx, t)
	if err != nil {
		return commandReply{Error: err.Error(), Result: res}
	}
	return commandReply{OK: true, Result: res}
}

func (s *NATSSubscriber) handleCampaignRequest(ctx context.Context, data []byte) commandReply {
	var req commandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return commandReply{Error: "invalid request: " + err.Error()}
	}
	id, err := uuid.Parse(req.CampaignID)
	if err != nil {
		return commandReply{Error: "invalid campaignId"}
	}

	c, err := s.campaigns.StartRun(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("campaignID", id.String()).Msg("Campaign start request rejected")
		return commandReply{Error: err.Error()}
	}
	return commandReply{OK: true, Result: c}
}

func (s *NATSSubscriber) reply(msg *nats.Msg, r commandReply) {
	log.Debug().
		Str("subject", msg.Subject).
		Bool("ok", r.OK).
		Msg("Command handled")

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal command reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Msg("Failed to send command reply")
	}
}
