package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subjects
const (
	SubjectCheckInCreated = "club.checkin.created"
	SubjectCampaignStatus = "club.campaign.*.status"
	SubjectTerminalSync   = "club.terminal.*.sync"
)

// CampaignStatusSubject returns the subject for one campaign's transitions
func CampaignStatusSubject(id uuid.UUID) string {
	return fmt.Sprintf("club.campaign.%s.status", id)
}

// TerminalSyncSubject returns the subject for one terminal's sync results
func TerminalSyncSubject(id uuid.UUID) string {
	return fmt.Sprintf("club.terminal.%s.sync", id)
}

// CheckInEvent is published for every new check-in
type CheckInEvent struct {
	CheckInID   uuid.UUID  `json:"checkInId"`
	ClientID    uuid.UUID  `json:"clientId"`
	ClientName  string     `json:"clientName"`
	Method      string     `json:"method"`
	CheckedInAt time.Time  `json:"checkedInAt"`
	TerminalID  *uuid.UUID `json:"terminalId,omitempty"`
}

// CampaignStatusEvent is published on every campaign transition
type CampaignStatusEvent struct {
	CampaignID uuid.UUID `json:"campaignId"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Total      int       `json:"totalRecipients"`
	Sent       int       `json:"sentCount"`
	Failed     int       `json:"failedCount"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TerminalSyncEvent is published after each attendance sync
type TerminalSyncEvent struct {
	TerminalID uuid.UUID `json:"terminalId"`
	Name       string    `json:"name"`
	Punches    int       `json:"punches"`
	CheckIns   int       `json:"checkIns"`
	Truncated  bool      `json:"truncated"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher publishes domain events. Publishing is fire-and-forget:
// callers log the error and carry on.
type Publisher interface {
	Publish(subject string, v interface{}) error
}

// NATSPublisher publishes JSON payloads on a NATS connection
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher creates a NATS publisher
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Publish marshals v and publishes it on subject
func (p *NATSPublisher) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	log.Debug().Str("subject", subject).Int("size", len(data)).Msg("Event published")
	return nil
}

// Nop discards every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(string, interface{}) error { return nil }

// Published is one event captured by a Recorder
type Published struct {
	Subject string
	Payload interface{}
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

// Publish implements Publisher
func (r *Recorder) Publish(subject string, v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Subject: subject, Payload: v})
	return nil
}

// Events returns a copy of what has been published so far
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.events))
	copy(out, r.events)
	return out
}

// Subjects returns the subjects published so far, in order
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Subject)
	}
	return out
}

// ConnectOptions configures Connect
type ConnectOptions struct {
	URL               string
	Name              string
	Username          string
	Password          string
	MaxReconnects     int
	ReconnectInterval time.Duration
}

// Connect dials NATS with reconnect handling and logging
func Connect(opts ConnectOptions) (*nats.Conn, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.UserInfo(opts.Username, opts.Password),
		nats.ReconnectWait(opts.ReconnectInterval),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}
