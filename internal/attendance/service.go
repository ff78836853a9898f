package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/events"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/pkg/zkproto"
)

var (
	ErrDuplicateCheckIn = errors.New("client already checked in within the window")
	ErrClientInactive   = errors.New("client is not active")
	ErrFingerprintRange = errors.New("fingerprint id out of terminal range")
)

// checkIn records a visit unless one exists within the window
func (s *Syncer) checkIn(ctx context.Context, client *models.Client, method models.CheckInMethod, at time.Time, terminalID *uuid.UUID) (*models.CheckIn, error) {
	ci := &models.CheckIn{
		ClientID:    client.ID,
		Method:      method,
		CheckedInAt: at,
		TerminalID:  terminalID,
	}
	created, err := s.store.CreateCheckInIfAbsent(ctx, ci, s.window)
	if err != nil {
		return nil, fmt.Errorf("create check-in: %w", err)
	}
	if !created {
		return nil, ErrDuplicateCheckIn
	}

	ev := events.CheckInEvent{
		CheckInID:   ci.ID,
		ClientID:    client.ID,
		ClientName:  client.FullName(),
		Method:      string(method),
		CheckedInAt: at,
		TerminalID:  terminalID,
	}
	if err := s.publisher.Publish(events.SubjectCheckInCreated, ev); err != nil {
		log.Warn().Err(err).Msg("Failed to publish check-in event")
	}
	return ci, nil
}

// ManualCheckIn records a front-desk check-in. It shares the duplicate
// window with fingerprint check-ins.
func (s *Syncer) ManualCheckIn(ctx context.Context, clientID uuid.UUID, at time.Time) (*models.CheckIn, error) {
	if at.IsZero() {
		at = s.now()
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	if !client.IsActive() {
		return nil, ErrClientInactive
	}

	ci, err := s.checkIn(ctx, client, models.CheckInMethodManual, at, nil)
	if err != nil {
		return nil, err
	}

	log.Info().Str("clientID", clientID.String()).Msg("Manual check-in recorded")
	return ci, nil
}

// DeviceInfo is what a connection test reports
type DeviceInfo struct {
	Address string         `json:"address"`
	Sizes   *zkproto.Sizes `json:"sizes"`
	Elapsed string         `json:"elapsed"`
}

// TestConnection connects, reads the terminal's storage counters and
// disconnects
func (s *Syncer) TestConnection(ctx context.Context, t *models.Terminal) (*DeviceInfo, error) {
	start := s.now()
	var info DeviceInfo
	err := s.withDevice(ctx, t, func(dev Device) error {
		sizes, err := dev.ReadSizes(ctx)
		if err != nil {
			return err
		}
		info.Sizes = sizes
		return nil
	})
	if err != nil {
		return nil, err
	}
	info.Address = t.Address()
	info.Elapsed = s.now().Sub(start).Round(time.Millisecond).String()
	return &info, nil
}

// ListUsers reads the terminal's user table
func (s *Syncer) ListUsers(ctx context.Context, t *models.Terminal) ([]zkproto.User, error) {
	var users []zkproto.User
	err := s.withDevice(ctx, t, func(dev Device) error {
		var err error
		users, err = dev.EnumerateUsers(ctx)
		return err
	})
	return users, err
}

// Enrollment is the outcome of EnrollClient
type Enrollment struct {
	ClientID      uuid.UUID `json:"clientId"`
	TerminalID    uuid.UUID `json:"terminalId"`
	FingerprintID int       `json:"fingerprintId"`
}

// EnrollClient registers the client on the terminal under its fingerprint
// id, allocating the next free id first when the client has none. Capture
// of the finger itself happens on the device and is not awaited.
func (s *Syncer) EnrollClient(ctx context.Context, t *models.Terminal, clientID uuid.UUID) (*Enrollment, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	if !client.IsActive() {
		return nil, ErrClientInactive
	}

	fid, err := s.store.AssignFingerprintID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("assign fingerprint id: %w", err)
	}
	if fid <= 0 || fid > 0xFFFF {
		return nil, fmt.Errorf("%w: %d", ErrFingerprintRange, fid)
	}

	err = s.withDevice(ctx, t, func(dev Device) error {
		return dev.EnrollUser(ctx, uint16(fid), client.FullName(), zkproto.PrivilegeUser)
	})

	id, cid := t.ID, client.ID
	entry := &models.EventLog{
		TerminalID:  &id,
		ClientID:    &cid,
		Type:        models.EventTypeEnrollment,
		Level:       models.EventLevelInfo,
		Code:        "ENROLL",
		Description: fmt.Sprintf("Enrolled %s as terminal user %d", client.FullName(), fid),
		Details:     models.Variables{"fingerprintId": fid},
	}
	if err != nil {
		entry.Level = models.EventLevelError
		entry.Description = fmt.Sprintf("Enrollment of %s failed: %v", client.FullName(), err)
	}
	if logErr := s.store.CreateEventLog(context.Background(), entry); logErr != nil {
		log.Error().Err(logErr).Msg("Failed to create event log")
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("terminal", t.Name).
		Str("clientID", clientID.String()).
		Int("fingerprintID", fid).
		Msg("指纹登记已下发")

	return &Enrollment{ClientID: clientID, TerminalID: t.ID, FingerprintID: fid}, nil
}
