// Package attendance turns terminal punches into check-ins and runs the
// terminal-side member operations.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/events"
	"github.com/fitdesk/fitdesk-server/internal/lock"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
	"github.com/fitdesk/fitdesk-server/internal/terminal"
	"github.com/fitdesk/fitdesk-server/pkg/zkproto"
)

// DefaultWindow is the duplicate check-in window on either side of a punch
const DefaultWindow = 60 * time.Second

// Device is the terminal session surface used here. *terminal.Session
// implements it.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect()
	FetchAttendance(ctx context.Context) (*terminal.AttendanceLog, error)
	EnumerateUsers(ctx context.Context) ([]zkproto.User, error)
	ReadSizes(ctx context.Context) (*zkproto.Sizes, error)
	EnrollUser(ctx context.Context, uid uint16, name string, privilege byte) error
}

// DeviceFactory opens a fresh session for a terminal
type DeviceFactory func(t *models.Terminal) Device

// SessionFactory returns a DeviceFactory building terminal sessions from
// base with the terminal's address and comm key filled in
func SessionFactory(base terminal.Options) DeviceFactory {
	return func(t *models.Terminal) Device {
		opts := base
		opts.Address = t.Address()
		opts.CommKey = t.CommKey
		return terminal.NewSession(opts)
	}
}

// Store is what the sync reads and writes
type Store interface {
	storage.ClientStore
	storage.CheckInStore
	storage.TerminalStore
	storage.EventStore
}

// Options configures a Syncer
type Options struct {
	Window    time.Duration
	LockTTL   time.Duration
	Locker    lock.Locker
	Publisher events.Publisher
}

// Syncer pulls attendance logs from terminals
type Syncer struct {
	store     Store
	devices   DeviceFactory
	locker    lock.Locker
	publisher events.Publisher
	window    time.Duration
	lockTTL   time.Duration
	now       func() time.Time
}

// NewSyncer creates a Syncer
func NewSyncer(store Store, devices DeviceFactory, opts Options) *Syncer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemoryLocker()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	return &Syncer{
		store:     store,
		devices:   devices,
		locker:    opts.Locker,
		publisher: opts.Publisher,
		window:    opts.Window,
		lockTTL:   opts.LockTTL,
		now:       time.Now,
	}
}

// Result summarises one sync
type Result struct {
	TerminalID uuid.UUID `json:"terminalId"`
	Punches    int       `json:"punches"`
	CheckIns   int       `json:"checkIns"`
	Duplicates int       `json:"duplicates"`
	Unknown    int       `json:"unknown"`
	Errors     int       `json:"errors"`
	Truncated  bool      `json:"truncated"`
	Error      string    `json:"error,omitempty"`
}

// withDevice runs fn on a connected session holding the terminal's lock.
// The session is always disconnected afterwards.
func (s *Syncer) withDevice(ctx context.Context, t *models.Terminal, fn func(Device) error) error {
	release, err := s.locker.Acquire(ctx, lock.TerminalKey(t.ID), s.lockTTL)
	if err != nil {
		return fmt.Errorf("lock terminal %s: %w", t.Name, err)
	}
	defer release()

	dev := s.devices(t)
	defer dev.Disconnect()

	if err := dev.Connect(ctx); err != nil {
		return err
	}
	return fn(dev)
}

// SyncTerminal fetches the terminal's attendance log and records new
// check-ins. Check-ins recorded before a transport failure are kept.
func (s *Syncer) SyncTerminal(ctx context.Context, t *models.Terminal) (*Result, error) {
	res := &Result{TerminalID: t.ID}

	err := s.withDevice(ctx, t, func(dev Device) error {
		attLog, err := dev.FetchAttendance(ctx)
		if attLog != nil {
			res.Truncated = attLog.Truncated
			s.ProcessPunches(ctx, &t.ID, attLog.Punches, res)
		}
		return err
	})
	if errors.Is(err, lock.ErrLocked) {
		// 另一个同步正在进行
		return nil, err
	}
	if err != nil {
		res.Error = err.Error()
	}

	s.finishSync(t, res, err)
	return res, err
}

// ProcessPunches records a check-in for every punch of a known client that
// has none within the window already. Punches of unknown users are counted
// and skipped.
func (s *Syncer) ProcessPunches(ctx context.Context, terminalID *uuid.UUID, punches []terminal.Punch, res *Result) {
	for _, p := range punches {
		res.Punches++

		client, err := s.store.FindClientByFingerprint(ctx, p.TerminalUserID)
		if errors.Is(err, storage.ErrNotFound) {
			res.Unknown++
			continue
		}
		if err != nil {
			res.Errors++
			log.Error().Err(err).Int("terminalUserID", p.TerminalUserID).Msg("Failed to look up fingerprint")
			continue
		}

		created, err := s.checkIn(ctx, client, models.CheckInMethodFingerprint, p.Timestamp, terminalID)
		switch {
		case errors.Is(err, ErrDuplicateCheckIn):
			res.Duplicates++
		case err != nil:
			res.Errors++
			log.Error().Err(err).Str("clientID", client.ID.String()).Msg("Failed to record check-in")
		case created != nil:
			res.CheckIns++
		}
	}
}

func (s *Syncer) finishSync(t *models.Terminal, res *Result, syncErr error) {
	now := s.now()
	status := "ok"
	level := models.EventLevelInfo
	typ := models.EventTypeTerminalSync
	desc := fmt.Sprintf("Synced %d punches, %d new check-ins", res.Punches, res.CheckIns)

	switch {
	case syncErr != nil:
		status = "failed: " + syncErr.Error()
		level = models.EventLevelError
		typ = models.EventTypeTerminalError
		desc = fmt.Sprintf("Sync failed after %d punches: %v", res.Punches, syncErr)
	case res.Truncated:
		status = "partial"
		level = models.EventLevelWarning
		desc += " (log truncated)"
	}

	ctx := context.Background()
	if err := s.store.UpdateTerminalSync(ctx, t.ID, now, status); err != nil {
		log.Error().Err(err).Str("terminal", t.Name).Msg("Failed to update terminal sync status")
	}

	id := t.ID
	entry := &models.EventLog{
		TerminalID:  &id,
		Type:        typ,
		Level:       level,
		Code:        "SYNC",
		Description: desc,
		Details: models.Variables{
			"punches":    res.Punches,
			"checkIns":   res.CheckIns,
			"duplicates": res.Duplicates,
			"unknown":    res.Unknown,
			"truncated":  res.Truncated,
		},
	}
	if err := s.store.CreateEventLog(ctx, entry); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}

	ev := events.TerminalSyncEvent{
		TerminalID: t.ID,
		Name:       t.Name,
		Punches:    res.Punches,
		CheckIns:   res.CheckIns,
		Truncated:  res.Truncated,
		Error:      res.Error,
		Timestamp:  now,
	}
	if err := s.publisher.Publish(events.TerminalSyncSubject(t.ID), ev); err != nil {
		log.Warn().Err(err).Msg("Failed to publish sync event")
	}

	logEv := log.Info()
	if syncErr != nil {
		logEv = log.Error().Err(syncErr)
	}
	logEv.
		Str("terminal", t.Name).
		Int("punches", res.Punches).
		Int("checkIns", res.CheckIns).
		Int("duplicates", res.Duplicates).
		Int("unknown", res.Unknown).
		Bool("truncated", res.Truncated).
		Msg("考勤同步完成")
}

// SyncAll syncs every enabled terminal concurrently
func (s *Syncer) SyncAll(ctx context.Context) ([]*Result, error) {
	terminals, err := s.store.ListTerminals(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}

	results := make([]*Result, len(terminals))
	var wg sync.WaitGroup
	for i, t := range terminals {
		wg.Add(1)
		go func(i int, t *models.Terminal) {
			defer wg.Done()
			res, err := s.SyncTerminal(ctx, t)
			if res == nil {
				res = &Result{TerminalID: t.ID, Error: err.Error()}
			}
			results[i] = res
		}(i, t)
	}
	wg.Wait()

	return results, nil
}
