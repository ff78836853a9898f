// Package scheduler runs the periodic jobs of the back office: terminal
// sync, due scheduled campaigns and the daily expiry reminder.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/attendance"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// TerminalSyncer syncs every enabled terminal
type TerminalSyncer interface {
	SyncAll(ctx context.Context) ([]*attendance.Result, error)
}

// CampaignRunner starts campaign runs
type CampaignRunner interface {
	StartRun(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	StartDue(ctx context.Context) (int, error)
}

// ReminderOptions configures the daily expiring-subscription campaign
type ReminderOptions struct {
	Enabled  bool
	Spec     string
	Channel  models.Channel
	Template string
}

// Options holds the cron specs. An empty spec disables that job.
type Options struct {
	SyncSpec     string
	ScheduleSpec string
	Reminder     ReminderOptions
	Location     *time.Location
	// JobTimeout bounds one execution of a job
	JobTimeout time.Duration
}

// Scheduler owns the cron runner
type Scheduler struct {
	cron      *cron.Cron
	syncer    TerminalSyncer
	campaigns CampaignRunner
	store     storage.CampaignStore
	opts      Options
	now       func() time.Time
}

// New creates a scheduler. syncer or campaigns may be nil when the process
// does not run that part (the standalone sync worker has no engine).
func New(syncer TerminalSyncer, campaigns CampaignRunner, store storage.CampaignStore, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.JobTimeout == 0 {
		opts.JobTimeout = 10 * time.Minute
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	return &Scheduler{
		cron:      c,
		syncer:    syncer,
		campaigns: campaigns,
		store:     store,
		opts:      opts,
		now:       time.Now,
	}
}

// Register adds the configured jobs without starting the runner
func (s *Scheduler) Register() error {
	if s.syncer != nil && s.opts.SyncSpec != "" {
		if _, err := s.cron.AddFunc(s.opts.SyncSpec, s.job("terminal-sync", s.SyncTerminals)); err != nil {
			return fmt.Errorf("terminal sync spec %q: %w", s.opts.SyncSpec, err)
		}
	}

	if s.campaigns != nil && s.opts.ScheduleSpec != "" {
		if _, err := s.cron.AddFunc(s.opts.ScheduleSpec, s.job("due-campaigns", s.StartDueCampaigns)); err != nil {
			return fmt.Errorf("campaign schedule spec %q: %w", s.opts.ScheduleSpec, err)
		}
	}

	if s.campaigns != nil && s.store != nil && s.opts.Reminder.Enabled && s.opts.Reminder.Spec != "" {
		reminder := func(ctx context.Context) error {
			_, err := s.SendExpiryReminders(ctx)
			return err
		}
		if _, err := s.cron.AddFunc(s.opts.Reminder.Spec, s.job("expiry-reminder", reminder)); err != nil {
			return fmt.Errorf("reminder spec %q: %w", s.opts.Reminder.Spec, err)
		}
	}

	return nil
}

// Start runs the registered jobs until ctx is done, then waits for running
// jobs. Register must be called first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")

	<-ctx.Done()

	stopped := s.cron.Stop()
	<-stopped.Done()
	log.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Scheduler) job(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("job", name).Msg("Scheduled job failed")
			return
		}
		log.Debug().Str("job", name).Dur("elapsed", time.Since(start)).Msg("Scheduled job finished")
	}
}

// SyncTerminals pulls attendance from every enabled terminal
func (s *Scheduler) SyncTerminals(ctx context.Context) error {
	results, err := s.syncer.SyncAll(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != "" {
			log.Warn().Str("terminalID", r.TerminalID.String()).Str("error", r.Error).Msg("终端同步失败")
		}
	}
	return nil
}

// StartDueCampaigns starts every scheduled campaign whose time has come
func (s *Scheduler) StartDueCampaigns(ctx context.Context) error {
	n, err := s.campaigns.StartDue(ctx)
	if n > 0 {
		log.Info().Int("started", n).Msg("Started scheduled campaigns")
	}
	return err
}

// ReminderName is the name of the reminder campaign for a calendar day
func ReminderName(day time.Time) string {
	return "Expiry reminder " + day.Format("2006-01-02")
}

// SendExpiryReminders creates and starts today's reminder campaign. It
// returns nil without error when today's campaign already exists.
func (s *Scheduler) SendExpiryReminders(ctx context.Context) (*models.Campaign, error) {
	name := ReminderName(s.now().In(s.opts.Location))

	existing, _, err := s.store.ListCampaigns(ctx, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	for _, c := range existing {
		if c.Name == name {
			log.Debug().Str("campaign", name).Msg("Reminder campaign already exists")
			return nil, nil
		}
	}

	c := &models.Campaign{
		Name:            name,
		Channel:         s.opts.Reminder.Channel,
		ContentTemplate: s.opts.Reminder.Template,
		TargetRule:      models.TargetRule{Type: models.TargetExpiringSubscriptions},
		Status:          models.CampaignStatusDraft,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create reminder campaign: %w", err)
	}

	started, err := s.campaigns.StartRun(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("start reminder campaign: %w", err)
	}

	log.Info().
		Str("campaignID", started.ID.String()).
		Str("channel", string(started.Channel)).
		Msg("Expiry reminder campaign started")
	return started, nil
}

// cronLogger routes cron's own messages to zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
