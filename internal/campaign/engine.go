package campaign

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/events"
	"github.com/fitdesk/fitdesk-server/internal/messenger"
	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// Store is what the engine persists to
type Store interface {
	storage.CampaignStore
	storage.MessageStore
	storage.EventStore
}

// Options tunes the engine
type Options struct {
	// PacingDelay is the pause between two sends of a run
	PacingDelay time.Duration
	Publisher   events.Publisher
}

// Engine drives campaign runs. Each run executes on its own goroutine;
// runs of different campaigns share nothing.
type Engine struct {
	store     Store
	resolver  *Resolver
	messenger messenger.Messenger
	publisher events.Publisher
	pacing    time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runs    map[uuid.UUID]context.CancelFunc
	stopped bool
}

// NewEngine creates a campaign engine
func NewEngine(store Store, resolver *Resolver, m messenger.Messenger, opts Options) *Engine {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		resolver:  resolver,
		messenger: m,
		publisher: opts.Publisher,
		pacing:    opts.PacingDelay,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[uuid.UUID]context.CancelFunc),
	}
}

// StartRun moves the campaign to RUNNING, resolves its recipients and
// sends in the background. It returns as soon as the run is under way.
func (e *Engine) StartRun(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return nil, ErrEngineStopped
	}

	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	if err := checkStartable(c.Status); err != nil {
		return nil, err
	}

	startedAt := e.now()
	won, err := e.store.TryStartRun(ctx, id, startedAt)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if !won {
		// 并发调用者已抢先
		if cur, err := e.store.GetCampaign(ctx, id); err == nil {
			if err := checkStartable(cur.Status); err != nil {
				return nil, err
			}
		}
		return nil, ErrAlreadyRunning
	}

	c.Status = models.CampaignStatusRunning
	c.StartedAt = &startedAt
	c.SentCount, c.FailedCount, c.DeliveredCount = 0, 0, 0

	log.Info().
		Str("campaignID", id.String()).
		Str("name", c.Name).
		Str("channel", string(c.Channel)).
		Msg("Campaign run started")

	recipients, err := e.resolver.Resolve(ctx, c.TargetRule)
	if err != nil {
		e.cancelRun(c, fmt.Sprintf("resolve recipients: %v", err))
		return nil, err
	}

	e.record(c, models.EventTypeCampaignStarted, models.EventLevelInfo, "RUN_STARTED",
		fmt.Sprintf("Campaign started with %d recipients", len(recipients)),
		models.Variables{"recipients": len(recipients)})
	e.publish(c, "")

	runCtx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		cancel()
		e.cancelRun(c, "engine stopped before run")
		return nil, ErrEngineStopped
	}
	e.runs[id] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	snapshot := *c

	go e.run(runCtx, c, recipients)

	return &snapshot, nil
}

func checkStartable(status models.CampaignStatus) error {
	switch {
	case status == models.CampaignStatusRunning:
		return ErrAlreadyRunning
	case !status.Startable():
		return fmt.Errorf("%w: campaign is %s", ErrInvalidCampaignState, status)
	}
	return nil
}

func (e *Engine) run(ctx context.Context, c *models.Campaign, recipients []Recipient) {
	defer e.wg.Done()
	defer e.forget(c.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("campaignID", c.ID.String()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Campaign run panicked")
			e.cancelRun(c, fmt.Sprintf("run aborted: %v", r))
		}
	}()

	for i, rcp := range recipients {
		if i > 0 && e.pacing > 0 {
			t := time.NewTimer(e.pacing)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		if ctx.Err() != nil {
			e.cancelRun(c, fmt.Sprintf("run stopped after %d of %d recipients", i, len(recipients)))
			return
		}

		e.deliver(ctx, c, rcp)
	}

	// 最后一条发送期间收到的取消仍然生效
	if ctx.Err() != nil {
		e.cancelRun(c, fmt.Sprintf("run stopped after %d of %d recipients", len(recipients), len(recipients)))
		return
	}
	e.complete(c, len(recipients))
}

// deliver sends to one recipient. Nothing here escalates: every outcome
// becomes a MessageRecord and a counter increment.
func (e *Engine) deliver(ctx context.Context, c *models.Campaign, rcp Recipient) {
	content := Render(c.ContentTemplate, rcp.Vars())
	address := rcp.Address(c.Channel)

	res := e.send(ctx, c.Channel, address, content)

	clientID := rcp.ClientID
	msg := e.newRecord(c.Channel, address, content, res)
	msg.CampaignID = &c.ID
	msg.ClientID = &clientID

	sent, failed := 0, 1
	if res.Success {
		sent, failed = 1, 0
	}

	// 写入不随运行取消
	persistCtx := context.Background()
	if err := e.store.CreateMessage(persistCtx, msg); err != nil {
		log.Error().Err(err).
			Str("campaignID", c.ID.String()).
			Str("clientID", clientID.String()).
			Msg("Failed to persist message record")
	}
	if err := e.store.IncrementCampaignCounters(persistCtx, c.ID, sent, failed); err != nil {
		log.Error().Err(err).Str("campaignID", c.ID.String()).Msg("Failed to update campaign counters")
	}
	c.SentCount += sent
	c.FailedCount += failed

	if !res.Success {
		log.Warn().
			Str("campaignID", c.ID.String()).
			Str("clientID", clientID.String()).
			Str("providerStatus", res.ProviderStatus).
			Str("error", res.Error).
			Msg("Message delivery failed")
	}
}

// send folds messenger setup errors into a failed result
func (e *Engine) send(ctx context.Context, ch models.Channel, address, content string) messenger.SendResult {
	res, err := e.messenger.Send(ctx, ch, address, content)
	if err != nil {
		status := "error"
		if errors.Is(err, messenger.ErrChannelNotConfigured) {
			status = "not_configured"
		}
		return messenger.SendResult{ProviderStatus: status, Error: err.Error()}
	}
	return res
}

func (e *Engine) newRecord(ch models.Channel, address, content string, res messenger.SendResult) *models.MessageRecord {
	msg := &models.MessageRecord{
		Channel:        ch,
		Address:        address,
		Content:        content,
		ProviderStatus: res.ProviderStatus,
	}
	if res.Success {
		now := e.now()
		msg.Status = models.MessageStatusSent
		msg.SentAt = &now
	} else {
		msg.Status = models.MessageStatusFailed
		msg.ErrorMessage = res.Error
	}
	return msg
}

func (e *Engine) complete(c *models.Campaign, total int) {
	now := e.now()
	ok, err := e.store.UpdateCampaignStatus(context.Background(), c.ID, storage.CampaignStatusUpdate{
		From:            models.CampaignStatusRunning,
		To:              models.CampaignStatusCompleted,
		TotalRecipients: &total,
		CompletedAt:     &now,
		SyncDelivered:   true,
	})
	if err != nil {
		log.Error().Err(err).Str("campaignID", c.ID.String()).Msg("Failed to complete campaign")
		return
	}
	if !ok {
		log.Warn().Str("campaignID", c.ID.String()).Msg("Campaign left RUNNING before completion")
		return
	}

	c.Status = models.CampaignStatusCompleted
	c.CompletedAt = &now
	c.TotalRecipients = total
	c.DeliveredCount = c.SentCount

	log.Info().
		Str("campaignID", c.ID.String()).
		Int("total", total).
		Int("sent", c.SentCount).
		Int("failed", c.FailedCount).
		Msg("Campaign completed")

	e.record(c, models.EventTypeCampaignCompleted, models.EventLevelInfo, "RUN_COMPLETED",
		fmt.Sprintf("Campaign completed: %d sent, %d failed", c.SentCount, c.FailedCount),
		models.Variables{"total": total, "sent": c.SentCount, "failed": c.FailedCount})
	e.publish(c, "")
}

// cancelRun moves a RUNNING campaign to CANCELLED. Messages already sent
// stay recorded.
func (e *Engine) cancelRun(c *models.Campaign, reason string) {
	now := e.now()
	ok, err := e.store.UpdateCampaignStatus(context.Background(), c.ID, storage.CampaignStatusUpdate{
		From:        models.CampaignStatusRunning,
		To:          models.CampaignStatusCancelled,
		CompletedAt: &now,
		LastError:   reason,
	})
	if err != nil {
		log.Error().Err(err).Str("campaignID", c.ID.String()).Msg("Failed to cancel campaign")
		return
	}
	if !ok {
		return
	}

	c.Status = models.CampaignStatusCancelled
	c.CompletedAt = &now
	c.LastError = reason

	log.Warn().Str("campaignID", c.ID.String()).Str("reason", reason).Msg("Campaign cancelled")

	e.record(c, models.EventTypeCampaignCancelled, models.EventLevelWarning, "RUN_CANCELLED", reason,
		models.Variables{"sent": c.SentCount, "failed": c.FailedCount})
	e.publish(c, reason)
}

// Cancel stops a campaign. A DRAFT or SCHEDULED campaign is cancelled
// directly; a RUNNING one stops before its next recipient. A cancel that
// arrives during the last send still ends the run CANCELLED.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	stop, running := e.runs[id]
	e.mu.Unlock()
	if running {
		stop()
		return nil
	}

	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("get campaign: %w", err)
	}
	if !c.Status.Startable() {
		return fmt.Errorf("%w: campaign is %s", ErrInvalidCampaignState, c.Status)
	}

	now := e.now()
	ok, err := e.store.UpdateCampaignStatus(ctx, id, storage.CampaignStatusUpdate{
		From:        c.Status,
		To:          models.CampaignStatusCancelled,
		CompletedAt: &now,
		LastError:   "cancelled before start",
	})
	if err != nil {
		return fmt.Errorf("cancel campaign: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: campaign changed state concurrently", ErrInvalidCampaignState)
	}

	c.Status = models.CampaignStatusCancelled
	e.record(c, models.EventTypeCampaignCancelled, models.EventLevelInfo, "CANCELLED", "Campaign cancelled before start", nil)
	e.publish(c, "")
	return nil
}

// Schedule arranges for a DRAFT campaign to start at the given time
func (e *Engine) Schedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	if !at.After(e.now()) {
		return fmt.Errorf("%w: scheduled time is in the past", ErrInvalidCampaignState)
	}
	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("get campaign: %w", err)
	}
	if err := checkStartable(c.Status); err != nil {
		return err
	}
	if err := e.store.ScheduleCampaign(ctx, id, at); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: campaign changed state concurrently", ErrInvalidCampaignState)
		}
		return fmt.Errorf("schedule campaign: %w", err)
	}
	return nil
}

// StartDue starts every SCHEDULED campaign whose time has come
func (e *Engine) StartDue(ctx context.Context) (int, error) {
	due, err := e.store.ListDueCampaigns(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("list due campaigns: %w", err)
	}

	started := 0
	for _, c := range due {
		if _, err := e.StartRun(ctx, c.ID); err != nil {
			log.Error().Err(err).Str("campaignID", c.ID.String()).Msg("Failed to start scheduled campaign")
			continue
		}
		started++
	}
	return started, nil
}

// Preview resolves the campaign's recipients without sending
func (e *Engine) Preview(ctx context.Context, id uuid.UUID) ([]Recipient, error) {
	c, err := e.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return e.resolver.Resolve(ctx, c.TargetRule)
}

// Wait blocks until every background run has finished
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Stop cancels in-flight runs and waits for them to record their state
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) forget(id uuid.UUID) {
	e.mu.Lock()
	if cancel, ok := e.runs[id]; ok {
		cancel()
		delete(e.runs, id)
	}
	e.mu.Unlock()
}

func (e *Engine) publish(c *models.Campaign, reason string) {
	ev := events.CampaignStatusEvent{
		CampaignID: c.ID,
		Name:       c.Name,
		Status:     string(c.Status),
		Total:      c.TotalRecipients,
		Sent:       c.SentCount,
		Failed:     c.FailedCount,
		Error:      reason,
		Timestamp:  e.now(),
	}
	if err := e.publisher.Publish(events.CampaignStatusSubject(c.ID), ev); err != nil {
		log.Warn().Err(err).Str("campaignID", c.ID.String()).Msg("Failed to publish campaign event")
	}
}

func (e *Engine) record(c *models.Campaign, typ models.EventType, level models.EventLevel, code, desc string, details models.Variables) {
	id := c.ID
	entry := &models.EventLog{
		CampaignID:  &id,
		Type:        typ,
		Level:       level,
		Code:        code,
		Description: desc,
		Details:     details,
	}
	if err := e.store.CreateEventLog(context.Background(), entry); err != nil {
		log.Error().Err(err).Str("campaignID", c.ID.String()).Msg("Failed to create event log")
	}
}
