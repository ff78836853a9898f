package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// ReconcileStale cancels RUNNING campaigns started more than staleAfter
// ago. Runs live only in process memory, so after a restart such
// campaigns have nobody driving them.
func (e *Engine) ReconcileStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	before := e.now().Add(-staleAfter)
	stale, err := e.store.ListRunningCampaignsStartedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list running campaigns: %w", err)
	}

	reconciled := 0
	for _, c := range stale {
		e.mu.Lock()
		_, live := e.runs[c.ID]
		e.mu.Unlock()
		if live {
			continue
		}

		now := e.now()
		reason := fmt.Sprintf("run abandoned: still RUNNING %s after start", now.Sub(*c.StartedAt).Round(time.Second))
		ok, err := e.store.UpdateCampaignStatus(ctx, c.ID, storage.CampaignStatusUpdate{
			From:        models.CampaignStatusRunning,
			To:          models.CampaignStatusCancelled,
			CompletedAt: &now,
			LastError:   reason,
		})
		if err != nil {
			log.Error().Err(err).Str("campaignID", c.ID.String()).Msg("Failed to reconcile stale campaign")
			continue
		}
		if !ok {
			continue
		}

		c.Status = models.CampaignStatusCancelled
		c.LastError = reason
		log.Warn().
			Str("campaignID", c.ID.String()).
			Str("name", c.Name).
			Int("sent", c.SentCount).
			Msg("Stale campaign run cancelled")

		e.record(c, models.EventTypeCampaignCancelled, models.EventLevelWarning, "RUN_ABANDONED", reason,
			models.Variables{"sent": c.SentCount, "failed": c.FailedCount})
		e.publish(c, reason)
		reconciled++
	}
	return reconciled, nil
}
