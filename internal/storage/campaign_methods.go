package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// ========== Campaign Methods ==========

const campaignColumns = `id, created_at, updated_at, name, channel, content_template,
               target_rule, status, total_recipients, sent_count, failed_count,
               delivered_count, scheduled_at, started_at, completed_at, last_error`

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	err := row.Scan(
		&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Name, &c.Channel, &c.ContentTemplate,
		&c.TargetRule, &c.Status, &c.TotalRecipients, &c.SentCount, &c.FailedCount,
		&c.DeliveredCount, &c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.LastError,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) queryCampaigns(ctx context.Context, query string, args ...interface{}) ([]*models.Campaign, error) {
	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// CreateCampaign creates a new campaign
func (s *PostgresStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	c.Touch(time.Now())
	if c.Status == "" {
		c.Status = models.CampaignStatusDraft
	}

	query := `
        INSERT INTO campaigns (
            id, created_at, updated_at, name, channel, content_template,
            target_rule, status, scheduled_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.getDB().ExecContext(ctx, query,
		c.ID, c.CreatedAt, c.UpdatedAt, c.Name, c.Channel, c.ContentTemplate,
		c.TargetRule, c.Status, c.ScheduledAt,
	)
	return mapError(err)
}

// GetCampaign gets a campaign
func (s *PostgresStore) GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(s.getDB().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

// ListCampaigns lists campaigns, newest first
func (s *PostgresStore) ListCampaigns(ctx context.Context, status *models.CampaignStatus, limit, offset int) ([]*models.Campaign, int64, error) {
	where := ""
	args := []interface{}{}
	if status != nil {
		where = " WHERE status = $1"
		args = append(args, *status)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM campaigns%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		campaignColumns, where, len(args)+1, len(args)+2)
	args = append(args, limitArg(limit), offset)

	campaigns, err := s.queryCampaigns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, count, nil
}

// TryStartRun moves a DRAFT or SCHEDULED campaign to RUNNING
func (s *PostgresStore) TryStartRun(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	query := `
        UPDATE campaigns SET
            status = $2, started_at = $3, updated_at = $3,
            sent_count = 0, failed_count = 0, delivered_count = 0
        WHERE id = $1 AND status IN ($4, $5)`

	result, err := s.getDB().ExecContext(ctx, query,
		id, models.CampaignStatusRunning, startedAt,
		models.CampaignStatusDraft, models.CampaignStatusScheduled,
	)
	if err != nil {
		return false, mapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// UpdateCampaignStatus applies a status transition guarded by update.From
func (s *PostgresStore) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, update CampaignStatusUpdate) (bool, error) {
	query := `
        UPDATE campaigns SET
            status = $3,
            updated_at = $4,
            total_recipients = COALESCE($5, total_recipients),
            completed_at = COALESCE($6, completed_at),
            last_error = CASE WHEN $7 = '' THEN last_error ELSE $7 END,
            delivered_count = CASE WHEN $8 THEN sent_count ELSE delivered_count END
        WHERE id = $1 AND status = $2`

	result, err := s.getDB().ExecContext(ctx, query,
		id, update.From, update.To, time.Now(), update.TotalRecipients,
		update.CompletedAt, update.LastError, update.SyncDelivered,
	)
	if err != nil {
		return false, mapError(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// IncrementCampaignCounters adds to the sent and failed counters
func (s *PostgresStore) IncrementCampaignCounters(ctx context.Context, id uuid.UUID, sent, failed int) error {
	query := `
        UPDATE campaigns SET
            sent_count = sent_count + $2,
            failed_count = failed_count + $3,
            updated_at = $4
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query, id, sent, failed, time.Now())
	if err != nil {
		return mapError(err)
	}
	return expectRows(result)
}

// ScheduleCampaign moves a DRAFT or SCHEDULED campaign to SCHEDULED at the given time
func (s *PostgresStore) ScheduleCampaign(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
        UPDATE campaigns SET status = $2, scheduled_at = $3, updated_at = $4
        WHERE id = $1 AND status IN ($5, $2)`

	result, err := s.getDB().ExecContext(ctx, query,
		id, models.CampaignStatusScheduled, at, time.Now(), models.CampaignStatusDraft,
	)
	if err != nil {
		return mapError(err)
	}
	return expectRows(result)
}

// ListDueCampaigns lists SCHEDULED campaigns whose time has come
func (s *PostgresStore) ListDueCampaigns(ctx context.Context, now time.Time) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
        WHERE status = $1 AND scheduled_at <= $2 ORDER BY scheduled_at`

	return s.queryCampaigns(ctx, query, models.CampaignStatusScheduled, now)
}

// ListRunningCampaignsStartedBefore lists RUNNING campaigns started before the given time
func (s *PostgresStore) ListRunningCampaignsStartedBefore(ctx context.Context, before time.Time) ([]*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
        WHERE status = $1 AND started_at < $2 ORDER BY started_at`

	return s.queryCampaigns(ctx, query, models.CampaignStatusRunning, before)
}
