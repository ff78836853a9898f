package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// ========== Message Methods ==========

// CreateMessage appends a message record
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.MessageRecord) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO messages (
            id, created_at, campaign_id, client_id, channel, address,
            content, status, error_message, provider_status, sent_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.getDB().ExecContext(ctx, query,
		msg.ID, msg.CreatedAt, msg.CampaignID, msg.ClientID, msg.Channel,
		msg.Address, msg.Content, msg.Status, msg.ErrorMessage,
		msg.ProviderStatus, msg.SentAt,
	)
	return mapError(err)
}

// ListMessages lists message records in creation order
func (s *PostgresStore) ListMessages(ctx context.Context, filters MessageFilters, limit, offset int) ([]*models.MessageRecord, int64, error) {
	query := "SELECT COUNT(*) FROM messages WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.CampaignID != nil {
		argCount++
		query += fmt.Sprintf(" AND campaign_id = $%d", argCount)
		args = append(args, *filters.CampaignID)
	}

	if filters.ClientID != nil {
		argCount++
		query += fmt.Sprintf(" AND client_id = $%d", argCount)
		args = append(args, *filters.ClientID)
	}

	if filters.Status != nil {
		argCount++
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *filters.Status)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, created_at, campaign_id, client_id, channel, address, content, status, error_message, provider_status, sent_at", 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", argCount)
	args = append(args, limitArg(limit))

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var messages []*models.MessageRecord
	for rows.Next() {
		msg := &models.MessageRecord{}
		err := rows.Scan(
			&msg.ID, &msg.CreatedAt, &msg.CampaignID, &msg.ClientID, &msg.Channel,
			&msg.Address, &msg.Content, &msg.Status, &msg.ErrorMessage,
			&msg.ProviderStatus, &msg.SentAt,
		)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, msg)
	}

	return messages, count, rows.Err()
}
