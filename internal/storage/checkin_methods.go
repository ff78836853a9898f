package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// ========== Check-in Methods ==========

// CheckInExistsNear reports whether a check-in exists within ±window of at
func (s *PostgresStore) CheckInExistsNear(ctx context.Context, clientID uuid.UUID, at time.Time, window time.Duration) (bool, error) {
	query := `
        SELECT EXISTS (
            SELECT 1 FROM check_ins
            WHERE client_id = $1 AND checked_in_at BETWEEN $2 AND $3
        )`

	var exists bool
	err := s.getDB().QueryRowContext(ctx, query, clientID, at.Add(-window), at.Add(window)).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// CreateCheckInIfAbsent runs the window check and the insert in one
// transaction under a per-client advisory lock
func (s *PostgresStore) CreateCheckInIfAbsent(ctx context.Context, checkIn *models.CheckIn, window time.Duration) (bool, error) {
	txStore := s
	if s.tx == nil {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return false, err
		}
		defer tx.Rollback()
		txStore = &PostgresStore{db: s.db, tx: tx}
	}

	// 事务结束时自动释放
	_, err := txStore.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1::text))", checkIn.ClientID)
	if err != nil {
		return false, fmt.Errorf("lock client: %w", err)
	}

	exists, err := txStore.CheckInExistsNear(ctx, checkIn.ClientID, checkIn.CheckedInAt, window)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := txStore.CreateCheckIn(ctx, checkIn); err != nil {
		return false, err
	}

	if s.tx == nil {
		if err := txStore.tx.Commit(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// CreateCheckIn records a visit
func (s *PostgresStore) CreateCheckIn(ctx context.Context, checkIn *models.CheckIn) error {
	if checkIn.ID == uuid.Nil {
		checkIn.ID = uuid.New()
	}
	if checkIn.CreatedAt.IsZero() {
		checkIn.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO check_ins (id, created_at, client_id, method, checked_in_at, terminal_id)
        VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.getDB().ExecContext(ctx, query,
		checkIn.ID, checkIn.CreatedAt, checkIn.ClientID, checkIn.Method,
		checkIn.CheckedInAt, checkIn.TerminalID,
	)
	return mapError(err)
}

// ListCheckIns lists check-ins, newest first
func (s *PostgresStore) ListCheckIns(ctx context.Context, clientID *uuid.UUID, limit, offset int) ([]*models.CheckIn, int64, error) {
	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM check_ins WHERE $1::uuid IS NULL OR client_id = $1", clientID,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, created_at, client_id, method, checked_in_at, terminal_id
        FROM check_ins
        WHERE $1::uuid IS NULL OR client_id = $1
        ORDER BY checked_in_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, clientID, limitArg(limit), offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var checkIns []*models.CheckIn
	for rows.Next() {
		c := &models.CheckIn{}
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.ClientID, &c.Method, &c.CheckedInAt, &c.TerminalID); err != nil {
			return nil, 0, err
		}
		checkIns = append(checkIns, c)
	}

	return checkIns, count, rows.Err()
}
