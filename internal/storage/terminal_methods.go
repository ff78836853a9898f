package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// ========== Terminal Methods ==========

const terminalColumns = `id, created_at, updated_at, name, host, port, comm_key,
               enabled, last_sync_at, last_sync_status`

func scanTerminal(row rowScanner) (*models.Terminal, error) {
	t := &models.Terminal{}
	var commKey int64

	err := row.Scan(
		&t.ID, &t.CreatedAt, &t.UpdatedAt, &t.Name, &t.Host, &t.Port, &commKey,
		&t.Enabled, &t.LastSyncAt, &t.LastSyncStatus,
	)
	if err != nil {
		return nil, err
	}
	t.CommKey = uint32(commKey)
	return t, nil
}

// CreateTerminal creates a terminal definition
func (s *PostgresStore) CreateTerminal(ctx context.Context, t *models.Terminal) error {
	t.Touch(time.Now())

	query := `
        INSERT INTO terminals (
            id, created_at, updated_at, name, host, port, comm_key, enabled
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		t.ID, t.CreatedAt, t.UpdatedAt, t.Name, t.Host, t.Port, int64(t.CommKey), t.Enabled,
	)
	return mapError(err)
}

// GetTerminal gets a terminal
func (s *PostgresStore) GetTerminal(ctx context.Context, id uuid.UUID) (*models.Terminal, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals WHERE id = $1`

	t, err := scanTerminal(s.getDB().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

// ListTerminals lists terminals by name
func (s *PostgresStore) ListTerminals(ctx context.Context, enabledOnly bool) ([]*models.Terminal, error) {
	query := `SELECT ` + terminalColumns + ` FROM terminals
        WHERE enabled OR NOT $1 ORDER BY name`

	rows, err := s.getDB().QueryContext(ctx, query, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var terminals []*models.Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		terminals = append(terminals, t)
	}
	return terminals, rows.Err()
}

// UpdateTerminalSync records the outcome of the last sync attempt
func (s *PostgresStore) UpdateTerminalSync(ctx context.Context, id uuid.UUID, at time.Time, status string) error {
	result, err := s.getDB().ExecContext(ctx,
		"UPDATE terminals SET last_sync_at = $2, last_sync_status = $3, updated_at = $2 WHERE id = $1",
		id, at, status,
	)
	if err != nil {
		return mapError(err)
	}
	return expectRows(result)
}
