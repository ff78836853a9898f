package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// ========== User Methods ==========

// CreateUser creates a new staff user. PasswordHash must already be set.
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	query := `
        INSERT INTO users (
            id, created_at, updated_at, email, full_name, password_hash, role, is_active
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		user.ID, user.CreatedAt, user.UpdatedAt, user.Email, user.FullName,
		user.PasswordHash, user.Role, user.IsActive,
	)
	return mapError(err)
}

const userColumns = `id, created_at, updated_at, email, full_name, password_hash,
               role, is_active, last_login_at`

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID, &user.CreatedAt, &user.UpdatedAt, &user.Email, &user.FullName,
		&user.PasswordHash, &user.Role, &user.IsActive, &user.LastLoginAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return user, nil
}

// GetUser gets a user by ID
func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(s.getDB().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByEmail gets a user by email
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(s.getDB().QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(strings.TrimSpace(email))))
}

// UpdateUserLastLogin stamps a successful login
func (s *PostgresStore) UpdateUserLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.getDB().ExecContext(ctx,
		"UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return mapError(err)
	}
	return expectRows(result)
}
