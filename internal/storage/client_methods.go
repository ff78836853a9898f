package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// ========== Client Methods ==========

const clientColumns = `c.id, c.created_at, c.updated_at, c.first_name, c.last_name, c.phone,
               c.email, c.membership_number, c.fingerprint_id, c.status`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClient(row rowScanner) (*models.Client, error) {
	client := &models.Client{}
	var fingerprintID sql.NullInt64

	err := row.Scan(
		&client.ID, &client.CreatedAt, &client.UpdatedAt, &client.FirstName,
		&client.LastName, &client.Phone, &client.Email, &client.MembershipNumber,
		&fingerprintID, &client.Status,
	)
	if err != nil {
		return nil, err
	}

	if fingerprintID.Valid {
		id := int(fingerprintID.Int64)
		client.FingerprintID = &id
	}
	return client, nil
}

func (s *PostgresStore) queryClients(ctx context.Context, query string, args ...interface{}) ([]*models.Client, error) {
	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// CreateClient creates a new client
func (s *PostgresStore) CreateClient(ctx context.Context, client *models.Client) error {
	client.Touch(time.Now())
	if client.Status == "" {
		client.Status = models.ClientStatusActive
	}

	query := `
        INSERT INTO clients (
            id, created_at, updated_at, first_name, last_name, phone,
            email, membership_number, fingerprint_id, status
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.getDB().ExecContext(ctx, query,
		client.ID, client.CreatedAt, client.UpdatedAt, client.FirstName,
		client.LastName, client.Phone, client.Email, client.MembershipNumber,
		client.FingerprintID, client.Status,
	)
	return mapError(err)
}

// GetClient gets a client regardless of status
func (s *PostgresStore) GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients c WHERE c.id = $1`

	client, err := scanClient(s.getDB().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return client, nil
}

// UpdateClient updates a client
func (s *PostgresStore) UpdateClient(ctx context.Context, client *models.Client) error {
	client.UpdatedAt = time.Now()

	query := `
        UPDATE clients SET
            updated_at = $2, first_name = $3, last_name = $4, phone = $5,
            email = $6, membership_number = $7, fingerprint_id = $8, status = $9
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		client.ID, client.UpdatedAt, client.FirstName, client.LastName,
		client.Phone, client.Email, client.MembershipNumber,
		client.FingerprintID, client.Status,
	)
	if err != nil {
		return mapError(err)
	}
	return expectRows(result)
}

// ListClients lists clients ordered by name
func (s *PostgresStore) ListClients(ctx context.Context, limit, offset int) ([]*models.Client, int64, error) {
	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM clients").Scan(&count); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + clientColumns + ` FROM clients c
        ORDER BY c.first_name, c.last_name LIMIT $1 OFFSET $2`

	clients, err := s.queryClients(ctx, query, limitArg(limit), offset)
	if err != nil {
		return nil, 0, err
	}
	return clients, count, nil
}

// FindActiveClientByID gets an active client
func (s *PostgresStore) FindActiveClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients c WHERE c.id = $1 AND c.status = $2`

	client, err := scanClient(s.getDB().QueryRowContext(ctx, query, id, models.ClientStatusActive))
	if err != nil {
		return nil, mapError(err)
	}
	return client, nil
}

// FindAllActiveClients lists every active client
func (s *PostgresStore) FindAllActiveClients(ctx context.Context) ([]*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients c
        WHERE c.status = $1 ORDER BY c.created_at, c.id`

	return s.queryClients(ctx, query, models.ClientStatusActive)
}

// FindClientByFingerprint resolves a terminal user id to its client
func (s *PostgresStore) FindClientByFingerprint(ctx context.Context, terminalUserID int) (*models.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients c WHERE c.fingerprint_id = $1`

	client, err := scanClient(s.getDB().QueryRowContext(ctx, query, terminalUserID))
	if err != nil {
		return nil, mapError(err)
	}
	return client, nil
}

// AssignFingerprintID allocates the next terminal user id for a client
func (s *PostgresStore) AssignFingerprintID(ctx context.Context, clientID uuid.UUID) (int, error) {
	var id sql.NullInt64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT fingerprint_id FROM clients WHERE id = $1", clientID,
	).Scan(&id)
	if err != nil {
		return 0, mapError(err)
	}
	if id.Valid {
		return int(id.Int64), nil
	}

	query := `
        UPDATE clients SET
            fingerprint_id = (SELECT COALESCE(MAX(fingerprint_id), 0) + 1 FROM clients),
            updated_at = $2
        WHERE id = $1 AND fingerprint_id IS NULL
        RETURNING fingerprint_id`

	err = s.getDB().QueryRowContext(ctx, query, clientID, time.Now()).Scan(&id)
	if err != nil {
		return 0, mapError(err)
	}
	return int(id.Int64), nil
}

// ========== Subscription Methods ==========

const subscriptionColumns = `s.id, s.created_at, s.updated_at, s.client_id, s.package_name,
               s.start_date, s.end_date, s.status`

func (s *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*models.Subscription, error) {
	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub := &models.Subscription{}
		client := &models.Client{}
		var fingerprintID sql.NullInt64

		err := rows.Scan(
			&sub.ID, &sub.CreatedAt, &sub.UpdatedAt, &sub.ClientID, &sub.PackageName,
			&sub.StartDate, &sub.EndDate, &sub.Status,
			&client.ID, &client.CreatedAt, &client.UpdatedAt, &client.FirstName,
			&client.LastName, &client.Phone, &client.Email, &client.MembershipNumber,
			&fingerprintID, &client.Status,
		)
		if err != nil {
			return nil, err
		}

		if fingerprintID.Valid {
			id := int(fingerprintID.Int64)
			client.FingerprintID = &id
		}
		sub.Client = client
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CreateSubscription creates a subscription
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	sub.Touch(time.Now())
	if sub.Status == "" {
		sub.Status = models.SubscriptionStatusActive
	}

	query := `
        INSERT INTO subscriptions (
            id, created_at, updated_at, client_id, package_name,
            start_date, end_date, status
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		sub.ID, sub.CreatedAt, sub.UpdatedAt, sub.ClientID, sub.PackageName,
		sub.StartDate.Format("2006-01-02"), sub.EndDate.Format("2006-01-02"), sub.Status,
	)
	return mapError(err)
}

// ListSubscriptions lists a client's subscriptions, newest first
func (s *PostgresStore) ListSubscriptions(ctx context.Context, clientID uuid.UUID) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `, ` + clientColumns + `
        FROM subscriptions s JOIN clients c ON c.id = s.client_id
        WHERE s.client_id = $1 ORDER BY s.end_date DESC`

	return s.querySubscriptions(ctx, query, clientID)
}

// FindActiveSubscriptions lists active subscriptions with their owners
func (s *PostgresStore) FindActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `, ` + clientColumns + `
        FROM subscriptions s JOIN clients c ON c.id = s.client_id
        WHERE s.status = $1 ORDER BY s.end_date, s.id`

	return s.querySubscriptions(ctx, query, models.SubscriptionStatusActive)
}

// FindActiveSubscriptionsExpiringOn lists active subscriptions ending on date
func (s *PostgresStore) FindActiveSubscriptionsExpiringOn(ctx context.Context, date time.Time) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `, ` + clientColumns + `
        FROM subscriptions s JOIN clients c ON c.id = s.client_id
        WHERE s.status = $1 AND s.end_date = $2::date ORDER BY s.id`

	return s.querySubscriptions(ctx, query, models.SubscriptionStatusActive, date.Format("2006-01-02"))
}
