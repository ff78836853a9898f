package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fitdesk/fitdesk-server/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// ClientDirectory is the read side of the member directory used by the
// recipient resolver and the attendance sync.
type ClientDirectory interface {
	// FindActiveClientByID returns ErrNotFound for unknown or inactive clients
	FindActiveClientByID(ctx context.Context, id uuid.UUID) (*models.Client, error)
	FindAllActiveClients(ctx context.Context) ([]*models.Client, error)
	// FindActiveSubscriptions returns active subscriptions with Client set
	FindActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error)
	// FindActiveSubscriptionsExpiringOn returns active subscriptions whose
	// end date falls on the calendar day of date, with Client set
	FindActiveSubscriptionsExpiringOn(ctx context.Context, date time.Time) ([]*models.Subscription, error)
	FindClientByFingerprint(ctx context.Context, terminalUserID int) (*models.Client, error)
}

// ClientStore manages members and their subscriptions
type ClientStore interface {
	ClientDirectory

	CreateClient(ctx context.Context, client *models.Client) error
	GetClient(ctx context.Context, id uuid.UUID) (*models.Client, error)
	UpdateClient(ctx context.Context, client *models.Client) error
	ListClients(ctx context.Context, limit, offset int) ([]*models.Client, int64, error)
	// AssignFingerprintID gives the client the next free terminal user id
	// unless one is already set, and returns the client's id either way
	AssignFingerprintID(ctx context.Context, clientID uuid.UUID) (int, error)

	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	ListSubscriptions(ctx context.Context, clientID uuid.UUID) ([]*models.Subscription, error)
}

// CampaignStatusUpdate moves a campaign out of From. Nothing is written
// when the stored status differs from From.
type CampaignStatusUpdate struct {
	From            models.CampaignStatus
	To              models.CampaignStatus
	TotalRecipients *int
	CompletedAt     *time.Time
	LastError       string
	// SyncDelivered sets delivered_count = sent_count
	SyncDelivered bool
}

// CampaignStore persists campaigns and their run state
type CampaignStore interface {
	CreateCampaign(ctx context.Context, campaign *models.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, status *models.CampaignStatus, limit, offset int) ([]*models.Campaign, int64, error)

	// TryStartRun atomically moves a DRAFT or SCHEDULED campaign to RUNNING.
	// It reports false when another caller already won the transition.
	TryStartRun(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, update CampaignStatusUpdate) (bool, error)
	IncrementCampaignCounters(ctx context.Context, id uuid.UUID, sent, failed int) error
	ScheduleCampaign(ctx context.Context, id uuid.UUID, at time.Time) error

	ListDueCampaigns(ctx context.Context, now time.Time) ([]*models.Campaign, error)
	ListRunningCampaignsStartedBefore(ctx context.Context, before time.Time) ([]*models.Campaign, error)
}

// MessageFilters represents filters for message records
type MessageFilters struct {
	CampaignID *uuid.UUID
	ClientID   *uuid.UUID
	Status     *models.MessageStatus
}

// MessageStore is append-only from the campaign engine's point of view
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.MessageRecord) error
	ListMessages(ctx context.Context, filters MessageFilters, limit, offset int) ([]*models.MessageRecord, int64, error)
}

// CheckInStore records club visits
type CheckInStore interface {
	// CheckInExistsNear reports whether the client has a check-in within
	// window on either side of at
	CheckInExistsNear(ctx context.Context, clientID uuid.UUID, at time.Time, window time.Duration) (bool, error)
	// CreateCheckInIfAbsent inserts checkIn unless the client already has one
	// within window of its CheckedInAt. The check and the insert are atomic
	// per client. It reports whether a row was written.
	CreateCheckInIfAbsent(ctx context.Context, checkIn *models.CheckIn, window time.Duration) (bool, error)
	CreateCheckIn(ctx context.Context, checkIn *models.CheckIn) error
	ListCheckIns(ctx context.Context, clientID *uuid.UUID, limit, offset int) ([]*models.CheckIn, int64, error)
}

// TerminalStore persists fingerprint terminal definitions
type TerminalStore interface {
	CreateTerminal(ctx context.Context, terminal *models.Terminal) error
	GetTerminal(ctx context.Context, id uuid.UUID) (*models.Terminal, error)
	ListTerminals(ctx context.Context, enabledOnly bool) ([]*models.Terminal, error)
	UpdateTerminalSync(ctx context.Context, id uuid.UUID, at time.Time, status string) error
}

// UserStore persists staff accounts
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUserLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// EventStore persists the event log
type EventStore interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)
}

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	ClientStore
	CampaignStore
	MessageStore
	CheckInStore
	TerminalStore
	UserStore
	EventStore

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	TerminalID *uuid.UUID
	CampaignID *uuid.UUID
	ClientID   *uuid.UUID
	Type       *models.EventType
	Level      *models.EventLevel
	StartTime  *time.Time
	EndTime    *time.Time
}
