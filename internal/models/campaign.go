package models

import (
    "database/sql/driver"
    "encoding/json"
    "fmt"
    "time"
)

// Channel represents a messaging channel
type Channel string

const (
    ChannelSMS      Channel = "SMS"
    ChannelWhatsApp Channel = "WHATSAPP"
    ChannelEmail    Channel = "EMAIL"
)

// Valid reports whether the channel is known
func (c Channel) Valid() bool {
    switch c {
    case ChannelSMS, ChannelWhatsApp, ChannelEmail:
        return true
    }
    return false
}

// CampaignStatus represents the campaign lifecycle state
type CampaignStatus string

const (
    CampaignStatusDraft     CampaignStatus = "DRAFT"
    CampaignStatusScheduled CampaignStatus = "SCHEDULED"
    CampaignStatusRunning   CampaignStatus = "RUNNING"
    CampaignStatusCompleted CampaignStatus = "COMPLETED"
    CampaignStatusCancelled CampaignStatus = "CANCELLED"
)

// Startable reports whether a run may begin from this status
func (s CampaignStatus) Startable() bool {
    return s == CampaignStatusDraft || s == CampaignStatusScheduled
}

// Terminal reports whether the status is final
func (s CampaignStatus) Terminal() bool {
    return s == CampaignStatusCompleted || s == CampaignStatusCancelled
}

// TargetKind represents the audience selector of a campaign
type TargetKind string

const (
    TargetAllClients            TargetKind = "ALL_CLIENTS"
    TargetActiveSubscriptions   TargetKind = "ACTIVE_SUBSCRIPTIONS"
    TargetExpiringSubscriptions TargetKind = "EXPIRING_SUBSCRIPTIONS"
    TargetSpecificClients       TargetKind = "SPECIFIC_CLIENTS"
)

// TargetRule selects the recipients of a campaign.
// ClientIDs is only used by SPECIFIC_CLIENTS and is kept as raw strings so
// malformed ids are reported when the rule is resolved.
type TargetRule struct {
    Type      TargetKind  `json:"type"`
    ClientIDs []string    `json:"clientIds,omitempty"`
}

// Value implements driver.Valuer interface
func (r TargetRule) Value() (driver.Value, error) {
    return json.Marshal(r)
}

// Scan implements sql.Scanner interface
func (r *TargetRule) Scan(value interface{}) error {
    switch data := value.(type) {
    case nil:
        *r = TargetRule{}
        return nil
    case []byte:
        return json.Unmarshal(data, r)
    case string:
        return json.Unmarshal([]byte(data), r)
    default:
        return fmt.Errorf("unsupported target rule type %T", value)
    }
}

// Campaign represents a messaging job
type Campaign struct {
    BaseModel

    Name            string          `json:"name" db:"name"`
    Channel         Channel         `json:"channel" db:"channel"`
    ContentTemplate string          `json:"contentTemplate" db:"content_template"`
    TargetRule      TargetRule      `json:"targetRule" db:"target_rule"`
    Status          CampaignStatus  `json:"status" db:"status"`

    TotalRecipients int             `json:"totalRecipients" db:"total_recipients"`
    SentCount       int             `json:"sentCount" db:"sent_count"`
    FailedCount     int             `json:"failedCount" db:"failed_count"`
    DeliveredCount  int             `json:"deliveredCount" db:"delivered_count"`

    ScheduledAt     *time.Time      `json:"scheduledAt,omitempty" db:"scheduled_at"`
    StartedAt       *time.Time      `json:"startedAt,omitempty" db:"started_at"`
    CompletedAt     *time.Time      `json:"completedAt,omitempty" db:"completed_at"`

    LastError       string          `json:"lastError,omitempty" db:"last_error"`
}
