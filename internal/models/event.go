package models

import (
    "time"

    "github.com/google/uuid"
)

// EventLog represents an event log entry
type EventLog struct {
    ID               uuid.UUID   `json:"id" db:"id"`
    CreatedAt        time.Time   `json:"createdAt" db:"created_at"`

    TerminalID       *uuid.UUID  `json:"terminalId,omitempty" db:"terminal_id"`
    CampaignID       *uuid.UUID  `json:"campaignId,omitempty" db:"campaign_id"`
    ClientID         *uuid.UUID  `json:"clientId,omitempty" db:"client_id"`

    Type             EventType   `json:"type" db:"type"`
    Level            EventLevel  `json:"level" db:"level"`
    Code             string      `json:"code" db:"code"`
    Description      string      `json:"description" db:"description"`

    Details          Variables   `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
    // Terminal events
    EventTypeTerminalSync   EventType = "TERMINAL_SYNC"
    EventTypeTerminalError  EventType = "TERMINAL_ERROR"
    EventTypeEnrollment     EventType = "ENROLLMENT"

    // Member events
    EventTypeCheckIn        EventType = "CHECK_IN"

    // Campaign events
    EventTypeCampaignStarted   EventType = "CAMPAIGN_STARTED"
    EventTypeCampaignCompleted EventType = "CAMPAIGN_COMPLETED"
    EventTypeCampaignCancelled EventType = "CAMPAIGN_CANCELLED"

    // System events
    EventTypeAPICall        EventType = "API_CALL"
    EventTypeIntegration    EventType = "INTEGRATION"
)

// EventLevel represents event severity levels
type EventLevel string

const (
    EventLevelDebug   EventLevel = "DEBUG"
    EventLevelInfo    EventLevel = "INFO"
    EventLevelWarning EventLevel = "WARNING"
    EventLevelError   EventLevel = "ERROR"
)
