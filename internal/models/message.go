package models

import (
    "time"

    "github.com/google/uuid"
)

// MessageStatus represents the outcome of one send attempt
type MessageStatus string

const (
    MessageStatusPending   MessageStatus = "PENDING"
    MessageStatusSent      MessageStatus = "SENT"
    MessageStatusDelivered MessageStatus = "DELIVERED"
    MessageStatusFailed    MessageStatus = "FAILED"
)

// MessageRecord is the durable result of sending one message.
// Records are append-only.
type MessageRecord struct {
    ID              uuid.UUID      `json:"id" db:"id"`
    CreatedAt       time.Time      `json:"createdAt" db:"created_at"`

    CampaignID      *uuid.UUID     `json:"campaignId,omitempty" db:"campaign_id"`
    ClientID        *uuid.UUID     `json:"clientId,omitempty" db:"client_id"`

    Channel         Channel        `json:"channel" db:"channel"`
    Address         string         `json:"address" db:"address"`
    Content         string         `json:"content" db:"content"`

    Status          MessageStatus  `json:"status" db:"status"`
    ErrorMessage    string         `json:"errorMessage,omitempty" db:"error_message"`
    ProviderStatus  string         `json:"providerStatus,omitempty" db:"provider_status"`
    SentAt          *time.Time     `json:"sentAt,omitempty" db:"sent_at"`
}
