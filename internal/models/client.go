package models

import (
    "strings"
    "time"

    "github.com/google/uuid"
)

// ClientStatus represents a member's status
type ClientStatus string

const (
    ClientStatusActive    ClientStatus = "ACTIVE"
    ClientStatusInactive  ClientStatus = "INACTIVE"
    ClientStatusSuspended ClientStatus = "SUSPENDED"
)

// Client represents a club member
type Client struct {
    BaseModel

    FirstName        string        `json:"firstName" db:"first_name"`
    LastName         string        `json:"lastName" db:"last_name"`
    Phone            string        `json:"phone" db:"phone"`
    Email            string        `json:"email,omitempty" db:"email"`
    MembershipNumber string        `json:"membershipNumber" db:"membership_number"`

    // FingerprintID is the user id assigned on the fingerprint terminals
    FingerprintID    *int          `json:"fingerprintId,omitempty" db:"fingerprint_id"`

    Status           ClientStatus  `json:"status" db:"status"`
}

// FullName returns first and last name joined
func (c *Client) FullName() string {
    return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// IsActive reports whether the membership is active
func (c *Client) IsActive() bool {
    return c.Status == ClientStatusActive
}

// SubscriptionStatus represents a subscription's status
type SubscriptionStatus string

const (
    SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
    SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
    SubscriptionStatusFrozen    SubscriptionStatus = "FROZEN"
    SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
)

// Subscription represents a client's membership package
type Subscription struct {
    BaseModel

    ClientID     uuid.UUID           `json:"clientId" db:"client_id"`
    PackageName  string              `json:"packageName" db:"package_name"`
    StartDate    time.Time           `json:"startDate" db:"start_date"`
    EndDate      time.Time           `json:"endDate" db:"end_date"`
    Status       SubscriptionStatus  `json:"status" db:"status"`

    // Client is populated by directory queries that join the owner
    Client       *Client             `json:"client,omitempty" db:"-"`
}
