package models

import (
    "time"

    "github.com/google/uuid"
)

// CheckInMethod represents how a check-in was recorded
type CheckInMethod string

const (
    CheckInMethodManual      CheckInMethod = "MANUAL"
    CheckInMethodFingerprint CheckInMethod = "FINGERPRINT"
)

// CheckIn represents a club visit
type CheckIn struct {
    ID          uuid.UUID      `json:"id" db:"id"`
    CreatedAt   time.Time      `json:"createdAt" db:"created_at"`

    ClientID    uuid.UUID      `json:"clientId" db:"client_id"`
    Method      CheckInMethod  `json:"method" db:"method"`
    CheckedInAt time.Time      `json:"checkedInAt" db:"checked_in_at"`

    TerminalID  *uuid.UUID     `json:"terminalId,omitempty" db:"terminal_id"`
}
