package models

import (
    "net"
    "strconv"
    "time"
)

// Terminal represents a fingerprint terminal on the club network
type Terminal struct {
    BaseModel

    Name           string      `json:"name" db:"name"`
    Host           string      `json:"host" db:"host"`
    Port           int         `json:"port" db:"port"`
    CommKey        uint32      `json:"-" db:"comm_key"`
    Enabled        bool        `json:"enabled" db:"enabled"`

    LastSyncAt     *time.Time  `json:"lastSyncAt,omitempty" db:"last_sync_at"`
    LastSyncStatus string      `json:"lastSyncStatus,omitempty" db:"last_sync_status"`
}

// Address returns host:port
func (t *Terminal) Address() string {
    return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}
