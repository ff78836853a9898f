package models

import (
    "time"

    "github.com/google/uuid"
)

// UserRole represents a staff role
type UserRole string

const (
    UserRoleAdmin     UserRole = "ADMIN"
    UserRoleManager   UserRole = "MANAGER"
    UserRoleReception UserRole = "RECEPTION"
)

// User represents a staff account
type User struct {
    ID                  uuid.UUID   `json:"id" db:"id"`
    CreatedAt           time.Time   `json:"createdAt" db:"created_at"`
    UpdatedAt           time.Time   `json:"updatedAt" db:"updated_at"`

    Email               string      `json:"email" db:"email"`
    FullName            string      `json:"fullName" db:"full_name"`

    PasswordHash        string      `json:"-" db:"password_hash"`

    Role                UserRole    `json:"role" db:"role"`
    IsActive            bool        `json:"isActive" db:"is_active"`

    LastLoginAt         *time.Time  `json:"lastLoginAt,omitempty" db:"last_login_at"`
}

// IsAdmin reports whether the user has the admin role
func (u *User) IsAdmin() bool {
    return u.Role == UserRoleAdmin
}
