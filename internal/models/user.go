package models

import (
	"time"
)

// Role represents a caller's permission tier.
type Role string

const (
	RoleUser    Role = "user"
	RolePremium Role = "premium"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Valid returns true for the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RolePremium, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Privileged returns true for roles that may act on other users' resources.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleSystem
}

// ParseRole converts a string to Role.
func ParseRole(s string) Role {
	switch s {
	case "premium":
		return RolePremium
	case "admin":
		return RoleAdmin
	case "system":
		return RoleSystem
	default:
		return RoleUser
	}
}

// User is an account that can authenticate against Access Control.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Never expose in JSON
	Role         Role      `json:"role"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewUser creates a new User with initialized timestamps.
func NewUser(username string, role Role) *User {
	now := time.Now().UTC()
	return &User{
		Username:  username,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsAdmin returns true if user has admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
