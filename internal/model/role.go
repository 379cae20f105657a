package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the permission level carried by an API key and its JWTs.
type Role string

const (
	RoleReporter Role = "reporter" // submit and read bugs
	RoleQA       Role = "qa"       // reporter + review queue, overrides, audit
	RoleAdmin    Role = "admin"    // qa + key management
)

// roleRank orders roles for RoleAtLeast.
var roleRank = map[Role]int{
	RoleReporter: 1,
	RoleQA:       2,
	RoleAdmin:    3,
}

// RoleAtLeast reports whether role meets or exceeds minimum.
func RoleAtLeast(role, minimum Role) bool {
	return roleRank[role] >= roleRank[minimum]
}

// ValidRole reports whether s is a known role.
func ValidRole(s Role) bool {
	_, ok := roleRank[s]
	return ok
}

// APIKey is a managed credential exchanged for JWTs at /auth/token.
// KeyHash is an Argon2id hash; the plaintext is never stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	KeyID      string     `json:"key_id"`
	KeyHash    string     `json:"-"`
	Role       Role       `json:"role"`
	Disabled   bool       `json:"disabled"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
