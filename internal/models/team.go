package models

import "time"

// Team roles. Authorization decisions themselves are delegated to the
// check_team_permission database procedure; these values only label members.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Team struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type TeamMember struct {
	TeamID    string    `json:"team_id" db:"team_id"`
	AccountID string    `json:"account_id" db:"account_id"`
	Role      string    `json:"role" db:"role"`
	JoinedAt  time.Time `json:"joined_at" db:"joined_at"`
}

// APIKey is a shared team credential. Only the argon2id hash of the secret is
// stored; the full key is returned exactly once at creation.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	TeamID     string     `json:"team_id" db:"team_id"`
	Name       string     `json:"name" db:"name"`
	Prefix     string     `json:"prefix" db:"prefix"`
	SecretHash string     `json:"-" db:"secret_hash"`
	CreatedBy  string     `json:"created_by" db:"created_by"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}
