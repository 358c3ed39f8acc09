package sso

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the identity model
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id,omitempty"`
	Username      string     `bun:"username,notnull,unique" json:"username,omitempty"`
	Email         string     `bun:"email,notnull,unique" json:"email,omitempty"`
	FirstName     string     `bun:"first_name,notnull" json:"first_name,omitempty"`
	LastName      string     `bun:"last_name,notnull" json:"last_name,omitempty"`
	PasswordHash  string     `bun:"password_hash,notnull" json:"-"`
	IsActive      bool       `bun:"is_active,notnull" json:"is_active"`
	IsStaff       bool       `bun:"is_staff,notnull" json:"is_staff"`
	PasswordAt    *time.Time `bun:"password_changed_at,nullzero" json:"password_changed_at,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// AccessGrant links one user to one audience. The pair is unique.
type AccessGrant struct {
	bun.BaseModel `bun:"table:access_grants,alias:acg"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID        uuid.UUID `bun:"user_id,notnull,type:uuid,unique:uq_access_grants_user_audience" json:"user_id"`
	Audience      string    `bun:"audience,notnull,unique:uq_access_grants_user_audience" json:"audience"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}

// RecoveryState is the lifecycle state of a PasswordRecovery
type RecoveryState = string

const (
	RecoveryCreated  RecoveryState = "created"
	RecoveryExpired  RecoveryState = "expired"
	RecoveryConsumed RecoveryState = "consumed"
)

// PasswordRecovery is one password recovery attempt. The ID is the bearer
// secret mailed to the user.
type PasswordRecovery struct {
	bun.BaseModel `bun:"table:password_recoveries,alias:pwdr"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"-"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	User          *User      `bun:"rel:belongs-to,join:user_id=id" json:"-"`
	Used          bool       `bun:"used,notnull" json:"used"`
	UsedAt        *time.Time `bun:"used_at,nullzero" json:"used_at,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
}

// State returns the lifecycle state at now for the given ttl.
func (r *PasswordRecovery) State(now time.Time, ttl time.Duration) RecoveryState {
	if r.Used {
		return RecoveryConsumed
	}
	if now.Sub(r.CreatedAt) > ttl {
		return RecoveryExpired
	}
	return RecoveryCreated
}

// IsValid reports whether the recovery can still be redeemed.
func (r *PasswordRecovery) IsValid(now time.Time, ttl time.Duration) bool {
	return r.State(now, ttl) == RecoveryCreated
}

// OutboxStatus is the delivery status of an IdentityOutboxEvent
type OutboxStatus = string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxLeased    OutboxStatus = "leased"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxDead      OutboxStatus = "dead"
)

// IdentityOutboxEvent is a queued identity propagation. Timestamps are unix
// milliseconds so due-date comparisons stay portable across dialects.
type IdentityOutboxEvent struct {
	bun.BaseModel  `bun:"table:identity_outbox,alias:obx"`
	ID             string       `bun:"id,pk" json:"id"`
	GrantID        uuid.UUID    `bun:"grant_id,notnull,unique,type:uuid" json:"grant_id"`
	Audience       string       `bun:"audience,notnull" json:"audience"`
	Payload        string       `bun:"payload,notnull" json:"payload"`
	Status         OutboxStatus `bun:"status,notnull" json:"status"`
	Attempts       int          `bun:"attempts,notnull" json:"attempts"`
	NextAttemptAt  int64        `bun:"next_attempt_at,notnull" json:"next_attempt_at"`
	LeaseExpiresAt int64        `bun:"lease_expires_at,notnull" json:"lease_expires_at"`
	LastError      string       `bun:"last_error,notnull" json:"last_error,omitempty"`
	ProcessedAt    int64        `bun:"processed_at,notnull" json:"processed_at,omitempty"`
	CreatedAt      int64        `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      int64        `bun:"updated_at,notnull" json:"updated_at"`
}

// IdentityRecord is the minimal identity pushed to audience webhooks.
type IdentityRecord struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	IsStaff   bool   `json:"is_staff"`
	IsActive  bool   `json:"is_active"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// NewIdentityRecord builds the webhook record for user. The username doubles
// as the id since audiences key identities by username.
func NewIdentityRecord(user *User) IdentityRecord {
	return IdentityRecord{
		ID:        user.Username,
		Username:  user.Username,
		IsStaff:   user.IsStaff,
		IsActive:  user.IsActive,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
