package sso

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of an SSO access token. User carries the username
// audiences key identities by.
type Claims struct {
	jwt.RegisteredClaims
	User string `json:"user"`
}

// Username returns the user claim.
func (c *Claims) Username() string {
	return c.User
}

// PrimaryAudience returns the first audience, which is the only one the
// authority ever issues.
func (c *Claims) PrimaryAudience() string {
	if len(c.Audience) == 0 {
		return ""
	}
	return c.Audience[0]
}

// Expires returns the token expiration time
func (c *Claims) Expires() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Issued returns the issued at time
func (c *Claims) Issued() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// TokenID returns the jti claim.
func (c *Claims) TokenID() string {
	return c.ID
}
