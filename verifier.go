package sso

import (
	"context"
	"strings"

	"github.com/goliatone/go-errors"
)

// CredentialVerifier checks a username/password pair against the identity
// store. It never says which part was wrong.
type CredentialVerifier struct {
	store  IdentityStore
	logger Logger
}

func NewCredentialVerifier(store IdentityStore) *CredentialVerifier {
	return &CredentialVerifier{
		store:  store,
		logger: defLogger{},
	}
}

func (v *CredentialVerifier) WithLogger(l Logger) *CredentialVerifier {
	v.logger = normalizeLogger(l)
	return v
}

// Verify returns the identity when the credentials match an active user.
// Every miss is INVALID_CREDENTIALS.
func (v *CredentialVerifier) Verify(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := v.store.FindByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrIdentityNotFound) && !errors.IsNotFound(err) {
			v.logger.Error("credential lookup failed: %v", err)
			return nil, errors.Wrap(err, errors.CategoryInternal, "credential lookup failed")
		}
		compareDummyHash(password)
		return nil, ErrInvalidCredentials
	}

	if err := ComparePasswordAndHash(password, user.PasswordHash); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			v.logger.Warn("password comparison failed for stored hash: %v", err)
		}
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}
