package sso_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-sso"
)

type mockIdentityStore struct {
	mock.Mock
}

func (m *mockIdentityStore) FindByUsername(ctx context.Context, username string) (*sso.User, error) {
	args := m.Called(ctx, username)
	user, _ := args.Get(0).(*sso.User)
	return user, args.Error(1)
}

func (m *mockIdentityStore) FindByEmail(ctx context.Context, email string) (*sso.User, error) {
	args := m.Called(ctx, email)
	user, _ := args.Get(0).(*sso.User)
	return user, args.Error(1)
}

func (m *mockIdentityStore) SetPasswordHash(ctx context.Context, id string, passwordHash string, at time.Time) error {
	return m.Called(ctx, id, passwordHash, at).Error(0)
}

func (m *mockIdentityStore) Insert(ctx context.Context, user *sso.User) (*sso.User, error) {
	args := m.Called(ctx, user)
	out, _ := args.Get(0).(*sso.User)
	return out, args.Error(1)
}

func TestCredentialVerifier(t *testing.T) {
	hash, err := sso.HashPassword(alicePassword)
	require.NoError(t, err)

	active := &sso.User{Username: "alice", PasswordHash: hash, IsActive: true}
	inactive := &sso.User{Username: "bob", PasswordHash: hash, IsActive: false}

	store := new(mockIdentityStore)
	store.On("FindByUsername", mock.Anything, "alice").Return(active, nil)
	store.On("FindByUsername", mock.Anything, "bob").Return(inactive, nil)
	store.On("FindByUsername", mock.Anything, "ghost").Return(nil, sso.ErrIdentityNotFound)
	store.On("FindByUsername", mock.Anything, "broken").Return(nil, stderrors.New("connection reset"))

	verifier := sso.NewCredentialVerifier(store).WithLogger(nopLogger{})
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		user, err := verifier.Verify(ctx, " alice ", alicePassword)
		require.NoError(t, err)
		assert.Equal(t, "alice", user.Username)
	})

	misses := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "not-the-password"},
		{"unknown user", "ghost", alicePassword},
		{"inactive user", "bob", alicePassword},
		{"empty username", "", alicePassword},
		{"empty password", "alice", ""},
	}

	for _, tt := range misses {
		t.Run(tt.name, func(t *testing.T) {
			user, err := verifier.Verify(ctx, tt.username, tt.password)
			require.Error(t, err)
			assert.Nil(t, user)
			assert.Equal(t, sso.TextCodeInvalidCredentials, sso.TextCode(err))
		})
	}

	t.Run("store failure is not a credential miss", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "broken", alicePassword)
		require.Error(t, err)
		assert.Equal(t, sso.TextCodeUnknownError, sso.TextCode(err))
	})

	store.AssertNotCalled(t, "FindByUsername", mock.Anything, "")
}
