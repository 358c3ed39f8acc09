package sso_test

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-sso"
)

type activityRecorder struct {
	mu     sync.Mutex
	events []sso.ActivityEvent
}

func (r *activityRecorder) Record(_ context.Context, e sso.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *activityRecorder) Types() []sso.ActivityEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sso.ActivityEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type authorityFixture struct {
	authority *sso.Authority
	repo      sso.RepositoryManager
	mailer    *recordingMailer
	metrics   *sso.Metrics
	activity  *activityRecorder
	alice     *sso.User
}

func newAuthorityFixture(t *testing.T) *authorityFixture {
	t.Helper()

	repo := newTestRepo(t)
	cfg := newTestConfig(t)
	mailer := &recordingMailer{}
	metrics := sso.NewMetrics()
	activity := &activityRecorder{}

	authority := sso.NewAuthority(cfg, repo, mailer).
		WithLogger(nopLogger{}).
		WithMetrics(metrics).
		WithActivitySink(activity)
	authority.Recovery().WithAsyncMail(false)

	alice := seedUser(t, repo, "alice", alicePassword, true)
	_, err := authority.Grant(context.Background(), "alice", "portal")
	require.NoError(t, err)

	return &authorityFixture{
		authority: authority,
		repo:      repo,
		mailer:    mailer,
		metrics:   metrics,
		activity:  activity,
		alice:     alice,
	}
}

func TestAuthorityLoginScenario(t *testing.T) {
	f := newAuthorityFixture(t)
	ctx := context.Background()

	t.Run("audience not granted", func(t *testing.T) {
		res, err := f.authority.Login(ctx, sso.LoginInput{Username: "alice", Password: alicePassword, Audience: "billing"})
		assert.Nil(t, res)
		assert.Equal(t, sso.TextCodeInvalidAudience, sso.TextCode(err))
	})

	t.Run("granted audience", func(t *testing.T) {
		res, err := f.authority.Login(ctx, sso.LoginInput{Username: "alice", Password: alicePassword, Audience: "portal"})
		require.NoError(t, err)

		u, err := url.Parse(res.RedirectURL)
		require.NoError(t, err)
		assert.Equal(t, "portal.example.com", u.Host)
		assert.Equal(t, res.Token, u.Query().Get("access"))

		claims, err := f.authority.Verify(ctx, u.Query().Get("access"), "portal")
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.Equal(t, "portal", claims.PrimaryAudience())
		assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), claims.Expires(), time.Minute)

		_, err = f.authority.Verify(ctx, res.Token, "billing")
		assert.Equal(t, sso.TextCodeMalformed, sso.TextCode(err))
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TokensIssued.WithLabelValues("portal")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.TokensIssued.WithLabelValues("billing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("login", sso.TextCodeInvalidAudience)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("login", "OK")))

	assert.Equal(t, []sso.ActivityEventType{
		sso.ActivityEventGrantCreated,
		sso.ActivityEventLoginFailure,
		sso.ActivityEventLoginSuccess,
	}, f.activity.Types())
}

func TestAuthorityLoginValidatorOrder(t *testing.T) {
	f := newAuthorityFixture(t)
	ctx := context.Background()

	assert.Equal(t, []string{
		sso.LoginAudienceKnown,
		sso.LoginCredentials,
		sso.LoginAudienceGranted,
	}, f.authority.LoginValidators())

	tests := []struct {
		name   string
		in     sso.LoginInput
		code   string
		status int
	}{
		{"unknown audience wins over bad credentials", sso.LoginInput{Username: "alice", Password: "wrong", Audience: "crm"}, sso.TextCodeInvalidAudience, http.StatusBadRequest},
		{"empty audience", sso.LoginInput{Username: "alice", Password: alicePassword}, sso.TextCodeInvalidAudience, http.StatusBadRequest},
		{"bad credentials win over missing grant", sso.LoginInput{Username: "alice", Password: "wrong", Audience: "billing"}, sso.TextCodeInvalidCredentials, http.StatusUnauthorized},
		{"empty password", sso.LoginInput{Username: "alice", Audience: "portal"}, sso.TextCodeInvalidCredentials, http.StatusUnauthorized},
		{"unknown user", sso.LoginInput{Username: "ghost", Password: alicePassword, Audience: "portal"}, sso.TextCodeInvalidCredentials, http.StatusUnauthorized},
		{"missing grant", sso.LoginInput{Username: "alice", Password: alicePassword, Audience: "billing"}, sso.TextCodeInvalidAudience, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.authority.Login(ctx, tt.in)
			assert.Equal(t, tt.code, sso.TextCode(err))
			assert.Equal(t, tt.status, sso.StatusCode(err))
		})
	}

	assert.Equal(t, http.StatusUnauthorized, sso.ErrInvalidAudience.Code, "sentinel must keep its code")
}

func TestAuthorityInactiveUserCannotLogin(t *testing.T) {
	f := newAuthorityFixture(t)
	ctx := context.Background()

	seedUser(t, f.repo, "bob", alicePassword, false)
	_, err := f.authority.Grant(ctx, "bob", "portal")
	require.NoError(t, err)

	_, err = f.authority.Login(ctx, sso.LoginInput{Username: "bob", Password: alicePassword, Audience: "portal"})
	assert.Equal(t, sso.TextCodeInvalidCredentials, sso.TextCode(err))
}

func TestAuthorityChangePassword(t *testing.T) {
	f := newAuthorityFixture(t)
	ctx := context.Background()

	err := f.authority.ChangePassword(ctx, sso.ChangePasswordInput{Username: "alice", OldPassword: "wrong", NewPassword: newPassword})
	assert.Equal(t, sso.TextCodeInvalidCredentials, sso.TextCode(err))

	err = f.authority.ChangePassword(ctx, sso.ChangePasswordInput{Username: "alice", OldPassword: alicePassword, NewPassword: "123456789012345"})
	assert.Equal(t, sso.TextCodeWeakPassword, sso.TextCode(err))

	_, err = f.authority.Login(ctx, sso.LoginInput{Username: "alice", Password: alicePassword, Audience: "portal"})
	require.NoError(t, err, "failed change must keep the old password")

	require.NoError(t, f.authority.ChangePassword(ctx, sso.ChangePasswordInput{
		Username:    "alice",
		OldPassword: alicePassword,
		NewPassword: newPassword,
	}))

	_, err = f.authority.Login(ctx, sso.LoginInput{Username: "alice", Password: alicePassword, Audience: "portal"})
	assert.Equal(t, sso.TextCodeInvalidCredentials, sso.TextCode(err))

	_, err = f.authority.Login(ctx, sso.LoginInput{Username: "alice", Password: newPassword, Audience: "portal"})
	require.NoError(t, err)
}

func TestAuthorityChangePasswordUsesClock(t *testing.T) {
	f := newAuthorityFixture(t)
	ctx := context.Background()
	clock := newTestClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	f.authority.WithClock(clock.Now)

	require.NoError(t, f.authority.ChangePassword(ctx, sso.ChangePasswordInput{
		Username:    "alice",
		OldPassword: alicePassword,
		NewPassword: newPassword,
	}))

	user, err := f.repo.Users().FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, user.PasswordAt)
	assert.WithinDuration(t, clock.Now(), *user.PasswordAt, time.Second)
	assert.WithinDuration(t, clock.Now(), user.UpdatedAt, time.Second)
}

func TestAuthorityRecoveryFlow(t *testing.T) {
	f := newAuthorityFixture(t)
	ctx := context.Background()

	require.NoError(t, f.authority.RequestRecovery(ctx, "alice@example.com"))

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	link, ok := sent[0].Params["link"].(string)
	require.True(t, ok)

	u, err := url.Parse(link)
	require.NoError(t, err)
	id := u.Path[len("/password/reset/"):]

	require.NoError(t, f.authority.ResetPassword(ctx, id, newPassword))

	_, err = f.authority.Login(ctx, sso.LoginInput{Username: "alice", Password: newPassword, Audience: "portal"})
	require.NoError(t, err)

	err = f.authority.ResetPassword(ctx, id, "Another-Fine-Passphrase")
	assert.Equal(t, sso.TextCodeTokenExpired, sso.TextCode(err))

	assert.Contains(t, f.activity.Types(), sso.ActivityEventRecoveryRequested)
	assert.Contains(t, f.activity.Types(), sso.ActivityEventPasswordReset)
}

func TestAuthorityInspectDoesNotVerify(t *testing.T) {
	f := newAuthorityFixture(t)
	ctx := context.Background()

	token, _, err := f.authority.Tokens().Issue(f.alice, "portal", time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)

	_, err = f.authority.Verify(ctx, token, "")
	assert.Equal(t, sso.TextCodeTokenExpired, sso.TextCode(err))

	claims, err := f.authority.Inspect(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username())
}
