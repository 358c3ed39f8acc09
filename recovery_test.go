package sso_test

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-sso"
)

type recoveryFixture struct {
	repo   sso.RepositoryManager
	ledger *sso.RecoveryLedger
	mailer *recordingMailer
	clock  *testClock
	alice  *sso.User
}

func newRecoveryFixture(t *testing.T, mutate ...func(*sso.Options)) *recoveryFixture {
	t.Helper()
	return newRecoveryFixtureWithRepo(t, newTestRepo(t), mutate...)
}

func newRecoveryFixtureWithRepo(t *testing.T, repo sso.RepositoryManager, mutate ...func(*sso.Options)) *recoveryFixture {
	t.Helper()

	cfg := newTestConfig(t, mutate...)
	mailer := &recordingMailer{}
	clock := newTestClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	ledger := sso.NewRecoveryLedger(repo, cfg, sso.NewPasswordPolicy(cfg.GetMinPasswordLength()), mailer).
		WithLogger(nopLogger{}).
		WithClock(clock.Now).
		WithAsyncMail(false)

	return &recoveryFixture{
		repo:   repo,
		ledger: ledger,
		mailer: mailer,
		clock:  clock,
		alice:  seedUser(t, repo, "alice", alicePassword, true),
	}
}

func (f *recoveryFixture) passwordHash(t *testing.T) string {
	t.Helper()
	user, err := f.repo.Users().FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	return user.PasswordHash
}

func TestRecoveryRequest(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Request(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, record.UserID)
	assert.False(t, record.Used)
	assert.Equal(t, sso.RecoveryCreated, record.State(f.clock.Now(), time.Hour))

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "alice@example.com", sent[0].To)
	assert.Equal(t, sso.RecoveryTemplate, sent[0].Template)
	assert.Equal(t, "http://localhost:3001/password/reset/"+record.ID.String(), sent[0].Params["link"])
	assert.Equal(t, 60, sent[0].Params["expires_in_minutes"])

	for _, email := range []string{"nobody@example.com", "not-an-email", ""} {
		_, err := f.ledger.Request(ctx, email)
		assert.Equal(t, sso.TextCodeInvalidEmail, sso.TextCode(err), email)
	}
	assert.Len(t, f.mailer.Sent(), 1)
}

// txCountingRepo counts the write transactions a caller opens.
type txCountingRepo struct {
	sso.RepositoryManager
	txs atomic.Int32
}

func (r *txCountingRepo) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	r.txs.Add(1)
	return r.RepositoryManager.RunInTx(ctx, opts, f)
}

func TestRecoveryRequestUnknownEmailWritesLikeKnownEmail(t *testing.T) {
	db := newTestDB(t)
	repo := &txCountingRepo{RepositoryManager: sso.NewRepositoryManager(db)}
	f := newRecoveryFixtureWithRepo(t, repo, func(o *sso.Options) {
		o.RecoverySupersede = true
	})
	ctx := context.Background()

	countRecoveries := func() int {
		n, err := db.NewSelect().Model((*sso.PasswordRecovery)(nil)).Count(ctx)
		require.NoError(t, err)
		return n
	}

	_, err := f.ledger.Request(ctx, "nobody@example.com")
	assert.Equal(t, sso.TextCodeInvalidEmail, sso.TextCode(err))
	assert.Equal(t, int32(1), repo.txs.Load(), "unknown email must open the same write transaction")
	assert.Zero(t, countRecoveries(), "the unknown email write is rolled back")
	assert.Empty(t, f.mailer.Sent())

	_, err = f.ledger.Request(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.txs.Load())
	assert.Equal(t, 1, countRecoveries())

	_, err = f.ledger.Request(ctx, "not-an-email")
	assert.Equal(t, sso.TextCodeInvalidEmail, sso.TextCode(err))
	assert.Equal(t, int32(2), repo.txs.Load())
}

func TestRecoveryResetIsSingleUse(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Request(ctx, "alice@example.com")
	require.NoError(t, err)

	require.NoError(t, f.ledger.Reset(ctx, record.ID.String(), newPassword))
	firstHash := f.passwordHash(t)
	require.NoError(t, sso.ComparePasswordAndHash(newPassword, firstHash))

	user, err := f.repo.Users().FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, user.PasswordAt)
	assert.WithinDuration(t, f.clock.Now(), *user.PasswordAt, time.Second)

	err = f.ledger.Reset(ctx, record.ID.String(), "Another-Fine-Passphrase")
	assert.Equal(t, sso.TextCodeTokenExpired, sso.TextCode(err))
	assert.Equal(t, firstHash, f.passwordHash(t))
}

func TestRecoveryResetConcurrent(t *testing.T) {
	f := newRecoveryFixtureWithRepo(t, sso.NewRepositoryManager(newConcurrentTestDB(t)))
	ctx := context.Background()

	record, err := f.ledger.Request(ctx, "alice@example.com")
	require.NoError(t, err)

	passwords := []string{
		"Quiet-Maple-Lantern-42",
		"Brisk-Cedar-Window-17",
		"Amber-Falcon-Meadow-88",
		"Velvet-Orbit-Canyon-35",
	}

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		winner  atomic.Value
		expired atomic.Int32
	)

	for _, pw := range passwords {
		wg.Add(1)
		go func(pw string) {
			defer wg.Done()
			err := f.ledger.Reset(ctx, record.ID.String(), pw)
			switch {
			case err == nil:
				ok.Add(1)
				winner.Store(pw)
			case sso.IsCode(err, sso.TextCodeTokenExpired):
				expired.Add(1)
			}
		}(pw)
	}
	wg.Wait()

	require.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(len(passwords)-1), expired.Load())
	assert.NoError(t, sso.ComparePasswordAndHash(winner.Load().(string), f.passwordHash(t)))
}

func TestRecoveryResetExpiry(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Request(ctx, "alice@example.com")
	require.NoError(t, err)

	before := f.passwordHash(t)
	f.clock.Advance(61 * time.Minute)

	err = f.ledger.Reset(ctx, record.ID.String(), newPassword)
	assert.Equal(t, sso.TextCodeTokenExpired, sso.TextCode(err))
	assert.Equal(t, before, f.passwordHash(t))

	stored, err := f.repo.PasswordRecoveries().GetByID(ctx, record.ID.String())
	require.NoError(t, err)
	assert.False(t, stored.Used)
}

func TestRecoveryResetWithinTTL(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Request(ctx, "alice@example.com")
	require.NoError(t, err)

	f.clock.Advance(59 * time.Minute)
	require.NoError(t, f.ledger.Reset(ctx, record.ID.String(), newPassword))
}

func TestRecoveryResetWeakPasswordKeepsToken(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	record, err := f.ledger.Request(ctx, "alice@example.com")
	require.NoError(t, err)
	before := f.passwordHash(t)

	for _, weak := range []string{"short", "correcthorsebattery", "987654321098765"} {
		err := f.ledger.Reset(ctx, record.ID.String(), weak)
		assert.Equal(t, sso.TextCodeWeakPassword, sso.TextCode(err), weak)
		assert.Equal(t, before, f.passwordHash(t))
	}

	require.NoError(t, f.ledger.Reset(ctx, record.ID.String(), newPassword))
}

func TestRecoveryResetTokenChecksComeFirst(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	assert.Equal(t, []string{
		sso.ResetTokenFormat,
		sso.ResetTokenExists,
		sso.ResetTokenValid,
		sso.ResetPasswordStrength,
	}, f.ledger.ResetValidators())

	err := f.ledger.Reset(ctx, "not-a-uuid", "short")
	assert.Equal(t, sso.TextCodeInvalidToken, sso.TextCode(err))

	err = f.ledger.Reset(ctx, "6f1c2a4e-5b7d-4c1e-9f3a-2b8d7e6c5a41", "short")
	assert.Equal(t, sso.TextCodeInvalidToken, sso.TextCode(err))

	record, err := f.ledger.Request(ctx, "alice@example.com")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	err = f.ledger.Reset(ctx, record.ID.String(), "short")
	assert.Equal(t, sso.TextCodeTokenExpired, sso.TextCode(err))
}

func TestRecoveryOutstandingTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("older tokens stay valid by default", func(t *testing.T) {
		f := newRecoveryFixture(t)
		first, err := f.ledger.Request(ctx, "alice@example.com")
		require.NoError(t, err)
		_, err = f.ledger.Request(ctx, "alice@example.com")
		require.NoError(t, err)

		require.NoError(t, f.ledger.Reset(ctx, first.ID.String(), newPassword))
	})

	t.Run("supersede consumes older tokens", func(t *testing.T) {
		f := newRecoveryFixture(t, func(o *sso.Options) { o.RecoverySupersede = true })
		first, err := f.ledger.Request(ctx, "alice@example.com")
		require.NoError(t, err)
		second, err := f.ledger.Request(ctx, "alice@example.com")
		require.NoError(t, err)

		err = f.ledger.Reset(ctx, first.ID.String(), newPassword)
		assert.Equal(t, sso.TextCodeTokenExpired, sso.TextCode(err))
		require.NoError(t, f.ledger.Reset(ctx, second.ID.String(), newPassword))
	})
}
