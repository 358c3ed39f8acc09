package sso_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/goliatone/go-sso"
)

const (
	alicePassword = "Tr1cky-Sunset-Harbor"
	newPassword   = "Quiet-Maple-Lantern-42"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyPEM  string
)

func signingKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
		testKeyPEM = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}))
	})
	return testKey, testKeyPEM
}

func testOptions(t *testing.T) sso.Options {
	t.Helper()
	_, keyPEM := signingKey(t)
	return sso.Options{
		Issuer:         "sso_server",
		PrivateKeyPEM:  keyPEM,
		TokenLifetime:  7 * 24 * time.Hour,
		QueryParameter: "access",
		RedirectURLs: map[string]string{
			"portal":  "https://portal.example.com/auth",
			"billing": "https://billing.example.com/",
		},
		WebhookTimeout:    time.Second,
		WebhookRetries:    1,
		RecoveryTTL:       60 * time.Minute,
		FrontendHost:      "http://localhost:3001",
		RecoveryPath:      "/password/reset/",
		MinPasswordLength: 12,
		OutboxPoll:        time.Second,
		OutboxMaxAttempts: 3,
	}
}

func newTestConfig(t *testing.T, mutate ...func(*sso.Options)) *sso.Config {
	t.Helper()
	o := testOptions(t)
	for _, fn := range mutate {
		fn(&o)
	}
	cfg, err := sso.NewConfig(o)
	require.NoError(t, err)
	return cfg
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, sso.CreateSchema(context.Background(), db))

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// newConcurrentTestDB opens a file database with a real connection pool so
// transactions from different goroutines run on different connections.
// Writers take the lock at BEGIN and wait on each other instead of failing.
func newConcurrentTestDB(t *testing.T) *bun.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "sso.db") +
		"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(8)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, sso.CreateSchema(context.Background(), db))

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func newTestRepo(t *testing.T) sso.RepositoryManager {
	t.Helper()
	repo := sso.NewRepositoryManager(newTestDB(t))
	require.NoError(t, repo.Validate())
	return repo
}

func seedUser(t *testing.T, repo sso.RepositoryManager, username, password string, active bool) *sso.User {
	t.Helper()

	hash, err := sso.HashPassword(password)
	require.NoError(t, err)

	user, err := repo.Users().Insert(context.Background(), &sso.User{
		Username:     username,
		Email:        username + "@example.com",
		FirstName:    "Alice",
		LastName:     "Liddell",
		PasswordHash: hash,
		IsActive:     active,
	})
	require.NoError(t, err)
	return user
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingMailer keeps every message it is asked to send.
type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

type sentMail struct {
	To       string
	Template string
	Params   map[string]any
}

func (m *recordingMailer) Send(_ context.Context, to, templateKey string, params map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{To: to, Template: templateKey, Params: params})
	return nil
}

func (m *recordingMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func otherPublicKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}
