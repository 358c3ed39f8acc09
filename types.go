package sso

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// IdentityStore is the persistence collaborator for identities. Every call
// is atomic on its own.
type IdentityStore interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	SetPasswordHash(ctx context.Context, id string, passwordHash string, at time.Time) error
	Insert(ctx context.Context, user *User) (*User, error)
}

// Mailer delivers templated emails. The recovery flow is the only caller.
type Mailer interface {
	Send(ctx context.Context, to, templateKey string, params map[string]any) error
}

// MailerFunc adapts a function to the Mailer interface.
type MailerFunc func(ctx context.Context, to, templateKey string, params map[string]any) error

// Send implements Mailer.
func (f MailerFunc) Send(ctx context.Context, to, templateKey string, params map[string]any) error {
	if f == nil {
		return nil
	}
	return f(ctx, to, templateKey, params)
}

// Clock returns the current time. Components default to time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] SSO "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] SSO "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] SSO "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] SSO "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
