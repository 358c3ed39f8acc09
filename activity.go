package sso

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess       ActivityEventType = "sso.login.success"
	ActivityEventLoginFailure       ActivityEventType = "sso.login.failure"
	ActivityEventGrantCreated       ActivityEventType = "sso.grant.created"
	ActivityEventRecoveryRequested  ActivityEventType = "sso.recovery.requested"
	ActivityEventPasswordReset      ActivityEventType = "sso.password.reset"
	ActivityEventPasswordChanged    ActivityEventType = "sso.password.changed"
	ActivityEventIdentityPropagated ActivityEventType = "sso.identity.propagated"
)

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Username   string
	Audience   string
	Code       string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// LoggerActivitySink writes every event to a Logger at INFO.
type LoggerActivitySink struct {
	Logger Logger
}

func (s LoggerActivitySink) Record(_ context.Context, event ActivityEvent) error {
	normalizeLogger(s.Logger).Info("activity %s username=%q audience=%q code=%q",
		event.EventType, event.Username, event.Audience, event.Code)
	return nil
}
