package sso

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Propagator delivers an encoded identity record to an audience.
type Propagator interface {
	PropagateRaw(ctx context.Context, payload []byte, audience string) error
}

// OutboxDispatcher drains the identity outbox into audience webhooks.
type OutboxDispatcher struct {
	outbox      IdentityOutbox
	propagator  Propagator
	poll        time.Duration
	maxAttempts int
	batchSize   int
	leaseTTL    time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	wake        chan struct{}
	metrics     *Metrics
	activity    ActivitySink
	clock       Clock
	logger      Logger
}

func NewOutboxDispatcher(outbox IdentityOutbox, propagator Propagator, cfg *Config) *OutboxDispatcher {
	poll := cfg.GetOutboxPoll()
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &OutboxDispatcher{
		outbox:      outbox,
		propagator:  propagator,
		poll:        poll,
		maxAttempts: cfg.GetOutboxMaxAttempts(),
		batchSize:   16,
		leaseTTL:    time.Minute,
		baseDelay:   time.Second,
		maxDelay:    10 * time.Minute,
		wake:        make(chan struct{}, 1),
		activity:    noopActivitySink{},
		logger:      defLogger{},
	}
}

func (d *OutboxDispatcher) WithLogger(l Logger) *OutboxDispatcher {
	d.logger = normalizeLogger(l)
	return d
}

func (d *OutboxDispatcher) WithClock(c Clock) *OutboxDispatcher {
	d.clock = c
	return d
}

func (d *OutboxDispatcher) WithMetrics(m *Metrics) *OutboxDispatcher {
	d.metrics = m
	return d
}

func (d *OutboxDispatcher) WithActivitySink(s ActivitySink) *OutboxDispatcher {
	d.activity = normalizeActivitySink(s)
	return d
}

// WithRetryDelay sets the first retry delay and its cap.
func (d *OutboxDispatcher) WithRetryDelay(base, max time.Duration) *OutboxDispatcher {
	d.baseDelay = base
	d.maxDelay = max
	return d
}

// Notify wakes Run without waiting for the next poll. It never blocks.
func (d *OutboxDispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is done.
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.logger.Info("outbox dispatcher started, polling every %s", d.poll)

	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("outbox dispatch failed: %v", err)
		}

		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchOnce leases one batch of due events and delivers them. It returns
// how many events were delivered.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.outbox.Lease(ctx, d.clock.now(), d.batchSize, d.leaseTTL)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, event := range events {
		status, err := d.dispatch(ctx, event)
		if err != nil {
			return delivered, err
		}
		if status == OutboxDelivered {
			delivered++
		}
	}

	return delivered, nil
}

func (d *OutboxDispatcher) dispatch(ctx context.Context, event *IdentityOutboxEvent) (OutboxStatus, error) {
	sendErr := d.propagator.PropagateRaw(ctx, []byte(event.Payload), event.Audience)
	now := d.clock.now()

	if sendErr == nil {
		if err := d.outbox.MarkDelivered(ctx, event.ID, now); err != nil {
			return "", err
		}
		d.metrics.outbox(OutboxDelivered)
		_ = d.activity.Record(ctx, ActivityEvent{
			EventType:  ActivityEventIdentityPropagated,
			Audience:   event.Audience,
			Metadata:   map[string]any{"event_id": event.ID},
			OccurredAt: now,
		})
		return OutboxDelivered, nil
	}

	attempts := event.Attempts + 1
	if attempts >= d.maxAttempts {
		d.logger.Warn("identity propagation %s to %s dead after %d attempts: %v", event.ID, event.Audience, attempts, sendErr)
		if err := d.outbox.MarkDead(ctx, event.ID, sendErr.Error(), now); err != nil {
			return "", err
		}
		d.metrics.outbox(OutboxDead)
		return OutboxDead, nil
	}

	next := now.Add(d.retryDelay(attempts))
	d.logger.Warn("identity propagation %s to %s failed (attempt %d), next at %s: %v",
		event.ID, event.Audience, attempts, next.Format(time.RFC3339), sendErr)
	if err := d.outbox.MarkRetry(ctx, event.ID, next, sendErr.Error(), now); err != nil {
		return "", err
	}
	d.metrics.outbox(OutboxPending)
	return OutboxPending, nil
}

// retryDelay grows exponentially with attempts, without jitter.
func (d *OutboxDispatcher) retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.baseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         d.maxDelay,
	}
	b.Reset()

	delay := d.baseDelay
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
