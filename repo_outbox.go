package sso

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// IdentityOutbox queues identity propagations written alongside grants.
type IdentityOutbox interface {
	EnqueueTx(ctx context.Context, tx bun.IDB, event *IdentityOutboxEvent) error
	// Lease claims up to limit due events for leaseTTL. Expired leases are
	// claimable again.
	Lease(ctx context.Context, now time.Time, limit int, leaseTTL time.Duration) ([]*IdentityOutboxEvent, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, nextAttempt time.Time, lastError string, at time.Time) error
	MarkDead(ctx context.Context, id string, lastError string, at time.Time) error
	Get(ctx context.Context, id string) (*IdentityOutboxEvent, error)
	GetByGrant(ctx context.Context, grantID uuid.UUID) (*IdentityOutboxEvent, error)
}

type identityOutbox struct {
	db *bun.DB
}

func NewIdentityOutboxRepository(db *bun.DB) IdentityOutbox {
	return &identityOutbox{db: db}
}

func (r *identityOutbox) EnqueueTx(ctx context.Context, tx bun.IDB, event *IdentityOutboxEvent) error {
	if event.Status == "" {
		event.Status = OutboxPending
	}
	_, err := tx.NewInsert().Model(event).Exec(ctx)
	return err
}

func (r *identityOutbox) Lease(ctx context.Context, now time.Time, limit int, leaseTTL time.Duration) ([]*IdentityOutboxEvent, error) {
	if limit <= 0 {
		limit = 1
	}

	nowMs := toMillis(now)
	leaseUntil := toMillis(now.Add(leaseTTL))

	var leased []*IdentityOutboxEvent
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var due []*IdentityOutboxEvent
		err := tx.NewSelect().
			Model(&due).
			WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.
					WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
						return q.Where("status = ?", OutboxPending).Where("next_attempt_at <= ?", nowMs)
					}).
					WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
						return q.Where("status = ?", OutboxLeased).Where("lease_expires_at <= ?", nowMs)
					})
			}).
			Order("next_attempt_at ASC", "created_at ASC").
			Limit(limit).
			Scan(ctx)
		if err != nil {
			return err
		}

		for _, event := range due {
			res, err := tx.NewUpdate().
				Model((*IdentityOutboxEvent)(nil)).
				Set("status = ?", OutboxLeased).
				Set("lease_expires_at = ?", leaseUntil).
				Set("updated_at = ?", nowMs).
				Where("id = ?", event.ID).
				Where("status = ?", event.Status).
				Where("updated_at = ?", event.UpdatedAt).
				Exec(ctx)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}

			event.Status = OutboxLeased
			event.LeaseExpiresAt = leaseUntil
			event.UpdatedAt = nowMs
			leased = append(leased, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return leased, nil
}

func (r *identityOutbox) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	ms := toMillis(at)
	_, err := r.db.NewUpdate().
		Model((*IdentityOutboxEvent)(nil)).
		Set("status = ?", OutboxDelivered).
		Set("attempts = attempts + 1").
		Set("processed_at = ?", ms).
		Set("lease_expires_at = 0").
		Set("last_error = ''").
		Set("updated_at = ?", ms).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (r *identityOutbox) MarkRetry(ctx context.Context, id string, nextAttempt time.Time, lastError string, at time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*IdentityOutboxEvent)(nil)).
		Set("status = ?", OutboxPending).
		Set("attempts = attempts + 1").
		Set("next_attempt_at = ?", toMillis(nextAttempt)).
		Set("lease_expires_at = 0").
		Set("last_error = ?", lastError).
		Set("updated_at = ?", toMillis(at)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (r *identityOutbox) MarkDead(ctx context.Context, id string, lastError string, at time.Time) error {
	ms := toMillis(at)
	_, err := r.db.NewUpdate().
		Model((*IdentityOutboxEvent)(nil)).
		Set("status = ?", OutboxDead).
		Set("attempts = attempts + 1").
		Set("processed_at = ?", ms).
		Set("lease_expires_at = 0").
		Set("last_error = ?", lastError).
		Set("updated_at = ?", ms).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (r *identityOutbox) Get(ctx context.Context, id string) (*IdentityOutboxEvent, error) {
	record := &IdentityOutboxEvent{}
	if err := r.db.NewSelect().Model(record).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

func (r *identityOutbox) GetByGrant(ctx context.Context, grantID uuid.UUID) (*IdentityOutboxEvent, error) {
	record := &IdentityOutboxEvent{}
	if err := r.db.NewSelect().Model(record).Where("grant_id = ?", grantID).Limit(1).Scan(ctx); err != nil {
		return nil, err
	}
	return record, nil
}
