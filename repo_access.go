package sso

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccessGrants stores the (user, audience) grant rows.
type AccessGrants interface {
	// InsertTx inserts grant unless the pair already exists. It reports
	// false when nothing was written.
	InsertTx(ctx context.Context, tx bun.IDB, grant *AccessGrant) (bool, error)
	Exists(ctx context.Context, userID uuid.UUID, audience string) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*AccessGrant, error)
}

type accessGrants struct {
	db *bun.DB
}

func NewAccessGrantsRepository(db *bun.DB) AccessGrants {
	return &accessGrants{db: db}
}

func (r *accessGrants) InsertTx(ctx context.Context, tx bun.IDB, grant *AccessGrant) (bool, error) {
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}

	res, err := tx.NewInsert().
		Model(grant).
		On("CONFLICT (user_id, audience) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (r *accessGrants) Exists(ctx context.Context, userID uuid.UUID, audience string) (bool, error) {
	return r.db.NewSelect().
		Model((*AccessGrant)(nil)).
		Where("user_id = ?", userID).
		Where("audience = ?", audience).
		Exists(ctx)
}

func (r *accessGrants) ListByUser(ctx context.Context, userID uuid.UUID) ([]*AccessGrant, error) {
	var records []*AccessGrant
	err := r.db.NewSelect().
		Model(&records).
		Where("user_id = ?", userID).
		Order("audience ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}
