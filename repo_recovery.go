package sso

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// PasswordRecoveries stores recovery attempts.
type PasswordRecoveries interface {
	repository.Repository[*PasswordRecovery]

	FindTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*PasswordRecovery, error)
	// ConsumeTx flips used on an unused row. It reports false when another
	// caller consumed it first.
	ConsumeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error)
	// SupersedeTx consumes every unused row of userID.
	SupersedeTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, at time.Time) (int64, error)
}

type passwordRecoveries struct {
	repository.Repository[*PasswordRecovery]
}

func NewPasswordRecoveriesRepository(db *bun.DB) PasswordRecoveries {
	return &passwordRecoveries{
		Repository: repository.NewRepository[*PasswordRecovery](db, repository.ModelHandlers[*PasswordRecovery]{
			NewRecord: func() *PasswordRecovery { return &PasswordRecovery{} },
			GetID: func(r *PasswordRecovery) uuid.UUID {
				if r == nil {
					return uuid.Nil
				}
				return r.ID
			},
			SetID: func(r *PasswordRecovery, id uuid.UUID) {
				if r != nil {
					r.ID = id
				}
			},
			GetIdentifier: func() string {
				return "id"
			},
		}),
	}
}

func (r *passwordRecoveries) FindTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*PasswordRecovery, error) {
	record := &PasswordRecovery{}
	err := tx.NewSelect().
		Model(record).
		Relation("User").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *passwordRecoveries) ConsumeTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*PasswordRecovery)(nil)).
		Set("used = ?", true).
		Set("used_at = ?", at).
		Where("id = ?", id).
		Where("used = ?", false).
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

func (r *passwordRecoveries) SupersedeTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, at time.Time) (int64, error) {
	res, err := tx.NewUpdate().
		Model((*PasswordRecovery)(nil)).
		Set("used = ?", true).
		Set("used_at = ?", at).
		Where("user_id = ?", userID).
		Where("used = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
