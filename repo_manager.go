package sso

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Users() Users
	AccessGrants() AccessGrants
	PasswordRecoveries() PasswordRecoveries
	Outbox() IdentityOutbox
}

type mngr struct {
	db                 *bun.DB
	users              Users
	accessGrants       AccessGrants
	passwordRecoveries PasswordRecoveries
	outbox             IdentityOutbox
}

func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:                 db,
		users:              NewUsersRepository(db),
		accessGrants:       NewAccessGrantsRepository(db),
		passwordRecoveries: NewPasswordRecoveriesRepository(db),
		outbox:             NewIdentityOutboxRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.accessGrants == nil {
		return errors.New("repository accessGrants should be initialized")
	}

	if m.passwordRecoveries == nil {
		return errors.New("repository passwordRecoveries should be initialized")
	}

	if m.outbox == nil {
		return errors.New("repository outbox should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Users() Users {
	return m.users
}

func (m mngr) AccessGrants() AccessGrants {
	return m.accessGrants
}

func (m mngr) PasswordRecoveries() PasswordRecoveries {
	return m.passwordRecoveries
}

func (m mngr) Outbox() IdentityOutbox {
	return m.outbox
}

// CreateSchema creates the tables and indexes used by the authority. It is
// safe to call on every start.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	models := []any{
		(*User)(nil),
		(*AccessGrant)(nil),
		(*PasswordRecovery)(nil),
		(*IdentityOutboxEvent)(nil),
	}

	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}

	if _, err := db.NewCreateIndex().
		Model((*PasswordRecovery)(nil)).
		Index("idx_password_recoveries_user").
		Column("user_id").
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	if _, err := db.NewCreateIndex().
		Model((*IdentityOutboxEvent)(nil)).
		Index("idx_identity_outbox_due").
		Column("status", "next_attempt_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return err
	}

	return nil
}
