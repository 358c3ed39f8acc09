package sso

import (
	"context"
	"database/sql"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	ResetTokenFormat      = "token_format"
	ResetTokenExists      = "token_exists"
	ResetTokenValid       = "token_valid"
	ResetPasswordStrength = "password_strength"
)

// RecoveryTemplate is the mailer template key for recovery links.
const RecoveryTemplate = "password_recovery"

// RecoveryLedger issues single use password recovery tokens and redeems
// them.
type RecoveryLedger struct {
	repo       RepositoryManager
	policy     *PasswordPolicy
	mailer     Mailer
	ttl        time.Duration
	supersede  bool
	linkFor    func(id string) string
	asyncMail  bool
	resetChain ValidatorChain[resetAttempt]
	clock      Clock
	logger     Logger
}

type resetAttempt struct {
	tx       bun.IDB
	now      time.Time
	rawID    string
	id       uuid.UUID
	record   *PasswordRecovery
	password string
}

func NewRecoveryLedger(repo RepositoryManager, cfg *Config, policy *PasswordPolicy, mailer Mailer) *RecoveryLedger {
	l := &RecoveryLedger{
		repo:      repo,
		policy:    policy,
		mailer:    mailer,
		ttl:       cfg.GetRecoveryTTL(),
		supersede: cfg.SupersedeRecoveries(),
		linkFor:   cfg.RecoveryLink,
		asyncMail: true,
		logger:    defLogger{},
	}

	l.resetChain = ValidatorChain[resetAttempt]{
		{Name: ResetTokenFormat, Check: l.checkTokenFormat},
		{Name: ResetTokenExists, Check: l.checkTokenExists},
		{Name: ResetTokenValid, Check: l.checkTokenValid},
		{Name: ResetPasswordStrength, Check: l.checkPasswordStrength},
	}

	return l
}

func (l *RecoveryLedger) WithLogger(logger Logger) *RecoveryLedger {
	l.logger = normalizeLogger(logger)
	return l
}

func (l *RecoveryLedger) WithClock(c Clock) *RecoveryLedger {
	l.clock = c
	return l
}

// WithAsyncMail controls whether recovery mail is sent off the request path.
func (l *RecoveryLedger) WithAsyncMail(async bool) *RecoveryLedger {
	l.asyncMail = async
	return l
}

// ResetValidators returns the reset validator names in evaluation order.
func (l *RecoveryLedger) ResetValidators() []string {
	return l.resetChain.Names()
}

// Request creates a recovery token for the identity owning email and mails
// the link. Malformed and unknown emails fail the same way.
func (l *RecoveryLedger) Request(ctx context.Context, email string) (*PasswordRecovery, error) {
	email = strings.TrimSpace(email)
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return nil, ErrInvalidEmail
	}

	now := l.clock.now()

	user, err := l.repo.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			l.writeDecoy(ctx, now)
			return nil, ErrInvalidEmail
		}
		return nil, errors.Wrap(err, errors.CategoryInternal, "recovery lookup failed")
	}

	record, err := l.write(ctx, user.ID, now, false)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to create recovery")
	}

	record.User = user
	l.deliver(ctx, user, record)

	return record, nil
}

var errDecoyRollback = errors.New("recovery decoy rolled back", errors.CategoryInternal)

// write stores a recovery for userID, superseding older ones when enabled.
// A decoy write runs the same statements and rolls them back.
func (l *RecoveryLedger) write(ctx context.Context, userID uuid.UUID, now time.Time, decoy bool) (*PasswordRecovery, error) {
	record := &PasswordRecovery{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: now,
	}

	err := l.repo.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if l.supersede {
			if _, err := l.repo.PasswordRecoveries().SupersedeTx(ctx, tx, userID, now); err != nil {
				return err
			}
		}

		created, err := l.repo.PasswordRecoveries().CreateTx(ctx, tx, record)
		if err != nil {
			return err
		}
		record = created

		if decoy {
			return errDecoyRollback
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// writeDecoy keeps unknown emails on the same database path as known ones.
func (l *RecoveryLedger) writeDecoy(ctx context.Context, now time.Time) {
	if _, err := l.write(ctx, uuid.Nil, now, true); err != nil && !errors.Is(err, errDecoyRollback) {
		l.logger.Debug("recovery decoy write failed: %v", err)
	}
}

func (l *RecoveryLedger) deliver(ctx context.Context, user *User, record *PasswordRecovery) {
	if l.mailer == nil {
		return
	}

	params := map[string]any{
		"username":           user.Username,
		"first_name":         user.FirstName,
		"link":               l.linkFor(record.ID.String()),
		"expires_in_minutes": int(l.ttl / time.Minute),
	}

	send := func(ctx context.Context) {
		if err := l.mailer.Send(ctx, user.Email, RecoveryTemplate, params); err != nil {
			l.logger.Error("recovery mail delivery failed for user %s: %v", user.ID, err)
		}
	}

	if !l.asyncMail {
		send(ctx)
		return
	}

	go send(context.WithoutCancel(ctx))
}

// Reset redeems the recovery token and sets the new password. Token checks
// run before password checks. Consuming the token and writing the hash
// commit together.
func (l *RecoveryLedger) Reset(ctx context.Context, tokenID, newPassword string) error {
	return l.repo.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		attempt := &resetAttempt{
			tx:       tx,
			now:      l.clock.now(),
			rawID:    strings.TrimSpace(tokenID),
			password: newPassword,
		}

		if err := l.resetChain.Run(ctx, attempt); err != nil {
			return err
		}

		consumed, err := l.repo.PasswordRecoveries().ConsumeTx(ctx, tx, attempt.id, attempt.now)
		if err != nil {
			return errors.Wrap(err, errors.CategoryInternal, "failed to consume recovery")
		}
		if !consumed {
			return ErrTokenExpired
		}

		hash, err := HashPassword(newPassword)
		if err != nil {
			return errors.Wrap(err, errors.CategoryInternal, "failed to hash password")
		}

		if err := l.repo.Users().SetPasswordHashTx(ctx, tx, attempt.record.UserID, hash, attempt.now); err != nil {
			return err
		}

		return nil
	})
}

func (l *RecoveryLedger) checkTokenFormat(_ context.Context, in *resetAttempt) error {
	id, err := uuid.Parse(in.rawID)
	if err != nil || in.rawID == "" {
		return ErrInvalidToken
	}
	in.id = id
	return nil
}

func (l *RecoveryLedger) checkTokenExists(ctx context.Context, in *resetAttempt) error {
	record, err := l.repo.PasswordRecoveries().FindTx(ctx, in.tx, in.id)
	if err != nil {
		if repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidToken
		}
		return errors.Wrap(err, errors.CategoryInternal, "recovery lookup failed")
	}
	if record.User == nil {
		return ErrInvalidToken
	}
	in.record = record
	return nil
}

func (l *RecoveryLedger) checkTokenValid(_ context.Context, in *resetAttempt) error {
	if !in.record.IsValid(in.now, l.ttl) {
		return cloneWithMetadata(ErrTokenExpired, map[string]any{
			"state": in.record.State(in.now, l.ttl),
		})
	}
	return nil
}

func (l *RecoveryLedger) checkPasswordStrength(ctx context.Context, in *resetAttempt) error {
	return l.policy.Validate(ctx, in.password, in.record.User)
}
