package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/goliatone/go-errors"
	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"
)

// OutboxNotifier is woken after a grant commits an outbox event.
type OutboxNotifier interface {
	Notify()
}

// AccessLedger records which identities may receive tokens for which
// audiences.
type AccessLedger struct {
	repo      RepositoryManager
	audiences *AudienceRegistry
	notifier  OutboxNotifier
	clock     Clock
	logger    Logger
}

func NewAccessLedger(repo RepositoryManager, audiences *AudienceRegistry) *AccessLedger {
	return &AccessLedger{
		repo:      repo,
		audiences: audiences,
		logger:    defLogger{},
	}
}

func (l *AccessLedger) WithLogger(logger Logger) *AccessLedger {
	l.logger = normalizeLogger(logger)
	return l
}

func (l *AccessLedger) WithClock(c Clock) *AccessLedger {
	l.clock = c
	return l
}

func (l *AccessLedger) WithNotifier(n OutboxNotifier) *AccessLedger {
	l.notifier = n
	return l
}

// IsGranted reports whether user holds a grant for audience.
func (l *AccessLedger) IsGranted(ctx context.Context, user *User, audience string) (bool, error) {
	if user == nil {
		return false, nil
	}
	return l.repo.AccessGrants().Exists(ctx, user.ID, audience)
}

// Grants lists the audiences user holds.
func (l *AccessLedger) Grants(ctx context.Context, user *User) ([]string, error) {
	records, err := l.repo.AccessGrants().ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Audience)
	}
	return out, nil
}

// Grant gives username access to audience. The grant row and, when the
// audience has a webhook, the identity outbox event commit together.
func (l *AccessLedger) Grant(ctx context.Context, username, audience string) (*AccessGrant, error) {
	audience = strings.TrimSpace(audience)
	target, ok := l.audiences.Lookup(audience)
	if !ok {
		return nil, cloneWithMetadata(ErrUnknownAudience, map[string]any{"audience": audience})
	}

	var grant *AccessGrant
	err := l.repo.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		user, err := l.repo.Users().FindByUsernameTx(ctx, tx, username)
		if err != nil {
			return err
		}

		now := l.clock.now()
		record := &AccessGrant{
			UserID:    user.ID,
			Audience:  target.Name,
			CreatedAt: now,
		}

		inserted, err := l.repo.AccessGrants().InsertTx(ctx, tx, record)
		if err != nil {
			return errors.Wrap(err, errors.CategoryInternal, "failed to insert access grant")
		}

		if !inserted {
			return cloneWithMetadata(ErrDuplicateGrant, map[string]any{
				"username": user.Username,
				"audience": target.Name,
			})
		}

		if target.HasWebhook() {
			payload, err := json.Marshal(NewIdentityRecord(user))
			if err != nil {
				return errors.Wrap(err, errors.CategoryInternal, "failed to encode identity record")
			}

			ms := toMillis(now)
			event := &IdentityOutboxEvent{
				ID:            ulid.Make().String(),
				GrantID:       record.ID,
				Audience:      target.Name,
				Payload:       string(payload),
				Status:        OutboxPending,
				NextAttemptAt: ms,
				CreatedAt:     ms,
				UpdatedAt:     ms,
			}

			if err := l.repo.Outbox().EnqueueTx(ctx, tx, event); err != nil {
				return errors.Wrap(err, errors.CategoryInternal, "failed to enqueue identity propagation")
			}
		}

		grant = record
		return nil
	})

	if err != nil {
		return nil, err
	}

	if target.HasWebhook() && l.notifier != nil {
		l.notifier.Notify()
	}

	return grant, nil
}
