package sso

import (
	"context"
	"strings"

	"github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-sso"

const (
	LoginAudienceKnown   = "audience_known"
	LoginCredentials     = "credentials"
	LoginAudienceGranted = "audience_granted"
)

// LoginInput is a login attempt for one audience.
type LoginInput struct {
	Username string
	Password string
	Audience string
}

// LoginResult is what a successful login hands back to the browser.
type LoginResult struct {
	RedirectURL string
	Token       string
	Claims      *Claims
}

// ChangePasswordInput is an authenticated password change.
type ChangePasswordInput struct {
	Username    string
	OldPassword string
	NewPassword string
}

type loginAttempt struct {
	LoginInput
	user *User
}

// Authority is the entry point for every SSO operation. It composes the
// verifier, the ledgers and the token service around one immutable Config.
type Authority struct {
	cfg        *Config
	users      Users
	verifier   *CredentialVerifier
	access     *AccessLedger
	tokens     *TokenService
	recovery   *RecoveryLedger
	policy     *PasswordPolicy
	loginChain ValidatorChain[loginAttempt]
	tracer     trace.Tracer
	metrics    *Metrics
	activity   ActivitySink
	clock      Clock
	logger     Logger
}

func NewAuthority(cfg *Config, repo RepositoryManager, mailer Mailer) *Authority {
	policy := NewPasswordPolicy(cfg.GetMinPasswordLength())

	a := &Authority{
		cfg:      cfg,
		users:    repo.Users(),
		verifier: NewCredentialVerifier(repo.Users()),
		access:   NewAccessLedger(repo, cfg.Audiences()),
		tokens:   NewTokenService(cfg),
		recovery: NewRecoveryLedger(repo, cfg, policy, mailer),
		policy:   policy,
		tracer:   otel.Tracer(tracerName),
		activity: noopActivitySink{},
		logger:   defLogger{},
	}

	a.loginChain = ValidatorChain[loginAttempt]{
		{Name: LoginAudienceKnown, Check: a.checkAudienceKnown},
		{Name: LoginCredentials, Check: a.checkCredentials},
		{Name: LoginAudienceGranted, Check: a.checkAudienceGranted},
	}

	return a
}

func (a *Authority) WithLogger(l Logger) *Authority {
	a.logger = normalizeLogger(l)
	a.verifier.WithLogger(l)
	a.access.WithLogger(l)
	a.tokens.WithLogger(l)
	a.recovery.WithLogger(l)
	return a
}

func (a *Authority) WithClock(c Clock) *Authority {
	a.clock = c
	a.access.WithClock(c)
	a.tokens.WithClock(c)
	a.recovery.WithClock(c)
	return a
}

func (a *Authority) WithNotifier(n OutboxNotifier) *Authority {
	a.access.WithNotifier(n)
	return a
}

func (a *Authority) WithMetrics(m *Metrics) *Authority {
	a.metrics = m
	return a
}

func (a *Authority) WithActivitySink(s ActivitySink) *Authority {
	a.activity = normalizeActivitySink(s)
	return a
}

func (a *Authority) WithTracer(t trace.Tracer) *Authority {
	if t != nil {
		a.tracer = t
	}
	return a
}

func (a *Authority) Config() *Config                 { return a.cfg }
func (a *Authority) Tokens() *TokenService           { return a.tokens }
func (a *Authority) Access() *AccessLedger           { return a.access }
func (a *Authority) Recovery() *RecoveryLedger       { return a.recovery }
func (a *Authority) PasswordPolicy() *PasswordPolicy { return a.policy }

// LoginValidators returns the login validator names in evaluation order.
func (a *Authority) LoginValidators() []string {
	return a.loginChain.Names()
}

// Login authenticates the user for one audience and returns the redirect
// carrying the signed token.
func (a *Authority) Login(ctx context.Context, in LoginInput) (res *LoginResult, err error) {
	in.Audience = strings.TrimSpace(in.Audience)

	ctx, span := a.tracer.Start(ctx, "sso.Login", trace.WithAttributes(
		attribute.String("sso.audience", in.Audience),
	))
	defer func() { a.finish(span, "login", err) }()

	attempt := &loginAttempt{LoginInput: in}
	if err = a.loginChain.Run(ctx, attempt); err != nil {
		a.record(ctx, ActivityEvent{
			EventType: ActivityEventLoginFailure,
			Username:  in.Username,
			Audience:  in.Audience,
			Code:      TextCode(err),
		})
		return nil, err
	}

	token, claims, err := a.tokens.Issue(attempt.user, in.Audience, a.clock.now())
	if err != nil {
		return nil, err
	}

	redirect, err := a.cfg.Audiences().RedirectFor(in.Audience, a.cfg.GetQueryParameter(), token)
	if err != nil {
		return nil, err
	}

	a.metrics.tokenIssued(in.Audience)
	a.record(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Username:  attempt.user.Username,
		Audience:  in.Audience,
		Metadata:  map[string]any{"jti": claims.ID},
	})

	return &LoginResult{
		RedirectURL: redirect,
		Token:       token,
		Claims:      claims,
	}, nil
}

func (a *Authority) checkAudienceKnown(_ context.Context, in *loginAttempt) error {
	if !a.cfg.Audiences().Has(in.Audience) {
		return unknownAudience(map[string]any{"validator": LoginAudienceKnown})
	}
	return nil
}

func (a *Authority) checkCredentials(ctx context.Context, in *loginAttempt) error {
	user, err := a.verifier.Verify(ctx, in.Username, in.Password)
	if err != nil {
		return err
	}
	in.user = user
	return nil
}

func (a *Authority) checkAudienceGranted(ctx context.Context, in *loginAttempt) error {
	granted, err := a.access.IsGranted(ctx, in.user, in.Audience)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "grant lookup failed")
	}
	if !granted {
		return cloneWithMetadata(ErrInvalidAudience, map[string]any{"validator": LoginAudienceGranted})
	}
	return nil
}

// Verify checks a token. With an empty audience any configured audience is
// accepted, otherwise the token must be scoped to audience.
func (a *Authority) Verify(ctx context.Context, token, audience string) (claims *Claims, err error) {
	_, span := a.tracer.Start(ctx, "sso.Verify")
	defer func() { a.finish(span, "verify", err) }()

	if strings.TrimSpace(audience) == "" {
		return a.tokens.Validate(token)
	}
	return a.tokens.ValidateFor(token, strings.TrimSpace(audience))
}

// Inspect decodes a token without verifying it.
func (a *Authority) Inspect(ctx context.Context, token string) (claims *Claims, err error) {
	_, span := a.tracer.Start(ctx, "sso.Inspect")
	defer func() { a.finish(span, "inspect", err) }()

	return a.tokens.DecodeUnverified(token)
}

// RequestRecovery starts password recovery for the identity owning email.
func (a *Authority) RequestRecovery(ctx context.Context, email string) (err error) {
	ctx, span := a.tracer.Start(ctx, "sso.RequestRecovery")
	defer func() { a.finish(span, "recovery_request", err) }()

	record, err := a.recovery.Request(ctx, email)
	if err != nil {
		return err
	}

	a.record(ctx, ActivityEvent{
		EventType: ActivityEventRecoveryRequested,
		Username:  record.User.Username,
	})
	return nil
}

// ResetPassword redeems a recovery token.
func (a *Authority) ResetPassword(ctx context.Context, token, password string) (err error) {
	ctx, span := a.tracer.Start(ctx, "sso.ResetPassword")
	defer func() { a.finish(span, "recovery_reset", err) }()

	if err = a.recovery.Reset(ctx, token, password); err != nil {
		return err
	}

	a.record(ctx, ActivityEvent{EventType: ActivityEventPasswordReset})
	return nil
}

// ChangePassword replaces the password of an authenticated user.
func (a *Authority) ChangePassword(ctx context.Context, in ChangePasswordInput) (err error) {
	ctx, span := a.tracer.Start(ctx, "sso.ChangePassword")
	defer func() { a.finish(span, "password_change", err) }()

	user, err := a.verifier.Verify(ctx, in.Username, in.OldPassword)
	if err != nil {
		return err
	}

	if err = a.policy.Validate(ctx, in.NewPassword, user); err != nil {
		return err
	}

	hash, err := HashPassword(in.NewPassword)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "failed to hash password")
	}

	if err = a.users.SetPasswordHash(ctx, user.ID.String(), hash, a.clock.now()); err != nil {
		return err
	}

	a.record(ctx, ActivityEvent{
		EventType: ActivityEventPasswordChanged,
		Username:  user.Username,
	})
	return nil
}

// Grant gives username access to audience and queues identity propagation.
func (a *Authority) Grant(ctx context.Context, username, audience string) (grant *AccessGrant, err error) {
	ctx, span := a.tracer.Start(ctx, "sso.Grant", trace.WithAttributes(
		attribute.String("sso.audience", audience),
	))
	defer func() { a.finish(span, "grant", err) }()

	grant, err = a.access.Grant(ctx, username, audience)
	if err != nil {
		return nil, err
	}

	a.record(ctx, ActivityEvent{
		EventType: ActivityEventGrantCreated,
		Username:  username,
		Audience:  grant.Audience,
	})
	return grant, nil
}

// JWKS returns the public key set audiences verify tokens with.
func (a *Authority) JWKS() JWKSet {
	return a.tokens.JWKS()
}

func (a *Authority) finish(span trace.Span, operation string, err error) {
	a.metrics.observe(operation, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, TextCode(err))
		if TextCode(err) == TextCodeUnknownError {
			a.logger.Error("%s failed: %v", operation, err)
		}
	}
	span.End()
}

func (a *Authority) record(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.clock.now()
	}
	if err := a.activity.Record(ctx, event); err != nil {
		a.logger.Warn("activity sink failed for %s: %v", event.EventType, err)
	}
}
