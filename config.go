package sso

import (
	"crypto/rsa"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
)

// Options is the raw configuration read from the environment.
//
// Audience tables use name=value pairs separated by commas, e.g.
// SSO_REDIRECT_URLS="portal=https://portal.example.com/auth,billing=https://billing.example.com/".
type Options struct {
	Issuer            string            `env:"SSO_ISSUER" envDefault:"sso_server"`
	PrivateKeyPEM     string            `env:"SSO_PRIVATE_KEY"`
	PublicKeyPEM      string            `env:"SSO_PUBLIC_KEY"`
	TokenLifetime     time.Duration     `env:"SSO_TOKEN_LIFETIME" envDefault:"168h"`
	QueryParameter    string            `env:"SSO_QUERY_PARAMETER" envDefault:"access"`
	RedirectURLs      map[string]string `env:"SSO_REDIRECT_URLS" envKeyValSeparator:"="`
	WebhookURLs       map[string]string `env:"SSO_IDENTITY_WEBHOOK_URLS" envKeyValSeparator:"="`
	WebhookKeys       map[string]string `env:"SSO_IDENTITY_API_KEYS" envKeyValSeparator:"="`
	WebhookTimeout    time.Duration     `env:"SSO_WEBHOOK_TIMEOUT" envDefault:"5s"`
	WebhookRetries    uint              `env:"SSO_WEBHOOK_RETRIES" envDefault:"1"`
	RecoveryTTL       time.Duration     `env:"SSO_RECOVERY_TTL" envDefault:"60m"`
	RecoverySupersede bool              `env:"SSO_RECOVERY_SUPERSEDE" envDefault:"false"`
	FrontendHost      string            `env:"SSO_FRONTEND_HOST" envDefault:"http://localhost:3001"`
	RecoveryPath      string            `env:"SSO_RECOVERY_PATH" envDefault:"/password/reset/"`
	MinPasswordLength int               `env:"SSO_MIN_PASSWORD_LENGTH" envDefault:"12"`
	DebugInspect      bool              `env:"SSO_DEBUG_INSPECT" envDefault:"false"`
	OutboxPoll        time.Duration     `env:"SSO_OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxMaxAttempts int               `env:"SSO_OUTBOX_MAX_ATTEMPTS" envDefault:"8"`
}

// LoadOptionsFromEnv parses Options from the process environment.
func LoadOptionsFromEnv() (Options, error) {
	var o Options
	if err := env.Parse(&o); err != nil {
		return Options{}, errors.Wrap(err, errors.CategoryBadInput, "failed to parse sso environment")
	}
	return o, nil
}

// Validate will run validation rules
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Issuer, validation.Required),
		validation.Field(&o.PrivateKeyPEM, validation.Required),
		validation.Field(&o.TokenLifetime, validation.Required),
		validation.Field(&o.QueryParameter, validation.Required),
		validation.Field(&o.RedirectURLs, validation.Required),
		validation.Field(&o.RecoveryTTL, validation.Required),
		validation.Field(&o.FrontendHost, validation.Required, is.URL),
		validation.Field(&o.MinPasswordLength, validation.Required, validation.Min(1)),
		validation.Field(&o.OutboxMaxAttempts, validation.Required, validation.Min(1)),
	)
}

// Config is the immutable configuration shared by every component. Build it
// once at startup with NewConfig.
type Config struct {
	issuer            string
	tokenLifetime     time.Duration
	queryParameter    string
	signingKey        *rsa.PrivateKey
	verifyKey         *rsa.PublicKey
	audiences         *AudienceRegistry
	webhookTimeout    time.Duration
	webhookRetries    uint
	recoveryTTL       time.Duration
	recoverySupersede bool
	recoveryLinkBase  string
	minPasswordLength int
	debugInspect      bool
	outboxPoll        time.Duration
	outboxMaxAttempts int
}

// NewConfig validates o, parses the key material and builds the audience
// registry.
func NewConfig(o Options) (*Config, error) {
	if err := o.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "invalid sso options")
	}

	signingKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(o.PrivateKeyPEM))
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "invalid signing key")
	}

	verifyKey := &signingKey.PublicKey
	if strings.TrimSpace(o.PublicKeyPEM) != "" {
		if verifyKey, err = jwt.ParseRSAPublicKeyFromPEM([]byte(o.PublicKeyPEM)); err != nil {
			return nil, errors.Wrap(err, errors.CategoryValidation, "invalid verification key")
		}
		if !verifyKey.Equal(&signingKey.PublicKey) {
			return nil, errors.New("verification key does not match signing key", errors.CategoryValidation)
		}
	}

	list, err := AudiencesFromMaps(o.RedirectURLs, o.WebhookURLs, o.WebhookKeys)
	if err != nil {
		return nil, err
	}

	audiences, err := NewAudienceRegistry(list...)
	if err != nil {
		return nil, err
	}

	return &Config{
		issuer:            o.Issuer,
		tokenLifetime:     o.TokenLifetime,
		queryParameter:    o.QueryParameter,
		signingKey:        signingKey,
		verifyKey:         verifyKey,
		audiences:         audiences,
		webhookTimeout:    o.WebhookTimeout,
		webhookRetries:    o.WebhookRetries,
		recoveryTTL:       o.RecoveryTTL,
		recoverySupersede: o.RecoverySupersede,
		recoveryLinkBase:  strings.TrimRight(o.FrontendHost, "/") + "/" + strings.Trim(o.RecoveryPath, "/") + "/",
		minPasswordLength: o.MinPasswordLength,
		debugInspect:      o.DebugInspect,
		outboxPoll:        o.OutboxPoll,
		outboxMaxAttempts: o.OutboxMaxAttempts,
	}, nil
}

func (c *Config) GetIssuer() string                { return c.issuer }
func (c *Config) GetTokenLifetime() time.Duration  { return c.tokenLifetime }
func (c *Config) GetQueryParameter() string        { return c.queryParameter }
func (c *Config) GetSigningKey() *rsa.PrivateKey   { return c.signingKey }
func (c *Config) GetVerifyKey() *rsa.PublicKey     { return c.verifyKey }
func (c *Config) Audiences() *AudienceRegistry     { return c.audiences }
func (c *Config) GetWebhookTimeout() time.Duration { return c.webhookTimeout }
func (c *Config) GetWebhookRetries() uint          { return c.webhookRetries }
func (c *Config) GetRecoveryTTL() time.Duration    { return c.recoveryTTL }
func (c *Config) SupersedeRecoveries() bool        { return c.recoverySupersede }
func (c *Config) GetMinPasswordLength() int        { return c.minPasswordLength }
func (c *Config) DebugInspect() bool               { return c.debugInspect }
func (c *Config) GetOutboxPoll() time.Duration     { return c.outboxPoll }
func (c *Config) GetOutboxMaxAttempts() int        { return c.outboxMaxAttempts }

// RecoveryLink returns the frontend link that redeems recovery id.
func (c *Config) RecoveryLink(id string) string {
	return c.recoveryLinkBase + id
}
