package sso

import (
	"crypto/rsa"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// TokenService mints and verifies RS256 access tokens scoped to a single
// audience.
type TokenService struct {
	issuer     string
	lifetime   time.Duration
	signingKey *rsa.PrivateKey
	verifyKey  *rsa.PublicKey
	keyID      string
	audiences  *AudienceRegistry
	clock      Clock
	logger     Logger
}

// NewTokenService creates a new TokenService instance
func NewTokenService(cfg *Config) *TokenService {
	return &TokenService{
		issuer:     cfg.GetIssuer(),
		lifetime:   cfg.GetTokenLifetime(),
		signingKey: cfg.GetSigningKey(),
		verifyKey:  cfg.GetVerifyKey(),
		keyID:      KeyThumbprint(cfg.GetVerifyKey()),
		audiences:  cfg.Audiences(),
		logger:     defLogger{},
	}
}

func (ts *TokenService) WithLogger(l Logger) *TokenService {
	ts.logger = normalizeLogger(l)
	return ts
}

// WithClock sets the time source used when checking expiration.
func (ts *TokenService) WithClock(c Clock) *TokenService {
	ts.clock = c
	return ts
}

// KeyID returns the kid stamped on every token.
func (ts *TokenService) KeyID() string {
	return ts.keyID
}

// Issue signs a token for user scoped to audience, valid from now for the
// configured lifetime.
func (ts *TokenService) Issue(user *User, audience string, now time.Time) (string, *Claims, error) {
	if user == nil {
		return "", nil, errors.New("user must not be nil", errors.CategoryInternal)
	}

	if !ts.audiences.Has(audience) {
		return "", nil, cloneWithMetadata(ErrUnknownAudience, map[string]any{"audience": audience})
	}

	now = now.UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   user.Username,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.lifetime)),
			ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		},
		User: user.Username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ts.keyID

	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.CategoryInternal, "failed to sign JWT")
	}

	return signed, claims, nil
}

// Validate verifies signature, algorithm, issuer and expiry and requires the
// audience to be a configured one.
func (ts *TokenService) Validate(tokenString string) (*Claims, error) {
	claims, err := ts.parse(tokenString)
	if err != nil {
		return nil, err
	}

	for _, aud := range claims.Audience {
		if ts.audiences.Has(aud) {
			return claims, nil
		}
	}

	return nil, malformed(jwt.ErrTokenInvalidAudience)
}

// ValidateFor is Validate pinned to a single audience.
func (ts *TokenService) ValidateFor(tokenString, audience string) (*Claims, error) {
	if !ts.audiences.Has(audience) {
		return nil, cloneWithMetadata(ErrUnknownAudience, map[string]any{"audience": audience})
	}
	return ts.parse(tokenString, jwt.WithAudience(audience))
}

// DecodeUnverified returns the claims without checking the signature or
// the registered claims. Diagnostic use only.
func (ts *TokenService) DecodeUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, malformed(err)
	}
	return claims, nil
}

func (ts *TokenService) parse(tokenString string, extra ...jwt.ParserOption) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.clock.now),
	}
	opts = append(opts, extra...)

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			ts.logger.Warn("token validate encountered unexpected signing method %v", t.Header["alg"])
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return ts.verifyKey, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, malformed(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrMalformed
	}

	return claims, nil
}

func malformed(source error) error {
	return errors.Wrap(source, ErrMalformed.Category, ErrMalformed.Message).
		WithTextCode(ErrMalformed.TextCode).
		WithCode(ErrMalformed.Code)
}
