package sso

import (
	"net/http"

	"github.com/goliatone/go-errors"
)

// Stable machine readable codes surfaced to callers.
const (
	TextCodeInvalidCredentials = "INVALID_CREDENTIALS"
	TextCodeInvalidAudience    = "INVALID_AUDIENCE"
	TextCodeInvalidEmail       = "INVALID_EMAIL"
	TextCodeInvalidToken       = "INVALID_TOKEN"
	TextCodeTokenExpired       = "TOKEN_EXPIRED"
	TextCodeWeakPassword       = "WEAK_PASSWORD"
	TextCodeUnknownAudience    = "UNKNOWN_AUDIENCE"
	TextCodeDuplicateGrant     = "DUPLICATE_GRANT"
	TextCodeMalformed          = "MALFORMED"
	TextCodeIdentityNotFound   = "IDENTITY_NOT_FOUND"
	TextCodeUnknownError       = "UNKNOWN_ERROR"
)

// ErrInvalidCredentials covers unknown users, inactive users and wrong passwords alike.
var ErrInvalidCredentials = errors.New("invalid credentials", errors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(errors.CodeUnauthorized)

// ErrInvalidAudience is returned on login when the audience is unknown or not granted.
var ErrInvalidAudience = errors.New("audience not allowed", errors.CategoryAuth).
	WithTextCode(TextCodeInvalidAudience).
	WithCode(errors.CodeUnauthorized)

// unknownAudience reports an audience the registry does not know. Unlike a
// missing grant it is a client input error and answers 400.
func unknownAudience(metadata map[string]any) error {
	return cloneWithMetadata(ErrInvalidAudience, metadata).WithCode(errors.CodeBadRequest)
}

// ErrInvalidEmail covers malformed and unknown recovery emails.
var ErrInvalidEmail = errors.New("invalid email", errors.CategoryValidation).
	WithTextCode(TextCodeInvalidEmail).
	WithCode(errors.CodeBadRequest)

// ErrInvalidToken is returned when a recovery token does not exist or is malformed.
var ErrInvalidToken = errors.New("invalid recovery token", errors.CategoryValidation).
	WithTextCode(TextCodeInvalidToken).
	WithCode(errors.CodeBadRequest)

// ErrTokenExpired is returned for expired or consumed recovery tokens and expired access tokens.
var ErrTokenExpired = errors.New("token expired", errors.CategoryValidation).
	WithTextCode(TextCodeTokenExpired).
	WithCode(errors.CodeBadRequest)

// ErrWeakPassword is returned when a new password fails the password policy.
var ErrWeakPassword = errors.New("password too weak", errors.CategoryValidation).
	WithTextCode(TextCodeWeakPassword).
	WithCode(errors.CodeBadRequest)

// ErrUnknownAudience is returned when an audience is not part of the registry.
var ErrUnknownAudience = errors.New("unknown audience", errors.CategoryBadInput).
	WithTextCode(TextCodeUnknownAudience).
	WithCode(errors.CodeBadRequest)

// ErrDuplicateGrant is returned when the identity already holds the audience.
var ErrDuplicateGrant = errors.New("access already granted", errors.CategoryConflict).
	WithTextCode(TextCodeDuplicateGrant).
	WithCode(errors.CodeConflict)

// ErrMalformed is returned when a token can not be parsed or verified.
var ErrMalformed = errors.New("malformed token", errors.CategoryAuth).
	WithTextCode(TextCodeMalformed).
	WithCode(errors.CodeBadRequest)

// ErrIdentityNotFound is returned by administrative operations that target a missing user.
var ErrIdentityNotFound = errors.New("identity not found", errors.CategoryNotFound).
	WithTextCode(TextCodeIdentityNotFound).
	WithCode(errors.CodeNotFound)

// ErrWebhookRejected is returned when an audience webhook does not answer 201.
var ErrWebhookRejected = errors.New("identity webhook rejected payload", errors.CategoryOperation)

// ErrNoEmptyString is returned when hashing an empty password.
var ErrNoEmptyString = errors.New("value must not be empty", errors.CategoryBadInput)

// TextCode returns the stable code carried by err, or UNKNOWN_ERROR.
func TextCode(err error) string {
	if err == nil {
		return ""
	}

	var richErr *errors.Error
	if errors.As(err, &richErr) && richErr.TextCode != "" {
		return richErr.TextCode
	}

	return TextCodeUnknownError
}

// StatusCode returns the HTTP status carried by err, defaulting to 400 for
// known codes and 500 otherwise.
func StatusCode(err error) int {
	var richErr *errors.Error
	if errors.As(err, &richErr) {
		if richErr.Code != 0 {
			return richErr.Code
		}
		if richErr.TextCode != "" {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err carries the given text code.
func IsCode(err error, code string) bool {
	return err != nil && TextCode(err) == code
}

// ErrorBody is the JSON shape returned for every failure.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the {code, detail} pair. Detail is always empty for
// UNKNOWN_ERROR.
type ErrorDetail struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// NewErrorBody maps err to the external error shape.
func NewErrorBody(err error) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Type: TextCode(err)}}
}

// cloneWithMetadata clones a sentinel so metadata can be attached without mutating it.
func cloneWithMetadata(sentinel *errors.Error, metadata map[string]any) *errors.Error {
	return sentinel.Clone().WithMetadata(metadata)
}
