// Package sso implements a single sign-on authority for a set of audience
// services sharing one identity store.
//
// Login:
//   - Authority.Login runs the login validators in order (audience known,
//     credentials, audience granted) and answers with the audience redirect
//     URL carrying an RS256 token scoped to that audience only.
//   - Audiences verify tokens offline with the public key, either configured
//     directly or fetched from the JWKS endpoint. See middleware/jwtware.
//
// Access grants:
//   - AccessLedger records which identity may log into which audience. A
//     grant for an audience with an identity webhook writes an outbox event
//     in the same transaction; OutboxDispatcher delivers it with retries.
//
// Password recovery:
//   - RecoveryLedger issues single-use, time boxed recovery records and
//     mails the link. Redeeming one runs the PasswordPolicy and consumes the
//     record atomically.
//
// Errors carry stable text codes (INVALID_CREDENTIALS, MALFORMED, ...) that
// HTTPController renders as {"error": {"type": CODE, "detail": ""}}.
package sso
