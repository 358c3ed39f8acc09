package sso

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
)

// JWK is the public half of the signing key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is served to audiences so they can verify tokens without holding
// the key file.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the key set for the verification key.
func (ts *TokenService) JWKS() JWKSet {
	return JWKSet{Keys: []JWK{NewRSAJWK(ts.verifyKey, ts.keyID)}}
}

// NewRSAJWK encodes key as an RS256 signing JWK.
func NewRSAJWK(key *rsa.PublicKey, kid string) JWK {
	n, e := rsaComponents(key)
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   n,
		E:   e,
	}
}

// KeyThumbprint is the RFC 7638 SHA-256 thumbprint of key.
func KeyThumbprint(key *rsa.PublicKey) string {
	if key == nil {
		return ""
	}

	n, e := rsaComponents(key)
	// members in lexicographic order, no whitespace
	canonical, _ := json.Marshal(struct {
		E   string `json:"e"`
		Kty string `json:"kty"`
		N   string `json:"n"`
	}{E: e, Kty: "RSA", N: n})

	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func rsaComponents(key *rsa.PublicKey) (n, e string) {
	n = base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e = base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	return n, e
}
