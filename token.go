// SPDX-License-Identifier: GPL-3.0-or-later

package pushconn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// ErrNotECDSAKey is returned when parsing a signing key that is not an
// ECDSA key on the P-256 curve, the only kind the gateway accepts.
var ErrNotECDSAKey = errors.New("pushconn: signing key is not an ECDSA P-256 key")

// SigningKey is the private key used to mint bearer tokens in token
// authentication mode, together with the identifiers the gateway uses to
// look up the matching public key.
type SigningKey struct {
	// KeyID identifies this key to the gateway (the JWS "kid" header).
	KeyID string

	// TeamID identifies the token issuer (the "iss" claim).
	TeamID string

	// key is the ECDSA P-256 private key.
	key *ecdsa.PrivateKey
}

// NewSigningKey creates a [*SigningKey] from an ECDSA private key.
//
// The key must be on the P-256 curve; ES256 is the only signature scheme
// the gateway accepts for bearer tokens.
func NewSigningKey(keyID, teamID string, key *ecdsa.PrivateKey) (*SigningKey, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return nil, ErrNotECDSAKey
	}
	return &SigningKey{KeyID: keyID, TeamID: teamID, key: key}, nil
}

// ParseSigningKeyPEM creates a [*SigningKey] from a PEM-encoded PKCS#8
// private key, the format signing keys are distributed in.
func ParseSigningKeyPEM(keyID, teamID string, pemBytes []byte) (*SigningKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("pushconn: signing key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pushconn: cannot parse signing key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, ErrNotECDSAKey
	}
	return NewSigningKey(keyID, teamID, key)
}

// Mint produces a signed bearer token issued at the given time.
//
// The token is a compact JWS: a base64url-encoded header ({"alg","typ",
// "kid"}) and claims ({"iss","iat"}) signed with ES256.
func (k *SigningKey) Mint(issuedAt time.Time) (string, error) {
	header, err := json.Marshal(map[string]string{
		"alg": "ES256",
		"typ": "JWT",
		"kid": k.KeyID,
	})
	runtimex.Assert(err == nil)
	claims, err := json.Marshal(map[string]any{
		"iss": k.TeamID,
		"iat": issuedAt.Unix(),
	})
	runtimex.Assert(err == nil)

	encoding := base64.RawURLEncoding
	payload := encoding.EncodeToString(header) + "." + encoding.EncodeToString(claims)

	digest := sha256.Sum256([]byte(payload))
	r, s, err := ecdsa.Sign(rand.Reader, k.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("pushconn: cannot sign token: %w", err)
	}

	// ES256 signatures are the fixed-width big-endian concatenation of r
	// and s, not the ASN.1 form produced by SignASN1.
	signature := make([]byte, 64)
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:])

	return payload + "." + encoding.EncodeToString(signature), nil
}

// NewTokenMinter creates a [*TokenMinter] that caches minted tokens for
// the given expiration duration.
//
// The cfg argument contains the common configuration for pushconn operations.
func NewTokenMinter(cfg *Config, key *SigningKey, expiration time.Duration) *TokenMinter {
	runtimex.Assert(key != nil)
	runtimex.Assert(expiration > 0)
	return &TokenMinter{
		expiration: expiration,
		key:        key,
		timeNow:    cfg.TimeNow,
	}
}

// TokenMinter mints bearer tokens and reuses each minted token until it is
// older than the configured expiration, at which point the next request
// for a token mints a fresh one.
//
// TokenMinter is safe for concurrent use: a connection handler asks for
// the token on every request it sends.
type TokenMinter struct {
	expiration time.Duration
	key        *SigningKey
	timeNow    func() time.Time

	mu       sync.Mutex
	mintedAt time.Time
	token    string
}

// Token returns the current bearer token, minting a new one if none exists
// or the cached one has exceeded the expiration duration.
func (m *TokenMinter) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timeNow()
	if m.token != "" && now.Sub(m.mintedAt) < m.expiration {
		return m.token, nil
	}
	token, err := m.key.Mint(now)
	if err != nil {
		return "", err
	}
	m.token = token
	m.mintedAt = now
	return token, nil
}

// Invalidate discards the cached token so the next [Token] call mints a
// fresh one. Callers use this when the gateway rejects a token as expired
// ahead of the local expiration estimate.
func (m *TokenMinter) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.mintedAt = time.Time{}
}
