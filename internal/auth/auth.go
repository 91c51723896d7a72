// Package auth verifies the credential carried in a LOGON record's
// payload. The JWT shape and verification flow mirror the donor
// WebSocket relay's internal/auth/jwt.go; what changes is where the
// token comes from (a LOGON payload instead of an Authorization header
// or query parameter) and what it authorizes (a client_type/client_id
// pair instead of a user/role pair).
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned by Authenticator.Authenticate when the
// credential is missing, malformed, expired, or fails signature
// verification.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is what a successful LOGON authentication yields: the
// client_type/client_id the session is permitted to operate as. A
// server session trusts these two values as authoritative from here
// on, overriding anything the LOGON record's own fields claimed.
type Identity struct {
	ClientType int32
	ClientID   int32
}

// Authenticator verifies a LOGON payload and returns the identity it
// authorizes. claimed is the client_type/client_id the LOGON record
// itself carries; a trust-on-claim implementation (NoAuth) echoes it
// back, while JWTAuthenticator ignores it entirely in favor of the
// token's own claims. Implementations must be safe for concurrent use;
// one Authenticator is shared by every session in the process.
type Authenticator interface {
	Authenticate(payload []byte, claimed Identity) (Identity, error)
}

// credentialPayload is the expected JSON shape of a LOGON record's
// payload when JWT authentication is enabled: {"token": "<jwt>"}.
type credentialPayload struct {
	Token string `json:"token"`
}

// claims is the JWT claim set the broker expects. RegisteredClaims
// carries ExpiresAt/IssuedAt; jwt/v5 enforces expiry automatically
// during ParseWithClaims.
type claims struct {
	ClientType int32 `json:"clientType"`
	ClientID   int32 `json:"clientId"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256-signed tokens against a shared
// secret. It is the default Authenticator unless the operator passes
// --no-auth.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator builds a JWTAuthenticator from a non-empty
// shared secret. Config.Validate rejects an empty secret before this
// is ever constructed, but the check is repeated here since this type
// can be constructed directly by tests.
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: jwt secret must not be empty")
	}
	return &JWTAuthenticator{secret: []byte(secret)}, nil
}

func (a *JWTAuthenticator) Authenticate(payload []byte, _ Identity) (Identity, error) {
	var cred credentialPayload
	if err := json.Unmarshal(payload, &cred); err != nil || cred.Token == "" {
		return Identity{}, fmt.Errorf("%w: no token in LOGON payload", ErrUnauthorized)
	}

	parsed, err := jwt.ParseWithClaims(cred.Token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}

	return Identity{ClientType: c.ClientType, ClientID: c.ClientID}, nil
}

// IssueToken is a helper for tests and the demo client: it mints a
// token this authenticator will accept, valid for the given duration.
func (a *JWTAuthenticator) IssueToken(clientType, clientID int32, ttl time.Duration) (string, error) {
	now := time.Now()
	c := &claims{
		ClientType: clientType,
		ClientID:   clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// NoAuth accepts every LOGON, trusting the client_type/client_id the
// LOGON record itself claims. Wired in when the operator passes
// --no-auth, for local development and tests.
type NoAuth struct{}

func (NoAuth) Authenticate(_ []byte, claimed Identity) (Identity, error) {
	return claimed, nil
}
