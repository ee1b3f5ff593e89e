package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallerClaims extends standard JWT claims with the single field this
// coordinator cares about: which principal is calling. Generalized from
// the teacher's IdentityClaims (pkg/identity/token.go), which carries a
// richer HELM principal taxonomy (agent/user/tenant/scopes) this spec
// has no use for — role is data here, not type (spec §9).
type CallerClaims struct {
	jwt.RegisteredClaims
	Principal string `json:"principal"`
}

// TokenManager issues and validates caller bearer tokens, standing in
// for the external authentication provider the spec treats as a
// collaborator (spec §6 "Caller identity... opaque to this spec"). In
// production this coordinator would consume tokens minted by that
// external provider rather than mint its own; TokenManager exists so the
// service is runnable end-to-end without one.
type TokenManager struct {
	key []byte
}

// NewTokenManager constructs a TokenManager signing with key (HS256).
func NewTokenManager(key []byte) *TokenManager {
	return &TokenManager{key: key}
}

// Issue mints a bearer token asserting principal, valid for ttl.
func (tm *TokenManager) Issue(principal string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := CallerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "coordinator.identity",
		},
		Principal: principal,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.key)
}

// Validate parses tokenStr and returns the asserted principal.
func (tm *TokenManager) Validate(tokenStr string) (string, error) {
	claims := &CallerClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return tm.key, nil
	})
	if err != nil || !parsed.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	return claims.Principal, nil
}
