package envelope

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/partyvault/coordinator/internal/coordinatorerr"
)

// authClaims is the JWT payload for a single-use, request-scoped unwrap
// authorization minted by the Request State Machine on entry to
// Executing (spec §4.2, §4.4 "Authorization token issuance").
type authClaims struct {
	jwt.RegisteredClaims
	RequestID string `json:"request_id"`
}

type tokenState struct {
	requestID string
	expiresAt time.Time
	revoked   bool
}

// tokenRegistry tracks which minted jti values are still active. A token
// is valid to present to UnwrapAuthorized as long as its jti is present
// here, unexpired, and not revoked; Invalidate removes it unconditionally
// when the State Machine leaves Executing, win or lose.
type tokenRegistry struct {
	mu     sync.Mutex
	active map[string]*tokenState
	key    []byte
}

func newTokenRegistry(signingKey []byte) *tokenRegistry {
	return &tokenRegistry{active: make(map[string]*tokenState), key: signingKey}
}

// Issue mints a signed, single-use authorization token bound to
// requestID, valid for ttl.
func (t *tokenRegistry) Issue(requestID string, ttl time.Duration) (string, error) {
	jti := uuid.New().String()
	now := time.Now().UTC()
	expires := now.Add(ttl)

	claims := authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   requestID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    "coordinator.envelope",
		},
		RequestID: requestID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", coordinatorerr.Wrap(coordinatorerr.AuthorizationInvalid, "sign authorization token", err)
	}

	t.mu.Lock()
	t.active[jti] = &tokenState{requestID: requestID, expiresAt: expires}
	t.mu.Unlock()

	return signed, nil
}

// Validate checks that tokenStr is a well-formed, unexpired, unrevoked
// authorization token for requestID, returning its jti.
func (t *tokenRegistry) Validate(tokenStr, requestID string) (string, error) {
	claims := &authClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	})
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", coordinatorerr.Wrap(coordinatorerr.AuthorizationExpired, "authorization window closed", err)
		}
		return "", coordinatorerr.Wrap(coordinatorerr.AuthorizationInvalid, "parse authorization token", err)
	}
	if claims.RequestID != requestID {
		return "", coordinatorerr.New(coordinatorerr.AuthorizationInvalid, "token not scoped to this request")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.active[claims.ID]
	if !ok || state.revoked {
		return "", coordinatorerr.New(coordinatorerr.AuthorizationInvalid, "token unknown or already invalidated")
	}
	if time.Now().UTC().After(state.expiresAt) {
		return "", coordinatorerr.New(coordinatorerr.AuthorizationExpired, "authorization window closed")
	}
	return claims.ID, nil
}

// Invalidate destroys a token's ability to authorize further unwraps,
// regardless of whether it was ever used. Called unconditionally when
// the State Machine leaves Executing (spec §4.4).
func (t *tokenRegistry) Invalidate(jti string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.active[jti]; ok {
		state.revoked = true
	}
	delete(t.active, jti)
}
