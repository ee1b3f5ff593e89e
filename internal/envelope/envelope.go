// Package envelope implements the Key Envelope Service (spec §4.2): it
// derives per-purpose threshold keys from the external KDF, wraps and
// unwraps dataset ciphertext, and mints/validates the single-use
// authorization tokens that gate unwrap_authorized to the Executing
// window of a specific request.
//
// The raw KDF-derived key material is never held in plaintext at rest —
// it is sealed under a local, versioned AES-256-GCM vault key (see
// vault.go) the moment it is obtained, and decrypted into memory only
// for the duration of a single Wrap/UnwrapAuthorized call.
package envelope

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"

	"github.com/google/uuid"

	"github.com/partyvault/coordinator/internal/coordinatorerr"
	"github.com/partyvault/coordinator/internal/resiliency"
	"github.com/partyvault/coordinator/internal/telemetry"
)

const domainSeparator = "coordinator.mpc.v1"

// kdfBreakerThreshold/kdfBreakerReset bound how many consecutive KDF
// failures (past the retry budget) open the breaker, and how long it
// stays open before allowing a half-open probe.
const (
	kdfBreakerThreshold = 5
	kdfBreakerReset     = 30 * time.Second
)

// Handle is the opaque record the coordinator stores for a derived key.
// SealedMaterial is the vault-encrypted raw key; raw bytes never persist.
type Handle struct {
	ID             string
	Principal      string
	Purpose        string
	SealedMaterial string
	CreatedAt      time.Time
}

// HandleStore persists Handle records. Implemented by internal/storage.
type HandleStore interface {
	SaveHandle(ctx context.Context, h *Handle) error
	GetHandle(ctx context.Context, id string) (*Handle, bool, error)
}

// Service is the Key Envelope Service.
type Service struct {
	handles HandleStore
	vault   *MaterialVault
	kdf     KDFClient
	tokens  *tokenRegistry

	transportPub *[32]byte
	transportPriv *[32]byte

	kdfRetry   resiliency.RetryPolicy
	kdfBreaker *resiliency.CircuitBreaker
	tel        *telemetry.Telemetry
}

// WithTelemetry attaches the process's counters. Optional; nil is a
// no-op.
func (s *Service) WithTelemetry(tel *telemetry.Telemetry) *Service {
	s.tel = tel
	return s
}

// New constructs a Service. signingKey authenticates authorization
// tokens; it should be at least 32 bytes of real entropy in production
// (internal/config sources it from JWT_SIGNING_KEY).
func New(handles HandleStore, vault *MaterialVault, kdf KDFClient, signingKey []byte, retry resiliency.RetryPolicy) (*Service, error) {
	pub, priv, err := box.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate transport keypair: %w", err)
	}
	return &Service{
		handles:       handles,
		vault:         vault,
		kdf:           kdf,
		tokens:        newTokenRegistry(signingKey),
		transportPub:  pub,
		transportPriv: priv,
		kdfRetry:      retry,
		kdfBreaker:    resiliency.NewCircuitBreaker("kdf", kdfBreakerThreshold, kdfBreakerReset),
	}, nil
}

func retryableKDF(err error) bool {
	kind, ok := coordinatorerr.KindOf(err)
	return ok && kind.Retryable()
}

// DeriveHandle obtains a key derived from (principal, purpose, domain
// separator) from the external KDF and returns a durable handle. The raw
// key is sealed under the vault before this call returns.
func (s *Service) DeriveHandle(ctx context.Context, principal, purpose string) (string, error) {
	ctx, end := s.tel.StartSpan(ctx, "envelope.kdf.derive_handle")
	defer end()

	derivationID := sha256.Sum256([]byte(domainSeparator + "|" + principal + "|" + purpose))

	if !s.kdfBreaker.Allow() {
		return "", coordinatorerr.New(coordinatorerr.TemporarilyUnavailable, "kdf circuit open")
	}

	var encKey []byte
	attempt := 0
	err := resiliency.Do(ctx, s.kdfRetry, retryableKDF, func(ctx context.Context) error {
		if attempt > 0 && s.tel != nil {
			s.tel.KDFRetries.Add(ctx, 1)
		}
		attempt++
		k, err := s.kdf.EncryptedKey(ctx, s.transportPub[:], derivationID[:])
		if err != nil {
			return coordinatorerr.Wrap(coordinatorerr.KdfUnavailable, "kdf encrypted_key", err)
		}
		encKey = k
		return nil
	})
	if err != nil {
		s.kdfBreaker.Failure()
		return "", err
	}
	s.kdfBreaker.Success()

	raw, ok := box.OpenAnonymous(nil, encKey, s.transportPub, s.transportPriv)
	if !ok {
		return "", coordinatorerr.New(coordinatorerr.IntegrityFailure, "transport-open of kdf key failed")
	}
	defer zero(raw)

	sealed, err := s.vault.Seal(raw)
	if err != nil {
		return "", fmt.Errorf("envelope: seal derived key: %w", err)
	}

	h := &Handle{
		ID:             uuid.New().String(),
		Principal:      principal,
		Purpose:        purpose,
		SealedMaterial: sealed,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.handles.SaveHandle(ctx, h); err != nil {
		return "", fmt.Errorf("envelope: persist handle: %w", err)
	}
	return h.ID, nil
}

// PublicMaterial returns the coordinator's transport public key, which
// clients use to seal data with nacl/box before upload so only the
// coordinator's transport key can open it.
func (s *Service) PublicMaterial(ctx context.Context, handle string) ([]byte, error) {
	if _, found, err := s.handles.GetHandle(ctx, handle); err != nil {
		return nil, err
	} else if !found {
		return nil, coordinatorerr.New(coordinatorerr.HandleUnknown, handle)
	}
	return s.transportPub[:], nil
}

// EncryptedKeyFor passes through to the external KDF's encrypted_key
// call, sealing the derived key to the caller's own transport key rather
// than the coordinator's — used by clients performing client-side
// encryption before upload.
func (s *Service) EncryptedKeyFor(ctx context.Context, callerTransportPK, derivationID []byte) ([]byte, error) {
	ctx, end := s.tel.StartSpan(ctx, "envelope.kdf.encrypted_key_for")
	defer end()

	if !s.kdfBreaker.Allow() {
		return nil, coordinatorerr.New(coordinatorerr.TemporarilyUnavailable, "kdf circuit open")
	}

	var out []byte
	err := resiliency.Do(ctx, s.kdfRetry, retryableKDF, func(ctx context.Context) error {
		k, err := s.kdf.EncryptedKey(ctx, callerTransportPK, derivationID)
		if err != nil {
			return coordinatorerr.Wrap(coordinatorerr.KdfUnavailable, "kdf encrypted_key", err)
		}
		out = k
		return nil
	})
	if err != nil {
		s.kdfBreaker.Failure()
		return nil, err
	}
	s.kdfBreaker.Success()
	return out, nil
}

// Wrap encrypts plaintext under a subkey derived (via HKDF) from the
// handle's sealed material.
func (s *Service) Wrap(ctx context.Context, handle string, plaintext []byte) ([]byte, error) {
	sub, err := s.subkeyFor(ctx, handle, "wrap")
	if err != nil {
		return nil, err
	}
	defer zero(sub)
	return aesGCMEncrypt(sub, plaintext)
}

// UnwrapAuthorized decrypts ciphertext previously produced by Wrap, only
// when authorization is a currently-active token minted for requestID.
func (s *Service) UnwrapAuthorized(ctx context.Context, handle string, ciphertext []byte, authorization, requestID string) ([]byte, error) {
	if _, err := s.tokens.Validate(authorization, requestID); err != nil {
		return nil, err
	}

	sub, err := s.subkeyFor(ctx, handle, "wrap")
	if err != nil {
		return nil, err
	}
	defer zero(sub)

	return aesGCMDecrypt(sub, ciphertext)
}

// IssueAuthorization mints a single-use, request-scoped token. Called
// only by the Request State Machine on entry to Executing.
func (s *Service) IssueAuthorization(requestID string, ttl time.Duration) (string, error) {
	return s.tokens.Issue(requestID, ttl)
}

// InvalidateAuthorization destroys a token's ability to authorize
// further unwraps. Called unconditionally when the State Machine leaves
// Executing, regardless of outcome (spec §4.4).
func (s *Service) InvalidateAuthorization(tokenStr, requestID string) {
	jti, err := s.tokens.Validate(tokenStr, requestID)
	if err != nil {
		return
	}
	s.tokens.Invalidate(jti)
}

// subkeyFor opens the handle's sealed material and expands a purpose-
// specific AES-256 subkey via HKDF-SHA256, so a single derived handle
// key never directly touches plaintext as an AES key.
func (s *Service) subkeyFor(ctx context.Context, handle, purpose string) ([]byte, error) {
	h, found, err := s.handles.GetHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, coordinatorerr.New(coordinatorerr.HandleUnknown, handle)
	}

	raw, err := s.vault.Open(h.SealedMaterial)
	if err != nil {
		return nil, err
	}
	defer zero(raw)

	sub := make([]byte, 32)
	kdfReader := hkdf.New(sha256.New, raw, []byte(handle), []byte(domainSeparator+"|"+purpose))
	if _, err := io.ReadFull(kdfReader, sub); err != nil {
		return nil, fmt.Errorf("envelope: hkdf expand: %w", err)
	}
	return sub, nil
}
