package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/partyvault/coordinator/internal/coordinatorerr"
)

// VaultStore persists the material vault's versioned wrapping keys.
// Implemented by internal/storage; this keeps the vault itself storage-
// agnostic, unlike the teacher's file-backed LocalKMS.
type VaultStore interface {
	LoadKeyVersions(ctx context.Context) (active int, keys map[int][]byte, err error)
	SaveKeyVersions(ctx context.Context, active int, keys map[int][]byte) error
}

// MaterialVault wraps (encrypts at rest) the raw per-handle key material
// obtained from the external KDF, using versioned AES-256-GCM keys so
// old ciphertext remains decryptable across a rotation. This is the
// coordinator's own "credential encryption" layer — the raw KDF-derived
// key is decrypted into memory only for the duration of a Wrap/Unwrap
// call and is zeroed immediately after.
type MaterialVault struct {
	mu            sync.RWMutex
	activeVersion int
	keys          map[int][]byte
	store         VaultStore
}

// NewMaterialVault loads existing versions from store, or bootstraps a
// fresh version-1 key if none exist yet.
func NewMaterialVault(ctx context.Context, store VaultStore) (*MaterialVault, error) {
	active, keys, err := store.LoadKeyVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("envelope: load vault: %w", err)
	}
	if len(keys) == 0 {
		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("envelope: generate vault key: %w", err)
		}
		keys = map[int][]byte{1: key}
		active = 1
		if err := store.SaveKeyVersions(ctx, active, keys); err != nil {
			return nil, fmt.Errorf("envelope: persist vault: %w", err)
		}
	}
	return &MaterialVault{activeVersion: active, keys: keys, store: store}, nil
}

// Seal encrypts raw key material with the active vault version, framed
// as "v<N>:<base64>" — identical framing to the teacher's LocalKMS.
func (v *MaterialVault) Seal(raw []byte) (string, error) {
	v.mu.RLock()
	version := v.activeVersion
	key := v.keys[version]
	v.mu.RUnlock()

	ct, err := aesGCMEncrypt(key, raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct)), nil
}

// Open decrypts a sealed blob produced by Seal, resolving whichever key
// version it was sealed under.
func (v *MaterialVault) Open(sealed string) ([]byte, error) {
	version, payload, err := parseVersioned(sealed)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	key, ok := v.keys[version]
	v.mu.RUnlock()
	if !ok {
		return nil, coordinatorerr.New(coordinatorerr.HandleUnknown, fmt.Sprintf("vault key version %d unknown", version))
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode sealed payload: %w", err)
	}
	return aesGCMDecrypt(key, ct)
}

// Rotate generates a new active vault version; old versions remain
// available to Open previously sealed material.
func (v *MaterialVault) Rotate(ctx context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("envelope: generate vault key: %w", err)
	}
	newVersion := v.activeVersion + 1
	v.keys[newVersion] = key
	v.activeVersion = newVersion

	if err := v.store.SaveKeyVersions(ctx, v.activeVersion, v.keys); err != nil {
		return 0, fmt.Errorf("envelope: persist rotated vault: %w", err)
	}
	return newVersion, nil
}

func aesGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, coordinatorerr.New(coordinatorerr.IntegrityFailure, "ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.IntegrityFailure, "gcm open failed", err)
	}
	return pt, nil
}

func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("envelope: missing version prefix in %q", s)
	}
	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("envelope: malformed versioned string %q", s)
	}
	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("envelope: parse version: %w", err)
	}
	return v, s[idx+1:], nil
}

// zero overwrites a byte slice in place. Called on every raw key
// material buffer once a Wrap/Unwrap/Seal/Open call is done with it.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
