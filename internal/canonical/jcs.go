// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for content-addressed entities: dataset ids and the
// proof-chain hash. Using a real JCS implementation instead of a
// hand-rolled "disable HTML escaping" json.Encoder means canonicalization
// is stable across Go versions and across any future non-Go reader of
// the audit trail.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal JSON-encodes v and then canonicalizes the result per RFC 8785.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase-hex SHA-256 digest of v's canonical form,
// prefixed "sha256:" so it self-describes in logs and proof records.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// MustHash panics on marshal failure — only safe for types whose fields
// are all JSON-marshalable by construction (no channels, funcs, cycles).
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes returns the "sha256:"-prefixed hex digest of raw bytes
// directly, without a JSON/JCS round trip — used for content hashes fed
// into a subsequent canonical struct (e.g. dataset identityFields).
func HashBytes(raw []byte) (string, error) {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
