package envelope

import "context"

// KDFClient is the outbound interface to the external threshold-KDF
// service (spec §6 "KDF interface"). Service calls EncryptedKey through
// internal/resiliency's retry loop; PublicKey has no caller in this module.
type KDFClient interface {
	// PublicKey returns the KDF's public master-key material.
	PublicKey(ctx context.Context) ([]byte, error)

	// EncryptedKey returns a copy of the key derived for derivationID,
	// transport-encrypted such that only the holder of the private key
	// matching transportPK can recover it.
	EncryptedKey(ctx context.Context, transportPK, derivationID []byte) ([]byte, error)
}
