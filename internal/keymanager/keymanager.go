// Package keymanager abstracts the external KMS that wraps and unwraps the
// per-flow symmetric keys the crypto device uses. With a KMS-backed
// manager the master key stays in the KMS; the InMemory manager keeps its
// master key in process memory.
package keymanager

import "context"

// KeyManager wraps/unwraps per-flow data encryption keys (DEKs) via an
// external key management system. Implementations must never expose
// plaintext master keys; all master-key operations happen inside the KMS
// (e.g. via KMIP).
type KeyManager interface {
	// Provider returns a short identifier (e.g. "kmip", "in-memory") used
	// for diagnostics and metrics labels.
	Provider() string

	// WrapKey encrypts plaintext (a DEK) and returns an envelope safe to
	// persist or hand to a peer core alongside flow metadata.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext in envelope and returns the
	// plaintext DEK.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary
	// wrapping key.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies the KMS is reachable, without performing a
	// real wrap/unwrap.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources (e.g. a KMIP TLS session).
	Close(ctx context.Context) error
}

// KeyEnvelope captures what is needed to unwrap a DEK later.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// MetaKeyVersion labels which wrapping key version protected a flow's DEK,
// carried alongside flow state for key-rotation bookkeeping.
const MetaKeyVersion = "async-crypto-core.key-version"
