package keymanager

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
)

// Resolver bridges a KeyManager to the raw-key-by-ID lookup a
// cryptodev.Device needs. The first time a flow's KeyID is seen, a fresh
// DEK is generated and wrapped through the KeyManager (so the KMS audit
// trail and rotation bookkeeping see it); the plaintext is then cached
// in memory for the lifetime of the flow.
type Resolver struct {
	mgr KeyManager
	ctx context.Context

	mu       sync.RWMutex
	dek      map[string][]byte
	envelope map[string]*KeyEnvelope
}

// NewResolver creates a Resolver backed by mgr. ctx is used for the
// manager calls made during key generation; it should outlive the
// resolver's use (typically context.Background(), not a per-packet
// context).
func NewResolver(ctx context.Context, mgr KeyManager) *Resolver {
	return &Resolver{
		mgr:      mgr,
		ctx:      ctx,
		dek:      make(map[string][]byte),
		envelope: make(map[string]*KeyEnvelope),
	}
}

// Resolve returns the raw DEK bytes for keyID, generating and wrapping a
// new one on first use. Its signature matches aesgcm.KeyResolver without
// importing that package, keeping keymanager independent of the device
// implementation.
func (r *Resolver) Resolve(keyID string) ([]byte, error) {
	r.mu.RLock()
	if dek, ok := r.dek[keyID]; ok {
		r.mu.RUnlock()
		return dek, nil
	}
	r.mu.RUnlock()

	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("keymanager: generate dek for %s: %w", keyID, err)
	}
	env, err := r.mgr.WrapKey(r.ctx, dek, map[string]string{"key_id": keyID})
	if err != nil {
		return nil, fmt.Errorf("keymanager: wrap dek for %s: %w", keyID, err)
	}

	r.mu.Lock()
	r.dek[keyID] = dek
	r.envelope[keyID] = env
	r.mu.Unlock()

	return dek, nil
}

// Envelope returns the wrapped envelope recorded for keyID, if any key has
// been resolved for it yet.
func (r *Resolver) Envelope(keyID string) (*KeyEnvelope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.envelope[keyID]
	return env, ok
}

// Forget drops the cached DEK for keyID, e.g. after a flow closes, so its
// key material does not linger in the resolver's cache.
func (r *Resolver) Forget(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dek, keyID)
	delete(r.envelope, keyID)
}
