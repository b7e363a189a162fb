package keymanager

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
)

// InMemory is a KeyManager that wraps DEKs with a local AES-GCM master key
// held in process memory. It exists for tests and for the load generator;
// production deployments should wrap flow keys with an external KMS (see
// kmip.go) instead.
type InMemory struct {
	mu        sync.RWMutex
	masterKey []byte
	version   int
}

// NewInMemory creates an InMemory key manager with a freshly generated
// 256-bit master key.
func NewInMemory() (*InMemory, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keymanager: generate master key: %w", err)
	}
	return &InMemory{masterKey: key, version: 1}, nil
}

func (m *InMemory) Provider() string { return "in-memory" }

func (m *InMemory) aead() (cipher.AEAD, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	block, err := aes.NewCipher(m.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (m *InMemory) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	aead, err := m.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nonce, nonce, plaintext, nil)

	m.mu.RLock()
	version := m.version
	m.mu.RUnlock()

	return &KeyEnvelope{
		KeyID:      metadata["key_id"],
		KeyVersion: version,
		Provider:   m.Provider(),
		Ciphertext: ct,
	}, nil
}

func (m *InMemory) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	if envelope == nil {
		return nil, errors.New("keymanager: nil envelope")
	}
	aead, err := m.aead()
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(envelope.Ciphertext) < ns {
		return nil, errors.New("keymanager: envelope ciphertext too short")
	}
	nonce, ct := envelope.Ciphertext[:ns], envelope.Ciphertext[ns:]
	return aead.Open(nil, nonce, ct, nil)
}

func (m *InMemory) ActiveKeyVersion(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

func (m *InMemory) HealthCheck(ctx context.Context) error { return nil }

func (m *InMemory) Close(ctx context.Context) error { return nil }
