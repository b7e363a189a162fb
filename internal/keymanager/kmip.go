package keymanager

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipclient"
)

// KMIPKeyReference names one wrapping key version known to the KMS.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint  string
	TLSConfig *tls.Config
	// Timeout bounds each KMIP round trip. Zero means no per-call
	// deadline beyond the caller's own context.
	Timeout time.Duration
	Keys    []KMIPKeyReference
	// Provider is the diagnostics label returned from Provider() and
	// stamped onto every KeyEnvelope.
	Provider string
	// DualReadWindow is how many key versions older than the active one
	// UnwrapKey will still accept, to cover in-flight flows during a key
	// rotation. 0 disables the check.
	DualReadWindow int
}

// CosmianKMIPManager wraps/unwraps DEKs via a Cosmian KMIP server using
// the Encrypt/Decrypt/Get KMIP operations over a symmetric wrapping key
// that never leaves the KMS.
type CosmianKMIPManager struct {
	client   *kmipclient.Client
	timeout  time.Duration
	provider string
	window   int

	mu   sync.RWMutex
	keys []KMIPKeyReference
}

// NewCosmianKMIPManager dials the configured KMIP endpoint and returns a
// ready-to-use manager.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("keymanager: kmip endpoint required")
	}
	if len(opts.Keys) == 0 {
		return nil, errors.New("keymanager: at least one wrapping key reference required")
	}
	provider := opts.Provider
	if provider == "" {
		provider = "cosmian-kmip"
	}

	dialOpts := []kmipclient.Option{}
	if opts.TLSConfig != nil {
		dialOpts = append(dialOpts, kmipclient.WithTlsConfig(opts.TLSConfig))
	}
	client, err := kmipclient.Dial(opts.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("keymanager: dial kmip endpoint %s: %w", opts.Endpoint, err)
	}

	return &CosmianKMIPManager{
		client:   client,
		timeout:  opts.Timeout,
		keys:     append([]KMIPKeyReference(nil), opts.Keys...),
		provider: provider,
		window:   opts.DualReadWindow,
	}, nil
}

func (m *CosmianKMIPManager) Provider() string { return m.provider }

func (m *CosmianKMIPManager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *CosmianKMIPManager) activeKey() KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := m.keys[0]
	for _, k := range m.keys[1:] {
		if k.Version > best.Version {
			best = k
		}
	}
	return best
}

func (m *CosmianKMIPManager) keyByVersion(version int) (KMIPKeyReference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.Version == version {
			return k, true
		}
	}
	return KMIPKeyReference{}, false
}

func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	active := m.activeKey()
	resp, err := m.client.Encrypt(active.ID).Data(plaintext).ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("keymanager: kmip encrypt: %w", err)
	}
	return &KeyEnvelope{
		KeyID:      active.ID,
		KeyVersion: active.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	if envelope == nil {
		return nil, errors.New("keymanager: nil envelope")
	}

	keyID := envelope.KeyID
	if keyID == "" {
		// Fallback path: some callers only persist the key version, not
		// the KMIP unique identifier, across a rotation.
		ref, ok := m.keyByVersion(envelope.KeyVersion)
		if !ok {
			return nil, fmt.Errorf("keymanager: no wrapping key known for version %d", envelope.KeyVersion)
		}
		keyID = ref.ID
	}

	if m.window > 0 {
		active := m.activeKey()
		if active.Version-envelope.KeyVersion > m.window {
			return nil, fmt.Errorf("keymanager: key version %d outside dual-read window", envelope.KeyVersion)
		}
	}

	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	resp, err := m.client.Decrypt(keyID).Data(envelope.Ciphertext).ExecContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("keymanager: kmip decrypt: %w", err)
	}
	return resp.Data, nil
}

func (m *CosmianKMIPManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	return m.activeKey().Version, nil
}

func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := m.opCtx(ctx)
	defer cancel()

	active := m.activeKey()
	resp, err := m.client.Get(active.ID).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("keymanager: kmip health check: %w", err)
	}
	if resp.ObjectType != kmip.ObjectTypeSymmetricKey {
		return fmt.Errorf("keymanager: unexpected wrapping key object type %v", resp.ObjectType)
	}
	return nil
}

func (m *CosmianKMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}
