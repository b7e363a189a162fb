package keymanager

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipserver"
	"github.com/ovh/kmip-go/kmiptest"
	"github.com/ovh/kmip-go/payloads"
	"github.com/stretchr/testify/require"
)

// fakeKMS answers the three KMIP operations the manager uses, reversibly
// scrambling the payload so wrap/unwrap round-trips are observable.
type fakeKMS struct{}

func (fakeKMS) encrypt(_ context.Context, req *payloads.EncryptRequestPayload) (*payloads.EncryptResponsePayload, error) {
	return &payloads.EncryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             scramble(req.Data),
	}, nil
}

func (fakeKMS) decrypt(_ context.Context, req *payloads.DecryptRequestPayload) (*payloads.DecryptResponsePayload, error) {
	return &payloads.DecryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             scramble(req.Data),
	}, nil
}

func (fakeKMS) get(_ context.Context, req *payloads.GetRequestPayload) (*payloads.GetResponsePayload, error) {
	return &payloads.GetResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		ObjectType:       kmip.ObjectTypeSymmetricKey,
	}, nil
}

func scramble(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0x3a
	}
	return out
}

func startFakeKMS(t *testing.T) (string, *tls.Config) {
	t.Helper()
	exec := kmipserver.NewBatchExecutor()
	kms := fakeKMS{}
	exec.Route(kmip.OperationEncrypt, kmipserver.HandleFunc(kms.encrypt))
	exec.Route(kmip.OperationDecrypt, kmipserver.HandleFunc(kms.decrypt))
	exec.Route(kmip.OperationGet, kmipserver.HandleFunc(kms.get))

	addr, ca := kmiptest.NewServer(t, exec)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM([]byte(ca)))
	return addr, &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}
}

func TestCosmianKMIPWrapUnwrap(t *testing.T) {
	addr, tlsCfg := startFakeKMS(t)

	mgr, err := NewCosmianKMIPManager(CosmianKMIPOptions{
		Endpoint:       addr,
		TLSConfig:      tlsCfg,
		Timeout:        time.Second,
		Keys:           []KMIPKeyReference{{ID: "dek-wrapping-key", Version: 3}},
		Provider:       "kmip-under-test",
		DualReadWindow: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	dek := []byte("thirty-two-byte-flow-session-key")
	env, err := mgr.WrapKey(context.Background(), dek, nil)
	require.NoError(t, err)
	require.Equal(t, "dek-wrapping-key", env.KeyID)
	require.Equal(t, 3, env.KeyVersion)
	require.Equal(t, "kmip-under-test", env.Provider)
	require.NotEqual(t, dek, env.Ciphertext)

	got, err := mgr.UnwrapKey(context.Background(), env, nil)
	require.NoError(t, err)
	require.Equal(t, dek, got)

	// A rotated-away envelope that only recorded its version must still
	// resolve through the version fallback.
	env.KeyID = ""
	got, err = mgr.UnwrapKey(context.Background(), env, nil)
	require.NoError(t, err)
	require.Equal(t, dek, got)

	version, err := mgr.ActiveKeyVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, version)
}

func TestCosmianKMIPDualReadWindowRejectsStaleVersions(t *testing.T) {
	addr, tlsCfg := startFakeKMS(t)

	mgr, err := NewCosmianKMIPManager(CosmianKMIPOptions{
		Endpoint:  addr,
		TLSConfig: tlsCfg,
		Keys: []KMIPKeyReference{
			{ID: "wrap-v1", Version: 1},
			{ID: "wrap-v4", Version: 4},
		},
		DualReadWindow: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	stale := &KeyEnvelope{KeyID: "wrap-v1", KeyVersion: 1, Ciphertext: []byte("x")}
	_, err = mgr.UnwrapKey(context.Background(), stale, nil)
	require.ErrorContains(t, err, "dual-read window")
}

func TestCosmianKMIPValidatesOptions(t *testing.T) {
	_, err := NewCosmianKMIPManager(CosmianKMIPOptions{})
	require.Error(t, err)

	_, err = NewCosmianKMIPManager(CosmianKMIPOptions{Endpoint: "localhost:5696"})
	require.ErrorContains(t, err, "wrapping key")
}
