package aesgcm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
)

func testKeyResolver(keyID string) ([]byte, error) {
	return make([]byte, 32), nil
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	d := NewDevice(CipherAESGCM, testKeyResolver, 4, 2)
	defer d.Close()

	descs, err := d.BulkAlloc(1)
	require.NoError(t, err)
	accepted, err := d.EnqueueBurst(descs, []cryptodev.Request{
		{Op: cryptodev.OpEncrypt, KeyID: "k1", Data: []byte("hello world"), Token: 1},
	})
	require.NoError(t, err)
	require.Equal(t, 1, accepted)

	var encrypted cryptodev.Completion
	require.Eventually(t, func() bool {
		out, err := d.DequeueBurst(8)
		require.NoError(t, err)
		if len(out) == 1 {
			encrypted = out[0]
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, cryptodev.StatusSuccess, encrypted.Status)
	assert.NotEqual(t, "hello world", string(encrypted.Output))

	descs2, err := d.BulkAlloc(1)
	require.NoError(t, err)
	_, err = d.EnqueueBurst(descs2, []cryptodev.Request{
		{Op: cryptodev.OpDecrypt, KeyID: "k1", Data: encrypted.Output, Token: 2},
	})
	require.NoError(t, err)

	var decrypted cryptodev.Completion
	require.Eventually(t, func() bool {
		out, err := d.DequeueBurst(8)
		require.NoError(t, err)
		if len(out) == 1 {
			decrypted = out[0]
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, cryptodev.StatusSuccess, decrypted.Status)
	assert.Equal(t, "hello world", string(decrypted.Output))
}

// A nonzero offset marks a leading header region the device passes through
// unchanged while transforming the rest.
func TestOffsetSkipsHeaderRegion(t *testing.T) {
	d := NewDevice(CipherAESGCM, testKeyResolver, 2, 1)
	defer d.Close()

	payload := []byte("hdr!secret body bytes")
	descs, err := d.BulkAlloc(1)
	require.NoError(t, err)
	_, err = d.EnqueueBurst(descs, []cryptodev.Request{
		{Op: cryptodev.OpEncrypt, KeyID: "k1", Data: payload, Offset: 4, Token: 3},
	})
	require.NoError(t, err)

	var enc cryptodev.Completion
	require.Eventually(t, func() bool {
		out, _ := d.DequeueBurst(4)
		if len(out) == 1 {
			enc = out[0]
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, cryptodev.StatusSuccess, enc.Status)
	assert.Equal(t, payload[:4], enc.Output[:4])
	assert.NotEqual(t, payload[4:], enc.Output[4:])

	descs2, err := d.BulkAlloc(1)
	require.NoError(t, err)
	_, err = d.EnqueueBurst(descs2, []cryptodev.Request{
		{Op: cryptodev.OpDecrypt, KeyID: "k1", Data: enc.Output, Offset: 4, Token: 4},
	})
	require.NoError(t, err)

	var dec cryptodev.Completion
	require.Eventually(t, func() bool {
		out, _ := d.DequeueBurst(4)
		if len(out) == 1 {
			dec = out[0]
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, cryptodev.StatusSuccess, dec.Status)
	assert.Equal(t, payload, dec.Output)
}

func TestBulkAllocExhaustion(t *testing.T) {
	d := NewDevice(CipherAESGCM, testKeyResolver, 2, 1)
	defer d.Close()

	_, err := d.BulkAlloc(2)
	require.NoError(t, err)
	_, err = d.BulkAlloc(1)
	assert.ErrorIs(t, err, cryptodev.ErrDescriptorsExhausted)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	d := NewDevice(CipherAESGCM, testKeyResolver, 2, 1)
	defer d.Close()

	descs, _ := d.BulkAlloc(1)
	garbage := make([]byte, 28)
	_, err := d.EnqueueBurst(descs, []cryptodev.Request{
		{Op: cryptodev.OpDecrypt, KeyID: "k1", Data: garbage, Token: 9},
	})
	require.NoError(t, err)

	var c cryptodev.Completion
	require.Eventually(t, func() bool {
		out, _ := d.DequeueBurst(8)
		if len(out) == 1 {
			c = out[0]
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, cryptodev.StatusAuthFailed, c.Status)
}
