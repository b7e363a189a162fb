// Package aesgcm implements a real cryptodev.Device backed by AEAD
// ciphers: AES-GCM (accelerated by AES-NI/ARMv8 AES when available) or,
// selectable per device, ChaCha20-Poly1305 for platforms without AES
// hardware support. Concurrency is bounded by a worker-pool semaphore so
// descriptor capacity doubles as the device's in-flight ceiling.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
)

// Cipher selects the AEAD construction a Device uses.
type Cipher int

const (
	CipherAESGCM Cipher = iota
	CipherChaCha20Poly1305
)

// KeyResolver fetches the raw symmetric key bytes for a KeyID.
type KeyResolver func(keyID string) ([]byte, error)

type slot struct{}

// Device is a cryptodev.Device that performs real AEAD encryption/
// decryption. Capacity bounds how many descriptors (and thus how much
// concurrency) may be in flight at once.
type Device struct {
	cipher   Cipher
	resolve  KeyResolver
	capacity int

	slots chan slot
	jobs  chan job

	mu   sync.Mutex
	done []cryptodev.Completion

	workers sync.WaitGroup
	closeCh chan struct{}
}

type job struct {
	req cryptodev.Request
}

// NewDevice creates a real AEAD-backed device with the given descriptor
// capacity and worker concurrency.
func NewDevice(c Cipher, resolve KeyResolver, capacity, workers int) *Device {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 4
	}
	d := &Device{
		cipher:   c,
		resolve:  resolve,
		capacity: capacity,
		slots:    make(chan slot, capacity),
		jobs:     make(chan job, capacity),
		closeCh:  make(chan struct{}),
	}
	for i := 0; i < capacity; i++ {
		d.slots <- slot{}
	}
	for i := 0; i < workers; i++ {
		d.workers.Add(1)
		go d.worker()
	}
	return d
}

func (d *Device) aead(key []byte) (cipher.AEAD, error) {
	switch d.cipher {
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
}

func (d *Device) worker() {
	defer d.workers.Done()
	for {
		select {
		case <-d.closeCh:
			return
		case j, ok := <-d.jobs:
			if !ok {
				return
			}
			c := d.process(j.req)
			d.mu.Lock()
			d.done = append(d.done, c)
			d.mu.Unlock()
			d.slots <- slot{}
		}
	}
}

func (d *Device) process(req cryptodev.Request) cryptodev.Completion {
	key, err := d.resolve(req.KeyID)
	if err != nil {
		return cryptodev.Completion{Token: req.Token, Status: cryptodev.StatusDeviceError, Err: err}
	}
	aead, err := d.aead(key)
	if err != nil {
		return cryptodev.Completion{Token: req.Token, Status: cryptodev.StatusDeviceError, Err: err}
	}

	offset := req.Offset
	if offset < 0 || offset > len(req.Data) {
		return cryptodev.Completion{Token: req.Token, Status: cryptodev.StatusDeviceError,
			Err: fmt.Errorf("aesgcm: offset %d out of range for %d-byte input", offset, len(req.Data))}
	}
	header, body := req.Data[:offset], req.Data[offset:]

	if req.Op == cryptodev.OpEncrypt {
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return cryptodev.Completion{Token: req.Token, Status: cryptodev.StatusDeviceError, Err: err}
		}
		sealed := aead.Seal(nonce, nonce, body, req.AAD)
		out := append(append([]byte(nil), header...), sealed...)
		return cryptodev.Completion{Token: req.Token, Status: cryptodev.StatusSuccess, Output: out}
	}

	ns := aead.NonceSize()
	if len(body) < ns {
		return cryptodev.Completion{Token: req.Token, Status: cryptodev.StatusAuthFailed,
			Err: fmt.Errorf("aesgcm: ciphertext shorter than nonce")}
	}
	nonce, ct := body[:ns], body[ns:]
	opened, err := aead.Open(nil, nonce, ct, req.AAD)
	if err != nil {
		return cryptodev.Completion{Token: req.Token, Status: cryptodev.StatusAuthFailed, Err: err}
	}
	out := append(append([]byte(nil), header...), opened...)
	return cryptodev.Completion{Token: req.Token, Status: cryptodev.StatusSuccess, Output: out}
}

// BulkAlloc reserves n descriptor slots.
func (d *Device) BulkAlloc(n int) ([]cryptodev.Descriptor, error) {
	taken := make([]cryptodev.Descriptor, 0, n)
	for i := 0; i < n; i++ {
		select {
		case s := <-d.slots:
			taken = append(taken, s)
		default:
			for _, s := range taken {
				d.slots <- s.(slot)
			}
			return nil, cryptodev.ErrDescriptorsExhausted
		}
	}
	return taken, nil
}

// EnqueueBurst submits reqs for processing. Descriptors are consumed by
// the in-flight job and returned to the pool by the worker on completion.
func (d *Device) EnqueueBurst(descs []cryptodev.Descriptor, reqs []cryptodev.Request) (int, error) {
	if len(descs) != len(reqs) {
		return 0, fmt.Errorf("aesgcm: descriptor/request count mismatch: %d vs %d", len(descs), len(reqs))
	}
	accepted := 0
	for i, req := range reqs {
		select {
		case d.jobs <- job{req: req}:
			accepted++
		default:
			// queue full: return the unconsumed descriptor to the pool
			// and stop; caller retries the remainder next tick.
			d.slots <- descs[i].(slot)
			return accepted, nil
		}
	}
	return accepted, nil
}

// DequeueBurst drains up to max completed ops.
func (d *Device) DequeueBurst(max int) ([]cryptodev.Completion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if max > len(d.done) {
		max = len(d.done)
	}
	out := append([]cryptodev.Completion(nil), d.done[:max]...)
	d.done = d.done[max:]
	return out, nil
}

// Close stops all workers.
func (d *Device) Close() error {
	close(d.closeCh)
	close(d.jobs)
	d.workers.Wait()
	return nil
}
