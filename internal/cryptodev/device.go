// Package cryptodev defines the crypto-accelerator boundary: bulk
// descriptor allocation, burst enqueue, and burst dequeue.
package cryptodev

import "errors"

// Status is the outcome of a completed crypto op.
type Status int

const (
	StatusSuccess Status = iota
	StatusAuthFailed
	StatusDeviceError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAuthFailed:
		return "auth_failed"
	case StatusDeviceError:
		return "device_error"
	default:
		return "unknown"
	}
}

// ErrDescriptorsExhausted is returned by BulkAlloc when the device has no
// free descriptors left. Exhaustion here is fatal for the calling core --
// not recoverable by retrying later within the same tick.
var ErrDescriptorsExhausted = errors.New("cryptodev: descriptor pool exhausted")

// Request is one unit of work submitted to a Device: encrypt or decrypt
// Plaintext/Ciphertext under KeyID, with AAD bound in but not transformed.
type Request struct {
	Op    Op
	KeyID string
	AAD   []byte
	// Data is the input bytes (plaintext for OpEncrypt, ciphertext for
	// OpDecrypt, the latter including any trailing auth tag). Devices do
	// not modify Data; the transformed bytes come back in
	// Completion.Output.
	Data []byte
	// Offset is the number of leading bytes in Data the device must skip
	// and pass through unchanged -- a header region (e.g. a protocol tag)
	// that sits before the transform region. 0 means the whole of Data is
	// transformed, which is correct for callers with no header to skip.
	Offset int

	// Token correlates a submitted Request with its Completion; it is
	// opaque to Device and round-tripped unchanged.
	Token uint64
}

// Op mirrors pipeline.CryptoOp without importing the pipeline package, to
// keep cryptodev dependency-free of the higher-level pipeline contract.
type Op int

const (
	OpEncrypt Op = iota
	OpDecrypt
)

// Completion is the result of one Request after a device drains it.
type Completion struct {
	Token  uint64
	Status Status
	Output []byte
	Err    error
}

// Descriptor is an opaque per-op device resource obtained via BulkAlloc and
// consumed by EnqueueBurst; its concrete shape is device-specific.
type Descriptor interface{}

// Device is the crypto accelerator boundary a Batcher drives. Bulk
// allocation, enqueue, and dequeue are all burst-oriented because that is
// the only way real crypto accelerators amortize per-op overhead.
type Device interface {
	// BulkAlloc reserves n descriptors for upcoming requests. Returns
	// ErrDescriptorsExhausted if fewer than n are available; the device
	// commits to none being held back if it returns that error.
	BulkAlloc(n int) ([]Descriptor, error)

	// EnqueueBurst submits reqs paired 1:1 with descs (len(reqs) must
	// equal len(descs)) and returns how many were actually accepted.
	// Partial enqueue is not an error: the caller retries the remainder
	// on open a subsequent tick.
	EnqueueBurst(descs []Descriptor, reqs []Request) (accepted int, err error)

	// DequeueBurst drains up to max completed ops. It may return fewer
	// than max, including zero, with no error.
	DequeueBurst(max int) ([]Completion, error)

	// Close releases any device-held resources.
	Close() error
}
