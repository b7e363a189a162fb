// Package pipeline defines the parse -> match-action -> deparse contract a
// worker core drives around the crypto-suspend boundary.
package pipeline

import "github.com/t4p4s-go/async-crypto-core/internal/packet"

// AsyncOps is the crypto-suspension primitive a worker core hands to
// MatchAction for the lifetime of one packet. DoAsyncOp submits req,
// blocks the caller until the device completes it (by parking the
// packet's fiber goroutine, or by spin-waiting on the blocking
// fallback), writes the resulting bytes back into the packet's buffer,
// and reports any failure. It may be called more than once per packet:
// each call is an independent suspend/resume round trip, which is what
// lets a control block chain ops (e.g. decrypt then re-encrypt under a
// different key).
type AsyncOps interface {
	DoAsyncOp(req CryptoRequest) error
}

// Callbacks is implemented by a concrete protocol pipeline (e.g. a P4
// program's generated control block). A worker core calls these in
// sequence for every packet; Parse and Deparse run before and after any
// crypto suspension(s) respectively.
type Callbacks interface {
	// InitHeaders resets any protocol-specific parse state attached to d
	// before Parse runs. Called once per fresh packet.
	InitHeaders(d *packet.Descriptor)

	// Parse walks d.Buf's headers, consuming bytes via d.Buf.Adj and
	// recording decoded fields via d.SetUserData. Returning an error
	// drops the packet without attempting match-action.
	Parse(d *packet.Descriptor) error

	// MatchAction applies the control block's table lookups/actions. It
	// may call async.DoAsyncOp zero, one, or more times to cross the
	// crypto boundary before returning; returning an error drops the
	// packet without calling Deparse.
	MatchAction(d *packet.Descriptor, async AsyncOps) error

	// Deparse writes any headers back onto d.Buf via Prepend/Append ahead
	// of emission. Called after MatchAction (and after any crypto
	// completions it requested).
	Deparse(d *packet.Descriptor) error

	// EmitPacket hands the fully deparsed packet to the output port. The
	// implementation owns what "port" means (a NIC queue, a test sink).
	EmitPacket(d *packet.Descriptor) error
}

// CryptoOp names the operation a CryptoRequest asks the device to perform.
type CryptoOp int

const (
	OpEncrypt CryptoOp = iota
	OpDecrypt
)

// CryptoRequest is what MatchAction passes to AsyncOps.DoAsyncOp when a
// packet must cross the crypto boundary before deparse.
type CryptoRequest struct {
	Op    CryptoOp
	KeyID string
	// AAD is additional authenticated data passed to the AEAD cipher,
	// e.g. a sequence number or packet header fields that must not be
	// encrypted but must be integrity protected.
	AAD []byte
	// Offset is the number of leading payload bytes the device passes
	// through untransformed (a header region ahead of the encrypted
	// body). Leave 0 to transform the whole payload.
	Offset int
}

// Passthrough is a reference Callbacks implementation with no real
// protocol: it treats the whole buffer as opaque payload and requests an
// encrypt op on every packet. Used by cmd/dataplane.
type Passthrough struct {
	KeyID string
}

func (p *Passthrough) InitHeaders(d *packet.Descriptor) { d.SetUserData(nil) }

func (p *Passthrough) Parse(d *packet.Descriptor) error { return nil }

func (p *Passthrough) MatchAction(d *packet.Descriptor, async AsyncOps) error {
	return async.DoAsyncOp(CryptoRequest{Op: OpEncrypt, KeyID: p.KeyID})
}

func (p *Passthrough) Deparse(d *packet.Descriptor) error { return nil }

func (p *Passthrough) EmitPacket(d *packet.Descriptor) error { return nil }
