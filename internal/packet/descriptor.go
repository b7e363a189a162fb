package packet

// State tracks where a packet sits in the parse -> match-action -> deparse
// -> (optional crypto suspend) -> resume -> emit pipeline.
type State int

const (
	// StateFresh is a packet that has just been received and not yet
	// parsed.
	StateFresh State = iota
	// StateParsed has had its headers walked; match-action has not
	// finished yet.
	StateParsed
	// StateSuspended is waiting on a crypto op to complete.
	StateSuspended
	// StateResumed has had its crypto op complete and is ready for
	// deparse/emit.
	StateResumed
	// StateDone has been fully processed and emitted.
	StateDone
	// StateDropped was discarded, e.g. by a crypto failure policy or a
	// parse error.
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateParsed:
		return "parsed"
	case StateSuspended:
		return "suspended"
	case StateResumed:
		return "resumed"
	case StateDone:
		return "done"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Descriptor is the per-packet metadata carried alongside a Buffer. It
// is reused across the packet's lifetime, including across a
// crypto-boundary suspend/resume, so it must never be reallocated
// mid-flight; Reset clears it for reuse from a pool.
type Descriptor struct {
	Buf   *Buffer
	State State

	// CoreID identifies which worker core owns this packet, for
	// diagnostics. The engine does not read it; resumed packets are
	// routed by the batcher that tracked their op.
	CoreID int

	// SeqNum is a monotonically increasing, per-core sequence number
	// assigned at ingest, for diagnostics only -- it carries no ordering
	// guarantee across suspend/resume.
	SeqNum uint64

	// CryptoErr holds the failure reason if the packet's crypto op did
	// not complete with success and the configured failure policy is
	// drop rather than abort.
	CryptoErr error

	// userData lets a pipeline.Callbacks implementation stash
	// protocol-specific parse state (e.g. decoded header fields) between
	// parse and deparse without it living on Descriptor itself.
	userData any
}

// Reset clears a descriptor for reuse, releasing its buffer reference.
// The caller is responsible for returning Buf to its Pool first.
func (d *Descriptor) Reset() {
	d.Buf = nil
	d.State = StateFresh
	d.CoreID = 0
	d.SeqNum = 0
	d.CryptoErr = nil
	d.userData = nil
}

// SetUserData stashes protocol-specific parse state.
func (d *Descriptor) SetUserData(v any) { d.userData = v }

// UserData retrieves protocol-specific parse state set by SetUserData.
func (d *Descriptor) UserData() any { return d.userData }
