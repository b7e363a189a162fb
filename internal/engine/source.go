package engine

import "github.com/t4p4s-go/async-crypto-core/internal/packet"

// ChannelSource adapts a buffered Go channel to the Source interface, the
// in-process stand-in for a NIC RX queue: something upstream (a UDP
// listener, a test generator, a pcap replay) pushes descriptors onto Packets
// and the worker drains them one per Tick.
type ChannelSource struct {
	Packets chan *packet.Descriptor
}

// NewChannelSource creates a ChannelSource with the given channel capacity.
func NewChannelSource(capacity int) *ChannelSource {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ChannelSource{Packets: make(chan *packet.Descriptor, capacity)}
}

// Receive implements Source: a non-blocking poll of the channel.
func (s *ChannelSource) Receive() (*packet.Descriptor, bool) {
	select {
	case d := <-s.Packets:
		return d, true
	default:
		return nil, false
	}
}

// Push enqueues d for a future Receive, returning false if the channel is
// full; the caller should count this as a drop at its own boundary.
func (s *ChannelSource) Push(d *packet.Descriptor) bool {
	select {
	case s.Packets <- d:
		return true
	default:
		return false
	}
}
