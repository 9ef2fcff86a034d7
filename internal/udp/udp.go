// Package udp implements the UDP datagram header per RFC 768 and the
// kernel-wide ephemeral port allocator: a set of in-use ports scanned
// lowest-first over the IANA ephemeral range under a single lock.
package udp

import (
	"encoding/binary"
	"errors"
	"sync"

	"lyrekernel/internal/inet"
)

const HeaderLen = 8

const (
	PortRangeStart = 49152
	PortRangeEnd   = 65535
)

/// Header_t is a decoded UDP header.
type Header_t struct {
	SrcPort, DestPort uint16
}

/// Marshal renders h plus payload as a UDP datagram. The checksum
/// field is emitted as 0 (RFC 768's "no checksum"); src and dst are
/// not used in the encoding.
func (h Header_t) Marshal(src, dst inet.IPv4_t, payload []byte) []byte {
	length := HeaderLen + len(payload)
	out := make([]byte, length)
	binary.BigEndian.PutUint16(out[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(out[2:4], h.DestPort)
	binary.BigEndian.PutUint16(out[4:6], uint16(length))
	binary.BigEndian.PutUint16(out[6:8], 0)
	copy(out[8:], payload)
	return out
}

func Unmarshal(raw []byte) (Header_t, []byte, error) {
	if len(raw) < HeaderLen {
		return Header_t{}, nil, errors.New("udp: datagram too short")
	}
	var h Header_t
	h.SrcPort = binary.BigEndian.Uint16(raw[0:2])
	h.DestPort = binary.BigEndian.Uint16(raw[2:4])
	length := int(binary.BigEndian.Uint16(raw[4:6]))
	if length < HeaderLen || length > len(raw) {
		length = len(raw)
	}
	return h, raw[HeaderLen:length], nil
}

/// PortAllocator_t hands out unique ephemeral ports, the lowest free
/// port in the range first; one instance is shared per network
/// namespace (here, per netdev.Adapter_t).
type PortAllocator_t struct {
	mu     sync.Mutex
	inUse  map[uint16]bool
}

func NewPortAllocator() *PortAllocator_t {
	return &PortAllocator_t{inUse: map[uint16]bool{}}
}

/// Alloc returns an unused port in the ephemeral range, or 0 if the
/// range is exhausted.
func (a *PortAllocator_t) Alloc() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := PortRangeStart; p <= PortRangeEnd; p++ {
		if !a.inUse[uint16(p)] {
			a.inUse[uint16(p)] = true
			return uint16(p)
		}
	}
	return 0
}

/// Reserve marks port as used, for an explicit bind() to a specific
/// port rather than an ephemeral allocation.
func (a *PortAllocator_t) Reserve(port uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inUse[port] {
		return false
	}
	a.inUse[port] = true
	return true
}

func (a *PortAllocator_t) Release(port uint16) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}
