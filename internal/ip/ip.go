// Package ip implements the IPv4 header per RFC 791: marshaling,
// parsing, and checksum verification. The send path fills in
// ihl=5/version=4, ttl=64, a monotonically increasing identification
// field, and a checksum computed over the 20-byte header alone.
package ip

import (
	"encoding/binary"
	"errors"

	"lyrekernel/internal/inet"
)

const HeaderLen = 20
const DefaultTTL = 64

/// Header_t is a decoded IPv4 header (options are not supported, as
/// this stack never emits an IHL other than 5).
type Header_t struct {
	TTL      uint8
	Protocol uint8
	ID       uint16
	Src      inet.IPv4_t
	Dest     inet.IPv4_t
	TotalLen uint16 // header + payload
}

/// Marshal renders h plus payload as a checksummed IPv4 packet.
func (h Header_t) Marshal(payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	out[0] = 0x45 // version 4, IHL 5
	out[1] = 0    // DSCP/ECN unused
	binary.BigEndian.PutUint16(out[2:4], uint16(HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(out[4:6], h.ID)
	binary.BigEndian.PutUint16(out[6:8], 0) // flags/fragment offset: no fragmentation
	out[8] = h.TTL
	out[9] = h.Protocol
	binary.BigEndian.PutUint16(out[10:12], 0) // checksum computed below
	copy(out[12:16], h.Src[:])
	copy(out[16:20], h.Dest[:])
	sum := inet.Checksum(out[:HeaderLen])
	binary.BigEndian.PutUint16(out[10:12], sum)
	copy(out[HeaderLen:], payload)
	return out
}

/// Unmarshal parses raw into a Header_t plus its payload, verifying
/// the header checksum.
func Unmarshal(raw []byte) (Header_t, []byte, error) {
	if len(raw) < HeaderLen {
		return Header_t{}, nil, errors.New("ip: packet shorter than a header")
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < HeaderLen || ihl > len(raw) {
		return Header_t{}, nil, errors.New("ip: invalid IHL")
	}
	if inet.Checksum(raw[:ihl]) != 0 {
		return Header_t{}, nil, errors.New("ip: header checksum mismatch")
	}
	var h Header_t
	h.TotalLen = binary.BigEndian.Uint16(raw[2:4])
	h.ID = binary.BigEndian.Uint16(raw[4:6])
	h.TTL = raw[8]
	h.Protocol = raw[9]
	copy(h.Src[:], raw[12:16])
	copy(h.Dest[:], raw[16:20])
	end := int(h.TotalLen)
	if end > len(raw) || end < ihl {
		end = len(raw)
	}
	return h, raw[ihl:end], nil
}
