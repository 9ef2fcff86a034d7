// Package inet defines the wire-level primitives shared by every
// protocol in the network stack: MAC/IPv4 address types, the Ethernet
// frame envelope, and the Internet checksum. Go gives no on-the-wire
// struct layout guarantee, so wire formats are explicit
// Marshal/Unmarshal methods, never unsafe struct casts over a packet
// buffer.
package inet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/// MAC_t is a 6-byte Ethernet hardware address.
type MAC_t [6]byte

func (m MAC_t) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

/// Broadcast is the all-ones Ethernet broadcast address.
var Broadcast = MAC_t{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

/// Zero is the unset "don't know yet" hardware address ARP requests
/// fill into the destination field before resolution, matching
/// ARP's loopback shortcut.
var Zero MAC_t

/// IPv4_t is a 4-byte IPv4 address in network byte order (data[0] is
/// the first octet).
type IPv4_t [4]byte

func (ip IPv4_t) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

/// Uint32 returns ip as a big-endian uint32; subnet math uses this
/// form.
func (ip IPv4_t) Uint32() uint32 { return binary.BigEndian.Uint32(ip[:]) }

func IPv4FromUint32(v uint32) IPv4_t {
	var ip IPv4_t
	binary.BigEndian.PutUint32(ip[:], v)
	return ip
}

/// IPv4 builds an address from four octets, matching the NET_IP macro.
func IPv4(a, b, c, d byte) IPv4_t { return IPv4_t{a, b, c, d} }

var Loopback = IPv4(127, 0, 0, 1)
var Broadcast4 = IPv4(255, 255, 255, 255)

// EtherType values carried in an Ethernet frame's type field.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// IP protocol numbers carried in an IPv4 header's protocol field.
const (
	ProtoICMP uint8 = 0x01
	ProtoTCP  uint8 = 0x06
	ProtoUDP  uint8 = 0x11
)

const EthHeaderLen = 14

/// Frame_t is a decoded Ethernet II frame.
type Frame_t struct {
	Dest, Src MAC_t
	Type      uint16
	Payload   []byte
}

/// Marshal renders f as wire bytes: 6-byte dest, 6-byte src, 2-byte
/// type, then payload.
func (f Frame_t) Marshal() []byte {
	out := make([]byte, EthHeaderLen+len(f.Payload))
	copy(out[0:6], f.Dest[:])
	copy(out[6:12], f.Src[:])
	binary.BigEndian.PutUint16(out[12:14], f.Type)
	copy(out[14:], f.Payload)
	return out
}

/// UnmarshalFrame parses a raw Ethernet frame.
func UnmarshalFrame(raw []byte) (Frame_t, error) {
	if len(raw) < EthHeaderLen {
		return Frame_t{}, errors.New("inet: ethernet frame too short")
	}
	var f Frame_t
	copy(f.Dest[:], raw[0:6])
	copy(f.Src[:], raw[6:12])
	f.Type = binary.BigEndian.Uint16(raw[12:14])
	f.Payload = raw[14:]
	return f, nil
}

/// Checksum computes the one's-complement Internet checksum (RFC
/// 1071): sum 16-bit words, fold the carries, complement.
func Checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
