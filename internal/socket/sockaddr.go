// Package socket implements the BSD socket operation table
// (fdops.Sock_i) over UDP, TCP, and UNIX-domain transports: every
// socket syscall dispatches through one Sock_i instance, selected by
// the (family, type) pair at socket(2) time.
package socket

import (
	"encoding/binary"
	"errors"

	"lyrekernel/internal/inet"
)

// Address family constants.
const (
	AF_UNIX = 1
	AF_INET = 2
)

// Socket type constants.
const (
	SOCK_STREAM = 1
	SOCK_DGRAM  = 2
)

// Option levels and names handled by Getsockopt/Setsockopt: the
// SOL_SOCKET base handler shared by every family, plus the one
// IPPROTO_TCP option the TCP socket honors.
const (
	SOL_SOCKET   = 1
	SO_BROADCAST = 6

	IPPROTO_TCP = 6
	TCP_MAXSEG  = 2
)

// MSG_DONTWAIT makes a single Recvmsg non-blocking. Either it or the
// description's O_NONBLOCK status flag causes non-blocking behavior
// for that call; the two are deliberately interchangeable.
const MSG_DONTWAIT = 0x40

/// SockaddrIn_t is a decoded sockaddr_in (AF_INET).
type SockaddrIn_t struct {
	Port uint16
	IP   inet.IPv4_t
}

/// Marshal renders a 16-byte struct sockaddr_in-shaped buffer: family
/// (2 bytes, little-endian per the host's struct sockaddr convention),
/// port (2 bytes, network/big-endian), address (4 bytes), padding.
func (s SockaddrIn_t) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:2], AF_INET)
	binary.BigEndian.PutUint16(buf[2:4], s.Port)
	copy(buf[4:8], s.IP[:])
	return buf
}

func UnmarshalSockaddrIn(buf []byte) (SockaddrIn_t, error) {
	if len(buf) < 8 {
		return SockaddrIn_t{}, errors.New("socket: sockaddr_in too short")
	}
	family := binary.LittleEndian.Uint16(buf[0:2])
	if family != AF_INET {
		return SockaddrIn_t{}, errors.New("socket: not an AF_INET address")
	}
	var s SockaddrIn_t
	s.Port = binary.BigEndian.Uint16(buf[2:4])
	copy(s.IP[:], buf[4:8])
	return s, nil
}

/// SockaddrUn_t is a decoded sockaddr_un (AF_UNIX): a filesystem path
/// naming the socket.
type SockaddrUn_t struct {
	Path string
}

func (s SockaddrUn_t) Marshal() []byte {
	buf := make([]byte, 2+len(s.Path)+1)
	binary.LittleEndian.PutUint16(buf[0:2], AF_UNIX)
	copy(buf[2:], s.Path)
	return buf
}

func UnmarshalSockaddrUn(buf []byte) (SockaddrUn_t, error) {
	if len(buf) < 2 {
		return SockaddrUn_t{}, errors.New("socket: sockaddr_un too short")
	}
	family := binary.LittleEndian.Uint16(buf[0:2])
	if family != AF_UNIX {
		return SockaddrUn_t{}, errors.New("socket: not an AF_UNIX address")
	}
	path := buf[2:]
	for i, b := range path {
		if b == 0 {
			path = path[:i]
			break
		}
	}
	return SockaddrUn_t{Path: string(path)}, nil
}
