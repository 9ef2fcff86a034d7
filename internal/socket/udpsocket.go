package socket

import (
	"context"
	"sync"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/event"
	"lyrekernel/internal/fdops"
	"lyrekernel/internal/inet"
	"lyrekernel/internal/netdev"
	"lyrekernel/internal/udp"
)

type dgram struct {
	src     inet.IPv4_t
	srcPort uint16
	payload []byte
}

/// UDPSocket_t implements fdops.Sock_i over one netdev.Adapter_t:
/// datagrams queue behind an event, ports come from the adapter's
/// allocator.
type UDPSocket_t struct {
	mu      sync.Mutex
	adapter *netdev.Adapter_t
	port    uint16
	bound   bool

	// connect(2) on a datagram socket records a default peer and
	// nothing else; no protocol state changes hands.
	connected bool
	peer      SockaddrIn_t

	canbroadcast bool

	queue      []dgram
	queueEvent event.Event_t

	closed bool
}

func NewUDP(adapter *netdev.Adapter_t) *UDPSocket_t {
	return &UDPSocket_t{adapter: adapter}
}

func (s *UDPSocket_t) deliver(src inet.IPv4_t, srcPort uint16, payload []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, dgram{src: src, srcPort: srcPort, payload: payload})
	s.mu.Unlock()
	s.queueEvent.Trigger(false)
}

func (s *UDPSocket_t) Bind(saddr []uint8) defs.Err_t {
	addr, err := UnmarshalSockaddrIn(saddr)
	if err != nil {
		return -defs.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return -defs.EINVAL
	}
	port := addr.Port
	if port == 0 {
		port = s.adapter.AllocPort()
		if port == 0 {
			return -defs.EADDRNOTAVAIL
		}
	} else if !s.adapter.ReservePort(port) {
		return -defs.EADDRINUSE
	}
	if bindErr := s.adapter.BindUDP(port, s.deliver); bindErr != nil {
		s.adapter.ReleasePort(port)
		return -defs.EADDRINUSE
	}
	s.port = port
	s.bound = true
	return 0
}

func (s *UDPSocket_t) Connect(saddr []uint8) defs.Err_t {
	addr, err := UnmarshalSockaddrIn(saddr)
	if err != nil {
		return -defs.EINVAL
	}
	s.mu.Lock()
	s.connected = true
	s.peer = addr
	s.mu.Unlock()
	return 0
}

func (s *UDPSocket_t) Listen(backlog int) (fdops.Sock_i, defs.Err_t) { return nil, -defs.EOPNOTSUPP }

func (s *UDPSocket_t) Accept(fromaddr fdops.Userio_i) (fdops.Sock_i, uint, defs.Err_t) {
	return nil, 0, -defs.EOPNOTSUPP
}

func (s *UDPSocket_t) Sendmsg(src fdops.Userio_i, toaddr []uint8, flags int) (int, defs.Err_t) {
	var addr SockaddrIn_t
	if len(toaddr) > 0 {
		var aerr error
		addr, aerr = UnmarshalSockaddrIn(toaddr)
		if aerr != nil {
			return 0, -defs.EDESTADDRREQ
		}
	} else {
		s.mu.Lock()
		connected := s.connected
		addr = s.peer
		s.mu.Unlock()
		if !connected {
			return 0, -defs.EDESTADDRREQ
		}
	}
	if addr.IP == inet.IPv4(255, 255, 255, 255) {
		s.mu.Lock()
		ok := s.canbroadcast
		s.mu.Unlock()
		if !ok {
			return 0, -defs.EINVAL
		}
	}
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		if err := s.Bind(SockaddrIn_t{}.Marshal()); err != 0 {
			return 0, err
		}
		s.mu.Lock()
	}
	port := s.port
	s.mu.Unlock()

	buf := make([]byte, src.Remain())
	n, uerr := src.Uioread(buf)
	if uerr != 0 {
		return 0, uerr
	}
	buf = buf[:n]

	uh := udp.Header_t{SrcPort: port, DestPort: addr.Port}
	datagram := uh.Marshal(s.adapter.IP, addr.IP, buf)
	if sendErr := s.adapter.SendIPv4(addr.IP, inet.ProtoUDP, datagram); sendErr != nil {
		return 0, -defs.ENETUNREACH
	}
	return n, 0
}

func (s *UDPSocket_t) Recvmsg(dst fdops.Userio_i, fromaddr fdops.Userio_i, flags int) (int, int, defs.Err_t) {
	s.mu.Lock()
	for len(s.queue) == 0 && !s.closed {
		if flags&MSG_DONTWAIT != 0 {
			s.mu.Unlock()
			return 0, 0, -defs.EAGAIN
		}
		s.mu.Unlock()
		if _, err := event.Await(context.Background(), []*event.Event_t{&s.queueEvent}, true); err != 0 {
			return 0, 0, -defs.EINTR
		}
		s.mu.Lock()
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return 0, 0, -defs.ECONNRESET
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	n, werr := dst.Uiowrite(d.payload)
	if werr != 0 {
		return 0, 0, werr
	}
	if fromaddr != nil {
		addr := SockaddrIn_t{Port: d.srcPort, IP: d.src}
		fromaddr.Uiowrite(addr.Marshal())
	}
	return n, 0, 0
}

func (s *UDPSocket_t) Getsockopt(level, opt int, bufarg fdops.Userio_i, intarg int) (int, defs.Err_t) {
	if level == SOL_SOCKET && opt == SO_BROADCAST {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.canbroadcast {
			return 1, 0
		}
		return 0, 0
	}
	return 0, -defs.ENOPROTOOPT
}
func (s *UDPSocket_t) Setsockopt(level, opt int, bufarg fdops.Userio_i, intarg int) defs.Err_t {
	if level == SOL_SOCKET && opt == SO_BROADCAST {
		s.mu.Lock()
		s.canbroadcast = intarg != 0
		s.mu.Unlock()
		return 0
	}
	return -defs.ENOPROTOOPT
}

func (s *UDPSocket_t) Shutdown(read, write bool) defs.Err_t { return 0 }

func (s *UDPSocket_t) Getsockname() ([]uint8, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SockaddrIn_t{Port: s.port, IP: s.adapter.IP}.Marshal(), 0
}
func (s *UDPSocket_t) Getpeername() ([]uint8, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, -defs.ENOTCONN
	}
	return s.peer.Marshal(), 0
}

func (s *UDPSocket_t) Close() defs.Err_t {
	s.mu.Lock()
	if s.bound {
		s.adapter.UnbindUDP(s.port)
		s.adapter.ReleasePort(s.port)
	}
	s.closed = true
	s.mu.Unlock()
	s.queueEvent.Trigger(false)
	return 0
}
func (s *UDPSocket_t) Reopen() defs.Err_t { return 0 }
func (s *UDPSocket_t) Fstat(st fdops.StatStore) defs.Err_t {
	st.Wmode(0140000 | 0600)
	return 0
}
func (s *UDPSocket_t) Lseek(offset, whence int) (int, defs.Err_t)       { return 0, -defs.ESPIPE }
func (s *UDPSocket_t) Mmapi(int, int, bool) ([]fdops.MmapInfo, defs.Err_t) {
	return nil, -defs.ENODEV
}
func (s *UDPSocket_t) Msync() defs.Err_t                              { return 0 }
func (s *UDPSocket_t) Truncate(uint) defs.Err_t                       { return -defs.EINVAL }
func (s *UDPSocket_t) Pread(fdops.Userio_i, int) (int, defs.Err_t)    { return 0, -defs.ESPIPE }
func (s *UDPSocket_t) Pwrite(fdops.Userio_i, int) (int, defs.Err_t)   { return 0, -defs.ESPIPE }
func (s *UDPSocket_t) Fullpath() (string, defs.Err_t)                 { return "", -defs.ENOSYS }

func (s *UDPSocket_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	n, _, err := s.Recvmsg(dst, nil, 0)
	return n, err
}
func (s *UDPSocket_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return s.Sendmsg(src, nil, 0)
}
func (s *UDPSocket_t) Poll(want fdops.Ready_t) (fdops.Ready_t, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r fdops.Ready_t
	if len(s.queue) > 0 {
		r |= fdops.POLLIN
	}
	r |= fdops.POLLOUT
	return r & want, 0
}
