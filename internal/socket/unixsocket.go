package socket

import (
	"context"
	"sync"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/event"
	"lyrekernel/internal/fdops"
)

/// unixRegistry maps a bound path to the listening socket, standing
/// in for the socket-special-file lookup a full VFS integration would
/// perform via the filesystem.
var (
	unixRegMu sync.Mutex
	unixReg   = map[string]*UnixSocket_t{}
)

/// UnixSocket_t implements fdops.Sock_i for AF_UNIX SOCK_STREAM,
/// connected in-process via a pair of byte queues (no netdev
/// involvement: UNIX sockets never leave the local kernel, so Connect
/// directly wires up both peers' queues).
type UnixSocket_t struct {
	mu   sync.Mutex
	path string

	peer *UnixSocket_t
	recv [][]byte
	ev   event.Event_t

	listening bool
	pending   chan *UnixSocket_t

	closed bool
}

func NewUnix() *UnixSocket_t { return &UnixSocket_t{} }

/// NewUnixPair returns two already-connected UNIX sockets, the
/// socketpair(2) shape: no path, no registry, each the other's peer.
func NewUnixPair() (*UnixSocket_t, *UnixSocket_t) {
	a := &UnixSocket_t{}
	b := &UnixSocket_t{}
	a.peer = b
	b.peer = a
	return a, b
}

func (s *UnixSocket_t) Bind(saddr []uint8) defs.Err_t {
	addr, err := UnmarshalSockaddrUn(saddr)
	if err != nil {
		return -defs.EINVAL
	}
	unixRegMu.Lock()
	defer unixRegMu.Unlock()
	if _, taken := unixReg[addr.Path]; taken {
		return -defs.EADDRINUSE
	}
	s.path = addr.Path
	unixReg[addr.Path] = s
	return 0
}

func (s *UnixSocket_t) Listen(backlog int) (fdops.Sock_i, defs.Err_t) {
	if s.path == "" {
		return nil, -defs.EDESTADDRREQ
	}
	s.mu.Lock()
	s.listening = true
	s.pending = make(chan *UnixSocket_t, backlog+1)
	s.mu.Unlock()
	return s, 0
}

func (s *UnixSocket_t) Accept(fromaddr fdops.Userio_i) (fdops.Sock_i, uint, defs.Err_t) {
	s.mu.Lock()
	listening, pending := s.listening, s.pending
	s.mu.Unlock()
	if !listening {
		return nil, 0, -defs.EINVAL
	}
	peer := <-pending
	return peer, 0, 0
}

func (s *UnixSocket_t) Connect(saddr []uint8) defs.Err_t {
	addr, err := UnmarshalSockaddrUn(saddr)
	if err != nil {
		return -defs.EINVAL
	}
	unixRegMu.Lock()
	target, ok := unixReg[addr.Path]
	unixRegMu.Unlock()
	if !ok {
		return -defs.ECONNREFUSED
	}
	target.mu.Lock()
	if !target.listening {
		target.mu.Unlock()
		return -defs.ECONNREFUSED
	}
	serverSide := &UnixSocket_t{peer: s}
	s.peer = serverSide
	select {
	case target.pending <- serverSide:
	default:
		target.mu.Unlock()
		return -defs.ECONNREFUSED
	}
	target.mu.Unlock()
	return 0
}

func (s *UnixSocket_t) deliver(data []byte) {
	s.mu.Lock()
	s.recv = append(s.recv, data)
	s.mu.Unlock()
	s.ev.Trigger(false)
}

func (s *UnixSocket_t) Sendmsg(src fdops.Userio_i, toaddr []uint8, flags int) (int, defs.Err_t) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	if peer == nil {
		return 0, -defs.ENOTCONN
	}
	buf := make([]byte, src.Remain())
	n, uerr := src.Uioread(buf)
	if uerr != 0 {
		return 0, uerr
	}
	peer.deliver(buf[:n])
	return n, 0
}

func (s *UnixSocket_t) Recvmsg(dst fdops.Userio_i, fromaddr fdops.Userio_i, flags int) (int, int, defs.Err_t) {
	s.mu.Lock()
	for len(s.recv) == 0 && !s.closed {
		s.mu.Unlock()
		if _, err := event.Await(context.Background(), []*event.Event_t{&s.ev}, true); err != 0 {
			return 0, 0, -defs.EINTR
		}
		s.mu.Lock()
	}
	if len(s.recv) == 0 {
		s.mu.Unlock()
		return 0, 0, 0
	}
	data := s.recv[0]
	s.recv = s.recv[1:]
	s.mu.Unlock()
	n, werr := dst.Uiowrite(data)
	return n, 0, werr
}

func (s *UnixSocket_t) Getsockopt(level, opt int, bufarg fdops.Userio_i, intarg int) (int, defs.Err_t) {
	return 0, -defs.ENOPROTOOPT
}
func (s *UnixSocket_t) Setsockopt(level, opt int, bufarg fdops.Userio_i, intarg int) defs.Err_t {
	return 0
}
func (s *UnixSocket_t) Shutdown(read, write bool) defs.Err_t { return 0 }

func (s *UnixSocket_t) Getsockname() ([]uint8, defs.Err_t) {
	return SockaddrUn_t{Path: s.path}.Marshal(), 0
}
func (s *UnixSocket_t) Getpeername() ([]uint8, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return nil, -defs.ENOTCONN
	}
	return SockaddrUn_t{Path: s.peer.path}.Marshal(), 0
}

func (s *UnixSocket_t) Close() defs.Err_t {
	s.mu.Lock()
	s.closed = true
	if s.path != "" {
		unixRegMu.Lock()
		delete(unixReg, s.path)
		unixRegMu.Unlock()
	}
	s.mu.Unlock()
	s.ev.Trigger(false)
	return 0
}
func (s *UnixSocket_t) Reopen() defs.Err_t { return 0 }
func (s *UnixSocket_t) Fstat(st fdops.StatStore) defs.Err_t {
	st.Wmode(0140000 | 0600)
	return 0
}
func (s *UnixSocket_t) Lseek(offset, whence int) (int, defs.Err_t)          { return 0, -defs.ESPIPE }
func (s *UnixSocket_t) Mmapi(int, int, bool) ([]fdops.MmapInfo, defs.Err_t) { return nil, -defs.ENODEV }
func (s *UnixSocket_t) Msync() defs.Err_t                                   { return 0 }
func (s *UnixSocket_t) Truncate(uint) defs.Err_t                            { return -defs.EINVAL }
func (s *UnixSocket_t) Pread(fdops.Userio_i, int) (int, defs.Err_t)         { return 0, -defs.ESPIPE }
func (s *UnixSocket_t) Pwrite(fdops.Userio_i, int) (int, defs.Err_t)        { return 0, -defs.ESPIPE }
func (s *UnixSocket_t) Fullpath() (string, defs.Err_t)                      { return "", -defs.ENOSYS }

func (s *UnixSocket_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	n, _, err := s.Recvmsg(dst, nil, 0)
	return n, err
}
func (s *UnixSocket_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return s.Sendmsg(src, nil, 0)
}
func (s *UnixSocket_t) Poll(want fdops.Ready_t) (fdops.Ready_t, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r fdops.Ready_t
	if len(s.recv) > 0 {
		r |= fdops.POLLIN
	}
	if s.peer != nil {
		r |= fdops.POLLOUT
	}
	return r & want, 0
}
