package socket

import (
	"context"

	"lyrekernel/internal/defs"
	"lyrekernel/internal/fdops"
	"lyrekernel/internal/netdev"
	"lyrekernel/internal/tcp"
)

/// TCPSocket_t implements fdops.Sock_i over a tcp.Conn_t/tcp.Listener_t
/// pair, one or the other active depending on whether this socket
/// has Listen()ed or Connect()ed.
type TCPSocket_t struct {
	adapter  *netdev.Adapter_t
	localPort uint16

	conn     *tcp.Conn_t
	listener *tcp.Listener_t

	remoteAddr SockaddrIn_t
}

func NewTCP(adapter *netdev.Adapter_t) *TCPSocket_t {
	return &TCPSocket_t{adapter: adapter}
}

func (s *TCPSocket_t) Bind(saddr []uint8) defs.Err_t {
	addr, err := UnmarshalSockaddrIn(saddr)
	if err != nil {
		return -defs.EINVAL
	}
	if addr.Port == 0 {
		addr.Port = s.adapter.AllocPort()
		if addr.Port == 0 {
			return -defs.EADDRNOTAVAIL
		}
	} else if !s.adapter.ReservePort(addr.Port) {
		return -defs.EADDRINUSE
	}
	s.localPort = addr.Port
	return 0
}

func (s *TCPSocket_t) Listen(backlog int) (fdops.Sock_i, defs.Err_t) {
	if s.localPort == 0 {
		return nil, -defs.EDESTADDRREQ
	}
	s.listener = s.adapter.ListenTCP(s.localPort)
	return s, 0
}

func (s *TCPSocket_t) Accept(fromaddr fdops.Userio_i) (fdops.Sock_i, uint, defs.Err_t) {
	if s.listener == nil {
		return nil, 0, -defs.EINVAL
	}
	conn, err := s.listener.Accept(context.Background())
	if err != nil {
		return nil, 0, -defs.ECONNABORTED
	}
	rip, rport := conn.RemoteAddr()
	child := &TCPSocket_t{adapter: s.adapter, conn: conn, localPort: s.localPort,
		remoteAddr: SockaddrIn_t{IP: rip, Port: rport}}
	var alen uint
	if fromaddr != nil {
		n, werr := fromaddr.Uiowrite(child.remoteAddr.Marshal())
		if werr != 0 {
			return nil, 0, werr
		}
		alen = uint(n)
	}
	return child, alen, 0
}

func (s *TCPSocket_t) Connect(saddr []uint8) defs.Err_t {
	addr, err := UnmarshalSockaddrIn(saddr)
	if err != nil {
		return -defs.EINVAL
	}
	if s.localPort == 0 {
		s.localPort = s.adapter.AllocPort()
		if s.localPort == 0 {
			return -defs.EADDRNOTAVAIL
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	conn, derr := s.adapter.DialTCP(ctx, s.localPort, addr.IP, addr.Port, initialSeq())
	if derr != nil {
		return -defs.ECONNREFUSED
	}
	s.conn = conn
	s.remoteAddr = addr
	return 0
}

const connectTimeout = 5000000000 // 5s in ns

var seqCounter uint32 = 1000

func initialSeq() uint32 {
	seqCounter += 64000
	return seqCounter
}

func (s *TCPSocket_t) Sendmsg(src fdops.Userio_i, toaddr []uint8, flags int) (int, defs.Err_t) {
	if s.conn == nil {
		return 0, -defs.ENOTCONN
	}
	buf := make([]byte, src.Remain())
	n, uerr := src.Uioread(buf)
	if uerr != 0 {
		return 0, uerr
	}
	if _, err := s.conn.Write(context.Background(), buf[:n]); err != nil {
		return 0, -defs.EPIPE
	}
	return n, 0
}

func (s *TCPSocket_t) Recvmsg(dst fdops.Userio_i, fromaddr fdops.Userio_i, flags int) (int, int, defs.Err_t) {
	if s.conn == nil {
		return 0, 0, -defs.ENOTCONN
	}
	buf := make([]byte, dst.Remain())
	n, err := s.conn.Read(context.Background(), buf)
	if err != nil {
		return 0, 0, 0 // EOF: zero-length read, matching read(2) semantics
	}
	w, werr := dst.Uiowrite(buf[:n])
	return w, 0, werr
}

func (s *TCPSocket_t) Getsockopt(level, opt int, bufarg fdops.Userio_i, intarg int) (int, defs.Err_t) {
	if level == IPPROTO_TCP && opt == TCP_MAXSEG {
		if s.conn == nil {
			return 0, -defs.ENOTCONN
		}
		return int(s.conn.MSS()), 0
	}
	return 0, -defs.ENOPROTOOPT
}
func (s *TCPSocket_t) Setsockopt(level, opt int, bufarg fdops.Userio_i, intarg int) defs.Err_t {
	if level == IPPROTO_TCP && opt == TCP_MAXSEG {
		if s.conn == nil {
			return -defs.ENOTCONN
		}
		if intarg <= 0 || intarg > 0xffff {
			return -defs.EINVAL
		}
		s.conn.SetMSS(uint16(intarg))
		return 0
	}
	return -defs.ENOPROTOOPT
}

func (s *TCPSocket_t) Shutdown(read, write bool) defs.Err_t {
	if s.conn != nil && write {
		s.conn.Close()
	}
	return 0
}

func (s *TCPSocket_t) Getsockname() ([]uint8, defs.Err_t) {
	return SockaddrIn_t{Port: s.localPort, IP: s.adapter.IP}.Marshal(), 0
}
func (s *TCPSocket_t) Getpeername() ([]uint8, defs.Err_t) {
	if s.conn == nil {
		return nil, -defs.ENOTCONN
	}
	return s.remoteAddr.Marshal(), 0
}

func (s *TCPSocket_t) Close() defs.Err_t {
	if s.conn != nil {
		s.conn.Close()
		if s.localPort != 0 {
			port := s.localPort
			if s.conn.State() == tcp.Closed {
				s.adapter.ReleasePort(port)
			} else {
				s.conn.OnClose(func() { s.adapter.ReleasePort(port) })
			}
		}
		return 0
	}
	if s.localPort != 0 {
		s.adapter.ReleasePort(s.localPort)
	}
	return 0
}
func (s *TCPSocket_t) Reopen() defs.Err_t { return 0 }
func (s *TCPSocket_t) Fstat(st fdops.StatStore) defs.Err_t {
	st.Wmode(0140000 | 0600)
	return 0
}
func (s *TCPSocket_t) Lseek(offset, whence int) (int, defs.Err_t)          { return 0, -defs.ESPIPE }
func (s *TCPSocket_t) Mmapi(int, int, bool) ([]fdops.MmapInfo, defs.Err_t) { return nil, -defs.ENODEV }
func (s *TCPSocket_t) Msync() defs.Err_t                                   { return 0 }
func (s *TCPSocket_t) Truncate(uint) defs.Err_t                            { return -defs.EINVAL }
func (s *TCPSocket_t) Pread(fdops.Userio_i, int) (int, defs.Err_t)         { return 0, -defs.ESPIPE }
func (s *TCPSocket_t) Pwrite(fdops.Userio_i, int) (int, defs.Err_t)        { return 0, -defs.ESPIPE }
func (s *TCPSocket_t) Fullpath() (string, defs.Err_t)                      { return "", -defs.ENOSYS }

func (s *TCPSocket_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	n, _, err := s.Recvmsg(dst, nil, 0)
	return n, err
}
func (s *TCPSocket_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	return s.Sendmsg(src, nil, 0)
}
func (s *TCPSocket_t) Poll(want fdops.Ready_t) (fdops.Ready_t, defs.Err_t) {
	var r fdops.Ready_t
	if s.conn != nil && s.conn.State() == tcp.Established {
		r |= fdops.POLLIN | fdops.POLLOUT
	}
	return r & want, 0
}
