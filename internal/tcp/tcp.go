// Package tcp implements TCP segment encoding (including the MSS and
// Timestamps options) and a per-connection state machine covering the
// three-way handshake, in-order data transfer, sliding-window flow
// control, retransmission, and the four/three-way close with TIME_WAIT
// expiry. The wire format is RFC 793's 20-byte header plus options;
// the connection runtime is built on internal/circbuf (receive byte
// stream) and internal/event (blocking reads, the timer wheel driving
// retransmission backoff and TIME_WAIT).
//
// Out-of-order segments are still dropped rather than queued for later
// reassembly (a segment whose Seq doesn't match rcvNext is simply
// ignored, relying on the peer's own retransmit timer to resend it in
// order); that narrower gap is the one documented simplification left
// here.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"lyrekernel/internal/circbuf"
	"lyrekernel/internal/defs"
	"lyrekernel/internal/event"
	"lyrekernel/internal/inet"
	"lyrekernel/internal/ip"
)

// Flag bits, in the header's fin/syn/rst/psh/ack/urg bit order.
const (
	FlagFIN uint16 = 1 << 0
	FlagSYN uint16 = 1 << 1
	FlagRST uint16 = 1 << 2
	FlagPSH uint16 = 1 << 3
	FlagACK uint16 = 1 << 4
	FlagURG uint16 = 1 << 5
)

const HeaderLen = 20

// Option kinds (RFC 1323 §2/§3).
const (
	optKindEnd  = 0
	optKindNop  = 1
	optKindMSS  = 2
	optKindTS   = 8
	optLenMSS   = 4
	optLenTS    = 10
)

/// Options_t carries the subset of TCP options this stack understands.
/// A zero value means "option absent."
type Options_t struct {
	MSS      uint16
	HasMSS   bool
	TSVal    uint32
	TSEcr    uint32
	HasTS    bool
}

/// Header_t is a decoded TCP segment header.
type Header_t struct {
	SrcPort, DestPort uint16
	Seq, Ack          uint32
	Flags             uint16
	Window            uint16
	Opts              Options_t
}

func encodeOptions(opts Options_t) []byte {
	var buf []byte
	if opts.HasMSS {
		buf = append(buf, optKindMSS, optLenMSS)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], opts.MSS)
		buf = append(buf, b[:]...)
	}
	if opts.HasTS {
		// Timestamps are padded with two NOPs so the option itself
		// starts 32-bit aligned, matching every real TCP stack's wire
		// layout (RFC 1323 §3.1).
		buf = append(buf, optKindNop, optKindNop, optKindTS, optLenTS)
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:4], opts.TSVal)
		binary.BigEndian.PutUint32(b[4:8], opts.TSEcr)
		buf = append(buf, b[:]...)
	}
	for len(buf)%4 != 0 {
		buf = append(buf, optKindEnd)
	}
	return buf
}

func decodeOptions(raw []byte) Options_t {
	var opts Options_t
	i := 0
	for i < len(raw) {
		kind := raw[i]
		switch kind {
		case optKindEnd:
			return opts
		case optKindNop:
			i++
			continue
		case optKindMSS:
			if i+optLenMSS > len(raw) {
				return opts
			}
			opts.MSS = binary.BigEndian.Uint16(raw[i+2 : i+4])
			opts.HasMSS = true
			i += optLenMSS
		case optKindTS:
			if i+optLenTS > len(raw) {
				return opts
			}
			opts.TSVal = binary.BigEndian.Uint32(raw[i+2 : i+6])
			opts.TSEcr = binary.BigEndian.Uint32(raw[i+6 : i+10])
			opts.HasTS = true
			i += optLenTS
		default:
			if i+1 >= len(raw) {
				return opts
			}
			l := int(raw[i+1])
			if l < 2 {
				return opts
			}
			i += l
		}
	}
	return opts
}

func (h Header_t) Marshal(src, dst inet.IPv4_t, payload []byte) []byte {
	optBytes := encodeOptions(h.Opts)
	hlen := HeaderLen + len(optBytes)
	length := hlen + len(payload)
	out := make([]byte, length)
	binary.BigEndian.PutUint16(out[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(out[2:4], h.DestPort)
	binary.BigEndian.PutUint32(out[4:8], h.Seq)
	binary.BigEndian.PutUint32(out[8:12], h.Ack)
	dataOff := uint16(hlen/4) << 12
	binary.BigEndian.PutUint16(out[12:14], dataOff|h.Flags)
	binary.BigEndian.PutUint16(out[14:16], h.Window)
	copy(out[HeaderLen:], optBytes)
	copy(out[hlen:], payload)

	pseudo := make([]byte, 12+length)
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = inet.ProtoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(length))
	copy(pseudo[12:], out)
	sum := inet.Checksum(pseudo)
	binary.BigEndian.PutUint16(out[16:18], sum)
	return out
}

func Unmarshal(raw []byte) (Header_t, []byte, error) {
	if len(raw) < HeaderLen {
		return Header_t{}, nil, errors.New("tcp: segment too short")
	}
	var h Header_t
	h.SrcPort = binary.BigEndian.Uint16(raw[0:2])
	h.DestPort = binary.BigEndian.Uint16(raw[2:4])
	h.Seq = binary.BigEndian.Uint32(raw[4:8])
	h.Ack = binary.BigEndian.Uint32(raw[8:12])
	offFlags := binary.BigEndian.Uint16(raw[12:14])
	h.Flags = offFlags & 0x1ff
	dataOff := int(offFlags>>12) * 4
	h.Window = binary.BigEndian.Uint16(raw[14:16])
	if dataOff < HeaderLen || dataOff > len(raw) {
		dataOff = HeaderLen
	}
	h.Opts = decodeOptions(raw[HeaderLen:dataOff])
	return h, raw[dataOff:], nil
}

/// State_t is a TCP connection's position in the standard state
/// diagram (RFC 793 §3.2).
type State_t int

const (
	Closed State_t = iota
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	LastAck
	Closing
	TimeWait
)

/// Sender abstracts transmitting one raw segment to the peer; wired
/// to a real link by netdev, or directly to a paired Conn_t in tests.
type Sender interface {
	Send(seg []byte) error
}

const defaultRcvbufSize = 64 * 1024

// minMSS is the floor effectiveMSS will not chunk below, even on a
// pathologically small MTU.
const minMSS = 256

// optionsBudget is the worst-case option-space (MSS + padded
// Timestamps) subtracted from the MTU when deriving the local
// MSS, so a negotiated MSS never pushes a full segment over the MTU.
const optionsBudget = 40

const (
	initialRTO      = 200 * time.Millisecond
	retransGiveup   = 5 * time.Second
	retransInterval = 100 * time.Millisecond
	timeWaitGrace   = 12 * time.Second
)

func computeMSS(mtu int) uint16 {
	mss := mtu - inet.EthHeaderLen - ip.HeaderLen - HeaderLen - optionsBudget
	if mss < minMSS {
		mss = minMSS
	}
	return uint16(mss)
}

/// retransEntry_t is one unacknowledged outbound segment awaiting
/// acknowledgment.
type retransEntry_t struct {
	seq   uint32
	flags uint16
	data  []byte
	rto   time.Duration
	first time.Time
	last  time.Time
}

func (e *retransEntry_t) end() uint32 {
	n := uint32(len(e.data))
	if e.flags&(FlagSYN|FlagFIN) != 0 {
		n++
	}
	return e.seq + n
}

// seqLT reports whether a is before b on the 32-bit sequence space,
// wraparound-safe (RFC 793 §3.3).
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGE(a, b uint32) bool { return int32(a-b) >= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

/// Conn_t is one TCP connection endpoint.
type Conn_t struct {
	mu    sync.Mutex
	state State_t

	localPort, remotePort uint16
	localIP, remoteIP     inet.IPv4_t

	sndUna  uint32 // oldest unacknowledged sequence number
	sndNext uint32
	sndWnd  uint16 // peer's last-advertised receive window

	rcvNext uint32

	localMSS uint16
	peerMSS  uint16
	tsOK     bool
	tsRecent uint32 // most recent TSVal seen from the peer, echoed back

	finSent bool
	finSeq  uint32

	peer Sender

	rcv       circbuf.Circbuf_t
	dataEvent event.Event_t
	stEvent   event.Event_t // fires on every state transition
	ackEvent  event.Event_t // fires whenever sndUna/sndWnd advance
	closeEvent event.Event_t // fires once, when the connection reaches Closed

	rtq   []*retransEntry_t
	wheel *event.Wheel

	onClose []func()

	peerClosed bool
}

func newConn(local, remote inet.IPv4_t, localPort, remotePort uint16, peer Sender, mtu int) *Conn_t {
	c := &Conn_t{
		localIP: local, remoteIP: remote, localPort: localPort, remotePort: remotePort, peer: peer,
		localMSS: computeMSS(mtu),
		sndWnd:   defaultRcvbufSize - 1,
		wheel:    event.Default(),
	}
	c.rcv.Cb_init_multi(defaultRcvbufSize)
	go c.retransmitLoop()
	return c
}

// synOptions returns the options a SYN or SYN|ACK should carry: our
// MSS always, plus a Timestamps echo once the peer has offered one.
func (c *Conn_t) synOptions() Options_t {
	opts := Options_t{MSS: c.localMSS, HasMSS: true}
	if c.tsOK {
		opts.HasTS = true
		opts.TSEcr = c.tsRecent
	}
	return opts
}

func (c *Conn_t) dataOptions() Options_t {
	if !c.tsOK {
		return Options_t{}
	}
	return Options_t{HasTS: true, TSEcr: c.tsRecent}
}

func (c *Conn_t) send(flags uint16, seq, ack uint32, payload []byte) {
	var opts Options_t
	if flags&FlagSYN != 0 {
		opts = c.synOptions()
	} else {
		opts = c.dataOptions()
	}
	wnd := c.rcv.Left()
	if wnd > 0xffff {
		wnd = 0xffff
	}
	h := Header_t{SrcPort: c.localPort, DestPort: c.remotePort, Seq: seq, Ack: ack, Flags: flags, Window: uint16(wnd), Opts: opts}
	c.peer.Send(h.Marshal(c.localIP, c.remoteIP, payload))
}

// enqueueRetransmitLocked records an outbound segment carrying SYN,
// FIN, or data so retransmitLoop can resend it until acknowledged.
// Caller holds c.mu.
func (c *Conn_t) enqueueRetransmitLocked(flags uint16, seq uint32, data []byte) {
	if flags&(FlagSYN|FlagFIN) == 0 && len(data) == 0 {
		return
	}
	now := time.Now()
	c.rtq = append(c.rtq, &retransEntry_t{seq: seq, flags: flags, data: data, rto: initialRTO, first: now, last: now})
}

// ackAdvanceLocked applies an incoming ACK: advances sndUna, records
// the peer's advertised window, and purges fully-acknowledged entries
// from the retransmit queue. Caller holds c.mu.
func (c *Conn_t) ackAdvanceLocked(ack uint32, window uint16) {
	if seqGT(ack, c.sndUna) {
		c.sndUna = ack
		c.sndWnd = window
	} else if ack == c.sndUna {
		c.sndWnd = window
	}
	kept := c.rtq[:0]
	for _, e := range c.rtq {
		if seqGE(ack, e.end()) {
			continue
		}
		kept = append(kept, e)
	}
	c.rtq = kept
	c.ackEvent.Trigger(false)
}

// retransmitLoop periodically scans the retransmit queue, resending
// timed-out segments with doubling RTO and giving up on the connection
// after retransGiveup of no progress.
func (c *Conn_t) retransmitLoop() {
	for {
		t := c.wheel.New(retransInterval)
		_, err := event.Await(context.Background(), []*event.Event_t{t.Event(), &c.closeEvent}, true)
		c.wheel.Disarm(t)
		if err != 0 {
			return
		}
		c.mu.Lock()
		if c.state == Closed {
			c.mu.Unlock()
			return
		}
		c.scanRetransmitLocked()
		c.mu.Unlock()
	}
}

func (c *Conn_t) scanRetransmitLocked() {
	now := time.Now()
	for _, e := range c.rtq {
		if now.Sub(e.first) >= retransGiveup {
			c.setState(Closed)
			return
		}
		if now.Sub(e.last) >= e.rto {
			c.send(e.flags, e.seq, c.rcvNext, e.data)
			e.last = now
			e.rto *= 2
		}
	}
}

func (c *Conn_t) applyPeerOptions(opts Options_t) {
	if opts.HasMSS {
		c.peerMSS = opts.MSS
	}
	if opts.HasTS {
		c.tsOK = true
		c.tsRecent = opts.TSVal
	}
}

func (c *Conn_t) effectiveMSS() uint16 {
	mss := c.localMSS
	if c.peerMSS != 0 && c.peerMSS < mss {
		mss = c.peerMSS
	}
	return mss
}

/// MSS returns the maximum segment size Write currently chunks to:
/// the local MSS capped by the peer's SYN-negotiated value, the
/// number TCP_MAXSEG reads.
func (c *Conn_t) MSS() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effectiveMSS()
}

/// SetMSS overrides the local MSS (TCP_MAXSEG write). Values below
/// minMSS are clamped up to it.
func (c *Conn_t) SetMSS(mss uint16) {
	if mss < minMSS {
		mss = minMSS
	}
	c.mu.Lock()
	c.localMSS = mss
	c.mu.Unlock()
}

/// RemoteAddr returns the connection's remote endpoint.
func (c *Conn_t) RemoteAddr() (inet.IPv4_t, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteIP, c.remotePort
}

// setState transitions the connection and arms whatever follow-up the
// new state requires: TIME_WAIT's grace-period expiry timer, and
// CLOSED's retransmit-loop shutdown and table-cleanup callback.
// Caller holds c.mu.
func (c *Conn_t) setState(s State_t) {
	c.state = s
	c.stEvent.Trigger(false)
	switch s {
	case TimeWait:
		c.armTimeWait()
	case Closed:
		c.closeEvent.Trigger(false)
		for _, cb := range c.onClose {
			go cb()
		}
	}
}

// armTimeWait starts the 12-second TIME_WAIT grace period
// timer; when it fires the connection moves to CLOSED, which is what
// finally drops its entry out of the global socket table.
func (c *Conn_t) armTimeWait() {
	t := c.wheel.New(timeWaitGrace)
	go func() {
		event.Await(context.Background(), []*event.Event_t{t.Event()}, true)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == TimeWait {
			c.setState(Closed)
		}
	}()
}

/// NewConn builds an unconnected (Closed) connection endpoint. Callers
/// that need to route incoming segments to this connection before the
/// handshake completes (every real demuxer does) construct it with
/// NewConn and register it in their lookup table before calling
/// Connect, rather than relying on Dial's return value. mtu is the
/// link MTU used to derive the locally offered MSS option.
func NewConn(local, remote inet.IPv4_t, localPort, remotePort uint16, peer Sender, mtu int) *Conn_t {
	return newConn(local, remote, localPort, remotePort, peer, mtu)
}

/// OnClose registers a callback invoked once, from a new goroutine,
/// when the connection reaches CLOSED. Multiple callbacks may be
/// registered (the demuxer drops its table entry, the socket layer
/// releases the bound port); both fire once the connection has fully
/// drained TIME_WAIT's grace period (or hit an earlier RST/give-up).
func (c *Conn_t) OnClose(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, cb)
}

/// Connect performs an active open on an already-constructed
/// connection: send SYN, wait for SYN|ACK, send ACK. seq is the
/// connection's initial sequence number (the caller picks it; a real
/// stack derives it from a clock/counter).
func (c *Conn_t) Connect(ctx context.Context, seq uint32) error {
	c.mu.Lock()
	c.sndUna = seq
	c.sndNext = seq + 1
	c.state = SynSent
	c.enqueueRetransmitLocked(FlagSYN, seq, nil)
	c.send(FlagSYN, seq, 0, nil)
	c.mu.Unlock()
	for {
		if _, err := event.Await(ctx, []*event.Event_t{&c.stEvent}, true); err != 0 {
			return context.Cause(ctx)
		}
		switch c.State() {
		case Established:
			return nil
		case Closed:
			return errors.New("tcp: connection refused")
		}
	}
}

/// Dial is a convenience wrapper combining NewConn and Connect for
/// callers (the socket layer) that don't need the connection object
/// before the handshake finishes, because their demuxer routes
/// incoming segments by (local port, remote addr) lookup rather than
/// by a closure captured before Dial returns.
func Dial(ctx context.Context, local, remote inet.IPv4_t, localPort, remotePort uint16, seq uint32, peer Sender, mtu int) (*Conn_t, error) {
	c := NewConn(local, remote, localPort, remotePort, peer, mtu)
	if err := c.Connect(ctx, seq); err != nil {
		return nil, err
	}
	return c, nil
}

/// Listener_t accepts passive-open connections on one local
/// (IP, port) pair.
type Listener_t struct {
	mu      sync.Mutex
	local   inet.IPv4_t
	port    uint16
	mtu     int
	pending chan *Conn_t
}

func Listen(local inet.IPv4_t, port uint16, mtu int) *Listener_t {
	return &Listener_t{local: local, port: port, mtu: mtu, pending: make(chan *Conn_t, 16)}
}

/// Accept blocks until a connection completes its handshake, or ctx
/// is cancelled.
func (l *Listener_t) Accept(ctx context.Context) (*Conn_t, error) {
	var c *Conn_t
	select {
	case c = <-l.pending:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	for {
		if c.State() == Established {
			return c, nil
		}
		if _, err := event.Await(ctx, []*event.Event_t{&c.stEvent}, true); err != 0 {
			return nil, context.Cause(ctx)
		}
	}
}

/// Input delivers one arriving segment addressed to this listener's
/// (IP, port); a SYN not matching any existing connection starts a
/// new passive-open handshake, handed to Accept once established.
/// Segments for an already-established connection should instead be
/// routed directly to that Conn_t's Input, which the demuxing layer
/// (netdev) is responsible for.
func (l *Listener_t) Input(remoteIP inet.IPv4_t, remotePort uint16, h Header_t, peer Sender, ack uint32) *Conn_t {
	if h.Flags&FlagSYN == 0 {
		return nil
	}
	c := newConn(l.local, remoteIP, l.port, remotePort, peer, l.mtu)
	c.applyPeerOptions(h.Opts)
	c.rcvNext = h.Seq + 1
	c.sndUna = ack
	c.sndNext = ack + 1
	c.sndWnd = h.Window
	c.state = SynReceived
	c.enqueueRetransmitLocked(FlagSYN|FlagACK, ack, nil)
	c.send(FlagSYN|FlagACK, ack, c.rcvNext, nil)
	select {
	case l.pending <- c:
	default:
	}
	return c
}

/// Input processes one arriving segment for an established (or
/// handshaking) connection.
func (c *Conn_t) Input(h Header_t, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Flags&FlagRST != 0 {
		c.setState(Closed)
		return
	}

	switch c.state {
	case SynSent:
		if h.Flags&(FlagSYN|FlagACK) == (FlagSYN | FlagACK) {
			c.rcvNext = h.Seq + 1
			c.applyPeerOptions(h.Opts)
			c.ackAdvanceLocked(h.Ack, h.Window)
			c.send(FlagACK, c.sndNext, c.rcvNext, nil)
			c.setState(Established)
		}
		return
	case SynReceived:
		if h.Flags&FlagACK != 0 {
			c.ackAdvanceLocked(h.Ack, h.Window)
			c.setState(Established)
		}
		return
	}

	if h.Flags&FlagACK != 0 {
		c.ackAdvanceLocked(h.Ack, h.Window)
	}

	if len(payload) > 0 && h.Seq == c.rcvNext {
		uio := &byteUio{buf: payload}
		n, _ := c.rcv.Copyin(uio)
		c.rcvNext += uint32(n)
		c.dataEvent.Trigger(false)
		c.send(FlagACK, c.sndNext, c.rcvNext, nil)
	}

	finAcked := c.finSent && seqGE(c.sndUna, c.finSeq+1)

	if h.Flags&FlagFIN != 0 {
		c.rcvNext++
		c.peerClosed = true
		c.dataEvent.Trigger(false)
		switch c.state {
		case Established:
			c.send(FlagACK, c.sndNext, c.rcvNext, nil)
			c.setState(CloseWait)
		case FinWait1:
			c.send(FlagACK, c.sndNext, c.rcvNext, nil)
			if finAcked {
				c.setState(TimeWait)
			} else {
				c.setState(Closing)
			}
		case FinWait2:
			c.send(FlagACK, c.sndNext, c.rcvNext, nil)
			c.setState(TimeWait)
		}
		return
	}

	if h.Flags&FlagACK != 0 && finAcked {
		switch c.state {
		case FinWait1:
			c.setState(FinWait2)
		case Closing:
			c.setState(TimeWait)
		case LastAck:
			c.setState(Closed)
		}
	}
}

/// Write chunks data by the negotiated effective MSS and blocks on the
/// peer's advertised window (sndWnd), resuming as ackEvent fires
/// acknowledging earlier segments. Every chunk is
/// tracked in the retransmit queue until acknowledged.
func (c *Conn_t) Write(ctx context.Context, data []byte) (int, error) {
	sent := 0
	for sent < len(data) {
		c.mu.Lock()
		if c.state != Established && c.state != CloseWait {
			c.mu.Unlock()
			return sent, errors.New("tcp: connection not established")
		}
		avail := int(c.sndWnd) - int(c.sndNext-c.sndUna)
		if avail <= 0 {
			c.mu.Unlock()
			if _, err := event.Await(ctx, []*event.Event_t{&c.ackEvent}, true); err != 0 {
				return sent, context.Cause(ctx)
			}
			continue
		}
		mss := int(c.effectiveMSS())
		end := sent + mss
		if end > len(data) {
			end = len(data)
		}
		if end-sent > avail {
			end = sent + avail
		}
		chunk := append([]byte(nil), data[sent:end]...)
		seq := c.sndNext
		c.enqueueRetransmitLocked(FlagPSH|FlagACK, seq, chunk)
		c.send(FlagPSH|FlagACK, seq, c.rcvNext, chunk)
		c.sndNext += uint32(len(chunk))
		c.mu.Unlock()
		sent += len(chunk)
	}
	return sent, nil
}

/// Read blocks until data is available, the peer has sent FIN (EOF),
/// or ctx is cancelled.
func (c *Conn_t) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		c.mu.Lock()
		if !c.rcv.Empty() {
			uio := &byteUio{buf: make([]byte, len(buf))}
			n, _ := c.rcv.Copyout(uio)
			c.mu.Unlock()
			copy(buf, uio.buf[:n])
			return n, nil
		}
		if c.peerClosed {
			c.mu.Unlock()
			return 0, errEOF
		}
		c.mu.Unlock()
		if _, err := event.Await(ctx, []*event.Event_t{&c.dataEvent}, true); err != 0 {
			return 0, context.Cause(ctx)
		}
	}
}

var errEOF = errors.New("tcp: connection closed by peer")

/// Close sends FIN and advances the close state machine. The FIN is
/// tracked in the retransmit queue like any other segment.
func (c *Conn_t) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Established:
		c.sendFINLocked()
		c.setState(FinWait1)
	case CloseWait:
		c.sendFINLocked()
		c.setState(LastAck)
	case SynSent:
		c.setState(Closed)
	}
	return nil
}

func (c *Conn_t) sendFINLocked() {
	c.finSeq = c.sndNext
	c.finSent = true
	c.enqueueRetransmitLocked(FlagFIN|FlagACK, c.sndNext, nil)
	c.send(FlagFIN|FlagACK, c.sndNext, c.rcvNext, nil)
	c.sndNext++
}

func (c *Conn_t) State() State_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

/// byteUio is a minimal fdops.Userio_i over a plain byte slice, used
/// to drive internal/circbuf's Userio_i-shaped Copyin/Copyout from
/// plain network payload bytes rather than a real user-memory buffer.
type byteUio struct {
	buf []byte
	off int
}

func (u *byteUio) Uioread(dst []uint8) (int, defs.Err_t) {
	n := copy(dst, u.buf[u.off:])
	u.off += n
	return n, 0
}
func (u *byteUio) Uiowrite(src []uint8) (int, defs.Err_t) {
	n := copy(u.buf[u.off:], src)
	u.off += n
	return n, 0
}
func (u *byteUio) Remain() int  { return len(u.buf) - u.off }
func (u *byteUio) Totalsz() int { return len(u.buf) }
