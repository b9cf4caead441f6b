package nat

import (
	"encoding/binary"
	"net"
	"sync"
	"time"
)

const (
	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagRST = 1 << 2
	flagACK = 1 << 4
)

type fourTuple struct {
	srcIP   [4]byte
	srcPort uint16
	dstIP   [4]byte
	dstPort uint16
}

type tcpHeader struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint8
	window           uint16
	payload          []byte
}

func parseTCPHeader(data []byte) (tcpHeader, bool) {
	if len(data) < 20 {
		return tcpHeader{}, false
	}
	dataOff := int(data[12]>>4) * 4
	if dataOff < 20 || len(data) < dataOff {
		return tcpHeader{}, false
	}
	return tcpHeader{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		seq:     binary.BigEndian.Uint32(data[4:8]),
		ack:     binary.BigEndian.Uint32(data[8:12]),
		flags:   data[13],
		window:  binary.BigEndian.Uint16(data[14:16]),
		payload: data[dataOff:],
	}, true
}

// tcpConn relays one guest-initiated TCP stream to a real outbound
// socket dialed at connection establishment (SYN) time. No
// retransmission, congestion control, or window scaling is
// implemented: this is a NAT relay for short-lived guest sessions, not
// a general-purpose TCP/IP implementation.
type tcpConn struct {
	s      *Stack
	tuple  fourTuple
	srcIP  net.IP
	dstIP  net.IP

	mu       sync.Mutex
	sndNext  uint32 // next sequence number we will send
	rcvNext  uint32 // next sequence number we expect from the guest
	estab    bool
	closing  bool

	out net.Conn

	// activeOpen is set for host-initiated port-forward connections,
	// where the stack itself sends the opening SYN to the guest
	// instead of waiting for one.
	activeOpen bool
	synAckCh   chan struct{}
}

func (s *Stack) handleTCP(h ipv4Header) {
	hdr, ok := parseTCPHeader(h.payload)
	if !ok {
		return
	}

	var tuple fourTuple
	copy(tuple.srcIP[:], h.src.To4())
	tuple.srcPort = hdr.srcPort
	copy(tuple.dstIP[:], h.dst.To4())
	tuple.dstPort = hdr.dstPort

	s.mu.Lock()
	conn := s.tcp[tuple]
	s.mu.Unlock()

	if conn == nil {
		if hdr.flags&flagSYN == 0 {
			return // stray segment for an unknown connection
		}
		conn = s.newTCPConn(tuple, h.src, h.dst)
		s.mu.Lock()
		s.tcp[tuple] = conn
		s.mu.Unlock()
	}

	conn.handleSegment(hdr)
}

func (s *Stack) newTCPConn(tuple fourTuple, srcIP, dstIP net.IP) *tcpConn {
	return &tcpConn{s: s, tuple: tuple, srcIP: srcIP, dstIP: dstIP}
}

func (c *tcpConn) handleSegment(hdr tcpHeader) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hdr.flags&flagRST != 0 {
		c.teardownLocked()
		return
	}

	if c.activeOpen && !c.estab {
		if hdr.flags&flagSYN != 0 && hdr.flags&flagACK != 0 {
			c.rcvNext = hdr.seq + 1
			c.estab = true
			c.sendSegment(flagACK, c.sndNext, c.rcvNext, nil)
			close(c.synAckCh)
			go c.pumpFromOutbound()
		}
		return
	}

	if hdr.flags&flagSYN != 0 && !c.estab {
		c.rcvNext = hdr.seq + 1
		c.sndNext = 1
		out, err := net.Dial("tcp4", net.JoinHostPort(c.dstIP.String(), itoa(int(c.tuple.dstPort))))
		if err != nil {
			c.sendFlags(flagRST|flagACK, c.sndNext, c.rcvNext)
			c.teardownLocked()
			return
		}
		c.out = out
		c.estab = true
		c.sendFlags(flagSYN|flagACK, 0, c.rcvNext)
		c.sndNext = 1
		go c.pumpFromOutbound()
		return
	}

	if !c.estab {
		return
	}

	if len(hdr.payload) > 0 {
		c.rcvNext = hdr.seq + uint32(len(hdr.payload))
		if c.out != nil {
			_, _ = c.out.Write(hdr.payload)
		}
		c.sendFlags(flagACK, c.sndNext, c.rcvNext)
	}

	if hdr.flags&flagFIN != 0 {
		c.rcvNext++
		c.sendFlags(flagACK, c.sndNext, c.rcvNext)
		if c.out != nil {
			_ = c.out.Close()
		}
	}
}

// pumpFromOutbound relays bytes arriving on the real outbound socket
// back to the guest as TCP segments.
func (c *tcpConn) pumpFromOutbound() {
	buf := make([]byte, 16384)
	for {
		n, err := c.out.Read(buf)
		if n > 0 {
			c.mu.Lock()
			seq := c.sndNext
			c.sndNext += uint32(n)
			ack := c.rcvNext
			c.mu.Unlock()
			c.sendData(seq, ack, buf[:n])
		}
		if err != nil {
			c.mu.Lock()
			seq := c.sndNext
			c.sndNext++
			ack := c.rcvNext
			c.mu.Unlock()
			c.sendFlags(flagFIN|flagACK, seq, ack)
			return
		}
	}
}

// dialGuest opens an active TCP connection from the gateway to
// guestPort on the guest, relaying peer's bytes once the handshake
// completes. It is used by the port-forward reconciler for host
// connections that should be proxied into the guest.
func (s *Stack) dialGuest(guestPort uint16, peer net.Conn) {
	srcPort := s.nextEphemeralPort()
	var tuple fourTuple
	copy(tuple.srcIP[:], s.guestIP.To4())
	tuple.srcPort = guestPort
	copy(tuple.dstIP[:], s.gatewayIP.To4())
	tuple.dstPort = srcPort

	conn := &tcpConn{
		s:          s,
		tuple:      tuple,
		srcIP:      s.guestIP,
		dstIP:      s.gatewayIP,
		activeOpen: true,
		synAckCh:   make(chan struct{}),
		out:        peer,
		sndNext:    1,
	}

	s.mu.Lock()
	s.tcp[tuple] = conn
	s.mu.Unlock()

	conn.sendSegment(flagSYN, 0, 0, nil)

	select {
	case <-conn.synAckCh:
	case <-time.After(5 * time.Second):
		conn.mu.Lock()
		conn.teardownLocked()
		conn.mu.Unlock()
		_ = peer.Close()
	}
}

func (c *tcpConn) teardownLocked() {
	if c.out != nil {
		_ = c.out.Close()
	}
	c.s.mu.Lock()
	delete(c.s.tcp, c.tuple)
	c.s.mu.Unlock()
}

func (c *tcpConn) sendFlags(flags uint8, seq, ack uint32) {
	c.sendData(seq, ack, nil)
	c.sendSegment(flags, seq, ack, nil)
}

func (c *tcpConn) sendData(seq, ack uint32, payload []byte) {
	if payload == nil {
		return
	}
	c.sendSegment(flagACK, seq, ack, payload)
}

func (c *tcpConn) sendSegment(flags uint8, seq, ack uint32, payload []byte) {
	seg := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], c.tuple.dstPort)
	binary.BigEndian.PutUint16(seg[2:4], c.tuple.srcPort)
	binary.BigEndian.PutUint32(seg[4:8], seq)
	binary.BigEndian.PutUint32(seg[8:12], ack)
	seg[12] = 5 << 4 // data offset: 5 words, no options
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], 65535)
	copy(seg[20:], payload)

	ps := pseudoHeaderSum(c.dstIP.To4(), c.srcIP.To4(), protoTCP, len(seg))
	binary.BigEndian.PutUint16(seg[16:18], 0)
	binary.BigEndian.PutUint16(seg[16:18], checksumWithInitial(seg, ps))

	c.s.transmit(c.s.buildIPv4Frame(c.dstIP, c.srcIP, protoTCP, seg))
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
