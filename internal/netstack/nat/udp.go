package nat

import (
	"net"

	"github.com/miekg/dns"
)

// udpSocket represents one guest-side UDP source port. Outbound
// datagrams open (lazily) a real host socket per destination; replies
// are relayed back to the guest under the original source port.
type udpSocket struct {
	s        *Stack
	guestSrc uint16

	conns map[string]*net.UDPConn
}

func newUDPSocket(s *Stack, guestSrc uint16) *udpSocket {
	return &udpSocket{s: s, guestSrc: guestSrc, conns: make(map[string]*net.UDPConn)}
}

// isWellFormedDNSQuery parses an intercepted UDP:53 payload with
// miekg/dns to confirm it is a structurally valid DNS message before
// the stack relays it onward; the bytes themselves are still forwarded
// verbatim, this is only a sanity gate.
func isWellFormedDNSQuery(payload []byte) bool {
	var msg dns.Msg
	return msg.Unpack(payload) == nil
}

// forward sends data (originating from the guest) to dst via a host
// socket, spawning a reader goroutine that relays replies back.
func (u *udpSocket) forward(dst net.UDPAddr, data []byte) {
	key := dst.String()

	u.s.mu.Lock()
	conn := u.conns[key]
	u.s.mu.Unlock()

	if conn == nil {
		c, err := net.DialUDP("udp4", nil, &dst)
		if err != nil {
			if u.s.log != nil {
				u.s.log.WithError(err).Debug("nat: udp dial failed")
			}
			return
		}
		conn = c
		u.s.mu.Lock()
		u.conns[key] = conn
		u.s.mu.Unlock()
		go u.relayReplies(conn, dst)
	}

	_, _ = conn.Write(data)
}

func (u *udpSocket) relayReplies(conn *net.UDPConn, dst net.UDPAddr) {
	buf := make([]byte, 65536)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		u.s.sendUDP(dst.IP, uint16(dst.Port), u.guestSrc, buf[:n])
	}
}
