package nat

import (
	"encoding/binary"
	"net"
)

// dhcpServer hands the guest a single, fixed lease (Config.GuestIP) so
// an unmodified Linux guest's dhclient/systemd-networkd brings the
// synthetic NIC up without any static network configuration baked
// into the kernel command line.
type dhcpServer struct {
	s *Stack
}

func newDHCPServer(s *Stack) *dhcpServer { return &dhcpServer{s: s} }

const (
	bootRequest = 1
	bootReply   = 2

	dhcpMagicCookie = 0x63825363

	optMessageType  = 53
	optServerID     = 54
	optLeaseTime    = 51
	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optRequestedIP  = 50
	optParamReqList = 55
	optEnd          = 255

	dhcpDiscover = 1
	dhcpOffer    = 2
	dhcpRequest  = 3
	dhcpAck      = 5
)

// handleRequest parses a BOOTP/DHCP datagram (the UDP payload, so the
// 8-byte UDP header is already stripped) and replies with an OFFER or
// ACK as appropriate.
func (d *dhcpServer) handleRequest(data []byte) {
	if len(data) < 240 {
		return
	}
	if data[0] != bootRequest {
		return
	}
	if binary.BigEndian.Uint32(data[236:240]) != dhcpMagicCookie {
		return
	}

	xid := data[4:8]
	chaddr := net.HardwareAddr(append([]byte(nil), data[28:34]...))

	msgType := byte(0)
	for opts := data[240:]; len(opts) > 0; {
		code := opts[0]
		if code == optEnd {
			break
		}
		if code == 0 {
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			break
		}
		l := int(opts[1])
		if len(opts) < 2+l {
			break
		}
		if code == optMessageType && l == 1 {
			msgType = opts[2]
		}
		opts = opts[2+l:]
	}

	switch msgType {
	case dhcpDiscover:
		d.reply(xid, chaddr, dhcpOffer)
	case dhcpRequest:
		d.reply(xid, chaddr, dhcpAck)
	}
}

func (d *dhcpServer) reply(xid []byte, chaddr net.HardwareAddr, msgType byte) {
	s := d.s
	buf := make([]byte, 240, 300)
	buf[0] = bootReply
	buf[1] = 1 // htype: ethernet
	buf[2] = 6 // hlen
	buf[3] = 0
	copy(buf[4:8], xid)
	binary.BigEndian.PutUint16(buf[8:10], 0)  // secs
	binary.BigEndian.PutUint16(buf[10:12], 0) // flags
	copy(buf[16:20], s.guestIP.To4())         // yiaddr
	copy(buf[20:24], s.gatewayIP.To4())       // siaddr
	copy(buf[28:34], chaddr)
	binary.BigEndian.PutUint32(buf[236:240], dhcpMagicCookie)

	addOpt := func(code byte, val []byte) {
		buf = append(buf, code, byte(len(val)))
		buf = append(buf, val...)
	}
	addOpt(optMessageType, []byte{msgType})
	addOpt(optServerID, s.gatewayIP.To4())
	addOpt(optLeaseTime, []byte{0, 1, 0x51, 0x80}) // 86400s
	addOpt(optSubnetMask, s.netmask.To4())
	addOpt(optRouter, s.gatewayIP.To4())
	addOpt(optDNS, s.gatewayIP.To4())
	buf = append(buf, optEnd)

	s.sendUDP(s.gatewayIP, 67, 68, buf)
}
