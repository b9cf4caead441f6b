// Package nat implements the lightweight user-mode TCP/IP stack that
// gives a guest outbound network access without a host TAP device
// (spec.md §4.13): ARP for the synthetic gateway, ICMP echo, a DHCP
// server, UDP, and a minimal TCP state machine. Guest frames are handled
// on the goroutine that calls DeliverGuestFrame; the stack starts no
// network goroutine of its own, and its TCP and UDP relay goroutines
// also send frames to the guest.
package nat

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17

	ethernetHeaderLen = 14
	ipv4HeaderLen     = 20
	udpHeaderLen      = 8

	arpHardwareEthernet = 1
	arpProtoIPv4        = 0x0800
)

// Config pins the synthetic network's addressing.
type Config struct {
	GatewayIP net.IP // host side of the point-to-point link, e.g. 10.0.2.2
	GuestIP   net.IP // address handed to the guest via DHCP, e.g. 10.0.2.15
	Netmask   net.IP // e.g. 255.255.255.0
	GuestMAC  net.HardwareAddr
}

// Stack implements a minimal IPv4 NAT network reachable by one guest
// NIC. All guest-facing frame processing happens on the goroutine that
// calls DeliverGuestFrame. Frames for the guest leave through the send
// callback, which the TCP and UDP relay goroutines also call.
type Stack struct {
	log *logrus.Entry

	gatewayIP net.IP
	guestIP   net.IP
	netmask   net.IP
	hostMAC   net.HardwareAddr
	guestMAC  net.HardwareAddr

	send func(frame []byte)

	mu    sync.Mutex
	udp   map[uint16]*udpSocket
	tcp   map[fourTuple]*tcpConn
	fwd   *forwardTable
	dhcp  *dhcpServer
	ephem uint16
}

// nextEphemeralPort returns a source port for stack-initiated TCP
// connections (host-to-guest port forwards), cycling through the
// dynamic/private port range.
func (s *Stack) nextEphemeralPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ephem == 0 {
		s.ephem = 50000
	}
	p := s.ephem
	s.ephem++
	if s.ephem == 0 {
		s.ephem = 50000
	}
	return p
}

// New constructs a Stack. send is called (never while holding internal
// locks) whenever the stack needs to transmit a frame to the guest;
// it is typically virtio-net's Backend.InjectRx.
func New(cfg Config, send func(frame []byte), log *logrus.Entry) *Stack {
	hostMAC := make(net.HardwareAddr, 6)
	copy(hostMAC, []byte{0x52, 0x54, 0x00, 0x00, 0x00, 0x01})

	s := &Stack{
		log:       log,
		gatewayIP: cfg.GatewayIP.To4(),
		guestIP:   cfg.GuestIP.To4(),
		netmask:   cfg.Netmask.To4(),
		hostMAC:   hostMAC,
		guestMAC:  cfg.GuestMAC,
		send:      send,
		udp:       make(map[uint16]*udpSocket),
		tcp:       make(map[fourTuple]*tcpConn),
	}
	s.fwd = newForwardTable(s)
	s.dhcp = newDHCPServer(s)
	return s
}

// ForwardTable exposes the port-forward reconciliation surface.
func (s *Stack) ForwardTable() *forwardTable { return s.fwd }

// DeliverGuestFrame handles one Ethernet frame transmitted by the
// guest (virtio-net TxFunc). It must only be called serially.
func (s *Stack) DeliverGuestFrame(frame []byte) {
	if len(frame) < ethernetHeaderLen {
		return
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethernetHeaderLen:]

	switch etherType {
	case etherTypeARP:
		s.handleARP(payload)
	case etherTypeIPv4:
		s.handleIPv4(payload)
	}
}

func (s *Stack) transmit(frame []byte) {
	if s.send != nil {
		s.send(frame)
	}
}

func buildEthernetHeader(buf []byte, dstMAC, srcMAC net.HardwareAddr, etherType uint16) {
	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	binary.BigEndian.PutUint16(buf[12:14], etherType)
}

////////////////////////////////////////////////////////////////////////////
// ARP
////////////////////////////////////////////////////////////////////////////

func (s *Stack) handleARP(payload []byte) {
	if len(payload) < 28 {
		return
	}
	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	op := binary.BigEndian.Uint16(payload[6:8])
	if hwType != arpHardwareEthernet || protoType != arpProtoIPv4 || op != 1 {
		return
	}

	senderMAC := net.HardwareAddr(payload[8:14])
	senderIP := net.IP(payload[14:18])
	targetIP := net.IP(payload[24:28])

	if !targetIP.Equal(s.gatewayIP) {
		return
	}

	frame := make([]byte, ethernetHeaderLen+28)
	buildEthernetHeader(frame[:ethernetHeaderLen], senderMAC, s.hostMAC, etherTypeARP)
	arp := frame[ethernetHeaderLen:]
	binary.BigEndian.PutUint16(arp[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(arp[2:4], arpProtoIPv4)
	arp[4], arp[5] = 6, 4
	binary.BigEndian.PutUint16(arp[6:8], 2) // reply
	copy(arp[8:14], s.hostMAC)
	copy(arp[14:18], targetIP.To4())
	copy(arp[18:24], senderMAC)
	copy(arp[24:28], senderIP.To4())
	s.transmit(frame)
}

////////////////////////////////////////////////////////////////////////////
// IPv4 demux, header build, checksums
////////////////////////////////////////////////////////////////////////////

type ipv4Header struct {
	protocol uint8
	src, dst net.IP
	payload  []byte
}

func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header too short: %d", len(data))
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < ipv4HeaderLen || len(data) < ihl {
		return ipv4Header{}, fmt.Errorf("bad ipv4 ihl")
	}
	return ipv4Header{
		protocol: data[9],
		src:      net.IP(append(net.IP(nil), data[12:16]...)),
		dst:      net.IP(append(net.IP(nil), data[16:20]...)),
		payload:  data[ihl:],
	}, nil
}

func ipChecksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

func pseudoHeaderSum(src, dst net.IP, protocol uint8, length int) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// buildIPv4Frame wraps payload in an IPv4 header and an Ethernet header
// addressed to the guest.
func (s *Stack) buildIPv4Frame(src, dst net.IP, protocol uint8, payload []byte) []byte {
	total := ethernetHeaderLen + ipv4HeaderLen + len(payload)
	frame := make([]byte, total)
	buildEthernetHeader(frame[:ethernetHeaderLen], s.guestMAC, s.hostMAC, etherTypeIPv4)

	ip := frame[ethernetHeaderLen : ethernetHeaderLen+ipv4HeaderLen]
	ip[0] = (4 << 4) | (ipv4HeaderLen / 4)
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipv4HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(ip[4:6], 0)
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = 64
	ip[9] = protocol
	copy(ip[12:16], src.To4())
	copy(ip[16:20], dst.To4())
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip))

	copy(frame[ethernetHeaderLen+ipv4HeaderLen:], payload)
	return frame
}

func (s *Stack) handleIPv4(payload []byte) {
	hdr, err := parseIPv4Header(payload)
	if err != nil {
		return
	}
	// The stack is the guest's only route, so it accepts any
	// destination here (including DHCP's 255.255.255.255 broadcast)
	// and NATs onward rather than requiring dst == gatewayIP.
	switch hdr.protocol {
	case protoICMP:
		s.handleICMP(hdr)
	case protoUDP:
		s.handleUDP(hdr)
	case protoTCP:
		s.handleTCP(hdr)
	}
}

////////////////////////////////////////////////////////////////////////////
// ICMP echo
////////////////////////////////////////////////////////////////////////////

func (s *Stack) handleICMP(h ipv4Header) {
	payload := h.payload
	if len(payload) < 8 || payload[0] != 8 {
		return
	}
	reply := append([]byte(nil), payload...)
	reply[0] = 0 // echo reply
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], ipChecksum(reply))
	s.transmit(s.buildIPv4Frame(s.gatewayIP, h.src, protoICMP, reply))
}

////////////////////////////////////////////////////////////////////////////
// UDP
////////////////////////////////////////////////////////////////////////////

func (s *Stack) handleUDP(h ipv4Header) {
	payload := h.payload
	if len(payload) < udpHeaderLen {
		return
	}
	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	if int(length) > len(payload) || length < udpHeaderLen {
		return
	}
	data := payload[8:length]

	if dstPort == 67 {
		s.dhcp.handleRequest(data)
		return
	}

	if dstPort == 53 {
		if !isWellFormedDNSQuery(data) {
			return
		}
	}

	s.mu.Lock()
	sock := s.udp[srcPort]
	if sock == nil {
		sock = newUDPSocket(s, srcPort)
		s.udp[srcPort] = sock
	}
	s.mu.Unlock()

	sock.forward(net.UDPAddr{IP: h.dst, Port: int(dstPort)}, data)
}

// sendUDP transmits a UDP datagram to the guest from srcIP:srcPort.
func (s *Stack) sendUDP(srcIP net.IP, srcPort uint16, dstPort uint16, data []byte) {
	udp := make([]byte, udpHeaderLen+len(data))
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[8:], data)

	ps := pseudoHeaderSum(srcIP.To4(), s.guestIP, protoUDP, len(udp))
	binary.BigEndian.PutUint16(udp[6:8], checksumWithInitial(udp, ps))

	s.transmit(s.buildIPv4Frame(srcIP, s.guestIP, protoUDP, udp))
}
