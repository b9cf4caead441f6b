package nat

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/sirupsen/logrus"
)

func testStack(t *testing.T) (*Stack, *[][]byte) {
	t.Helper()
	var sent [][]byte
	cfg := Config{
		GatewayIP: net.IPv4(10, 0, 2, 2),
		GuestIP:   net.IPv4(10, 0, 2, 15),
		Netmask:   net.IPv4(255, 255, 255, 0),
		GuestMAC:  net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
	}
	s := New(cfg, func(frame []byte) {
		sent = append(sent, append([]byte(nil), frame...))
	}, logrus.NewEntry(logrus.New()))
	return s, &sent
}

func buildARPRequest(senderMAC net.HardwareAddr, senderIP, targetIP net.IP) []byte {
	frame := make([]byte, ethernetHeaderLen+28)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], senderMAC)
	binary.BigEndian.PutUint16(frame[12:14], etherTypeARP)
	arp := frame[ethernetHeaderLen:]
	binary.BigEndian.PutUint16(arp[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(arp[2:4], arpProtoIPv4)
	arp[4], arp[5] = 6, 4
	binary.BigEndian.PutUint16(arp[6:8], 1)
	copy(arp[8:14], senderMAC)
	copy(arp[14:18], senderIP.To4())
	copy(arp[24:28], targetIP.To4())
	return frame
}

func TestARPRequestForGatewayGetsReply(t *testing.T) {
	s, sent := testStack(t)
	req := buildARPRequest(s.guestMAC, s.guestIP, s.gatewayIP)
	s.DeliverGuestFrame(req)

	if len(*sent) != 1 {
		t.Fatalf("expected one ARP reply, got %d", len(*sent))
	}
	reply := (*sent)[0]
	op := binary.BigEndian.Uint16(reply[ethernetHeaderLen+6 : ethernetHeaderLen+8])
	if op != 2 {
		t.Fatalf("expected ARP reply op=2, got %d", op)
	}
	replyIP := net.IP(reply[ethernetHeaderLen+14 : ethernetHeaderLen+18])
	if !replyIP.Equal(s.gatewayIP) {
		t.Fatalf("reply sender IP = %v, want %v", replyIP, s.gatewayIP)
	}
}

func TestARPRequestForOtherIPIgnored(t *testing.T) {
	s, sent := testStack(t)
	req := buildARPRequest(s.guestMAC, s.guestIP, net.IPv4(10, 0, 2, 50))
	s.DeliverGuestFrame(req)
	if len(*sent) != 0 {
		t.Fatalf("expected no reply, got %d frames", len(*sent))
	}
}

func TestIPChecksumSelfVerifies(t *testing.T) {
	hdr := make([]byte, ipv4HeaderLen)
	hdr[0] = (4 << 4) | 5
	hdr[8] = 64
	hdr[9] = protoUDP
	copy(hdr[12:16], net.IPv4(10, 0, 2, 2).To4())
	copy(hdr[16:20], net.IPv4(10, 0, 2, 15).To4())
	binary.BigEndian.PutUint16(hdr[10:12], ipChecksum(hdr))

	if ipChecksum(hdr) != 0 {
		t.Fatalf("checksum over a checksummed header should be 0, got %x", ipChecksum(hdr))
	}
}

func buildDHCPDiscover(chaddr net.HardwareAddr) []byte {
	buf := make([]byte, 240, 260)
	buf[0] = bootRequest
	buf[1] = 1
	buf[2] = 6
	binary.BigEndian.PutUint32(buf[4:8], 0xdeadbeef)
	copy(buf[28:34], chaddr)
	binary.BigEndian.PutUint32(buf[236:240], dhcpMagicCookie)
	buf = append(buf, optMessageType, 1, dhcpDiscover)
	buf = append(buf, optEnd)
	return buf
}

func TestDHCPDiscoverProducesOffer(t *testing.T) {
	s, sent := testStack(t)
	mac := net.HardwareAddr{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}
	s.dhcp.handleRequest(buildDHCPDiscover(mac))

	if len(*sent) != 1 {
		t.Fatalf("expected one DHCP offer frame, got %d", len(*sent))
	}
	frame := (*sent)[0]
	udpPayload := frame[ethernetHeaderLen+ipv4HeaderLen+udpHeaderLen:]
	if udpPayload[0] != bootReply {
		t.Fatalf("expected BOOTREPLY, got op=%d", udpPayload[0])
	}
	yiaddr := net.IP(udpPayload[16:20])
	if !yiaddr.Equal(s.guestIP) {
		t.Fatalf("yiaddr = %v, want %v", yiaddr, s.guestIP)
	}
}
