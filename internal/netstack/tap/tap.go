// Package tap implements a Linux TUN/TAP-backed network interface, an
// alternative to internal/netstack/nat for deployments that want a
// real bridged host interface instead of a NAT'd one (spec.md §4.13
// notes both are valid --net backends).
package tap

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Device implements a host TUN/TAP Ethernet interface.
type Device struct {
	fd   int
	name string
}

// Open creates and configures a new TAP device named name.
func Open(name string) (*Device, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF ioctl for %s: %w", name, errno)
	}

	return &Device{fd: fd, name: name}, nil
}

// ReadFrame reads one Ethernet frame from the TAP device.
func (d *Device) ReadFrame() ([]byte, error) {
	buf := make([]byte, 65536)
	n, err := syscall.Read(d.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("read tap %s: %w", d.name, err)
	}
	return buf[:n], nil
}

// WriteFrame writes one Ethernet frame to the TAP device.
func (d *Device) WriteFrame(frame []byte) error {
	if _, err := syscall.Write(d.fd, frame); err != nil {
		return fmt.Errorf("write tap %s: %w", d.name, err)
	}
	return nil
}

// Close closes the TAP device's file descriptor.
func (d *Device) Close() error {
	if d.fd == 0 {
		return nil
	}
	fd := d.fd
	d.fd = 0
	return syscall.Close(fd)
}

// Configure brings the TAP interface up and assigns it cidr (e.g.
// "192.168.100.1/24") via netlink, replacing the teacher's
// shelled-out "ip link"/"ip addr" placeholder with real netlink calls.
func Configure(name, cidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", name, err)
	}

	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse address %s: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("add address %s to %s: %w", cidr, name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set link %s up: %w", name, err)
	}
	return nil
}

// HardwareAddr returns the interface's MAC address, used to pick a
// distinct MAC for the guest-facing virtio-net backend.
func HardwareAddr(name string) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup link %s: %w", name, err)
	}
	return link.Attrs().HardwareAddr, nil
}
