// Package hypervisor is TenBox's thin adapter around the host platform's
// hardware-assisted virtualization service (spec.md §6.1): partition
// creation, guest memory mapping, vCPU execution and instruction-emulation
// callbacks. The public surface (Partition, Vcpu, ExitReason) is named to
// match the vendor-neutral substrate contract the core depends on; the
// concrete implementation in this package is backed by Linux KVM, in the
// absence of the vendor platform this module targets.
package hypervisor

import (
	"syscall"
	"unsafe"
)

// KVM ioctl numbers. These encodings are simplified placeholders in the
// spirit of the original prototype this module is adapted from: a real
// build generates the exact _IOR/_IOW/_IOWR encodings from the kernel
// uapi headers (e.g. via golang.org/x/sys/unix or `go generate`). Swap
// these for golang.org/x/sys/unix.IoctlKVM* equivalents when targeting a
// specific kernel ABI.
const (
	kvmVMBits    = 14
	kvmVCPUBits  = 8
	kvmIoctlBase = 0xAE

	ioctlCreateVM             = (kvmIoctlBase << kvmVMBits) | (0x01 << kvmVCPUBits)
	ioctlGetVCPUMmapSize      = (kvmIoctlBase << kvmVCPUBits) | (0x04 << kvmVCPUBits)
	ioctlCreateVCPU           = (kvmIoctlBase << kvmVCPUBits) | (0x41 << kvmVCPUBits)
	ioctlSetUserMemoryRegionNr = (kvmIoctlBase << kvmVMBits) | (0x46 << kvmVCPUBits)
	ioctlRun                  = (kvmIoctlBase << kvmVCPUBits) | (0x80 << kvmVCPUBits)
	ioctlGetRegsNr            = (kvmIoctlBase << kvmVCPUBits) | (0x81 << kvmVCPUBits)
	ioctlSetRegsNr            = (kvmIoctlBase << kvmVCPUBits) | (0x82 << kvmVCPUBits)
	ioctlGetSregsNr           = (kvmIoctlBase << kvmVCPUBits) | (0x83 << kvmVCPUBits)
	ioctlSetSregsNr           = (kvmIoctlBase << kvmVCPUBits) | (0x84 << kvmVCPUBits)
	ioctlInterruptReq         = (kvmIoctlBase << kvmVCPUBits) | (0x8D << kvmVCPUBits)
)

// ExitReason enumerates the substrate-level exit taxonomy from spec.md
// §6.1, mapped onto the concrete KVM exit codes this backend observes.
type ExitReason uint32

const (
	ExitUnknown              ExitReason = 0
	ExitHalt                 ExitReason = 1
	ExitIoPortAccess          ExitReason = 2
	ExitMemoryAccess          ExitReason = 3
	ExitCpuid                 ExitReason = 4
	ExitMsrAccess              ExitReason = 5
	ExitShutdown              ExitReason = 6
	ExitUnrecoverableException ExitReason = 7
	// The remaining spec.md §6.1 exit reasons (Canceled, ApicEoi,
	// UnsupportedFeature, InterruptWindow, InvalidVpRegisterValue) have no
	// distinct KVM exit code in this substrate and surface as ExitUnknown;
	// vmm/vcpu.go handles all of them in its ExitUnknown arm.
)

// cpuidExit carries the substrate's default CPUID result for the leaf the
// guest queried; the VMM returns these fields, overriding a few leaves in
// vmm/vcpu.go's handleCpuid (spec.md §4.23).
type cpuidExit struct {
	Function uint32
	Index    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
}

// msrExit carries one guest RDMSR/WRMSR access.
type msrExit struct {
	IsWrite uint8
	_       [3]byte
	Index   uint32
	Data    uint64
}

type memoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Regs is the named register set from spec.md §6.1 (a subset covering the
// GPRs this core's boot loader and exit handling actually touch).
type Regs struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RSP, RBP uint64
	RIP, RFLAGS                           uint64
}

// Segment is one GDT-style segment descriptor as consumed by SetSregs.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
}

// Sregs is the segment/control-register set from spec.md §6.1.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	CR0                    uint64
}

type ioExit struct {
	Direction  uint8
	Size       uint8
	_          [2]byte
	Port       uint16
	Count      uint32
	DataOffset uint64
}

type irqReq struct {
	Vector uint32
	_      uint32
}

// kvmRun mirrors the mmap'd kvm_run page. The Io field is a placeholder
// standing in for the real exit-reason union; it is large enough to hold
// every exit payload this core decodes.
type kvmRun struct {
	ExitReason uint32
	_          uint32
	Io         [128]byte
	HwReason   uint64
}

func doIoctl(fd int, cmd uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), cmd, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func ioctlCreateVMFd(sysFD int) (int, error) {
	r, err := doIoctl(sysFD, ioctlCreateVM, 0)
	return int(r), err
}

func ioctlCreateVCPUFd(vmFD int) (int, error) {
	r, err := doIoctl(vmFD, ioctlCreateVCPU, 0)
	return int(r), err
}

func ioctlSetUserMemoryRegion(vmFD int, slot uint32, gpa, size uint64, hva uintptr) error {
	region := memoryRegion{Slot: slot, GuestPhysAddr: gpa, MemorySize: size, UserspaceAddr: uint64(hva)}
	_, err := doIoctl(vmFD, ioctlSetUserMemoryRegionNr, uintptr(unsafe.Pointer(&region)))
	return err
}

func ioctlGetRegs(vcpuFD int) (*Regs, error) {
	var r Regs
	_, err := doIoctl(vcpuFD, ioctlGetRegsNr, uintptr(unsafe.Pointer(&r)))
	return &r, err
}

func ioctlSetRegs(vcpuFD int, r *Regs) error {
	_, err := doIoctl(vcpuFD, ioctlSetRegsNr, uintptr(unsafe.Pointer(r)))
	return err
}

func ioctlGetSregs(vcpuFD int) (*Sregs, error) {
	var s Sregs
	_, err := doIoctl(vcpuFD, ioctlGetSregsNr, uintptr(unsafe.Pointer(&s)))
	return &s, err
}

func ioctlSetSregs(vcpuFD int, s *Sregs) error {
	_, err := doIoctl(vcpuFD, ioctlSetSregsNr, uintptr(unsafe.Pointer(s)))
	return err
}

func ioctlInjectInterrupt(vcpuFD int, vector uint32) error {
	req := irqReq{Vector: vector}
	_, err := doIoctl(vcpuFD, ioctlInterruptReq, uintptr(unsafe.Pointer(&req)))
	return err
}
