package hypervisor

import (
	"fmt"
	"os"
	"sync"
	"unsafe"
)

// IoHandler and MmioHandler are the instruction-emulation callbacks the
// substrate invokes for PIO/MMIO exits (spec.md §6.1).
type IoHandler func(port uint16, direction uint8, size uint8, data []byte)
type MmioHandler func(gpa uint64, data []byte, isWrite bool)

// Partition is the vendor-neutral handle the core depends on: it owns
// the `/dev/kvm` + VM file descriptors and the guest memory mapping.
type Partition struct {
	mu     sync.Mutex
	sysFD  int
	vmFD   int
}

// CreatePartition opens the substrate device and creates the partition.
// cpuCount is not used here; the caller records it, and the partition
// itself does not pre-allocate vCPU objects.
func CreatePartition(cpuCount int) (*Partition, error) {
	sysFD, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: open substrate device: %w", err)
	}
	vmFD, err := ioctlCreateVMFd(int(sysFD.Fd()))
	if err != nil {
		sysFD.Close()
		return nil, fmt.Errorf("hypervisor: create partition: %w", err)
	}
	return &Partition{sysFD: int(sysFD.Fd()), vmFD: vmFD}, nil
}

// MapGuestMemory installs a userspace-backed guest physical memory slot.
func (p *Partition) MapGuestMemory(slot uint32, gpa, size uint64, hva uintptr) error {
	return ioctlSetUserMemoryRegion(p.vmFD, slot, gpa, size, hva)
}

// CreateVcpu creates vCPU idx and mmaps its kvm_run page.
func (p *Partition) CreateVcpu(idx int) (*Vcpu, error) {
	fd, err := ioctlCreateVCPUFd(p.vmFD)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: create vcpu %d: %w", idx, err)
	}
	return newVcpu(idx, fd)
}

// Close tears down the partition's file descriptors.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.vmFD != 0 {
		if err := closeFd(p.vmFD); err != nil && firstErr == nil {
			firstErr = err
		}
		p.vmFD = 0
	}
	if p.sysFD != 0 {
		if err := closeFd(p.sysFD); err != nil && firstErr == nil {
			firstErr = err
		}
		p.sysFD = 0
	}
	return firstErr
}

func closeFd(fd int) error {
	return os.NewFile(uintptr(fd), "").Close()
}

// Vcpu is one virtual CPU's execution context: a file descriptor plus its
// mmap'd kvm_run page. RunOnce blocks inside the substrate's run_vcpu
// equivalent and returns a decoded exit.
type Vcpu struct {
	Index int

	fd         int
	runPtr     uintptr
	runMmapLen int
	run        *kvmRun
}

func newVcpu(idx, fd int) (*Vcpu, error) {
	size, err := doIoctl(fd, uintptr(ioctlGetVCPUMmapSize), 0)
	if err != nil || size == 0 {
		size = 4096
	}
	v := &Vcpu{Index: idx, fd: fd, runMmapLen: int(size)}
	if err := v.mmapRun(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vcpu) mmapRun() error {
	data, err := mmapRunPage(v.fd, v.runMmapLen)
	if err != nil {
		return fmt.Errorf("hypervisor: mmap vcpu run page: %w", err)
	}
	v.runPtr = uintptr(unsafe.Pointer(&data[0]))
	v.run = (*kvmRun)(unsafe.Pointer(&data[0]))
	return nil
}

// SetRegs installs the GPR/RIP/RFLAGS register set.
func (v *Vcpu) SetRegs(r *Regs) error { return ioctlSetRegs(v.fd, r) }

// GetRegs reads back the GPR/RIP/RFLAGS register set.
func (v *Vcpu) GetRegs() (*Regs, error) { return ioctlGetRegs(v.fd) }

// SetSregs installs the segment/control-register set.
func (v *Vcpu) SetSregs(s *Sregs) error { return ioctlSetSregs(v.fd, s) }

// GetSregs reads back the segment/control-register set.
func (v *Vcpu) GetSregs() (*Sregs, error) { return ioctlGetSregs(v.fd) }

// RequestInterrupt injects a fixed-vector interrupt into this vCPU.
func (v *Vcpu) RequestInterrupt(vector uint32) error {
	return ioctlInjectInterrupt(v.fd, vector)
}

// Exit is the decoded result of one RunOnce call.
type Exit struct {
	Reason    ExitReason
	Port      uint16
	Direction uint8 // 0 = guest IN, 1 = guest OUT; valid for ExitIoPortAccess
	Size      uint8
	Count     uint32
	Data      []byte
	MmioGpa   uint64
	MmioWrite bool // valid for ExitMemoryAccess
	HwReason  uint64

	// Populated for ExitCpuid: the guest's queried leaf/subleaf and the
	// substrate's default result, which the VMM may return unmodified.
	CpuidFunction uint32
	CpuidIndex    uint32
	CpuidDefault  [4]uint32 // eax, ebx, ecx, edx

	// Populated for ExitMsrAccess.
	MsrIndex   uint32
	MsrIsWrite bool
	MsrData    uint64
}

// RunOnce blocks inside the substrate's vCPU execution loop until the
// next exit and decodes its payload.
func (v *Vcpu) RunOnce() (Exit, error) {
	_, err := doIoctl(v.fd, uintptr(ioctlRun), 0)
	if err != nil {
		return Exit{}, err
	}
	reason := ExitReason(v.run.ExitReason)
	e := Exit{Reason: reason}
	switch reason {
	case ExitIoPortAccess:
		io := (*ioExit)(unsafe.Pointer(&v.run.Io[0]))
		dataPtr := v.runPtr + uintptr(io.DataOffset)
		sz := int(io.Size) * int(io.Count)
		if sz <= 0 {
			sz = int(io.Size)
		}
		e.Port = io.Port
		e.Direction = io.Direction
		e.Size = io.Size
		e.Count = io.Count
		e.Data = unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), sz)
	case ExitMemoryAccess:
		// Simplified layout: the teacher's inline mmio struct {phys_addr,
		// data[8], len, is_write} immediately follows ExitReason.
		type mmioExit struct {
			PhysAddr uint64
			Data     [8]byte
			Len      uint32
			IsWrite  uint8
		}
		m := (*mmioExit)(unsafe.Pointer(&v.run.Io[0]))
		e.MmioGpa = m.PhysAddr
		e.Size = uint8(m.Len)
		e.Data = m.Data[:m.Len]
		e.MmioWrite = m.IsWrite != 0
	case ExitCpuid:
		c := (*cpuidExit)(unsafe.Pointer(&v.run.Io[0]))
		e.CpuidFunction = c.Function
		e.CpuidIndex = c.Index
		e.CpuidDefault = [4]uint32{c.Eax, c.Ebx, c.Ecx, c.Edx}
	case ExitMsrAccess:
		m := (*msrExit)(unsafe.Pointer(&v.run.Io[0]))
		e.MsrIndex = m.Index
		e.MsrIsWrite = m.IsWrite != 0
		e.MsrData = m.Data
	case ExitUnrecoverableException:
		e.HwReason = v.run.HwReason
	}
	return e, nil
}

// SetCpuidResult overwrites the substrate's default eax/ebx/ecx/edx for a
// pending ExitCpuid exit; the next RunOnce call re-enters with these
// values already loaded into the guest's GPRs, same as it would for the
// unmodified default.
func (v *Vcpu) SetCpuidResult(eax, ebx, ecx, edx uint32) {
	c := (*cpuidExit)(unsafe.Pointer(&v.run.Io[0]))
	c.Eax, c.Ebx, c.Ecx, c.Edx = eax, ebx, ecx, edx
}

// SetMsrReadResult supplies the 64-bit value returned to the guest for a
// pending read ExitMsrAccess exit.
func (v *Vcpu) SetMsrReadResult(value uint64) {
	m := (*msrExit)(unsafe.Pointer(&v.run.Io[0]))
	m.Data = value
}

// Close munmaps the kvm_run page and closes the vCPU fd.
func (v *Vcpu) Close() error {
	if v.run != nil {
		_ = munmapRunPage(v.runPtr, v.runMmapLen)
		v.run = nil
	}
	return closeFd(v.fd)
}
