// Package vmm implements the VM object (spec.md §4.17): the type that
// composes guest memory, the hypervisor substrate, the legacy chipset,
// and whichever virtio backends a Config asks for into one runnable
// machine, and owns the per-vCPU execution threads.
package vmm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/tenbox/tenbox/internal/acpi"
	"github.com/tenbox/tenbox/internal/bootloader"
	"github.com/tenbox/tenbox/internal/device/legacy"
	"github.com/tenbox/tenbox/internal/device/virtio/blk"
	"github.com/tenbox/tenbox/internal/device/virtio/fs"
	"github.com/tenbox/tenbox/internal/device/virtio/gpu"
	"github.com/tenbox/tenbox/internal/device/virtio/input"
	"github.com/tenbox/tenbox/internal/device/virtio/mmio"
	netdev "github.com/tenbox/tenbox/internal/device/virtio/net"
	"github.com/tenbox/tenbox/internal/device/virtio/serial"
	"github.com/tenbox/tenbox/internal/device/virtio/snd"
	"github.com/tenbox/tenbox/internal/disk"
	"github.com/tenbox/tenbox/internal/disk/qcow2"
	"github.com/tenbox/tenbox/internal/guestagent"
	"github.com/tenbox/tenbox/internal/hypervisor"
	ipcprotocol "github.com/tenbox/tenbox/internal/ipc/protocol"
	"github.com/tenbox/tenbox/internal/ipc/runtime"
	"github.com/tenbox/tenbox/internal/memory"
	"github.com/tenbox/tenbox/internal/netstack/nat"
	"github.com/tenbox/tenbox/internal/netstack/tap"
)

// errUnrecoverableException is returned by Run when a vCPU exits with
// ExitUnrecoverableException (spec.md §6.1): a fault the substrate
// could not translate into an emulatable access.
var errUnrecoverableException = fmt.Errorf("vmm: vcpu hit an unrecoverable exception")

// ErrGuestRebootRequested is Run's sentinel for a guest- or manager-
// requested reboot; cmd/tenbox-runtime maps it to exit code 128
// (spec.md §6.5).
var ErrGuestRebootRequested = fmt.Errorf("vmm: reboot requested")

// virtioMmioBase is the first virtio-mmio window's guest-physical
// address (spec.md §6.2); each device gets a mmio.MmioWindowSize slice.
const virtioMmioBase = 0xd0000000

// firstVirtioIRQ is the first ISA IRQ line handed to a virtio device;
// lines already claimed by legacy devices (0 PIT, 4 COM1, 8 RTC, 9 SCI)
// are skipped.
const firstVirtioIRQ = 5

// NetMode selects how virtio-net's TX frames leave the host.
type NetMode int

const (
	// NetModeNone disables virtio-net entirely.
	NetModeNone NetMode = iota
	// NetModeNAT routes guest traffic through the in-process user-mode
	// NAT stack (spec.md §4.13); no host privileges required.
	NetModeNAT
	// NetModeTap bridges the guest NIC to a host TAP device.
	NetModeTap
)

// NetConfig configures virtio-net's backing transport.
type NetConfig struct {
	Mode NetMode
	MAC  [6]byte

	// NetModeTap
	TapName string

	// NetModeNAT
	NAT nat.Config

	PortForwards []nat.PortForward
}

// Config is everything New needs to build one machine.
type Config struct {
	CPUCount    int
	MemoryBytes uint64

	KernelPath string
	InitrdPath string
	Cmdline    string

	DiskPath     string
	DiskReadOnly bool

	Net NetConfig

	Shares []fs.Share

	DisplayWidth, DisplayHeight uint32
	OnDisplayFrame              func(gpu.DisplayFrame)
	OnCursor                    func(gpu.CursorInfo)
	OnAudioOutput               func([]byte)

	ConsoleOut io.Writer

	// Runtime, if set, is the manager-facing IPC endpoint (spec.md
	// §4.18) the VM publishes runtime.state/console.data/display.*
	// events to. VMID, if empty once Runtime is set, defaults to a
	// generated id (spec.md §4.22).
	Runtime *runtime.Endpoint
	VMID    string

	Log *logrus.Entry
}

// VM composes one machine's memory, devices, and vCPUs.
type VM struct {
	cfg Config
	log *logrus.Entry

	partition *hypervisor.Partition
	mem       *memory.GuestMemory
	addr      *memory.AddressSpace
	ioapic    *legacy.IoApic
	pm1       *legacy.AcpiPm1
	pitDev    *legacy.I8254Pit

	vcpus []*Vcpu

	diskImg    disk.Image
	netBackend *netdev.Backend
	natStack   *nat.Stack
	tapDev     *tap.Device
	agent      *guestagent.Agent
	serialBk   *serial.Backend
	kbdDev     *input.Backend
	tabletDev  *input.Backend

	virtioDevices []acpi.VirtioDevice
	nextMmioBase  uint64
	nextIRQ       uint8

	stopped  atomic.Bool
	runWG    sync.WaitGroup
	exitOnce sync.Once
	doneCh   chan struct{}
	exitErr  error
}

// New builds a VM per the construction order spec.md §4.17 describes:
// validate hypervisor presence, allocate and map guest RAM, register
// legacy devices, optionally construct virtio backends, load the kernel
// and build ACPI tables enumerating whichever virtio devices were
// instantiated, create vCPUs, and set every vCPU's initial registers.
func New(cfg Config) (*VM, error) {
	if cfg.CPUCount <= 0 {
		cfg.CPUCount = 1
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.New())
	}
	if cfg.ConsoleOut == nil {
		cfg.ConsoleOut = os.Stdout
	}
	if cfg.Runtime != nil && cfg.VMID == "" {
		cfg.VMID = runtime.NewVMID()
	}

	partition, err := hypervisor.CreatePartition(cfg.CPUCount)
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}

	mem, err := memory.New(cfg.MemoryBytes)
	if err != nil {
		partition.Close()
		return nil, fmt.Errorf("vmm: %w", err)
	}

	if err := partition.MapGuestMemory(0, 0, mem.LowSize(), hvaOf(mem, 0)); err != nil {
		mem.Close()
		partition.Close()
		return nil, fmt.Errorf("vmm: map low memory: %w", err)
	}
	if mem.HighSize() > 0 {
		if err := partition.MapGuestMemory(1, memory.MmioHoleEnd, mem.HighSize(), hvaOf(mem, int(mem.LowSize()))); err != nil {
			mem.Close()
			partition.Close()
			return nil, fmt.Errorf("vmm: map high memory: %w", err)
		}
	}

	vm := &VM{
		cfg:          cfg,
		log:          cfg.Log,
		partition:    partition,
		mem:          mem,
		addr:         memory.NewAddressSpace(cfg.Log),
		ioapic:       legacy.NewIoApic(),
		nextMmioBase: virtioMmioBase,
		nextIRQ:      firstVirtioIRQ,
		doneCh:       make(chan struct{}),
	}

	vm.registerLegacyDevices()

	if err := vm.buildOptionalVirtioDevices(); err != nil {
		vm.Close()
		return nil, err
	}

	kernel, err := os.ReadFile(cfg.KernelPath)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: read kernel: %w", err)
	}
	var initrd []byte
	if cfg.InitrdPath != "" {
		initrd, err = os.ReadFile(cfg.InitrdPath)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("vmm: read initrd: %w", err)
		}
	}

	_, sregs, regs, err := bootloader.Load(mem, kernel, initrd, cfg.Cmdline, acpi.RSDPAddr)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("vmm: %w", err)
	}

	tables := acpi.Build(cfg.CPUCount, vm.virtioDevices)
	for gpa, table := range map[uint64][]byte{
		acpi.RSDPAddr: tables.RSDP,
		acpi.XSDTAddr: tables.XSDT,
		acpi.MADTAddr: tables.MADT,
		acpi.FADTAddr: tables.FADT,
		acpi.DSDTAddr: tables.DSDT,
	} {
		if !mem.WriteAt(gpa, table) {
			vm.Close()
			return nil, fmt.Errorf("vmm: ACPI table does not fit guest RAM at 0x%x", gpa)
		}
	}

	for i := 0; i < cfg.CPUCount; i++ {
		hv, err := partition.CreateVcpu(i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("vmm: create vcpu %d: %w", i, err)
		}
		// The substrate models no INIT-SIPI sequence, so every vCPU (not
		// just the boot-strap processor) is released straight into the
		// kernel's 32-bit entry point; a real multi-vCPU boot relies on
		// the guest's own AP bring-up, which this core does not emulate.
		if err := hv.SetSregs(sregs); err != nil {
			vm.Close()
			return nil, fmt.Errorf("vmm: set sregs vcpu %d: %w", i, err)
		}
		if err := hv.SetRegs(regs); err != nil {
			vm.Close()
			return nil, fmt.Errorf("vmm: set regs vcpu %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, &Vcpu{hv: hv, index: i, vm: vm})
	}

	if cfg.Runtime != nil {
		cfg.Runtime.OnMessage = vm.onRuntimeMessage
	}

	return vm, nil
}

// hvaOf returns the host virtual address backing guest-physical offset
// off within mem's allocation, for MapGuestMemory.
func hvaOf(mem *memory.GuestMemory, off int) uintptr {
	base := mem.HostBase()
	if off >= len(base) {
		return 0
	}
	return uintptr(unsafe.Pointer(&base[off]))
}

func (vm *VM) registerLegacyDevices() {
	pic := legacy.NewPic8259()
	vm.addr.AddPioDevice(0x20, 2, pic, "pic-master")
	vm.addr.AddPioDevice(0xA0, 2, pic, "pic-slave")

	vm.pitDev = legacy.NewI8254Pit()
	vm.addr.AddPioDevice(0x40, 4, vm.pitDev, "pit")
	vm.addr.AddPioDevice(0x61, 1, vm.pitDev, "pit-status-b")

	uart := legacy.NewUart16550(vm.cfg.ConsoleOut, vm.raiseIRQ, vm.log)
	vm.addr.AddPioDevice(0x3F8, 8, uart, "com1")

	rtc := legacy.NewCmosRtc()
	vm.addr.AddPioDevice(0x70, 2, rtc, "rtc")

	vm.pm1 = legacy.NewAcpiPm1(vm.raiseIRQ, vm.requestShutdown)
	vm.addr.AddPioDevice(legacy.AcpiPm1EventBase, 6, vm.pm1, "acpi-pm1")

	pci := legacy.NewPciHostBridge()
	vm.addr.AddPioDevice(0xCF8, 8, pci, "pci-host-bridge")

	sink := legacy.PortSink{}
	vm.addr.AddPioDevice(0x80, 1, sink, "post-code")
	vm.addr.AddPioDevice(0x87, 1, sink, "dma-page-reg")

	vm.addr.AddMmioDevice(legacy.IoApicBaseAddress, legacy.IoApicSize, vm.ioapic, "ioapic")
}

// buildOptionalVirtioDevices constructs whichever virtio-mmio backends
// the Config asks for, in the order spec.md §4.17 names (blk, net) plus
// the additional backends the rest of this core implements.
func (vm *VM) buildOptionalVirtioDevices() error {
	if vm.cfg.DiskPath != "" {
		if err := vm.buildBlkDevice(); err != nil {
			return err
		}
	}
	if vm.cfg.Net.Mode != NetModeNone {
		if err := vm.buildNetDevice(); err != nil {
			return err
		}
	}
	vm.buildSerialDevice()
	if vm.cfg.DisplayWidth > 0 && vm.cfg.DisplayHeight > 0 {
		vm.buildGPUDevice()
		vm.buildInputDevices()
	}
	if vm.cfg.OnAudioOutput != nil {
		vm.buildSoundDevice()
	}
	if len(vm.cfg.Shares) > 0 {
		vm.buildFsDevice()
	}
	return nil
}

// qcow2Magic is the big-endian "QFI\xFB" signature at a qcow2 image's
// first four bytes; anything else is opened as a flat raw image.
const qcow2Magic = 0x514649FB

func openDiskImage(path string) (disk.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var sig [4]byte
	_, _ = io.ReadFull(f, sig[:])
	f.Close()

	if binary.BigEndian.Uint32(sig[:]) == qcow2Magic {
		return qcow2.Open(path)
	}
	return disk.OpenRaw(path, 0)
}

func (vm *VM) buildBlkDevice() error {
	img, err := openDiskImage(vm.cfg.DiskPath)
	if err != nil {
		return fmt.Errorf("vmm: open disk image: %w", err)
	}
	vm.diskImg = img
	backend := blk.New(img, vm.log.WithField("device", "blk0"))
	vm.registerVirtio("blk0", backend)
	return nil
}

func (vm *VM) buildNetDevice() error {
	backend := netdev.New(vm.cfg.Net.MAC, vm.transmitFromGuest, vm.log.WithField("device", "net0"))
	dev := vm.registerVirtio("net0", backend)
	backend.Bind(dev)
	vm.netBackend = backend

	switch vm.cfg.Net.Mode {
	case NetModeNAT:
		vm.natStack = nat.New(vm.cfg.Net.NAT, vm.deliverToGuest, vm.log.WithField("device", "nat"))
		if len(vm.cfg.Net.PortForwards) > 0 {
			if err := vm.natStack.ForwardTable().UpdatePortForwards(vm.cfg.Net.PortForwards); err != nil {
				return fmt.Errorf("vmm: configure port forwards: %w", err)
			}
		}
	case NetModeTap:
		tapDev, err := tap.Open(vm.cfg.Net.TapName)
		if err != nil {
			return fmt.Errorf("vmm: open tap device: %w", err)
		}
		vm.tapDev = tapDev
	}
	return nil
}

// transmitFromGuest is virtio-net's onTx callback: a frame the guest
// driver queued for transmission.
func (vm *VM) transmitFromGuest(frame []byte) {
	switch vm.cfg.Net.Mode {
	case NetModeNAT:
		vm.natStack.DeliverGuestFrame(frame)
	case NetModeTap:
		if vm.tapDev != nil {
			_ = vm.tapDev.WriteFrame(frame)
		}
	}
}

// deliverToGuest is the NAT stack's send callback: a frame the stack
// synthesized (ARP reply, DHCP offer, TCP/UDP segment) for the guest NIC.
func (vm *VM) deliverToGuest(frame []byte) {
	if vm.netBackend != nil {
		vm.netBackend.InjectRx(frame)
	}
}

// tapReadLoop pumps frames from a TAP device into the guest NIC until
// the VM is stopped or the TAP device errors.
func (vm *VM) tapReadLoop() {
	defer vm.runWG.Done()
	for {
		if vm.stopped.Load() {
			return
		}
		frame, err := vm.tapDev.ReadFrame()
		if err != nil {
			vm.log.WithError(err).Warn("vmm: tap read failed, stopping bridge")
			return
		}
		vm.netBackend.InjectRx(frame)
	}
}

func (vm *VM) buildSerialDevice() {
	backend := serial.New([]string{guestagent.PortName}, vm.onSerialData, vm.onSerialOpen, vm.log.WithField("device", "serial"))
	dev := vm.registerVirtio("serial0", backend)
	backend.Bind(dev)
	vm.serialBk = backend
	vm.agent = guestagent.New(func(data []byte) bool {
		return vm.serialBk.SendData(1, data)
	}, vm.log.WithField("device", "guestagent"))
}

func (vm *VM) onSerialData(portID int, data []byte) {
	switch portID {
	case 0:
		_, _ = vm.cfg.ConsoleOut.Write(data)
		if vm.cfg.Runtime != nil {
			vm.cfg.Runtime.Enqueue(runtime.ConsoleData(vm.cfg.VMID, data))
		}
	case 1:
		vm.agent.HandleData(data)
	}
}

func (vm *VM) onSerialOpen(portID int, open bool) {
	if portID == 1 && open {
		go func() {
			if err := vm.agent.Open(); err != nil {
				vm.log.WithError(err).Debug("vmm: guest-agent sync handshake failed")
			}
		}()
	}
}

func (vm *VM) buildGPUDevice() {
	cfgFrame := vm.cfg.OnDisplayFrame
	if cfgFrame == nil {
		cfgFrame = func(gpu.DisplayFrame) {}
	}
	cfgCursor := vm.cfg.OnCursor
	if cfgCursor == nil {
		cfgCursor = func(gpu.CursorInfo) {}
	}
	onFrame := func(f gpu.DisplayFrame) {
		cfgFrame(f)
		if vm.cfg.Runtime != nil {
			stride := vm.cfg.DisplayWidth * 4
			vm.cfg.Runtime.Enqueue(runtime.DisplayFrame(vm.cfg.VMID, vm.cfg.DisplayWidth, vm.cfg.DisplayHeight, stride, "bgra8888", f.X, f.Y, f.W, f.H, f.Pixels))
		}
	}
	onCursor := func(c gpu.CursorInfo) {
		cfgCursor(c)
		if vm.cfg.Runtime != nil {
			vm.cfg.Runtime.Enqueue(runtime.DisplayCursor(vm.cfg.VMID, c.X, c.Y, nil))
		}
	}
	backend := gpu.New(vm.cfg.DisplayWidth, vm.cfg.DisplayHeight, onFrame, onCursor, vm.mem, vm.log.WithField("device", "gpu0"))
	dev := vm.registerVirtio("gpu0", backend)
	backend.Bind(dev)
}

func (vm *VM) buildInputDevices() {
	kbd := input.New(input.Keyboard, vm.log.WithField("device", "input-kbd"))
	dev := vm.registerVirtio("kbd0", kbd)
	kbd.Bind(dev)
	vm.kbdDev = kbd

	tablet := input.New(input.Tablet, vm.log.WithField("device", "input-tablet"))
	dev = vm.registerVirtio("tablet0", tablet)
	tablet.Bind(dev)
	vm.tabletDev = tablet
}

// Linux evdev event-type/code constants used to translate runtime IPC
// input.* requests (spec.md §6.4) into virtio-input events; these are
// stable ABI values, not an API borrowed from internal/device/virtio/input.
const (
	evTypeSyn = 0x00
	evTypeKey = 0x01
	evTypeRel = 0x02
	evTypeAbs = 0x03

	evAbsX = 0x00
	evAbsY = 0x01

	evRelWheel = 0x08

	btnLeft = 0x110
)

// handleRuntimeInput dispatches a decoded input.* runtime IPC request
// (spec.md §6.4) to the keyboard or tablet virtio-input device.
func (vm *VM) handleRuntimeInput(msg ipcprotocol.Message) {
	switch msg.Type {
	case "input.key_event":
		if vm.kbdDev == nil {
			return
		}
		code, _ := strconv.ParseUint(msg.Fields["key_code"], 10, 16)
		pressed := msg.Fields["pressed"] == "1" || msg.Fields["pressed"] == "true"
		val := int32(0)
		if pressed {
			val = 1
		}
		vm.kbdDev.InjectEvent(evTypeKey, uint16(code), val, false)
		vm.kbdDev.InjectEvent(evTypeSyn, 0, 0, true)

	case "input.pointer_event":
		if vm.tabletDev == nil {
			return
		}
		x, _ := strconv.ParseInt(msg.Fields["x"], 10, 32)
		y, _ := strconv.ParseInt(msg.Fields["y"], 10, 32)
		buttons, _ := strconv.ParseUint(msg.Fields["buttons"], 10, 8)
		vm.tabletDev.InjectEvent(evTypeAbs, evAbsX, int32(x), false)
		vm.tabletDev.InjectEvent(evTypeAbs, evAbsY, int32(y), false)
		vm.tabletDev.InjectEvent(evTypeKey, btnLeft, int32(buttons&0x1), false)
		vm.tabletDev.InjectEvent(evTypeSyn, 0, 0, true)

	case "input.wheel_event":
		if vm.tabletDev == nil {
			return
		}
		delta, _ := strconv.ParseInt(msg.Fields["delta"], 10, 32)
		vm.tabletDev.InjectEvent(evTypeRel, evRelWheel, int32(delta), false)
		vm.tabletDev.InjectEvent(evTypeSyn, 0, 0, true)
	}
}

// handleRuntimeControl dispatches a decoded control-channel runtime IPC
// request to the matching VM operation.
func (vm *VM) handleRuntimeControl(msg ipcprotocol.Message) {
	switch msg.Type {
	case "runtime.ping":
		if vm.cfg.Runtime != nil {
			vm.cfg.Runtime.Enqueue(runtime.RuntimePong(vm.cfg.VMID, msg.RequestID))
		}
	case "runtime.command":
		switch msg.Fields["command"] {
		case "stop", "shutdown":
			vm.requestShutdown()
		case "reboot":
			vm.finish(ErrGuestRebootRequested)
		}
	}
}

// onRuntimeMessage is the Runtime endpoint's OnMessage callback,
// routing inbound requests (spec.md §6.4) by channel.
func (vm *VM) onRuntimeMessage(msg ipcprotocol.Message) {
	switch msg.Channel {
	case ipcprotocol.ChannelControl:
		vm.handleRuntimeControl(msg)
	case ipcprotocol.ChannelInput:
		vm.handleRuntimeInput(msg)
	}
}

func (vm *VM) buildSoundDevice() {
	backend := snd.New(vm.cfg.OnAudioOutput, vm.log.WithField("device", "snd0"))
	dev := vm.registerVirtio("snd0", backend)
	backend.Bind(dev)
}

func (vm *VM) buildFsDevice() {
	backend := fs.New(vm.cfg.Shares, vm.log.WithField("device", "fs0"))
	vm.registerVirtio("fs0", backend)
}

// registerVirtio allocates the next MMIO window and IRQ line, wires a
// transport around backend, and records the device for ACPI enumeration.
func (vm *VM) registerVirtio(name string, backend mmio.Backend) *mmio.Device {
	base := vm.nextMmioBase
	vm.nextMmioBase += mmio.MmioWindowSize
	irq := vm.allocateIRQ()

	dev := mmio.New(vm.mem, backend, func() { vm.raiseIRQ(irq) })
	vm.addr.AddMmioDevice(base, mmio.MmioWindowSize, dev, name)
	vm.virtioDevices = append(vm.virtioDevices, acpi.VirtioDevice{
		Name: name, GPA: base, Size: mmio.MmioWindowSize, IRQ: irq,
	})
	return dev
}

func (vm *VM) allocateIRQ() uint8 {
	for {
		irq := vm.nextIRQ
		vm.nextIRQ++
		if irq == legacy.RtcIRQ || irq == legacy.SciIRQ {
			continue
		}
		return irq
	}
}

// raiseIRQ consults the I/O APIC's guest-programmed redirection table for
// irqLine and, if unmasked, injects the resulting vector into the vCPU
// the entry names (spec.md §4.2, §6.1).
func (vm *VM) raiseIRQ(irqLine uint8) {
	entry, ok := vm.ioapic.GetRedirEntry(irqLine)
	if !ok || entry.Masked {
		return
	}
	target := 0
	if int(entry.Destination) < len(vm.vcpus) {
		target = int(entry.Destination)
	}
	if err := vm.vcpus[target].hv.RequestInterrupt(uint32(entry.Vector)); err != nil {
		vm.log.WithError(err).WithField("irq", irqLine).Warn("vmm: interrupt injection failed")
	}
}

// requestShutdown is AcpiPm1's S5 callback: the guest wrote SLP_TYP=5,
// SLP_EN=1 to the PM1 control block.
func (vm *VM) requestShutdown() {
	vm.finish(nil)
}

// Run launches one goroutine per vCPU plus any async backend pumps, and
// blocks until the VM stops.
func (vm *VM) Run() error {
	if vm.cfg.Runtime != nil {
		go vm.cfg.Runtime.SendWorker()
		go vm.cfg.Runtime.ReceiveLoop()
		vm.cfg.Runtime.Enqueue(runtime.RuntimeState(vm.cfg.VMID, "starting", 0))
		vm.cfg.Runtime.Enqueue(runtime.RuntimeState(vm.cfg.VMID, "running", 0))
	}
	for _, vc := range vm.vcpus {
		vm.runWG.Add(1)
		go vc.run(&vm.runWG)
	}
	if vm.cfg.Net.Mode == NetModeTap && vm.tapDev != nil {
		vm.runWG.Add(1)
		go vm.tapReadLoop()
	}
	vm.runWG.Wait()
	if vm.cfg.Runtime != nil {
		state, code := "stopped", 0
		switch {
		case vm.exitErr == ErrGuestRebootRequested:
			state, code = "rebooting", 128
		case vm.exitErr != nil:
			state, code = "crashed", 1
		}
		vm.cfg.Runtime.Enqueue(runtime.RuntimeState(vm.cfg.VMID, state, code))
		vm.cfg.Runtime.Close()
	}
	return vm.exitErr
}

// RequestStop asks every vCPU thread to exit at its next opportunity.
// The substrate has no immediate-exit/cancel-run primitive, so vCPU
// loops instead poll the stopped flag between RunOnce calls.
func (vm *VM) RequestStop() {
	vm.finish(nil)
}

func (vm *VM) finish(err error) {
	vm.exitOnce.Do(func() {
		vm.exitErr = err
		vm.stopped.Store(true)
		close(vm.doneCh)
	})
}

// Close tears down every owned resource. Safe to call after Run returns,
// or concurrently with Run to force a shutdown.
func (vm *VM) Close() error {
	vm.finish(nil)
	vm.runWG.Wait()

	var firstErr error
	for _, vc := range vm.vcpus {
		if vc.hv != nil {
			if err := vc.hv.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if vm.tapDev != nil {
		_ = vm.tapDev.Close()
	}
	if vm.diskImg != nil {
		_ = vm.diskImg.Flush()
		_ = vm.diskImg.Close()
	}
	if vm.mem != nil {
		if err := vm.mem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm.partition != nil {
		if err := vm.partition.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
