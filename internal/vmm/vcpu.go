package vmm

import (
	"sync"
	"time"

	"github.com/tenbox/tenbox/internal/hypervisor"
	"github.com/tenbox/tenbox/internal/memory"
)

// cpuidHypervisorBit marks ECX bit 31 to tell the guest it is running
// virtualized (Intel/AMD reserve this bit on the standard leaf 1 for
// exactly this purpose).
const cpuidHypervisorBit = 1 << 31

// cpuidHypervisorBase is the first of the reserved hypervisor-only
// CPUID leaves (0x40000000-0x400000FF) a guest probes for a vendor
// signature once it has seen the leaf-1 hypervisor bit.
const cpuidHypervisorBase = 0x40000000

// Vcpu is one vmm-level vCPU: the substrate handle plus the exit-reason
// dispatch spec.md §6.1 describes, synthesized on top of the substrate's
// smaller concrete exit vocabulary (spec.md §4.17, §4.23).
type Vcpu struct {
	hv    *hypervisor.Vcpu
	index int
	vm    *VM
}

// run is the per-vCPU thread body: it blocks in RunOnce and dispatches
// the decoded exit until the VM is stopped. The substrate has no
// cancel-run primitive, so the loop polls vm.stopped between exits
// rather than being woken by an external cancellation call.
func (vc *Vcpu) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		if vc.vm.stopped.Load() {
			return
		}

		exit, err := vc.hv.RunOnce()
		if err != nil {
			vc.vm.log.WithError(err).WithField("vcpu", vc.index).Error("vmm: vcpu exited with error")
			vc.vm.finish(err)
			return
		}

		switch exit.Reason {
		case hypervisor.ExitIoPortAccess:
			vc.vm.addr.HandleIO(exit.Port, memory.IODirection(exit.Direction), exit.Size, exit.Data)

		case hypervisor.ExitMemoryAccess:
			vc.vm.addr.HandleMMIO(exit.MmioGpa, exit.Data, exit.MmioWrite)

		case hypervisor.ExitCpuid:
			vc.handleCpuid(&exit)

		case hypervisor.ExitMsrAccess:
			vc.handleMsr(&exit)

		case hypervisor.ExitHalt:
			// Nothing queues a wakeup for a halted vCPU in this substrate
			// (no interrupt-window exit); poll briefly so a subsequently
			// raised IRQ or a stop request is noticed promptly.
			time.Sleep(time.Millisecond)

		case hypervisor.ExitShutdown:
			vc.vm.finish(nil)
			return

		case hypervisor.ExitUnrecoverableException:
			vc.vm.log.WithField("vcpu", vc.index).WithField("hw_reason", exit.HwReason).
				Error("vmm: unrecoverable exception")
			vc.vm.finish(errUnrecoverableException)
			return

		case hypervisor.ExitUnknown:
			// Also reached for spec.md §6.1's Canceled, ApicEoi,
			// UnsupportedFeature, InterruptWindow, and
			// InvalidVpRegisterValue reasons, which this substrate
			// collapses to ExitUnknown (hypervisor.ExitReason's doc
			// comment). None require action from this core today.
		}
	}
}

// handleCpuid fills in the leaves spec.md §4.23's supplemented CPUID
// defaulting calls for and leaves every other leaf at the substrate's
// default, which is itself required to be "defaults, advance RIP"
// (spec.md §6.1) — advancing RIP is the substrate's job on re-entry,
// same as any other exit whose payload it already decoded.
func (vc *Vcpu) handleCpuid(exit *hypervisor.Exit) {
	eax, ebx, ecx, edx := exit.CpuidDefault[0], exit.CpuidDefault[1], exit.CpuidDefault[2], exit.CpuidDefault[3]

	switch exit.CpuidFunction {
	case 0x1:
		ecx |= cpuidHypervisorBit

	case cpuidHypervisorBase:
		// Standard hypervisor CPUID leaf: eax reports the highest
		// hypervisor leaf implemented, ebx/ecx/edx carry a 12-byte
		// vendor ID string ("TenBoxHv0000").
		eax = cpuidHypervisorBase + 1
		ebx, ecx, edx = vendorIDLeaf("TenBoxHv0000")

	case cpuidHypervisorBase + 1:
		eax, ebx, ecx, edx = 0, 0, 0, 0

	case 0x15:
		// Time Stamp Counter / Core Crystal Clock leaf: if the
		// substrate's default left the crystal ratio unfilled, supply
		// one derived from the PIT's nominal input clock so a guest
		// that trusts this leaf over calibration gets a sane answer.
		if eax == 0 && ebx == 0 {
			eax, ebx = 1, 2
			ecx = uint32(vc.vm.pitDev.CrystalHz())
		}
	}

	vc.hv.SetCpuidResult(eax, ebx, ecx, edx)
}

// handleMsr sinks writes and defaults reads to zero, per spec.md §6.1's
// "read -> 0, write -> sink; advance RIP".
func (vc *Vcpu) handleMsr(exit *hypervisor.Exit) {
	if exit.MsrIsWrite {
		return
	}
	vc.hv.SetMsrReadResult(0)
}

func vendorIDLeaf(s string) (ebx, ecx, edx uint32) {
	var b [12]byte
	copy(b[:], s)
	ebx = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	ecx = uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
	edx = uint32(b[8]) | uint32(b[9])<<8 | uint32(b[10])<<16 | uint32(b[11])<<24
	return
}
