// Command bullfinch-arm64 is the AArch64 entry point: a freestanding ELF
// built for QEMU's virt machine, GICv3, PL011 UART. main() itself is a
// dummy required by the Go toolchain's executable build mode — a
// (not-shipped-here) assembly boot stub parks on a stack and calls
// KernelMain directly with x0 holding the device-tree physical address,
// per §6's entry ABI.
package main

import (
	"fmt"
	"unsafe"

	"github.com/romankurakin/bullfinch/internal/boot"
	"github.com/romankurakin/bullfinch/internal/console"
	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/hal/arm64"
	"github.com/romankurakin/bullfinch/internal/trap"
)

// qemuVirtUARTPhys is QEMU virt's PL011 base; the board-description layer
// that would otherwise supply this is out of scope (§1).
const qemuVirtUARTPhys = 0x0900_0000

// kernelPhysLoad matches QEMU virt's default AArch64 load address.
const kernelPhysLoad = 0x4008_0000

const kernelStackWindowBase = 0xFFFF_FFFF_0000_0000

// pl011Writer implements console.Writer directly against a PL011's data
// and flag registers, following the register layout in the teacher
// kernel's QEMU UART driver (DR at +0x00, FR at +0x18, TXFF at bit 5).
type pl011Writer struct {
	base uintptr
}

var _ console.Writer = (*pl011Writer)(nil)

func (w *pl011Writer) PutByte(b byte) {
	for mmioRead32(w.base+0x18)&(1<<5) != 0 {
		// TX FIFO full.
	}
	mmioWrite32(w.base+0x00, uint32(b))
}

func mmioRead32(addr uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(addr))
}

func mmioWrite32(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v
}

// frameWalker reads one AAPCS64 frame record: x29 (fp) points at a
// {saved fp, saved lr} pair.
func frameWalker(fp uintptr) (nextFP, returnAddr uintptr, ok bool) {
	if fp == 0 || fp%16 != 0 {
		return 0, 0, false
	}
	nextFP = *(*uintptr)(unsafe.Pointer(fp))
	returnAddr = *(*uintptr)(unsafe.Pointer(fp + 8))
	return nextFP, returnAddr, true
}

// registerHandlers installs the fallback handlers for trap kinds the
// boot-to-idle path never exercises (§1 Non-goals: userspace is out of
// scope, so no syscall or page-fault traffic is expected). Each routes to
// the panic path instead of leaving its slot unregistered, which would
// otherwise turn a stray trap into the generic "unhandled trap kind"
// message from the dispatcher's own fallback.
func registerHandlers(d *trap.Dispatcher) {
	named := func(name string) trap.Handler {
		return func(f hal.Frame, info hal.TrapInfo) trap.Result {
			return trap.Fail(fmt.Sprintf("%s (aux=%#x)", name, info.Aux))
		}
	}
	d.Register(hal.TrapSyscall, named("unexpected syscall"))
	d.Register(hal.TrapPageFault, named("unexpected page fault"))
	d.Register(hal.TrapAlignmentFault, named("unexpected alignment fault"))
	d.Register(hal.TrapIllegalInstruction, named("illegal instruction"))
	d.Register(hal.TrapBreakpoint, named("unexpected breakpoint"))
	d.Register(hal.TrapExternalIRQ, named("unexpected external interrupt"))
	d.Register(hal.TrapSoftwareIRQ, named("unexpected software interrupt"))
	d.Register(hal.TrapUnknown, named("unclassified trap"))
}

// KernelMain is the real entry point. dtbPhys is x0 at firmware hand-off.
func KernelMain(dtbPhys uintptr) {
	h := arm64.New()

	physConsole := &pl011Writer{base: qemuVirtUARTPhys}
	// PhysToVirt is a constant offset (physmapBase+p); it is valid to
	// compute the higher-half UART alias before the MMU is even
	// programmed, and QEMU virt's PL011 sits inside the first 1 GiB
	// physmap block that MMU.Init always installs.
	virtConsole := &pl011Writer{base: h.MMU.PhysToVirt(qemuVirtUARTPhys)}

	cfg := boot.Config{
		HAL:                   h,
		PhysicalConsole:       physConsole,
		VirtualConsole:        virtConsole,
		KernelPhysLoad:        kernelPhysLoad,
		DTBPhys:               dtbPhys,
		KernelStackWindowBase: kernelStackWindowBase,
		SlabEntropy:           h.Entropy.CollectMixed,
		FrameWalker:           frameWalker,
		RegisterHandlers:      registerHandlers,
		ArenaMetaPhysToVirt:   func(p uint64) uintptr { return h.MMU.PhysToVirt(uintptr(p)) },
	}

	o := boot.New(cfg)
	arm64.SetDispatcher(o.Dispatcher())
	arm64.SetSchedulerExitHook(func() {
		panic("bullfinch: idle thread entry function returned")
	})

	if err := o.Phase1(); err != nil {
		physConsole.PutByte('!')
		for {
		}
	}

	// The real entry stub jumps into the higher half here; this
	// freestanding binary has no separate jump to model, so Phase2 runs
	// immediately after.
	if err := o.Phase2(); err != nil {
		virtConsole.PutByte('!')
		for {
		}
	}
}

func main() {
	KernelMain(0)
	for {
	}
}
