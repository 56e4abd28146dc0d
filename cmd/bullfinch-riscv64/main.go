// Command bullfinch-riscv64 is the RV64GC entry point: a freestanding ELF
// built for QEMU's virt machine under OpenSBI. main() itself is a dummy
// required by the Go toolchain's executable build mode — a (not-shipped-
// here) assembly boot stub calls KernelMain directly with a1 holding the
// device-tree physical address, per §6's entry ABI.
package main

import (
	"fmt"
	"unsafe"

	"github.com/romankurakin/bullfinch/internal/boot"
	"github.com/romankurakin/bullfinch/internal/console"
	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/hal/riscv64"
	"github.com/romankurakin/bullfinch/internal/trap"
)

// sbiExtConsolePutchar is the legacy SBI console_putchar extension (EID
// 0x01, FID 0): a single-character write to the firmware's console.
const sbiExtConsolePutchar = 0x01

// dramBase and kernelLoadOffset match QEMU virt's RAM origin and
// OpenSBI's reservation of the first 2 MiB for itself (§6: "kernel_phys_load
// = DRAM_BASE + 2 MiB").
const (
	dramBase         = 0x8000_0000
	kernelLoadOffset = 2 * 1024 * 1024
	kernelPhysLoad   = dramBase + kernelLoadOffset
)

const kernelStackWindowBase = 0xFFFF_FFC8_0000_0000

// sbiConsoleWriter implements console.Writer over the SBI console_putchar
// call; S-mode code never touches the UART directly on RISC-V (§6:
// "console routes through the SBI firmware console service").
type sbiConsoleWriter struct{}

var _ console.Writer = sbiConsoleWriter{}

func (sbiConsoleWriter) PutByte(b byte) {
	riscv64.SBICall(sbiExtConsolePutchar, 0, uint64(b), 0, 0)
}

// frameWalker reads one RISC-V frame record: fp-8 holds the saved ra,
// fp-16 the saved fp, per the standard RISC-V calling convention's frame
// layout.
func frameWalker(fp uintptr) (nextFP, returnAddr uintptr, ok bool) {
	if fp == 0 || fp%8 != 0 {
		return 0, 0, false
	}
	returnAddr = *(*uintptr)(unsafe.Pointer(fp - 8))
	nextFP = *(*uintptr)(unsafe.Pointer(fp - 16))
	return nextFP, returnAddr, true
}

// registerHandlers installs the fallback handlers for trap kinds the
// boot-to-idle path never exercises (§1 Non-goals: userspace is out of
// scope). Each routes to the panic path so a stray trap gets a specific
// message instead of the dispatcher's generic "unhandled trap kind".
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

// KernelMain is the real entry point. hartID is a0, dtbPhys is a1 at
// OpenSBI hand-off.
func KernelMain(hartID uint64, dtbPhys uintptr) {
	h := riscv64.New()

	cons := sbiConsoleWriter{}

	cfg := boot.Config{
		HAL:                   h,
		PhysicalConsole:       cons,
		VirtualConsole:        cons,
		KernelPhysLoad:        kernelPhysLoad,
		DTBPhys:               dtbPhys,
		KernelStackWindowBase: kernelStackWindowBase,
		SlabEntropy:           h.Entropy.CollectMixed,
		FrameWalker:           frameWalker,
		RegisterHandlers:      registerHandlers,
		ArenaMetaPhysToVirt:   func(p uint64) uintptr { return h.MMU.PhysToVirt(uintptr(p)) },
	}

	o := boot.New(cfg)
	riscv64.SetDispatcher(o.Dispatcher())
	riscv64.SetSchedulerExitHook(func() {
		panic("bullfinch: idle thread entry function returned")
	})

	if err := o.Phase1(); err != nil {
		cons.PutByte('!')
		for {
		}
	}

	if err := o.Phase2(); err != nil {
		cons.PutByte('!')
		for {
		}
	}
}

func main() {
	KernelMain(0, 0)
	for {
	}
}
