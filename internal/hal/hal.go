// Package hal defines the neutral hardware-abstraction surface described in
// §4.4: the set of primitives every other component (PMM, VMM, trap core,
// clock, scheduler) is written against once, with one concrete
// implementation per architecture selected at compile time via GOARCH
// (internal/hal/arm64, internal/hal/riscv64). No component in this module
// imports an arch package directly except the arch-specific cmd entry
// stub, which wires the concrete HAL into the boot orchestrator.
package hal

import "github.com/romankurakin/bullfinch/internal/bitfield"

// PageFlags is the neutral permission record MMU.MapPage accepts. Readable
// is implicit in validity; Global is applied automatically by each backend
// for kernel-window mappings.
type PageFlags = bitfield.PageFlags

// MMUError enumerates the page-table client errors from §7.
type MMUError string

const (
	ErrNotAligned        MMUError = "not aligned"
	ErrNotCanonical      MMUError = "not canonical"
	ErrTableNotPresent   MMUError = "table not present"
	ErrAlreadyMapped     MMUError = "already mapped"
	ErrSuperpageConflict MMUError = "superpage conflict"
	ErrOutOfMemory       MMUError = "out of memory"
	ErrNotMapped         MMUError = "not mapped"
)

func (e MMUError) Error() string { return string(e) }

// PageAllocFunc returns a zeroed, page-aligned, writable kernel-virtual
// page to use as an intermediate page-table level, or 0 if none is
// available (§4.4 MMU.map_page allocator callback contract).
type PageAllocFunc func() uintptr

// Table is an opaque handle to a per-architecture page-table root.
type Table interface {
	// Root returns the physical address of the top-level table.
	Root() uintptr
}

// MMU is the per-architecture page-table engine and physmap manager.
type MMU interface {
	// Init builds the initial kernel table, maps the kernel image and DTB
	// identity-mapped, installs a physmap of at least 1 GiB, and enables
	// the MMU. Must run with addresses still physical.
	Init(kernelPhysLoad, dtbPhys uintptr) error

	// PostMMUInit performs per-arch fix-ups once running from the
	// higher-half (RISC-V reloads gp to its higher-half value).
	PostMMUInit()

	// ExpandPhysmap grows the physmap to cover totalBytes of RAM, called
	// once the hardware-info cache has the real memory size.
	ExpandPhysmap(totalBytes uint64) error

	// RemoveIdentityMapping clears the low-half window and flushes the
	// TLB. Valid to call only once, after ExpandPhysmap.
	RemoveIdentityMapping()

	// MapPage maps vaddr to paddr with flags in the kernel table, calling
	// alloc for any missing intermediate table.
	MapPage(vaddr, paddr uintptr, flags PageFlags, alloc PageAllocFunc) error

	// UnmapPage removes the mapping at vaddr and returns the physical
	// frame that was mapped there.
	UnmapPage(vaddr uintptr) (uintptr, error)

	// PhysToVirt and VirtToPhys convert through the physmap window.
	// VirtToPhys is valid only for addresses inside the physmap.
	PhysToVirt(p uintptr) uintptr
	VirtToPhys(v uintptr) (uintptr, error)

	// PhysmapBase returns the virtual base of the physmap window.
	PhysmapBase() uintptr
}

// TrapKind classifies a trap per §4.10.
type TrapKind int

const (
	TrapSyscall TrapKind = iota
	TrapPageFault
	TrapAlignmentFault
	TrapIllegalInstruction
	TrapBreakpoint
	TrapTimerIRQ
	TrapExternalIRQ
	TrapSoftwareIRQ
	TrapUnknown
)

// TrapInfo is the result of classifying a trap frame.
type TrapInfo struct {
	Kind TrapKind
	// Aux is the faulting address for page faults, the IRQ number for
	// external interrupts, and zero otherwise.
	Aux uint64
}

// Frame is the read/write accessor surface over a trap frame, implemented
// per architecture with an exact, size-asserted layout (§4.10).
type Frame interface {
	PC() uint64
	SetPC(uint64)
	SP() uint64
	Cause() uint64
	FaultAddress() uint64
	FromUserMode() bool

	// GPR reads general-purpose register n.
	GPR(n int) uint64

	// SyscallNumber and SyscallArg read the fixed six-argument-plus-number
	// syscall ABI pinned in §9's Open Question: exactly six argument
	// registers (index 0..5) plus one number register, never eight.
	SyscallNumber() uint64
	SyscallArg(i int) uint64
	SetReturnValue(uint64)
}

// Trap is the per-architecture trap entry/exit surface.
type Trap interface {
	// Init installs the vector base at the architecture's current
	// address space (physical during phase 1, virtual during phase 2).
	Init()
	DisableInterrupts() bool
	EnableInterrupts(wasEnabled bool)
	Classify(f Frame) TrapInfo
}

// Timer is the per-architecture monotonic counter and deadline source.
type Timer interface {
	Now() uint64
	Frequency() uint64
	SetDeadline(absoluteTicks uint64)
	Init()
	TicksToNs(ticks uint64) uint64
	NsToTicks(ns uint64) uint64
}

// CPU is the per-architecture identity and idling surface.
type CPU interface {
	CurrentID() uint32
	WaitForInterrupt()
	Halt() // never returns
	SpinWaitEq16(ptr *uint16, expected uint16)
}

// Context is the per-architecture saved-register set used by the
// scheduler's context switch.
type Context interface {
	Init(pc, sp uintptr)
	SetEntryData(fn uintptr, arg uintptr)
}

// ContextSwitcher performs the architecture context switch: saves prev's
// callee-saves, restores next's. On a context's first entry, a trampoline
// unmasks interrupts unconditionally, calls the entry function with its
// argument, and on return invokes the scheduler exit hook. A Context
// carries no interrupt-enable flag, so the trampoline does not restore a
// saved interrupt state.
type ContextSwitcher interface {
	Switch(prev, next Context)
}

// FPU is the per-architecture floating-point ownership surface.
type FPU interface {
	OnContextSwitch(cpu uint32)
	OnThreadExit(threadID uint32, cpu uint32)
}

// Entropy returns a best-effort random u64, mixing a caller-supplied
// address hint into whichever hardware source is available.
type Entropy interface {
	CollectMixed(addrHint uintptr) uint64
}

// HAL aggregates the per-architecture singletons boot/PMM/VMM/trap/clock/
// scheduler are constructed against. Each architecture package exposes a
// New() HAL constructor; nothing outside cmd/ picks one by name.
type HAL struct {
	MMU     MMU
	Trap    Trap
	Timer   Timer
	CPU     CPU
	Switch  ContextSwitcher
	FPU     FPU
	Entropy Entropy

	// NewContext builds a zero-valued Context of the architecture's
	// concrete type. Every Context the boot orchestrator hands to a
	// ContextSwitcher must come from here: the switcher type-asserts its
	// arguments to the concrete type and panics on anything else.
	NewContext func() Context

	// IdleEntry is the code address of the architecture's idle-thread
	// entry function, a tight wait-for-interrupt loop that never
	// returns. Wired into the idle thread's Context via Init(IdleEntry, sp).
	IdleEntry uintptr
}
