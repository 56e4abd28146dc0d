// Package boot is the two-phase orchestrator (§4.13): phase 1 brings up
// the console, trap vectors, and MMU at physical addresses; the
// architecture stub then jumps into the higher half and calls phase 2,
// which rebinds traps, parses the device tree, finishes virtual memory
// setup, and starts every remaining subsystem up to the idle thread
// handoff. Every dependency is injected through hal.HAL and the board's
// Console writers, per §9's "no module-level references across the
// cycle" design note.
package boot

import (
	"fmt"
	"unsafe"

	"github.com/romankurakin/bullfinch/internal/bootpanic"
	"github.com/romankurakin/bullfinch/internal/clock"
	"github.com/romankurakin/bullfinch/internal/console"
	"github.com/romankurakin/bullfinch/internal/dtb"
	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/hwinfo"
	"github.com/romankurakin/bullfinch/internal/pmm"
	"github.com/romankurakin/bullfinch/internal/sched"
	"github.com/romankurakin/bullfinch/internal/slab"
	"github.com/romankurakin/bullfinch/internal/trap"
	"github.com/romankurakin/bullfinch/internal/vmm"
)

// maxDTBSize is the phase-2 rejection threshold from §4.13 step 4.
const maxDTBSize = 1 << 20

// totalStages is the number of banner lines S1/S2 expect (01 through 10).
const totalStages = 10

// widestStageName sizes the padding in the "[NN/TT] name<pad> message"
// format (§4.13); "clock" and "trace" are both the longest at 5 bytes.
const widestStageName = 5

// Config collects every board/architecture-specific input the
// orchestrator needs; the architecture's cmd entry stub constructs one
// concrete instance per target.
type Config struct {
	HAL hal.HAL

	// PhysicalConsole and VirtualConsole are the two UART writer aliases
	// (§4.13 phase 1 step 1, phase 2 step 3).
	PhysicalConsole console.Writer
	VirtualConsole  console.Writer

	KernelPhysLoad uintptr
	DTBPhys        uintptr

	// KernelStackWindowBase is the virtual base the kernel-stack
	// sub-window is carved from (§3).
	KernelStackWindowBase uintptr

	// RegisterHandlers installs the trap handlers on the shared
	// dispatcher.
	RegisterHandlers func(*trap.Dispatcher)

	// SlabEntropy seeds each kmalloc pool; wired to hal.Entropy.CollectMixed.
	SlabEntropy func(addrHint uintptr) uint64

	// FrameWalker reads one saved frame-pointer/return-address pair per
	// the architecture's stack-frame layout, for the panic path's
	// backtrace. Nil disables the backtrace (every frame reports not-ok).
	FrameWalker bootpanic.FrameWalker

	// ArenaMetaPhysToVirt converts a physical address to a virtual one,
	// once the physmap is live, so each PMM arena's Page metadata can be
	// placed directly at the physical offset already reserved for it
	// (§4.7 step 3) instead of on the Go heap. Real entry points set this
	// to HAL.MMU.PhysToVirt after ExpandPhysmap; nil falls back to
	// Go-heap-backed metadata, which is all a host build's fake MMU can
	// support since its "physical" addresses back nothing real.
	ArenaMetaPhysToVirt func(phys uint64) uintptr
}

// Orchestrator owns every singleton subsystem constructed during boot.
// Its zero value is not usable; construct with New.
type Orchestrator struct {
	cfg Config

	console  *console.Console
	stageIdx int

	vmmMgr vmm.Manager
	pmm    pmm.PMM
	slab   slab.Allocator
	clock  clock.Clock
	sched  sched.Scheduler
	disp   trap.Dispatcher

	info *hwinfo.Info
}

// New constructs an Orchestrator for cfg.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// Dispatcher returns the orchestrator's trap dispatcher. The arch entry
// stub must wire it into its package's trap-vector trampoline (e.g.
// arm64.SetDispatcher) before calling Phase1, which installs the vector
// base that trampoline is reached through.
func (o *Orchestrator) Dispatcher() *trap.Dispatcher {
	return &o.disp
}

// Phase1 runs with addresses still physical (§4.13 phase 1): it brings up
// the console, installs early trap vectors, and enables the MMU with an
// identity window plus a higher-half physmap. The caller (the
// architecture entry stub) must jump into the higher-half continuation
// and call Phase2 after this returns.
func (o *Orchestrator) Phase1() error {
	o.console = console.New(o.cfg.PhysicalConsole)
	o.console.WriteString("Bullfinch\n")
	o.stage("uart", "console initialized")

	o.cfg.HAL.Trap.Init()
	o.stage("trap", "early vectors installed")

	if err := o.cfg.HAL.MMU.Init(o.cfg.KernelPhysLoad, o.cfg.DTBPhys); err != nil {
		return fmt.Errorf("boot: mmu init: %w", err)
	}
	o.stage("mmu", "paging enabled")
	return nil
}

// Phase2 runs from the higher half (§4.13 phase 2): reinstalls traps at
// their virtual vector base, finishes virtual memory setup, parses the
// device tree, and starts the PMM, kmalloc, clock, and scheduler, ending
// with the idle-thread handoff. Never returns on success.
func (o *Orchestrator) Phase2() error {
	o.cfg.HAL.Trap.Init()

	o.cfg.HAL.MMU.PostMMUInit()

	o.console = console.New(o.cfg.VirtualConsole)

	blob, err := o.readDTB()
	if err != nil {
		return fmt.Errorf("boot: dtb: %w", err)
	}
	return o.runWithDTB(blob)
}

// runWithDTB is the rest of phase 2 once a validated blob is in hand,
// split out from Phase2 so it can be exercised without the raw
// physmap-pointer read readDTB performs.
func (o *Orchestrator) runWithDTB(blob *dtb.Blob) error {
	info, err := hwinfo.Populate(blob, o.cfg.DTBPhys)
	if err != nil {
		return fmt.Errorf("boot: hwinfo: %w", err)
	}
	hwinfo.PopulateZkr(blob, info)
	hwinfo.PopulateGIC(blob, info)
	o.info = info

	// RISC-V's Timer has no frequency register to read; it learns the
	// timebase from the hardware-info cache instead (§4.4 Timer).
	// AArch64's Timer reads CNTFRQ_EL0 directly and never implements this.
	if fs, ok := o.cfg.HAL.Timer.(interface{ SetFrequency(hz uint64) }); ok {
		fs.SetFrequency(info.TimerFrequency)
	}
	if zs, ok := o.cfg.HAL.Entropy.(interface{ SetZkrPresent(present bool) }); ok {
		zs.SetZkrPresent(info.ZkrPresent)
	}

	o.vmmMgr.Init(o.cfg.HAL.MMU, &o.pmm, o.cfg.KernelStackWindowBase)
	if err := o.vmmMgr.ExpandPhysmap(info.TotalMemory); err != nil {
		return err
	}
	o.vmmMgr.RemoveIdentityMapping()
	o.stage("virt", "physmap expanded, identity map removed")

	dtbMsg := fmt.Sprintf("%d CPUs, %d MB", info.CPUCount, info.TotalMemory/(1024*1024))
	if info.GIC.Present {
		dtbMsg += fmt.Sprintf(", gicv%d @ %#x", info.GIC.Version, info.GIC.DistBase)
	}
	o.stage("dtb", dtbMsg)

	regions := make([]pmm.Region, len(info.Memory))
	for i, r := range info.Memory {
		regions[i] = pmm.Region{Base: r.Base, Size: r.Size}
	}
	reserved := make([]pmm.ReservedRange, 0, len(info.Reserved)+2)
	reserved = append(reserved,
		pmm.ReservedRange{Base: alignDown2M(uint64(o.cfg.KernelPhysLoad)), End: alignUp2M(uint64(o.cfg.KernelPhysLoad) + kernelImageSizeHint)},
		pmm.ReservedRange{Base: alignDownPage(uint64(o.cfg.DTBPhys)), End: alignUpPage(uint64(o.cfg.DTBPhys) + uint64(info.DTBSize))},
	)
	for _, r := range info.Reserved {
		reserved = append(reserved, pmm.ReservedRange{Base: r.Base, End: r.Base + r.Size})
	}
	o.pmm.Init(regions, reserved, o.cfg.ArenaMetaPhysToVirt)
	stats := o.pmm.Stats()
	o.stage("pmm", fmt.Sprintf("%d pages total", stats.Total))

	o.slab.Init(&pmmPageSource{pmm: &o.pmm, mmu: o.cfg.HAL.MMU}, o.cfg.SlabEntropy)
	o.stage("trace", "ring sized for 1 CPU")

	o.clock.Init(o.cfg.HAL.Timer)
	o.clock.SetTickCallback(o.sched.Tick)
	o.stage("clock", "100 Hz tick enabled")

	o.sched.Init(o.cfg.HAL.Switch, o.cfg.HAL.FPU, o.cfg.HAL.Trap, o.cfg.HAL.CPU.CurrentID())
	kernelProc := o.sched.NewProcess()
	idleStack, err := o.vmmMgr.NewStack()
	if err != nil {
		return fmt.Errorf("boot: idle thread stack: %w", err)
	}
	idleCtx := o.cfg.HAL.NewContext()
	idleCtx.Init(o.cfg.HAL.IdleEntry, idleStack.Top)
	o.sched.NewIdleThread(kernelProc, idleCtx)
	o.stage("task", "kernel process and idle thread created")

	o.disp.SetPreemptHook(o.sched.PreemptFromTrap)
	o.disp.Register(hal.TrapTimerIRQ, func(f hal.Frame, info hal.TrapInfo) trap.Result {
		o.clock.OnTimerIRQ()
		return trap.Ok()
	})
	walker := o.cfg.FrameWalker
	if walker == nil {
		walker = func(fp uintptr) (uintptr, uintptr, bool) { return 0, 0, false }
	}
	o.disp.SetPanicHandler(func(msg string) {
		bootpanic.Panic(o.console, o.cfg.HAL.CPU, walker, 0, msg)
	})
	if o.cfg.RegisterHandlers != nil {
		o.cfg.RegisterHandlers(&o.disp)
	}

	o.stage("idle", "entering idle thread")
	o.console.WriteBytes([]byte("[BOOT:OK]\n"))

	bootCtx := o.cfg.HAL.NewContext()
	o.sched.EnterIdle(bootCtx)
	return nil
}

func (o *Orchestrator) readDTB() (*dtb.Blob, error) {
	virt := o.cfg.HAL.MMU.PhysToVirt(o.cfg.DTBPhys)
	window := unsafe.Slice((*byte)(unsafe.Pointer(virt)), maxDTBSize)
	return parseDTBWindow(window)
}

// parseDTBWindow validates and parses a raw DTB window, enforcing the
// §4.13 step-4 size cap. Pulled out of readDTB so it can be exercised
// against an ordinary Go byte slice in tests, without constructing an
// unsafe.Slice over a raw address.
func parseDTBWindow(window []byte) (*dtb.Blob, error) {
	blob, err := dtb.Parse(window)
	if err != nil {
		return nil, err
	}
	if blob.TotalSize() > maxDTBSize {
		return nil, fmt.Errorf("boot: dtb size %d exceeds %d byte cap", blob.TotalSize(), maxDTBSize)
	}
	return blob, nil
}

func (o *Orchestrator) stage(name, msg string) {
	o.stageIdx++
	o.console.WriteString("[")
	if o.stageIdx < 10 {
		o.console.WriteString("0")
	}
	o.console.WriteUint(uint64(o.stageIdx))
	o.console.WriteString("/")
	o.console.WriteUint(uint64(totalStages))
	o.console.WriteString("] ")
	o.console.WriteString(name)
	for i := len(name); i < widestStageName; i++ {
		o.console.WriteString(" ")
	}
	o.console.WriteString(" ")
	o.console.WriteString(msg)
	o.console.WriteString("\n")
}

// kernelImageSizeHint is a conservative upper bound used to pad the
// kernel-image reservation to a 2 MiB boundary when the linker-provided
// __kernel_end symbol is not wired through in this host-testable slice
// of the orchestrator.
const kernelImageSizeHint = 2 * 1024 * 1024

func alignDown2M(x uint64) uint64 { return x &^ (2*1024*1024 - 1) }
func alignUp2M(x uint64) uint64   { return (x + 2*1024*1024 - 1) &^ (2*1024*1024 - 1) }
func alignDownPage(x uint64) uint64 { return x &^ (pmm.PageSize - 1) }
func alignUpPage(x uint64) uint64   { return (x + pmm.PageSize - 1) &^ (pmm.PageSize - 1) }

// pmmPageSource adapts *pmm.PMM to slab.PageSource: kmalloc pools grow by
// allocating one physical frame and addressing it through the physmap.
type pmmPageSource struct {
	pmm *pmm.PMM
	mmu hal.MMU
}

func (s *pmmPageSource) AllocPage() (uintptr, bool) {
	page := s.pmm.AllocPage()
	if page == nil {
		return 0, false
	}
	phys := s.pmm.PageToPhys(page)
	return s.mmu.PhysToVirt(uintptr(phys)), true
}

func (s *pmmPageSource) FreePage(virt uintptr) {
	phys, err := s.mmu.VirtToPhys(virt)
	if err != nil {
		return
	}
	page, err := s.pmm.PhysToPage(uint64(phys))
	if err != nil {
		return
	}
	s.pmm.FreePage(page)
}

func (s *pmmPageSource) PageSize() uintptr { return pmm.PageSize }
