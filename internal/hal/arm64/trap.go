//go:build arm64

package arm64

import "github.com/romankurakin/bullfinch/internal/hal"

// ESR_EL1 exception-class codes (DDI0487 D13.2.37) needed to classify a
// trap into hal.TrapKind.
const (
	ecSVC64       = 0b010101
	ecIABortLower = 0b100000
	ecIABortSame  = 0b100001
	ecDABortLower = 0b100100
	ecDABortSame  = 0b100101
	ecPCAlign     = 0b100010
	ecSPAlign     = 0b100110
	ecBreakpoint  = 0b111100
	ecUnknown     = 0b000000
)

// Frame is the exact trap-frame layout the vector-table assembly stub
// saves to the stack before calling into Go: 31 general-purpose
// registers, then SP_EL0, ELR_EL1, SPSR_EL1, ESR_EL1, FAR_EL1.
type Frame struct {
	X    [31]uint64
	Sp   uint64
	Elr  uint64
	Spsr uint64
	Esr  uint64
	Far  uint64

	// Vector identifies which of the four vector-table entries the
	// trampoline entered through: 0 synchronous, 1 IRQ, 2 FIQ, 3 SError.
	// ESR_EL1 is only meaningful for the synchronous case.
	Vector uint64
}

var _ hal.Frame = (*Frame)(nil)

func (f *Frame) PC() uint64     { return f.Elr }
func (f *Frame) SetPC(v uint64) { f.Elr = v }
func (f *Frame) SP() uint64     { return f.Sp }
func (f *Frame) Cause() uint64  { return f.Esr }

func (f *Frame) FaultAddress() uint64 { return f.Far }

// FromUserMode reports whether SPSR_EL1.M indicates the trap came from
// EL0t, the only user mode this kernel schedules threads into.
func (f *Frame) FromUserMode() bool { return f.Spsr&0xF == 0 }

func (f *Frame) GPR(n int) uint64 {
	if n < 0 || n >= len(f.X) {
		return 0
	}
	return f.X[n]
}

// SyscallNumber reads x8, the AAPCS64/Linux syscall-number register.
func (f *Frame) SyscallNumber() uint64 { return f.X[8] }

// SyscallArg reads the fixed six-argument ABI (x0..x5, §9's Open Question).
func (f *Frame) SyscallArg(i int) uint64 {
	if i < 0 || i > 5 {
		return 0
	}
	return f.X[i]
}

func (f *Frame) SetReturnValue(v uint64) { f.X[0] = v }

// Trap is the AArch64 trap entry/exit surface: vector base install,
// interrupt masking via DAIF.I, and ESR-based classification.
type Trap struct{}

var _ hal.Trap = (*Trap)(nil)

// Init relocates the vector base to vectorTable, which must be 2 KiB
// aligned per the architecture (DDI0487 D1.10.2).
func (t *Trap) Init() {
	setVBAR(vectorTableAddr())
}

// DisableInterrupts masks IRQs (DAIF.I) and returns whether they were
// unmasked beforehand.
func (t *Trap) DisableInterrupts() bool {
	daif := mrsDAIF()
	wasEnabled := daif&(1<<7) == 0
	msrDAIF(daif | (1 << 7))
	return wasEnabled
}

// EnableInterrupts unmasks IRQs iff wasEnabled, restoring the saved state.
func (t *Trap) EnableInterrupts(wasEnabled bool) {
	if !wasEnabled {
		return
	}
	daif := mrsDAIF()
	msrDAIF(daif &^ (1 << 7))
}

// Classify inspects ESR_EL1.EC to produce a hal.TrapInfo (§4.10).
func (t *Trap) Classify(frame hal.Frame) hal.TrapInfo {
	f, ok := frame.(*Frame)
	if !ok {
		return hal.TrapInfo{Kind: hal.TrapUnknown}
	}
	if f.Vector == 1 {
		// The only IRQ source this kernel drives today is the generic
		// timer; a GIC driver distinguishing peripheral IRQs by reading
		// GICC_IAR would classify TrapExternalIRQ here instead.
		return hal.TrapInfo{Kind: hal.TrapTimerIRQ}
	}
	ec := (f.Esr >> 26) & 0x3F
	switch ec {
	case ecSVC64:
		return hal.TrapInfo{Kind: hal.TrapSyscall}
	case ecIABortLower, ecIABortSame, ecDABortLower, ecDABortSame:
		return hal.TrapInfo{Kind: hal.TrapPageFault, Aux: f.Far}
	case ecPCAlign, ecSPAlign:
		return hal.TrapInfo{Kind: hal.TrapAlignmentFault, Aux: f.Far}
	case ecBreakpoint:
		return hal.TrapInfo{Kind: hal.TrapBreakpoint}
	default:
		return hal.TrapInfo{Kind: hal.TrapIllegalInstruction}
	}
}
