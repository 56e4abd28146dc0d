//go:build riscv64

package riscv64

import "github.com/romankurakin/bullfinch/internal/hal"

// scause exception codes (RISC-V privileged spec 4.1.9), valid when the
// interrupt bit (63) is clear.
const (
	excInstrMisaligned = 0
	excIllegalInstr    = 2
	excBreakpoint      = 3
	excLoadMisaligned  = 4
	excStoreMisaligned = 6
	excEcallU          = 8
	excEcallS          = 9
	excInstrPageFault  = 12
	excLoadPageFault   = 13
	excStorePageFault  = 15
)

// scause interrupt codes, valid when the interrupt bit is set.
const (
	intSupervisorSoftware = 1
	intSupervisorTimer    = 5
	intSupervisorExternal = 9
)

const scauseInterruptBit = uint64(1) << 63

// Frame is the exact 288-byte, 16-byte aligned RISC-V trap frame (§4.10):
// all 32 integer registers (x0 included, for a uniform save/restore
// sequence in the assembly trampoline), then sepc, sstatus, scause, stval.
type Frame struct {
	X      [32]uint64
	Epc    uint64
	Status uint64
	Scause uint64
	Tval   uint64
}

var _ hal.Frame = (*Frame)(nil)

func (f *Frame) PC() uint64     { return f.Epc }
func (f *Frame) SetPC(v uint64) { f.Epc = v }
func (f *Frame) SP() uint64     { return f.X[2] } // x2 = sp
func (f *Frame) Cause() uint64  { return f.Scause }

func (f *Frame) FaultAddress() uint64 { return f.Tval }

// FromUserMode reports whether sstatus.SPP (bit 8) indicates the trap was
// taken from U-mode rather than S-mode.
func (f *Frame) FromUserMode() bool { return f.Status&(1<<8) == 0 }

func (f *Frame) GPR(n int) uint64 {
	if n < 0 || n >= len(f.X) {
		return 0
	}
	return f.X[n]
}

// SyscallNumber reads a7 (x17), the RISC-V syscall-number register.
func (f *Frame) SyscallNumber() uint64 { return f.X[17] }

// SyscallArg reads the fixed six-argument ABI a0..a5 (x10..x15, §9's Open
// Question).
func (f *Frame) SyscallArg(i int) uint64 {
	if i < 0 || i > 5 {
		return 0
	}
	return f.X[10+i]
}

func (f *Frame) SetReturnValue(v uint64) { f.X[10] = v }

// Trap is the RV64 trap entry/exit surface: stvec install, SIE-bit
// interrupt masking, and scause-based classification.
type Trap struct{}

var _ hal.Trap = (*Trap)(nil)

// sstatusSIE is sstatus bit 1, the supervisor interrupt-enable bit.
const sstatusSIE = 1 << 1

// Init relocates stvec to trapVector in direct mode (mode bits 1:0 = 0,
// every trap taken to the same handler regardless of cause).
func (t *Trap) Init() {
	csrwStvec(trapVectorAddr())
}

// DisableInterrupts clears sstatus.SIE and reports whether it was set.
func (t *Trap) DisableInterrupts() bool {
	status := csrrSstatus()
	wasEnabled := status&sstatusSIE != 0
	csrwSstatus(status &^ sstatusSIE)
	return wasEnabled
}

// EnableInterrupts sets sstatus.SIE iff wasEnabled.
func (t *Trap) EnableInterrupts(wasEnabled bool) {
	if !wasEnabled {
		return
	}
	status := csrrSstatus()
	csrwSstatus(status | sstatusSIE)
}

// Classify inspects scause to produce a hal.TrapInfo (§4.10).
func (t *Trap) Classify(frame hal.Frame) hal.TrapInfo {
	f, ok := frame.(*Frame)
	if !ok {
		return hal.TrapInfo{Kind: hal.TrapUnknown}
	}
	code := f.Scause &^ scauseInterruptBit
	if f.Scause&scauseInterruptBit != 0 {
		switch code {
		case intSupervisorTimer:
			return hal.TrapInfo{Kind: hal.TrapTimerIRQ}
		case intSupervisorExternal:
			return hal.TrapInfo{Kind: hal.TrapExternalIRQ, Aux: code}
		case intSupervisorSoftware:
			return hal.TrapInfo{Kind: hal.TrapSoftwareIRQ}
		default:
			return hal.TrapInfo{Kind: hal.TrapUnknown}
		}
	}
	switch code {
	case excEcallU, excEcallS:
		return hal.TrapInfo{Kind: hal.TrapSyscall}
	case excInstrPageFault, excLoadPageFault, excStorePageFault:
		return hal.TrapInfo{Kind: hal.TrapPageFault, Aux: f.Tval}
	case excInstrMisaligned, excLoadMisaligned, excStoreMisaligned:
		return hal.TrapInfo{Kind: hal.TrapAlignmentFault, Aux: f.Tval}
	case excBreakpoint:
		return hal.TrapInfo{Kind: hal.TrapBreakpoint}
	default:
		return hal.TrapInfo{Kind: hal.TrapIllegalInstruction}
	}
}
