//go:build arm64

package arm64

import "github.com/romankurakin/bullfinch/internal/hal"

// FPU implements lazy FP/SIMD ownership: CPACR_EL1.FPEN is cleared on every
// context switch so the next thread traps into TrapIllegalInstruction on
// its first FP instruction, at which point the trap handler can restore
// that thread's V-register file and set FPEN before returning. This kernel
// does not yet save/restore V-registers across switches on its own — the
// lazy-trap design means it never has to unless a thread actually uses FP.
type FPU struct{}

var _ hal.FPU = (*FPU)(nil)

// fpenTrapAll: CPACR_EL1.FPEN = 0b00 traps FP/SIMD access at every EL.
const fpenTrapAll = 0

// OnContextSwitch re-arms the FP trap so ownership is re-evaluated lazily
// rather than saving V-registers on every switch whether or not they were
// touched.
func (f *FPU) OnContextSwitch(cpu uint32) {
	cpacr := mrsCPACR()
	msrCPACR(cpacr &^ (0b11 << 20))
}

// OnThreadExit has nothing to flush: the lazy design never committed
// ownership to the exiting thread unless it trapped in, and that state
// dies with it.
func (f *FPU) OnThreadExit(threadID uint32, cpu uint32) {}
