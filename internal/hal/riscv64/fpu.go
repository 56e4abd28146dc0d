//go:build riscv64

package riscv64

import "github.com/romankurakin/bullfinch/internal/hal"

// sstatusFSMask/sstatusFSOff: sstatus.FS occupies bits [14:13]; Off (00)
// traps any floating-point instruction as illegal.
const (
	sstatusFSMask = 0b11 << 13
	sstatusFSOff  = 0b00 << 13
)

// FPU implements the same lazy-ownership design as internal/hal/arm64's:
// FS is forced to Off on every context switch so the next thread's first
// FP instruction traps as an illegal instruction. No handler here saves
// or restores the F-register file or raises FS again; the trap goes to
// whatever handler is registered for hal.TrapIllegalInstruction.
type FPU struct{}

var _ hal.FPU = (*FPU)(nil)

func (f *FPU) OnContextSwitch(cpu uint32) {
	status := csrrSstatus()
	csrwSstatus((status &^ sstatusFSMask) | sstatusFSOff)
}

// OnThreadExit has nothing to flush, for the same reason as arm64's FPU.
func (f *FPU) OnThreadExit(threadID uint32, cpu uint32) {}
