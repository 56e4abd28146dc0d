//go:build riscv64

package riscv64

import (
	"sync/atomic"

	"github.com/romankurakin/bullfinch/internal/hal"
)

// CPU is the RV64 identity and idling surface.
type CPU struct{}

var _ hal.CPU = (*CPU)(nil)

// CurrentID reads tp, where the entry stub stashes this hart's id.
func (c *CPU) CurrentID() uint32 { return uint32(readTP()) }

func (c *CPU) WaitForInterrupt() { wfi() }

// Halt spins forever with wfi; it never returns.
func (c *CPU) Halt() {
	for {
		wfi()
	}
}

// SpinWaitEq16 busy-waits for *ptr == expected. RISC-V has no
// wait-for-event primitive as cheap as AArch64's wfe, so the spec calls
// for a pause-hint busy loop instead (§4.5 spinlock); Zihintpause's PAUSE
// is encoded as FENCE with pred=W, succ=none, which the Go assembler
// does not special-case, so it is emitted as a raw word.
func (c *CPU) SpinWaitEq16(ptr *uint16, expected uint16) {
	for atomic.LoadUint16(ptr) != expected {
		pause()
	}
}
