//go:build arm64

package arm64

import (
	"sync/atomic"

	"github.com/romankurakin/bullfinch/internal/hal"
)

// CPU is the AArch64 identity and idling surface.
type CPU struct{}

var _ hal.CPU = (*CPU)(nil)

// CurrentID reads MPIDR_EL1.Aff0, sufficient for the single-cluster
// single-socket boards this kernel targets.
func (c *CPU) CurrentID() uint32 { return uint32(mrsMPIDR() & 0xFF) }

func (c *CPU) WaitForInterrupt() { wfi() }

// Halt spins forever with WFI; it never returns.
func (c *CPU) Halt() {
	for {
		wfi()
	}
}

// SpinWaitEq16 low-power-waits for *ptr == expected using wfe, the same
// discipline internal/spinlock's Ticket.Acquire uses for its own
// architecture-specific wait.
func (c *CPU) SpinWaitEq16(ptr *uint16, expected uint16) {
	for atomic.LoadUint16(ptr) != expected {
		wfe()
	}
}
