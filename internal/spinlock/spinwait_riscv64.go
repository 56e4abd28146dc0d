//go:build riscv64

package spinlock

import "sync/atomic"

// pause executes RISC-V's pause hint (encoded as a FENCE with the
// predecessor/successor bits RISC-V reserves for this purpose), reducing
// contention on the shared bus while spinning. Implemented in
// asm_riscv64.s.
func pause()

func init() {
	spinWaitEq16 = func(ptr *uint16, expected uint16) {
		for atomic.LoadUint16(ptr) != expected {
			pause()
		}
	}
}
