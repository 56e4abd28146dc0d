//go:build riscv64

package riscv64

import "github.com/romankurakin/bullfinch/internal/hal"

// New builds the RV64GC hal.HAL: an Sv39 MMU, the stvec-backed Trap, the
// SBI-deadline Timer, tp-derived CPU identity, the callee-saved-register
// ContextSwitcher, lazy-trap FPU, and Zkr/rdtime-backed Entropy. Called
// exactly once, by cmd/bullfinch-riscv64, before boot.Phase1 runs.
func New() hal.HAL {
	return hal.HAL{
		MMU:        &MMU{},
		Trap:       &Trap{},
		Timer:      &Timer{},
		CPU:        &CPU{},
		Switch:     &Switcher{},
		FPU:        &FPU{},
		Entropy:    &Entropy{},
		NewContext: NewContext,
		IdleEntry:  IdleEntryAddr(),
	}
}
