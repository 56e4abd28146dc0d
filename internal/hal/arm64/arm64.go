//go:build arm64

package arm64

import "github.com/romankurakin/bullfinch/internal/hal"

// New builds the AArch64 hal.HAL: a fresh page-table MMU, the vector-table
// backed Trap, the EL1 physical generic Timer, MPIDR-derived CPU identity,
// the callee-saved-register ContextSwitcher, lazy-trap FPU, and
// RNDR-backed Entropy. Called exactly once, by cmd/bullfinch-arm64, before
// boot.Phase1 runs.
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
