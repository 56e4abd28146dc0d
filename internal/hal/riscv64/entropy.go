//go:build riscv64

package riscv64

import "github.com/romankurakin/bullfinch/internal/hal"

// Entropy reads the Zkr extension's "seed" CSR when the device tree
// advertises it, falling back to mixing rdtime with the caller's address
// hint otherwise (§4.4 Entropy).
type Entropy struct {
	zkrPresent bool
}

var _ hal.Entropy = (*Entropy)(nil)

// SetZkrPresent is type-asserted for by internal/boot once the
// hardware-info cache's ZkrPresent field is known, mirroring Timer's
// SetFrequency wiring.
func (e *Entropy) SetZkrPresent(present bool) { e.zkrPresent = present }

func (e *Entropy) CollectMixed(addrHint uintptr) uint64 {
	if e.zkrPresent {
		return csrrSeed() ^ uint64(addrHint)
	}
	return mixCounter(addrHint)
}

func mixCounter(addrHint uintptr) uint64 {
	t := rdtime()
	h := uint64(addrHint)
	h ^= t + 0x9E3779B97F4A7C15 + (h << 6) + (h >> 2)
	return h
}
