// Package vmm is the virtual-memory orchestrator (§4.9): physmap
// lifecycle, identity-mapping teardown, and the guarded kernel-stack
// allocator, all built on top of the per-architecture hal.MMU rather than
// touching page-table bits directly. The architecture packages supply the
// hal.MMU; this package supplies the policy that is the same on every
// architecture.
package vmm

import (
	"fmt"

	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/pmm"
)

// Manager drives one architecture's hal.MMU through the boot-time
// physmap/identity-map lifecycle and owns the kernel-stack sub-window.
type Manager struct {
	mmu hal.MMU
	pm  *pmm.PMM

	stacks StackAllocator

	identityRemoved bool
}

// Init wires the manager to mmu and pm and sets the kernel-stack window's
// virtual base. Does not itself touch the MMU; Init has already run on
// mmu by the time boot constructs a Manager (§4.13 phase 1 step 4 runs
// before phase 2 constructs higher-level managers).
func (m *Manager) Init(mmu hal.MMU, pm *pmm.PMM, stackWindowBase uintptr) {
	m.mmu = mmu
	m.pm = pm
	m.stacks.init(stackWindowBase)
}

// ExpandPhysmap grows the physmap to cover every byte of discovered RAM
// (§4.9), called once the hardware-info cache has the real total.
func (m *Manager) ExpandPhysmap(totalBytes uint64) error {
	if err := m.mmu.ExpandPhysmap(totalBytes); err != nil {
		return fmt.Errorf("vmm: expand physmap: %w", err)
	}
	return nil
}

// RemoveIdentityMapping tears down the low-half window. Valid to call
// exactly once, after ExpandPhysmap (§4.13 phase 2 step 6).
func (m *Manager) RemoveIdentityMapping() {
	if m.identityRemoved {
		panic("vmm: identity mapping removed twice")
	}
	m.mmu.RemoveIdentityMapping()
	m.identityRemoved = true
}

// NewStack reserves a fresh guarded kernel stack (§4.9's "kernel stack
// allocator").
func (m *Manager) NewStack() (*Stack, error) {
	return m.stacks.create(m.mmu, m.pm)
}

// FreeStack releases a stack obtained from NewStack.
func (m *Manager) FreeStack(s *Stack) {
	m.stacks.destroy(m.mmu, m.pm, s)
}
