package vmm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/pmm"
	"github.com/romankurakin/bullfinch/internal/vmm"
)

const physmapBase = 0xFFFF_0000_0000_0000

// fakeMMU is a host-testable stand-in for a hal.MMU: it treats the
// physmap as identity-plus-offset and tracks page mappings in a map
// instead of real page-table entries.
type fakeMMU struct {
	mapped          map[uintptr]uintptr
	expandCalls     int
	identityRemoved bool
	failNthMap      int // if > 0, the Nth MapPage call fails
	mapCalls        int
}

func newFakeMMU() *fakeMMU {
	return &fakeMMU{mapped: make(map[uintptr]uintptr)}
}

func (f *fakeMMU) Init(kernelPhysLoad, dtbPhys uintptr) error { return nil }
func (f *fakeMMU) PostMMUInit()                               {}

func (f *fakeMMU) ExpandPhysmap(totalBytes uint64) error {
	f.expandCalls++
	return nil
}

func (f *fakeMMU) RemoveIdentityMapping() {
	f.identityRemoved = true
}

func (f *fakeMMU) MapPage(vaddr, paddr uintptr, flags hal.PageFlags, alloc hal.PageAllocFunc) error {
	f.mapCalls++
	if f.failNthMap > 0 && f.mapCalls == f.failNthMap {
		return hal.ErrOutOfMemory
	}
	if _, exists := f.mapped[vaddr]; exists {
		return hal.ErrAlreadyMapped
	}
	f.mapped[vaddr] = paddr
	return nil
}

func (f *fakeMMU) UnmapPage(vaddr uintptr) (uintptr, error) {
	p, ok := f.mapped[vaddr]
	if !ok {
		return 0, hal.ErrNotMapped
	}
	delete(f.mapped, vaddr)
	return p, nil
}

func (f *fakeMMU) PhysToVirt(p uintptr) uintptr { return physmapBase + p }
func (f *fakeMMU) VirtToPhys(v uintptr) (uintptr, error) {
	if v < physmapBase {
		return 0, hal.ErrNotCanonical
	}
	return v - physmapBase, nil
}
func (f *fakeMMU) PhysmapBase() uintptr { return physmapBase }

func freshPMM() *pmm.PMM {
	p := &pmm.PMM{}
	p.Init([]pmm.Region{{Base: 0x40000000, Size: 16 * 1024 * 1024}}, nil, nil)
	return p
}

func TestStackLifecycle(t *testing.T) {
	mmu := newFakeMMU()
	pm := freshPMM()
	var m vmm.Manager
	m.Init(mmu, pm, 0x1000_0000_0000)

	s, err := m.NewStack()
	require.NoError(t, err)
	require.Equal(t, s.Base+vmm.StackBytes, s.Top)
	require.Equal(t, s.GuardBase+vmm.GuardPageSize, s.Base)

	require.NotContains(t, mmu.mapped, s.GuardBase)
	require.Contains(t, mmu.mapped, s.Base)

	statsBefore := pm.Stats()
	m.FreeStack(s)
	statsAfter := pm.Stats()
	require.Equal(t, statsBefore.Allocated-vmm.StackPages, statsAfter.Allocated)
}

func TestStackSlotsDoNotOverlap(t *testing.T) {
	mmu := newFakeMMU()
	pm := freshPMM()
	var m vmm.Manager
	m.Init(mmu, pm, 0x2000_0000_0000)

	s1, err := m.NewStack()
	require.NoError(t, err)
	s2, err := m.NewStack()
	require.NoError(t, err)
	require.NotEqual(t, s1.Base, s2.Base)
	require.GreaterOrEqual(t, s2.GuardBase, s1.Top)
}

func TestStackCreateFailureRollsBackFrames(t *testing.T) {
	mmu := newFakeMMU()
	mmu.failNthMap = 2 // fail mapping the second of two stack pages
	pm := freshPMM()
	var m vmm.Manager
	m.Init(mmu, pm, 0x3000_0000_0000)

	before := pm.Stats()
	_, err := m.NewStack()
	require.Error(t, err)

	after := pm.Stats()
	require.Equal(t, before.Allocated, after.Allocated, "failed create must not leak physical frames")
}

func TestExpandAndRemoveIdentity(t *testing.T) {
	mmu := newFakeMMU()
	pm := freshPMM()
	var m vmm.Manager
	m.Init(mmu, pm, 0x4000_0000_0000)

	require.NoError(t, m.ExpandPhysmap(2<<30))
	require.Equal(t, 1, mmu.expandCalls)

	m.RemoveIdentityMapping()
	require.True(t, mmu.identityRemoved)
	require.Panics(t, func() { m.RemoveIdentityMapping() })
}
