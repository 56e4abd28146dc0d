package vmm

import (
	"fmt"
	"sync/atomic"

	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/pmm"
)

const (
	// GuardPageSize is the unmapped page preceding every stack, per §3's
	// "one 4 KiB unmapped guard page".
	GuardPageSize = pmm.PageSize
	// StackPages is STACK_PAGES from §4.9: two physical frames per stack.
	StackPages = 2
	// StackBytes is the writable portion of a slot.
	StackBytes = StackPages * pmm.PageSize
	// SlotSize is GuardPageSize + StackBytes, the fixed 12 KiB carve unit.
	SlotSize = GuardPageSize + StackBytes
)

// Stack is a guarded kernel stack: a 4 KiB unmapped guard page followed
// by StackBytes of writable memory.
type Stack struct {
	slot      uint64
	GuardBase uintptr
	Base      uintptr // first writable byte
	Top       uintptr // one past the last writable byte; initial SP value
}

// StackAllocator carves the kernel-stack sub-window into fixed slots with
// a monotonic atomic counter and, per §4.9, no reclamation of slot
// indices (freed stacks give back physical frames and mappings, not the
// slot number).
type StackAllocator struct {
	windowBase uintptr
	nextSlot   uint64
}

func (s *StackAllocator) init(windowBase uintptr) {
	s.windowBase = windowBase
	s.nextSlot = 0
}

// trackingAlloc wraps a hal.PageAllocFunc, recording every intermediate
// table page it hands out so a failed Create can free them instead of
// leaking them — the reimplementation behavior picked for the Open
// Question on intermediate-table leaks.
type trackingAlloc struct {
	inner     hal.PageAllocFunc
	mmu       hal.MMU
	given     []uintptr // virtual addresses of pages handed out
}

func (t *trackingAlloc) alloc() uintptr {
	v := t.inner()
	if v != 0 {
		t.given = append(t.given, v)
	}
	return v
}

func (t *trackingAlloc) releaseAll(pm *pmm.PMM) {
	for _, v := range t.given {
		phys, err := t.mmu.VirtToPhys(v)
		if err != nil {
			continue
		}
		page, err := pm.PhysToPage(phys)
		if err != nil {
			continue
		}
		pm.FreePage(page)
	}
	t.given = nil
}

// create reserves the next slot, requests StackPages contiguous frames,
// and maps them writable/no-exec after the slot's guard page.
func (s *StackAllocator) create(mmu hal.MMU, pm *pmm.PMM) (*Stack, error) {
	slot := atomic.AddUint64(&s.nextSlot, 1) - 1
	slotBase := s.windowBase + uintptr(slot)*SlotSize
	guardBase := slotBase
	stackBase := slotBase + GuardPageSize

	frames := pm.AllocContiguous(StackPages, 0)
	if frames == nil {
		return nil, fmt.Errorf("vmm: out of physical memory for kernel stack")
	}
	phys := pm.PageToPhys(frames)

	tracker := &trackingAlloc{inner: defaultIntermediateAlloc(pm, mmu), mmu: mmu}
	flags := hal.PageFlags{Write: true, Exec: false, User: false}

	mapped := 0
	for i := 0; i < StackPages; i++ {
		vaddr := stackBase + uintptr(i)*pmm.PageSize
		paddr := uintptr(phys) + uintptr(i)*pmm.PageSize
		if err := mmu.MapPage(vaddr, paddr, flags, tracker.alloc); err != nil {
			unmapRange(mmu, stackBase, mapped)
			pm.FreeContiguous(frames, StackPages)
			tracker.releaseAll(pm)
			return nil, fmt.Errorf("vmm: map kernel stack page %d: %w", i, err)
		}
		mapped++
	}

	return &Stack{
		slot:      slot,
		GuardBase: guardBase,
		Base:      stackBase,
		Top:       stackBase + StackBytes,
	}, nil
}

func unmapRange(mmu hal.MMU, base uintptr, pages int) {
	for i := 0; i < pages; i++ {
		mmu.UnmapPage(base + uintptr(i)*pmm.PageSize)
	}
}

// destroy unmaps and returns a stack's frames. The slot index itself is
// never reused.
func (s *StackAllocator) destroy(mmu hal.MMU, pm *pmm.PMM, st *Stack) {
	for i := 0; i < StackPages; i++ {
		vaddr := st.Base + uintptr(i)*pmm.PageSize
		phys, err := mmu.UnmapPage(vaddr)
		if err != nil {
			panic("vmm: destroy on stack with missing mapping")
		}
		page, err := pm.PhysToPage(uint64(phys))
		if err != nil {
			panic("vmm: destroyed stack frame not owned by any arena")
		}
		pm.FreePage(page)
	}
}

// defaultIntermediateAlloc builds the hal.PageAllocFunc an hal.MMU.MapPage
// call uses to materialize missing intermediate table levels: a single
// zeroed physical page, returned at its physmap virtual alias so the MMU
// backend can write entries into it directly.
func defaultIntermediateAlloc(pm *pmm.PMM, mmu hal.MMU) hal.PageAllocFunc {
	return func() uintptr {
		page := pm.AllocPage()
		if page == nil {
			return 0
		}
		phys := pm.PageToPhys(page)
		return mmu.PhysToVirt(uintptr(phys))
	}
}
