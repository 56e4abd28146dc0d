// Package pmm is the physical memory manager (§4.7): per-page metadata,
// a global free list, single-page and contiguous allocation, all
// serialized by one ticket spinlock. The allocation algorithms here are
// architecture-independent and host-testable; only the "metadata lives at
// the high end of the arena in real RAM" placement (done once, by the
// boot orchestrator, via the VMM) is arch/board-specific and lives outside
// this package.
package pmm

import (
	"fmt"
	"unsafe"

	"github.com/romankurakin/bullfinch/internal/list"
	"github.com/romankurakin/bullfinch/internal/spinlock"
)

const debug = false

const (
	// PageSize is the fixed physical page-frame unit (§3).
	PageSize = 4096
	// MaxArenas bounds the number of physical-memory regions a PMM can
	// track, per §3 "up to four are supported".
	MaxArenas = 4
)

// PageState is a page's allocation state.
type PageState uint8

const (
	StateFree PageState = iota
	StateAllocated
	StateReserved
)

// Page is the per-page metadata record (§3): a list.Node (40 bytes on a
// 64-bit target, see list.Node) followed by three bytes of state, arena
// index and flag, padded to 48 bytes. It does not fit in 24 bytes.
type Page struct {
	list.Node
	state          PageState
	arenaIdx       uint8
	contiguousHead bool
}

func (p *Page) listNode() *list.Node { return &p.Node }

// State returns the page's current allocation state.
func (p *Page) State() PageState { return p.state }

// ContiguousHead reports whether p is the first page of a multi-page
// contiguous allocation.
func (p *Page) ContiguousHead() bool { return p.contiguousHead }

// Region describes one physical RAM region discovered from the device
// tree, before arena metadata has been carved out of it.
type Region struct {
	Base uint64
	Size uint64
}

// ReservedRange is a (base, end) physical range, exclusive of end, that
// must never enter a free list: the kernel image, the DTB, DTB-declared
// reservations, or (added internally) an arena's own metadata pages.
type ReservedRange struct {
	Base, End uint64
}

func (r ReservedRange) overlaps(base, end uint64) bool {
	return base < r.End && r.Base < end
}

// arena is a contiguous physical region with its own page-metadata array,
// immutable once Init returns.
type arena struct {
	base         uint64
	totalPages   int
	usablePages  int
	pages        []Page
}

// PMM is the singleton physical memory manager. The zero value is not
// usable; construct with Init.
type PMM struct {
	lock spinlock.Ticket

	arenas    [MaxArenas]arena
	numArenas int

	freeList  list.List
	freeCount int
	allocated int
	reserved  int
	total     int

	initialized bool

	// poison overwrites an allocated/freed page's backing memory with a
	// debug fill byte (0xCD on alloc, 0xDD on free, per §4.7). Left nil
	// on host builds, where there is no mapped backing memory to touch;
	// the boot orchestrator wires it to a physmap write once the VMM is
	// up.
	poison func(phys uint64, fill byte)
}

// SetDebugPoison installs the debug fill-byte writer. Call once, after the
// VMM's physmap is live, before any AllocPage/FreePage under a debug
// build.
func (p *PMM) SetDebugPoison(fn func(phys uint64, fill byte)) {
	p.poison = fn
}

// Init builds arenas from regions (already sorted by descending size,
// truncated to MaxArenas, per §4.6's hwinfo cache) and a global reserved
// set, then builds the free list. Panics if called twice (§4.8's
// "panic on re-init" policy extends to the PMM it sits on top of).
//
// physToVirt converts the physical address of an arena's metadata region
// (reserved at the arena's high end, §4.7 step 3) to a virtual address the
// Page array can be placed at directly, instead of on the Go heap; it is
// nil only on host builds with no mapped physmap, which fall back to an
// ordinary make([]Page, ...).
func (p *PMM) Init(regions []Region, reservedRanges []ReservedRange, physToVirt func(phys uint64) uintptr) {
	if p.initialized {
		panic("pmm: double init")
	}
	if len(regions) > MaxArenas {
		regions = regions[:MaxArenas]
	}

	for i, r := range regions {
		a := &p.arenas[i]
		a.base = r.Base
		a.totalPages = int(r.Size / PageSize)
		if a.totalPages == 0 {
			continue
		}

		metaBytes := a.totalPages * int(pageMetaSize)
		metaPages := (metaBytes + PageSize - 1) / PageSize
		if metaPages >= a.totalPages {
			// Region too small to host its own metadata; skip entirely.
			a.totalPages = 0
			continue
		}
		a.usablePages = a.totalPages - metaPages

		// Metadata occupies the high end of the arena (§4.7 step 3).
		metaStartPage := a.totalPages - metaPages
		metaPhys := a.base + uint64(metaStartPage)*PageSize
		a.pages = newPageArray(metaPhys, a.totalPages, physToVirt)
		for idx := range a.pages {
			a.pages[idx].arenaIdx = uint8(i)
			pageBase := a.base + uint64(idx)*PageSize
			pageEnd := pageBase + PageSize
			reserved := idx >= metaStartPage || overlapsAny(reservedRanges, pageBase, pageEnd)
			if reserved {
				a.pages[idx].state = StateReserved
				p.reserved++
			} else {
				a.pages[idx].state = StateFree
			}
		}
		p.numArenas++
		p.total += a.totalPages
	}

	for i := 0; i < p.numArenas; i++ {
		a := &p.arenas[i]
		for idx := range a.pages {
			if a.pages[idx].state == StateFree {
				p.freeList.PushBack(&a.pages[idx])
				p.freeCount++
			}
		}
	}

	p.initialized = true
}

var pageMetaSize = unsafe.Sizeof(Page{})

// newPageArray builds an arena's Page metadata array. When physToVirt is
// non-nil the array is placed directly at metaPhys, the physical offset
// already reserved for it, the same cast-over-raw-memory technique the
// boot image's own early allocator uses for its heap segment headers;
// the memory is zeroed first since it arrives as raw RAM, not a fresh Go
// allocation. When physToVirt is nil (host/test builds with no physmap)
// it falls back to an ordinary Go-heap slice.
func newPageArray(metaPhys uint64, count int, physToVirt func(phys uint64) uintptr) []Page {
	if physToVirt == nil {
		return make([]Page, count)
	}
	virt := physToVirt(metaPhys)
	pages := unsafe.Slice((*Page)(unsafe.Pointer(virt)), count)
	for i := range pages {
		pages[i] = Page{}
	}
	return pages
}

func overlapsAny(ranges []ReservedRange, base, end uint64) bool {
	for _, r := range ranges {
		if r.overlaps(base, end) {
			return true
		}
	}
	return false
}

// AllocPage pops a page off the free list. O(1). Panics if the PMM was
// never initialized.
func (p *PMM) AllocPage() *Page {
	p.lock.Acquire()
	defer p.lock.Release()

	if !p.initialized {
		panic("pmm: alloc on uninitialized PMM")
	}
	e := p.freeList.PopFront()
	if e == nil {
		return nil
	}
	page := e.(*Page)
	page.state = StateAllocated
	p.freeCount--
	p.allocated++
	if debug && p.poison != nil {
		p.poison(p.PageToPhys(page), 0xCD)
	}
	return page
}

// FreePage returns page to the free list. O(1). Panics on double-free or
// on an attempt to free a reserved page.
func (p *PMM) FreePage(page *Page) {
	p.lock.Acquire()
	defer p.lock.Release()

	switch page.state {
	case StateFree:
		panic("pmm: double free")
	case StateReserved:
		panic("pmm: free of reserved page")
	}
	if debug && p.poison != nil {
		p.poison(p.PageToPhys(page), 0xDD)
	}
	page.state = StateFree
	page.contiguousHead = false
	p.allocated--
	p.freeCount++
	p.freeList.PushFront(page)
}

// AllocContiguous scans for a run of count consecutive free pages whose
// first page's physical address is a multiple of 1<<alignLog2, across
// arenas in order. O(n) in the arena size. Returns nil if no run fits.
func (p *PMM) AllocContiguous(count int, alignLog2 uint) *Page {
	if alignLog2 >= 64 {
		panic("pmm: alignment_log2 out of range")
	}
	p.lock.Acquire()
	defer p.lock.Release()

	align := uint64(1) << alignLog2
	for ai := 0; ai < p.numArenas; ai++ {
		a := &p.arenas[ai]
		for start := 0; start+count <= a.totalPages; start++ {
			base := a.base + uint64(start)*PageSize
			if base%align != 0 {
				continue
			}
			if !runIsFree(a, start, count) {
				continue
			}
			for i := 0; i < count; i++ {
				a.pages[start+i].state = StateAllocated
				p.freeList.Remove(&a.pages[start+i])
				p.freeCount--
				p.allocated++
			}
			a.pages[start].contiguousHead = true
			return &a.pages[start]
		}
	}
	return nil
}

func runIsFree(a *arena, start, count int) bool {
	for i := 0; i < count; i++ {
		if a.pages[start+i].state != StateFree {
			return false
		}
	}
	return true
}

// FreeContiguous frees the count-page run starting at head, which must be
// the contiguous_head returned by a prior AllocContiguous call.
func (p *PMM) FreeContiguous(head *Page, count int) {
	p.lock.Acquire()
	defer p.lock.Release()

	if !head.contiguousHead {
		panic("pmm: FreeContiguous on non-head page")
	}
	a := &p.arenas[head.arenaIdx]
	startIdx := pageIndex(a, head)

	for i := 0; i < count; i++ {
		pg := &a.pages[startIdx+i]
		if pg.state != StateAllocated {
			panic("pmm: contiguous range contains a non-allocated page")
		}
		if i > 0 && pg.contiguousHead {
			panic("pmm: interior contiguous_head in freed range")
		}
	}
	for i := 0; i < count; i++ {
		pg := &a.pages[startIdx+i]
		pg.state = StateFree
		pg.contiguousHead = false
		p.freeList.PushBack(pg)
		p.freeCount++
		p.allocated--
	}
}

// pageIndex locates page within a's metadata array by pointer arithmetic
// against the array's base, O(1) per §4.7's phys_to_page/page_to_phys
// requirement.
func pageIndex(a *arena, page *Page) int {
	off := uintptr(unsafe.Pointer(page)) - uintptr(unsafe.Pointer(&a.pages[0]))
	return int(off / pageMetaSize)
}

// PhysToPage and PageToPhys convert between a physical address and its
// metadata record. O(1).
func (p *PMM) PageToPhys(page *Page) uint64 {
	a := &p.arenas[page.arenaIdx]
	return a.base + uint64(pageIndex(a, page))*PageSize
}

func (p *PMM) PhysToPage(phys uint64) (*Page, error) {
	for i := 0; i < p.numArenas; i++ {
		a := &p.arenas[i]
		if phys < a.base {
			continue
		}
		idx := (phys - a.base) / PageSize
		if int(idx) >= a.totalPages {
			continue
		}
		return &a.pages[idx], nil
	}
	return nil, fmt.Errorf("pmm: address %#x not backed by any arena", phys)
}

// Stats is a point-in-time snapshot of the PMM's conservation counters
// (Testable Property 1: total = free + allocated + reserved).
type Stats struct {
	Total, Free, Allocated, Reserved int
}

// Stats returns the current page counts.
func (p *PMM) Stats() Stats {
	p.lock.Acquire()
	defer p.lock.Release()
	return Stats{Total: p.total, Free: p.freeCount, Allocated: p.allocated, Reserved: p.reserved}
}
