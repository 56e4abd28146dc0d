// Package slab implements the power-of-two size-class kernel buffer
// allocator (kmalloc, §4.8): five pools (64, 128, 256, 512, 1024 bytes),
// each backed by pages obtained through a caller-supplied page source,
// with a poisoned-next free list per pool (the pointer stored in a freed
// object's first word is XORed with a per-pool seed so a stray write
// through a dangling pointer is unlikely to reconstruct a valid link).
package slab

import (
	"fmt"
	"unsafe"
)

// Error is a sentinel error kmalloc/free can return per §7's recoverable
// tier.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrTooLarge     Error = "slab: request exceeds largest size class"
	ErrBadAlignment Error = "slab: alignment must be a power of two <= cache line"
	ErrInvalidSlab  Error = "slab: pointer not owned by any pool"
)

const (
	cacheLineSize = 64
	minClassSize  = 64
	maxClassSize  = 1024
)

var classSizes = [...]uint32{64, 128, 256, 512, 1024}

// PageSource obtains a zeroed, page-aligned page for a pool to carve
// objects out of, and returns one no-longer-needed page to the source it
// came from. Backed by the PMM in production; a plain byte-slice source
// suffices for tests.
type PageSource interface {
	AllocPage() (virt uintptr, ok bool)
	FreePage(virt uintptr)
	PageSize() uintptr
}

// freeObj is the layout of a free object's first machine word: the next
// pointer in the pool's intrusive free list, poisoned with the pool's
// seed.
type freeObj struct {
	nextPoisoned uintptr
}

// slabPage is the per-page header a pool keeps for one page it carved
// objects out of. It is placed at the start of the page itself (base
// points past the header, to the first object slot), never on the Go
// heap: the page came from the PMM through a raw physical address, and
// the header rides along in the same allocation instead of costing a
// second one.
type slabPage struct {
	base      uintptr
	next      *slabPage
	freeCount int
}

// slabPageHeaderSize is sizeof(slabPage) rounded up to a full cache line,
// so the first object slot after it keeps the cache-line alignment every
// Alloc result is required to have.
var slabPageHeaderSize = (unsafe.Sizeof(slabPage{}) + cacheLineSize - 1) &^ (cacheLineSize - 1)

// pool is one size class's allocator state.
type pool struct {
	objSize   uint32
	seed      uintptr
	pages     *slabPage
	freeList  uintptr // poisoned pointer to the first free object, or 0
	objsPerPage int
}

// Allocator is the kmalloc singleton. The zero value is not usable;
// construct with Init, exactly once, after the PMM (§4.8: "panic on
// re-init or use-before-init").
type Allocator struct {
	src   PageSource
	pools [len(classSizes)]pool
	ready bool
}

// Init wires the allocator to src and seeds each pool from entropy mixed
// with the pool's own address, per §4.3 "slab pool" fields.
func (a *Allocator) Init(src PageSource, entropy func(addrHint uintptr) uint64) {
	if a.ready {
		panic("slab: double init")
	}
	a.src = src
	pageSize := uintptr(src.PageSize())
	for i, size := range classSizes {
		p := &a.pools[i]
		p.objSize = size
		p.seed = uintptr(entropy(uintptr(unsafe.Pointer(p))))
		p.objsPerPage = int(pageSize-slabPageHeaderSize) / int(size)
	}
	a.ready = true
}

func classFor(size uint32, align uint32) (int, error) {
	if align != 0 {
		if align&(align-1) != 0 || align > cacheLineSize {
			return 0, ErrBadAlignment
		}
	}
	if size > maxClassSize {
		return 0, ErrTooLarge
	}
	if size < minClassSize {
		size = minClassSize
	}
	for i, c := range classSizes {
		if size <= c {
			return i, nil
		}
	}
	return 0, ErrTooLarge
}

// Alloc returns size bytes aligned to max(align, 64), or an error per
// §4.8. align of 0 means "no extra requirement beyond the cache-line
// minimum".
func (a *Allocator) Alloc(size uint32, align uint32) (uintptr, error) {
	if !a.ready {
		panic("slab: alloc before init")
	}
	idx, err := classFor(size, align)
	if err != nil {
		return 0, err
	}
	p := &a.pools[idx]
	if p.freeList == 0 {
		if !a.growPool(p) {
			return 0, fmt.Errorf("slab: out of memory for class %d", p.objSize)
		}
	}
	obj := p.freeList ^ p.seed
	next := (*freeObj)(unsafe.Pointer(obj))
	p.freeList = next.nextPoisoned
	return obj, nil
}

func (a *Allocator) growPool(p *pool) bool {
	virt, ok := a.src.AllocPage()
	if !ok {
		return false
	}
	sp := (*slabPage)(unsafe.Pointer(virt))
	*sp = slabPage{base: virt + slabPageHeaderSize, next: p.pages}
	p.pages = sp

	for i := 0; i < p.objsPerPage; i++ {
		obj := sp.base + uintptr(i)*uintptr(p.objSize)
		freeObject(obj, &p.freeList, p.seed)
	}
	return true
}

func freeObject(obj uintptr, freeList *uintptr, seed uintptr) {
	cur := (*freeObj)(unsafe.Pointer(obj))
	cur.nextPoisoned = *freeList
	*freeList = obj ^ seed
}

// Free returns obj, previously returned by Alloc, to its owning pool.
// Searches pools in order; returns ErrInvalidSlab if no pool owns the
// pointer. Panics on double-free, a misaligned pointer, or an attempt to
// free the page's metadata slot, per §4.8.
func (a *Allocator) Free(obj uintptr) error {
	for i := range a.pools {
		p := &a.pools[i]
		for sp := p.pages; sp != nil; sp = sp.next {
			if obj >= uintptr(unsafe.Pointer(sp)) && obj < sp.base {
				panic("slab: free of page metadata slot")
			}
		}
		if sp := findOwningPage(p, obj); sp != nil {
			offset := obj - sp.base
			if offset%uintptr(p.objSize) != 0 {
				panic("slab: misaligned free")
			}
			if isAlreadyFree(p, obj) {
				panic("slab: double free")
			}
			freeObject(obj, &p.freeList, p.seed)
			return nil
		}
	}
	return ErrInvalidSlab
}

func findOwningPage(p *pool, obj uintptr) *slabPage {
	pageSpan := uintptr(p.objsPerPage) * uintptr(p.objSize)
	for sp := p.pages; sp != nil; sp = sp.next {
		if obj >= sp.base && obj < sp.base+pageSpan {
			return sp
		}
	}
	return nil
}

func isAlreadyFree(p *pool, obj uintptr) bool {
	for cur := p.freeList; cur != 0; {
		real := cur ^ p.seed
		if real == obj {
			return true
		}
		cur = (*freeObj)(unsafe.Pointer(real)).nextPoisoned
	}
	return false
}
