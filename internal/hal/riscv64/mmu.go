//go:build riscv64

package riscv64

import (
	"sync/atomic"
	"unsafe"

	"github.com/romankurakin/bullfinch/internal/hal"
)

// Sv39 PTE bits (RISC-V privileged spec 4.3.1). A non-leaf entry has
// R=W=X=0 and only V set; a leaf has at least one of R/W/X set.
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
	pteG = 1 << 5
	pteA = 1 << 6 // accessed, must be set: no hardware A/D management
	pteD = 1 << 7 // dirty, set alongside W for the same reason

	ppnShift = 10
)

const (
	entriesPerTable = 512
	l2Shift         = 30 // 1 GiB
	l1Shift         = 21 // 2 MiB
	l0Shift         = 12 // 4 KiB
	indexMask       = entriesPerTable - 1

	satpModeSv39 = uint64(8) << 60
)

const physmapBase = uintptr(0xFFFF_FFC0_0000_0000)
const maxBootTables = 1024

type table [entriesPerTable]uint64

var bootTables [maxBootTables]table
var bootTableNext uint32

func allocBootTable() *table {
	idx := atomic.AddUint32(&bootTableNext, 1) - 1
	if idx >= maxBootTables {
		panic("riscv64: bootstrap page-table pool exhausted")
	}
	return &bootTables[idx]
}

// MMU is the Sv39 page-table engine.
type MMU struct {
	root            *table
	identityRemoved bool
}

var _ hal.MMU = (*MMU)(nil)

func pageToPTE(phys uintptr, bits uint64) uint64 {
	return (uint64(phys) >> 12 << ppnShift) | bits
}

func pteToPage(pte uint64) uintptr {
	return uintptr((pte >> ppnShift) << 12)
}

// Init builds the Sv39 root table, identity-maps the kernel image and DTB
// at 2 MiB granularity, installs a >=1 GiB physmap, and enables paging.
func (m *MMU) Init(kernelPhysLoad, dtbPhys uintptr) error {
	m.root = allocBootTable()

	identityBase := alignDown2M(uint64(kernelPhysLoad))
	if err := m.mapSuperpage2M(m.root, uintptr(identityBase), uintptr(identityBase), hal.PageFlags{Write: true, Exec: true}); err != nil {
		return err
	}
	dtbBase := alignDown2M(uint64(dtbPhys))
	if dtbBase != identityBase {
		if err := m.mapSuperpage2M(m.root, uintptr(dtbBase), uintptr(dtbBase), hal.PageFlags{Write: true}); err != nil {
			return err
		}
	}

	if err := m.installPhysmapBlocks1G(1 << 30); err != nil {
		return err
	}

	satp := satpModeSv39 | (uint64(uintptr(unsafe.Pointer(m.root))) >> 12)
	sfenceVMA()
	csrwSatp(satp)
	sfenceVMA()
	return nil
}

// PostMMUInit reloads gp to its higher-half value now that the kernel
// runs from the physmap (§4.4 MMU.post_mmu_init, RISC-V-only fix-up).
func (m *MMU) PostMMUInit() {
	reloadGP(physmapBase)
}

func (m *MMU) ExpandPhysmap(totalBytes uint64) error {
	return m.installPhysmapBlocks1G(totalBytes)
}

func (m *MMU) mapSuperpage2M(root *table, vaddr, paddr uintptr, flags hal.PageFlags) error {
	const size = 2 * 1024 * 1024
	if vaddr%size != 0 || paddr%size != 0 {
		return hal.ErrNotAligned
	}
	l2i := (vaddr >> l2Shift) & indexMask
	l1i := (vaddr >> l1Shift) & indexMask

	l1 := m.tableAt(root, l2i, allocBootTable)
	if l1[l1i]&pteV != 0 {
		return nil
	}
	l1[l1i] = pageToPTE(paddr, leafBits(flags))
	return nil
}

func (m *MMU) installPhysmapBlocks1G(totalBytes uint64) error {
	const blockSize = uint64(1) << 30
	blocks := (totalBytes + blockSize - 1) / blockSize
	if blocks == 0 {
		blocks = 1
	}
	for i := uint64(0); i < blocks; i++ {
		phys := i * blockSize
		vaddr := physmapBase + uintptr(phys)
		l2i := (vaddr >> l2Shift) & indexMask
		if m.root[l2i]&pteV != 0 {
			continue
		}
		m.root[l2i] = pageToPTE(uintptr(phys), leafBits(hal.PageFlags{Write: true}))
	}
	return nil
}

// RemoveIdentityMapping clears every low-half L2 entry the kernel image
// and DTB mappings installed, leaving only the physmap's high-half
// entries standing.
func (m *MMU) RemoveIdentityMapping() {
	if m.identityRemoved {
		panic("riscv64: identity mapping already removed")
	}
	for i := range m.root {
		if i < len(m.root)/2 {
			m.root[i] = 0
		}
	}
	sfenceVMA()
	m.identityRemoved = true
}

// MapPage installs a single 4 KiB leaf, walking/allocating the two
// intermediate Sv39 levels via alloc as needed.
func (m *MMU) MapPage(vaddr, paddr uintptr, flags hal.PageFlags, alloc hal.PageAllocFunc) error {
	if vaddr%4096 != 0 || paddr%4096 != 0 {
		return hal.ErrNotAligned
	}
	if vaddr < physmapBase {
		return hal.ErrNotCanonical
	}

	l2i := (vaddr >> l2Shift) & indexMask
	l1i := (vaddr >> l1Shift) & indexMask
	l0i := (vaddr >> l0Shift) & indexMask

	allocFn := func() *table {
		p := alloc()
		if p == 0 {
			return nil
		}
		return (*table)(unsafe.Pointer(p))
	}

	if m.root[l2i]&pteV != 0 && m.root[l2i]&(pteR|pteW|pteX) != 0 {
		return hal.ErrSuperpageConflict
	}
	l1 := m.tableAtChecked(m.root, l2i, allocFn)
	if l1 == nil {
		return hal.ErrOutOfMemory
	}
	if l1[l1i]&pteV != 0 && l1[l1i]&(pteR|pteW|pteX) != 0 {
		return hal.ErrSuperpageConflict
	}
	l0 := m.tableAtChecked(l1, l1i, allocFn)
	if l0 == nil {
		return hal.ErrOutOfMemory
	}
	if l0[l0i]&pteV != 0 {
		return hal.ErrAlreadyMapped
	}

	l0[l0i] = pageToPTE(paddr, leafBits(flags))
	sfenceVMA()
	return nil
}

func leafBits(flags hal.PageFlags) uint64 {
	bits := uint64(pteV | pteA | pteD | pteR)
	if flags.Write {
		bits |= pteW
	}
	if flags.Exec {
		bits |= pteX
	}
	if flags.User {
		bits |= pteU
	} else {
		bits |= pteG
	}
	return bits
}

func (m *MMU) UnmapPage(vaddr uintptr) (uintptr, error) {
	if vaddr < physmapBase {
		return 0, hal.ErrNotCanonical
	}
	l2i := (vaddr >> l2Shift) & indexMask
	l1i := (vaddr >> l1Shift) & indexMask
	l0i := (vaddr >> l0Shift) & indexMask

	if m.root[l2i]&pteV == 0 {
		return 0, hal.ErrNotMapped
	}
	if m.root[l2i]&(pteR|pteW|pteX) != 0 {
		return 0, hal.ErrSuperpageConflict
	}
	l1 := (*table)(unsafe.Pointer(pteToPage(m.root[l2i])))
	if l1[l1i]&pteV == 0 {
		return 0, hal.ErrNotMapped
	}
	if l1[l1i]&(pteR|pteW|pteX) != 0 {
		return 0, hal.ErrSuperpageConflict
	}
	l0 := (*table)(unsafe.Pointer(pteToPage(l1[l1i])))
	if l0[l0i]&pteV == 0 {
		return 0, hal.ErrNotMapped
	}
	phys := pteToPage(l0[l0i])
	l0[l0i] = 0
	sfenceVMA()
	return phys, nil
}

// tableAt walks to (or creates, via the bootstrap allocator) the next-level
// table reachable from parent[idx] and returns it. An existing table is
// dereferenced at the physical address held in the entry, not through
// the physmap.
func (m *MMU) tableAt(parent *table, idx uintptr, allocTable func() *table) *table {
	if parent[idx]&pteV == 0 {
		child := allocTable()
		parent[idx] = pageToPTE(uintptr(unsafe.Pointer(child)), pteV)
		return child
	}
	return (*table)(unsafe.Pointer(pteToPage(parent[idx])))
}

func (m *MMU) tableAtChecked(parent *table, idx uintptr, allocTable func() *table) *table {
	if parent[idx]&pteV == 0 {
		child := allocTable()
		if child == nil {
			return nil
		}
		parent[idx] = pageToPTE(uintptr(unsafe.Pointer(child)), pteV)
		return child
	}
	return (*table)(unsafe.Pointer(pteToPage(parent[idx])))
}

func (m *MMU) PhysToVirt(p uintptr) uintptr { return physmapBase + p }

func (m *MMU) VirtToPhys(v uintptr) (uintptr, error) {
	if v < physmapBase {
		return 0, hal.ErrNotCanonical
	}
	return v - physmapBase, nil
}

func (m *MMU) PhysmapBase() uintptr { return physmapBase }

func alignDown2M(x uint64) uint64 { return x &^ (2*1024*1024 - 1) }

// reloadGP is implemented in asm_riscv64.s; it is a tiny,
// self-contained asm stub distinct from the general context switch.
func reloadGP(physmapBase uintptr)
