//go:build arm64

package arm64

import (
	"sync/atomic"
	"unsafe"

	"github.com/romankurakin/bullfinch/internal/hal"
)

// Page-table entry bits (DDI0487 D8.3). Bits 1:0 = 0b11 marks a table
// descriptor at L0-L2 and a page descriptor at L3; leaving bit 1 clear at
// L3 yields an invalid (0b01) entry, so every emitted L3 entry sets it.
const (
	pteValid = 1 << 0
	pteTable = 1 << 1

	pteAF = 1 << 10 // access flag, must be set: no hardware access-flag management
	pteNG = 1 << 11

	pteUXN = 1 << 54
	ptePXN = 1 << 53 // privileged execute-never

	attrNormal = 0 << 2 // MAIR index 0: normal, write-back
	attrDevice = 1 << 2 // MAIR index 1: device-nGnRnE

	shInner = 3 << 8

	apRWEL1 = 0 << 6 // read/write at EL1, no EL0 access
	apRWEL0 = 1 << 6 // read/write at EL1 and EL0
	apROEL1 = 2 << 6
	apROEL0 = 3 << 6

	blockDescriptor = pteValid // bits[1:0] = 0b01 at L1/L2: block, not table
)

const (
	entriesPerTable = 512
	l0Shift         = 39
	l1Shift         = 30 // 1 GiB block
	l2Shift         = 21 // 2 MiB block
	l3Shift         = 12 // 4 KiB page
	indexMask       = entriesPerTable - 1
)

// physmapBase is the virtual origin of the 1:1 RAM window, in the TTBR1
// half of the address space (bit 47 set, per the split-table design).
const physmapBase = uintptr(0xFFFF_8000_0000_0000)

// maxBootTables bounds the fixed pool of page-table-sized slots used only
// while bootstrapping (Init, ExpandPhysmap), before the PMM exists to hand
// out pages through the normal MapPage allocator callback.
const maxBootTables = 1024

type table [entriesPerTable]uint64

var bootTables [maxBootTables]table
var bootTableNext uint32

// allocBootTable hands out the next zeroed slot from the fixed pool. Never
// freed: bootstrap tables live for the life of the kernel.
func allocBootTable() *table {
	idx := atomic.AddUint32(&bootTableNext, 1) - 1
	if idx >= maxBootTables {
		panic("arm64: bootstrap page-table pool exhausted")
	}
	return &bootTables[idx]
}

// MMU is the AArch64 page-table engine (§4.4, §4.9): a split table, TTBR0
// rooting the identity window used only before RemoveIdentityMapping,
// TTBR1 rooting the kernel window (image, physmap, kernel stacks).
type MMU struct {
	ttbr0 *table
	ttbr1 *table

	identityRemoved bool
}

var _ hal.MMU = (*MMU)(nil)

// Init builds the kernel table, identity-maps the kernel image and DTB,
// installs a >=1 GiB physmap using 1 GiB block descriptors, programs
// MAIR/TCR, and enables the MMU (§4.4 MMU.init).
func (m *MMU) Init(kernelPhysLoad, dtbPhys uintptr) error {
	m.ttbr0 = allocBootTable()
	m.ttbr1 = allocBootTable()

	// MAIR_EL1: index 0 normal write-back, index 1 device-nGnRnE.
	msrMAIR(0xFF | (0x00 << 8))

	// TCR_EL1: 4 KiB granule both halves, T0SZ=T1SZ=16 (48-bit VA),
	// inner-shareable, write-back inner/outer for both walks.
	const tcr = (16) | (16 << 16) | (1 << 8) | (1 << 10) | (3 << 12) | (0 << 14) | (1 << 24) | (1 << 26) | (3 << 28) | (2 << 30)
	msrTCR(tcr)

	identityBase := alignDown2M(uint64(kernelPhysLoad))
	if err := m.mapBlock2M(m.ttbr0, uintptr(identityBase), uintptr(identityBase), hal.PageFlags{Write: true, Exec: true}, false); err != nil {
		return err
	}
	dtbBase := alignDown2M(uint64(dtbPhys))
	if dtbBase != identityBase {
		if err := m.mapBlock2M(m.ttbr0, uintptr(dtbBase), uintptr(dtbBase), hal.PageFlags{Write: true}, false); err != nil {
			return err
		}
	}

	if err := m.installPhysmapBlocks1G(1 << 30); err != nil {
		return err
	}

	msrTTBR0(uint64(uintptr(unsafe.Pointer(m.ttbr0))))
	msrTTBR1(uint64(uintptr(unsafe.Pointer(m.ttbr1))))
	dsbISH()
	isb()

	sctlr := mrsSCTLR()
	msrSCTLR(sctlr | 1) // M bit: enable MMU
	return nil
}

// PostMMUInit is a no-op on AArch64: the RISC-V counterpart reloads gp,
// but AArch64 has no equivalent per-CPU higher-half register fix-up.
func (m *MMU) PostMMUInit() {}

// ExpandPhysmap grows the physmap to cover totalBytes using 1 GiB block
// descriptors (§4.9).
func (m *MMU) ExpandPhysmap(totalBytes uint64) error {
	return m.installPhysmapBlocks1G(totalBytes)
}

// mapBlock2M installs a single 2 MiB L2 block descriptor identity-mapping
// vaddr to paddr, used only for the bootstrap TTBR0 window (kernel image,
// DTB) that RemoveIdentityMapping later tears down wholesale.
func (m *MMU) mapBlock2M(root *table, vaddr, paddr uintptr, flags hal.PageFlags, device bool) error {
	if vaddr%(2*1024*1024) != 0 {
		return hal.ErrNotAligned
	}
	l0idx := (vaddr >> l0Shift) & indexMask
	l1 := m.tableAt(root, l0idx, allocBootTable)
	l1idx := (vaddr >> l1Shift) & indexMask
	l2 := m.tableAt(l1, l1idx, allocBootTable)
	l2idx := (vaddr >> l2Shift) & indexMask
	if l2[l2idx]&pteValid != 0 {
		return nil // already covered by a prior identity mapping
	}
	attr := attrNormal
	if device {
		attr = attrDevice
	}
	l2[l2idx] = uint64(paddr) | blockDescriptor | pteAF | uint64(attr) | shInner | permBits(flags)
	return nil
}

func (m *MMU) installPhysmapBlocks1G(totalBytes uint64) error {
	blocks := (totalBytes + (1 << 30) - 1) >> 30
	if blocks == 0 {
		blocks = 1
	}
	for i := uint64(0); i < blocks; i++ {
		phys := i << 30
		vaddr := physmapBase + uintptr(phys)
		l0idx := (vaddr >> l0Shift) & indexMask
		l1 := m.tableAt(m.ttbr1, l0idx, allocBootTable)
		l1idx := (vaddr >> l1Shift) & indexMask
		if l1[l1idx]&pteValid != 0 {
			continue // already mapped by a prior call
		}
		l1[l1idx] = phys | blockDescriptor | pteAF | attrNormal | shInner | apRWEL1 | ptePXN
	}
	dsbISH()
	tlbiVMALLE1IS()
	dsbISH()
	isb()
	return nil
}

// RemoveIdentityMapping clears every TTBR0 top-level entry and flushes
// the TLB (§4.9). Valid to call once.
func (m *MMU) RemoveIdentityMapping() {
	if m.identityRemoved {
		panic("arm64: identity mapping already removed")
	}
	for i := range m.ttbr0 {
		m.ttbr0[i] = 0
	}
	dsbISH()
	tlbiVMALLE1IS()
	dsbISH()
	isb()
	m.identityRemoved = true
}

// MapPage maps a single 4 KiB page into the TTBR1 (kernel) table,
// allocating any missing L1/L2/L3 table via alloc (§4.4 map_page).
func (m *MMU) MapPage(vaddr, paddr uintptr, flags hal.PageFlags, alloc hal.PageAllocFunc) error {
	if vaddr%4096 != 0 || paddr%4096 != 0 {
		return hal.ErrNotAligned
	}
	if vaddr < physmapBase {
		return hal.ErrNotCanonical
	}

	get := func(parent *table, idx uintptr) (*table, error) {
		if parent[idx]&pteValid != 0 {
			if parent[idx]&pteTable == 0 {
				return nil, hal.ErrSuperpageConflict
			}
			return (*table)(unsafe.Pointer(uintptr(parent[idx] &^ 0xFFF))), nil
		}
		page := alloc()
		if page == 0 {
			return nil, hal.ErrOutOfMemory
		}
		parent[idx] = uint64(page) | pteTable | pteValid
		return (*table)(unsafe.Pointer(page)), nil
	}

	l0idx := (vaddr >> l0Shift) & indexMask
	l1, err := get(m.ttbr1, l0idx)
	if err != nil {
		return err
	}
	l1idx := (vaddr >> l1Shift) & indexMask
	l2, err := get(l1, l1idx)
	if err != nil {
		return err
	}
	l2idx := (vaddr >> l2Shift) & indexMask
	l3, err := get(l2, l2idx)
	if err != nil {
		return err
	}
	l3idx := (vaddr >> l3Shift) & indexMask
	if l3[l3idx]&pteValid != 0 {
		return hal.ErrAlreadyMapped
	}

	l3[l3idx] = uint64(paddr) | pteValid | pteTable | pteAF | attrNormal | shInner | permBits(flags)
	dsbISH()
	isb()
	return nil
}

func permBits(flags hal.PageFlags) uint64 {
	var bits uint64
	if flags.Write {
		bits |= apRWEL1
	} else {
		bits |= apROEL1
	}
	if !flags.Exec {
		bits |= pteUXN | ptePXN
	}
	return bits
}

// UnmapPage clears the L3 entry at vaddr and flushes its TLB entry,
// returning the physical frame that had been mapped there.
func (m *MMU) UnmapPage(vaddr uintptr) (uintptr, error) {
	if vaddr%4096 != 0 {
		return 0, hal.ErrNotAligned
	}
	if vaddr < physmapBase {
		return 0, hal.ErrNotCanonical
	}
	l0idx := (vaddr >> l0Shift) & indexMask
	if m.ttbr1[l0idx]&pteValid == 0 {
		return 0, hal.ErrNotMapped
	}
	l1 := (*table)(unsafe.Pointer(uintptr(m.ttbr1[l0idx] &^ 0xFFF)))
	l1idx := (vaddr >> l1Shift) & indexMask
	if l1[l1idx]&pteValid == 0 {
		return 0, hal.ErrNotMapped
	}
	if l1[l1idx]&pteTable == 0 {
		return 0, hal.ErrSuperpageConflict
	}
	l2 := (*table)(unsafe.Pointer(uintptr(l1[l1idx] &^ 0xFFF)))
	l2idx := (vaddr >> l2Shift) & indexMask
	if l2[l2idx]&pteValid == 0 {
		return 0, hal.ErrNotMapped
	}
	l3 := (*table)(unsafe.Pointer(uintptr(l2[l2idx] &^ 0xFFF)))
	l3idx := (vaddr >> l3Shift) & indexMask
	if l3[l3idx]&pteValid == 0 {
		return 0, hal.ErrNotMapped
	}
	phys := uintptr(l3[l3idx] &^ 0xFFF)
	l3[l3idx] = 0
	dsbISH()
	tlbiVAE1IS(vaddr)
	dsbISH()
	isb()
	return phys, nil
}

func (m *MMU) tableAt(parent *table, idx uintptr, allocTable func() *table) *table {
	if parent[idx]&pteValid != 0 {
		return (*table)(unsafe.Pointer(uintptr(parent[idx] &^ 0xFFF)))
	}
	t := allocTable()
	parent[idx] = uint64(uintptr(unsafe.Pointer(t))) | pteTable | pteValid
	return t
}

// PhysToVirt and VirtToPhys convert through the physmap window.
func (m *MMU) PhysToVirt(p uintptr) uintptr { return physmapBase + p }

func (m *MMU) VirtToPhys(v uintptr) (uintptr, error) {
	if v < physmapBase {
		return 0, hal.ErrNotCanonical
	}
	return v - physmapBase, nil
}

func (m *MMU) PhysmapBase() uintptr { return physmapBase }

func alignDown2M(x uint64) uint64 { return x &^ (2*1024*1024 - 1) }
