// Package hwinfo is the hardware-info cache (§4.6): parsed once out of the
// device tree immediately after phase 2 enters virtual mode, then treated
// as read-only for the rest of the kernel's life. PMM init, the clock, and
// the scheduler's CPU count all consume this record instead of touching
// the DTB directly.
package hwinfo

import (
	"fmt"
	"sort"

	"github.com/romankurakin/bullfinch/internal/dtb"
)

const (
	maxMemoryRegions  = 4
	maxReservedRanges = 8
)

// MemoryRegion is one /memory@*/reg entry.
type MemoryRegion struct {
	Base, Size uint64
}

// ReservedRange is one DTB-declared reserved region.
type ReservedRange struct {
	Base, Size uint64
}

// GICInfo captures the AArch64 interrupt-controller description.
type GICInfo struct {
	Present    bool
	Version    int // 2 for GICv2/gic-400, 3 for GICv3
	DistBase   uint64
	RedistBase uint64 // 0 if the controller has no redistributor region (GICv2)
}

// Info is the immutable, once-populated hardware snapshot.
type Info struct {
	DTBPhysBase uintptr
	DTBSize     uint32

	Memory      []MemoryRegion // sorted by descending Size, len <= maxMemoryRegions
	Reserved    []ReservedRange // len <= maxReservedRanges
	TotalMemory uint64

	TimerFrequency uint64 // RISC-V only; AArch64 reads CNTFRQ_EL0 directly and ignores this
	CPUCount       int
	UARTBase       uint64 // 0 if no match

	GIC        GICInfo // AArch64 only
	ZkrPresent bool    // RISC-V only: "seed" CSR (Zkr extension) advertised
}

// Populate parses blob into a fresh Info. It never mutates blob and is
// meant to be called exactly once during boot phase 2.
func Populate(blob *dtb.Blob, dtbPhysBase uintptr) (*Info, error) {
	info := &Info{
		DTBPhysBase: dtbPhysBase,
		DTBSize:     blob.TotalSize(),
	}

	root, err := blob.Root()
	if err != nil {
		return nil, fmt.Errorf("hwinfo: %w", err)
	}

	if err := collectMemory(blob, root, info); err != nil {
		return nil, err
	}
	collectReserved(blob, info)
	if err := collectCPUs(blob, root, info); err != nil {
		return nil, err
	}
	collectUART(blob, root, info)

	return info, nil
}

func collectMemory(blob *dtb.Blob, root dtb.Node, info *Info) error {
	ac, err := blob.AddressCells(root)
	if err != nil {
		return fmt.Errorf("hwinfo: %w", err)
	}
	sc, err := blob.SizeCells(root)
	if err != nil {
		return fmt.Errorf("hwinfo: %w", err)
	}

	var regions []MemoryRegion
	for _, child := range blob.Subnodes(root) {
		dt, ok := blob.GetProp(child, "device_type")
		if !ok || string(trimNul(dt)) != "memory" {
			continue
		}
		reg, ok := blob.GetProp(child, "reg")
		if !ok {
			continue
		}
		for i := 0; ; i++ {
			base, size, ok := dtb.DecodeRegEntry(reg, ac, sc, i)
			if !ok {
				break
			}
			regions = append(regions, MemoryRegion{Base: base, Size: size})
		}
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Size > regions[j].Size })
	if len(regions) > maxMemoryRegions {
		regions = regions[:maxMemoryRegions]
	}
	info.Memory = regions
	var total uint64
	for _, r := range regions {
		total += r.Size
	}
	info.TotalMemory = total
	return nil
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func collectReserved(blob *dtb.Blob, info *Info) {
	for _, r := range blob.MemoryReservations() {
		if len(info.Reserved) >= maxReservedRanges {
			break
		}
		info.Reserved = append(info.Reserved, ReservedRange{Base: r.Address, Size: r.Size})
	}

	root, err := blob.Root()
	if err != nil {
		return
	}
	resvNode, ok := blob.NodeByPath("/reserved-memory")
	if !ok {
		return
	}
	ac, _ := blob.AddressCells(root)
	sc, _ := blob.SizeCells(root)
	for _, child := range blob.Subnodes(resvNode) {
		reg, ok := blob.GetProp(child, "reg")
		if !ok {
			continue
		}
		base, size, ok := dtb.DecodeRegEntry(reg, ac, sc, 0)
		if !ok {
			continue
		}
		if len(info.Reserved) >= maxReservedRanges {
			return
		}
		info.Reserved = append(info.Reserved, ReservedRange{Base: base, Size: size})
	}
}

func collectCPUs(blob *dtb.Blob, root dtb.Node, info *Info) error {
	cpusNode, ok := blob.NodeByPath("/cpus")
	if !ok {
		return nil
	}

	count := 0
	n, ok := blob.FirstSubnode(cpusNode)
	for ok {
		name, _ := blob.GetName(n)
		if isCPUNode(name) {
			count++
		}
		n, ok = blob.NextSubnode(cpusNode, n)
	}
	info.CPUCount = count

	if v, ok := blob.GetProp(cpusNode, "timebase-frequency"); ok && len(v) == 4 {
		info.TimerFrequency = uint64(be32(v))
	}
	return nil
}

func isCPUNode(name string) bool {
	for i := 0; i < len(name); i++ {
		if name[i] == '@' {
			return name[:i] == "cpu"
		}
	}
	return name == "cpu"
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

var uartCompatibles = []string{"arm,pl011", "ns16550a"}

func collectUART(blob *dtb.Blob, root dtb.Node, info *Info) {
	n, ok := blob.NodeByCompatible(root, uartCompatibles...)
	if !ok {
		return
	}
	reg, ok := blob.GetProp(n, "reg")
	if !ok || len(reg) < 8 {
		return
	}
	ac, _ := blob.AddressCells(root)
	sc, _ := blob.SizeCells(root)
	base, _, ok := dtb.DecodeRegEntry(reg, ac, sc, 0)
	if ok {
		info.UARTBase = base
	}
}

// PopulateGIC fills the AArch64-only interrupt-controller fields. Kept
// separate from Populate because it is meaningful only on one
// architecture; the arm64 boot path calls it explicitly after Populate.
func PopulateGIC(blob *dtb.Blob, info *Info) {
	root, err := blob.Root()
	if err != nil {
		return
	}
	if n, ok := blob.NodeByCompatible(root, "arm,gic-v3"); ok {
		fillGIC(blob, root, n, 3, info)
		return
	}
	if n, ok := blob.NodeByCompatible(root, "arm,gic-400", "arm,cortex-a15-gic"); ok {
		fillGIC(blob, root, n, 2, info)
	}
}

func fillGIC(blob *dtb.Blob, root, n dtb.Node, version int, info *Info) {
	reg, ok := blob.GetProp(n, "reg")
	if !ok {
		return
	}
	ac, _ := blob.AddressCells(root)
	sc, _ := blob.SizeCells(root)
	entryLen := (ac + sc) * 4
	dist, _, ok := dtb.DecodeRegEntry(reg, ac, sc, 0)
	if !ok {
		return
	}
	info.GIC = GICInfo{Present: true, Version: version, DistBase: dist}
	if len(reg) >= 2*entryLen {
		redist, _, ok := dtb.DecodeRegEntry(reg, ac, sc, 1)
		if ok {
			info.GIC.RedistBase = redist
		}
	}
}

// PopulateZkr fills the RISC-V-only entropy-extension field: whether any
// /cpus/cpu@*/riscv,isa-extensions or riscv,isa property advertises "zkr".
func PopulateZkr(blob *dtb.Blob, info *Info) {
	cpusNode, ok := blob.NodeByPath("/cpus")
	if !ok {
		return
	}
	n, ok := blob.FirstSubnode(cpusNode)
	for ok {
		if hasZkr(blob, n) {
			info.ZkrPresent = true
			return
		}
		n, ok = blob.NextSubnode(cpusNode, n)
	}
}

func hasZkr(blob *dtb.Blob, n dtb.Node) bool {
	if exts, ok := blob.GetProp(n, "riscv,isa-extensions"); ok {
		for _, s := range splitStrings(exts) {
			if s == "zkr" {
				return true
			}
		}
	}
	if isa, ok := blob.GetProp(n, "riscv,isa"); ok {
		return containsToken(string(trimNul(isa)), "zkr")
	}
	return false
}

func splitStrings(v []byte) []string {
	var out []string
	start := 0
	for i, c := range v {
		if c == 0 {
			out = append(out, string(v[start:i]))
			start = i + 1
		}
	}
	return out
}

func containsToken(s, tok string) bool {
	for i := 0; i+len(tok) <= len(s); i++ {
		if s[i:i+len(tok)] == tok {
			return true
		}
	}
	return false
}
