// Package dtb is a read-only query layer over a flattened device-tree
// blob (§4.5). It walks the same wire format tinyrange-cc's internal/fdt
// package writes (_examples/tinyrange-cc/internal/fdt/build.go: magic
// 0xd00dfeed, BEGIN_NODE/END_NODE/PROP/END tokens, big-endian throughout)
// but in the read direction, and without materializing a tree: node and
// property lookups walk the structure block by offset, the same shape
// libfdt's fdt_path_offset/fdt_getprop/fdt_first_subnode/fdt_next_subnode
// expose (§6), so this package can stand in for the C shim's read-only
// subset without cgo.
package dtb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	magic           = 0xd00dfeed
	tokenBeginNode  = 0x1
	tokenEndNode    = 0x2
	tokenProp       = 0x3
	tokenNop        = 0x4
	tokenEnd        = 0x9
	headerSize      = 40
)

// ErrBadHeader is returned by Parse when the blob's magic or declared size
// is inconsistent with the buffer it was given.
var ErrBadHeader = errors.New("dtb: bad header")

type header struct {
	totalSize      uint32
	offDtStruct    uint32
	offDtStrings   uint32
	offMemRsvmap   uint32
	version        uint32
	lastCompVer    uint32
	bootCPUIDPhys  uint32
	sizeDtStrings  uint32
	sizeDtStruct   uint32
}

// Blob is a parsed, read-only view over a device-tree byte buffer. The
// buffer is never copied or mutated; all reads are big-endian per §4.5.
type Blob struct {
	data []byte
	hdr  header
}

// Parse validates the FDT header and returns a queryable Blob. It does not
// walk the structure block: lookups are lazy.
func Parse(data []byte) (*Blob, error) {
	if len(data) < headerSize {
		return nil, ErrBadHeader
	}
	if binary.BigEndian.Uint32(data[0:4]) != magic {
		return nil, ErrBadHeader
	}
	h := header{
		totalSize:     binary.BigEndian.Uint32(data[4:8]),
		offDtStruct:   binary.BigEndian.Uint32(data[8:12]),
		offDtStrings:  binary.BigEndian.Uint32(data[12:16]),
		offMemRsvmap:  binary.BigEndian.Uint32(data[16:20]),
		version:       binary.BigEndian.Uint32(data[20:24]),
		lastCompVer:   binary.BigEndian.Uint32(data[24:28]),
		bootCPUIDPhys: binary.BigEndian.Uint32(data[28:32]),
		sizeDtStrings: binary.BigEndian.Uint32(data[32:36]),
		sizeDtStruct:  binary.BigEndian.Uint32(data[36:40]),
	}
	if uint64(h.totalSize) > uint64(len(data)) {
		return nil, ErrBadHeader
	}
	return &Blob{data: data, hdr: h}, nil
}

// TotalSize returns the blob's declared total size in bytes, the value
// boot checks against the 1 MiB cap before trusting the rest of the blob.
func (b *Blob) TotalSize() uint32 { return b.hdr.totalSize }

// Node is an offset into the structure block identifying a BEGIN_NODE
// token, mirroring libfdt's integer node offsets.
type Node int

// Root is the offset of the device tree's root node.
func (b *Blob) Root() (Node, error) {
	off := int(b.hdr.offDtStruct)
	n, _, err := b.expectBeginNode(off)
	return n, err
}

func (b *Blob) expectBeginNode(off int) (Node, int, error) {
	off = b.skipNops(off)
	if off+4 > len(b.data) {
		return 0, 0, fmt.Errorf("dtb: truncated structure block at %d", off)
	}
	tok := binary.BigEndian.Uint32(b.data[off : off+4])
	if tok != tokenBeginNode {
		return 0, 0, fmt.Errorf("dtb: expected BEGIN_NODE at %d, got %#x", off, tok)
	}
	nameOff := off + 4
	nameEnd := nameOff
	for nameEnd < len(b.data) && b.data[nameEnd] != 0 {
		nameEnd++
	}
	next := align4(nameEnd + 1)
	return Node(off), next, nil
}

func (b *Blob) skipNops(off int) int {
	for off+4 <= len(b.data) && binary.BigEndian.Uint32(b.data[off:off+4]) == tokenNop {
		off += 4
	}
	return off
}

func align4(x int) int { return (x + 3) &^ 3 }

// GetName returns a node's name (the empty string for the root node).
func (b *Blob) GetName(n Node) (string, error) {
	off := int(n) + 4
	end := off
	for end < len(b.data) && b.data[end] != 0 {
		end++
	}
	if end >= len(b.data) {
		return "", fmt.Errorf("dtb: unterminated node name at %d", off)
	}
	return string(b.data[off:end]), nil
}

// entry describes one child walked out of a parent node: its own Node
// offset, and the offset immediately after it (its END_NODE token), for
// sibling iteration.
type entry struct {
	node Node
	// afterEnd is the offset of the token following this node's
	// END_NODE, i.e. where the next sibling (if any) begins.
	afterEnd int
}

// walkChildren visits every direct child of parent's node, calling visit
// for each until visit returns false or children are exhausted. Also used
// internally to collect properties at a node's own level.
func (b *Blob) walkChildren(parent Node, visit func(entry) bool) error {
	_, bodyOff, err := b.expectBeginNode(int(parent))
	if err != nil {
		return err
	}
	off := bodyOff
	for {
		off = b.skipNops(off)
		if off+4 > len(b.data) {
			return fmt.Errorf("dtb: truncated structure block at %d", off)
		}
		tok := binary.BigEndian.Uint32(b.data[off : off+4])
		switch tok {
		case tokenProp:
			next, err := b.skipProp(off)
			if err != nil {
				return err
			}
			off = next
		case tokenBeginNode:
			child, childBody, err := b.expectBeginNode(off)
			if err != nil {
				return err
			}
			afterEnd, err := b.skipToEndNode(childBody)
			if err != nil {
				return err
			}
			if !visit(entry{node: child, afterEnd: afterEnd}) {
				return nil
			}
			off = afterEnd
		case tokenEndNode, tokenEnd:
			return nil
		default:
			return fmt.Errorf("dtb: unexpected token %#x at %d", tok, off)
		}
	}
}

func (b *Blob) skipProp(off int) (int, error) {
	if off+12 > len(b.data) {
		return 0, fmt.Errorf("dtb: truncated PROP header at %d", off)
	}
	length := binary.BigEndian.Uint32(b.data[off+4 : off+8])
	dataOff := off + 12
	end := dataOff + int(length)
	if end > len(b.data) {
		return 0, fmt.Errorf("dtb: truncated PROP value at %d", off)
	}
	return align4(end), nil
}

// skipToEndNode walks past a node's entire body (properties and nested
// children) and returns the offset immediately after its END_NODE token.
func (b *Blob) skipToEndNode(bodyOff int) (int, error) {
	off := bodyOff
	for {
		off = b.skipNops(off)
		if off+4 > len(b.data) {
			return 0, fmt.Errorf("dtb: truncated structure block at %d", off)
		}
		tok := binary.BigEndian.Uint32(b.data[off : off+4])
		switch tok {
		case tokenProp:
			next, err := b.skipProp(off)
			if err != nil {
				return 0, err
			}
			off = next
		case tokenBeginNode:
			_, childBody, err := b.expectBeginNode(off)
			if err != nil {
				return 0, err
			}
			next, err := b.skipToEndNode(childBody)
			if err != nil {
				return 0, err
			}
			off = next
		case tokenEndNode:
			return off + 4, nil
		default:
			return 0, fmt.Errorf("dtb: unexpected token %#x at %d", tok, off)
		}
	}
}

// FirstSubnode returns parent's first direct child, or ok=false if it has
// none.
func (b *Blob) FirstSubnode(parent Node) (child Node, ok bool) {
	_ = b.walkChildren(parent, func(e entry) bool {
		child, ok = e.node, true
		return false
	})
	return
}

// NextSubnode returns the sibling directly following cur under the tree,
// or ok=false if cur was the last child. Callers must pass cur's parent
// explicitly, matching libfdt's pattern of walking level by level rather
// than storing a parent pointer in Node.
func (b *Blob) NextSubnode(parent, cur Node) (next Node, ok bool) {
	var prevEnd = -1
	_ = b.walkChildren(parent, func(e entry) bool {
		if e.node == cur {
			prevEnd = e.afterEnd
			return true
		}
		if prevEnd >= 0 {
			next, ok = e.node, true
			return false
		}
		return true
	})
	return
}

// Subnodes returns every direct child of parent, in document order.
func (b *Blob) Subnodes(parent Node) []Node {
	var out []Node
	_ = b.walkChildren(parent, func(e entry) bool {
		out = append(out, e.node)
		return true
	})
	return out
}

// GetProp returns a node's raw property value. ok is false when the
// property is absent; a present-but-empty property returns a non-nil,
// zero-length slice with ok=true, matching §4.5's "None distinct from
// present-but-empty" requirement.
func (b *Blob) GetProp(n Node, name string) (value []byte, ok bool) {
	_, bodyOff, err := b.expectBeginNode(int(n))
	if err != nil {
		return nil, false
	}
	off := bodyOff
	for {
		off = b.skipNops(off)
		if off+4 > len(b.data) {
			return nil, false
		}
		tok := binary.BigEndian.Uint32(b.data[off : off+4])
		switch tok {
		case tokenProp:
			length := binary.BigEndian.Uint32(b.data[off+4 : off+8])
			nameOff := binary.BigEndian.Uint32(b.data[off+8 : off+12])
			propName := b.stringAt(int(b.hdr.offDtStrings) + int(nameOff))
			dataOff := off + 12
			if propName == name {
				v := b.data[dataOff : dataOff+int(length)]
				if v == nil {
					v = []byte{}
				}
				return v, true
			}
			off = align4(dataOff + int(length))
		default:
			return nil, false
		}
	}
}

func (b *Blob) stringAt(off int) string {
	end := off
	for end < len(b.data) && b.data[end] != 0 {
		end++
	}
	if off < 0 || end > len(b.data) {
		return ""
	}
	return string(b.data[off:end])
}

// AddressCells and SizeCells read #address-cells/#size-cells from n,
// defaulting to 2 and 1 respectively per the device-tree spec, and
// rejecting any other cell count (§4.5).
func (b *Blob) AddressCells(n Node) (int, error) { return b.cells(n, "#address-cells", 2) }
func (b *Blob) SizeCells(n Node) (int, error)     { return b.cells(n, "#size-cells", 1) }

func (b *Blob) cells(n Node, prop string, def int) (int, error) {
	v, ok := b.GetProp(n, prop)
	if !ok {
		return def, nil
	}
	if len(v) != 4 {
		return 0, fmt.Errorf("dtb: %s is not a single u32", prop)
	}
	c := int(binary.BigEndian.Uint32(v))
	if c != 1 && c != 2 {
		return 0, fmt.Errorf("dtb: %s = %d rejected (only 1 or 2 supported)", prop, c)
	}
	return c, nil
}

// DecodeRegEntry decodes the index'th (base, size) pair out of a raw reg
// property given the parent's cell sizes.
func DecodeRegEntry(reg []byte, addrCells, sizeCells, index int) (base, size uint64, ok bool) {
	if addrCells != 1 && addrCells != 2 {
		return 0, 0, false
	}
	if sizeCells != 1 && sizeCells != 2 {
		return 0, 0, false
	}
	entryLen := (addrCells + sizeCells) * 4
	start := index * entryLen
	if start+entryLen > len(reg) {
		return 0, 0, false
	}
	base = readCells(reg[start:], addrCells)
	size = readCells(reg[start+addrCells*4:], sizeCells)
	return base, size, true
}

func readCells(b []byte, cells int) uint64 {
	if cells == 1 {
		return uint64(binary.BigEndian.Uint32(b[0:4]))
	}
	return binary.BigEndian.Uint64(b[0:8])
}

// NodeByPath resolves a slash-separated path such as "/cpus" or
// "/memory@40000000" starting from the root.
func (b *Blob) NodeByPath(path string) (Node, bool) {
	root, err := b.Root()
	if err != nil {
		return 0, false
	}
	if path == "" || path == "/" {
		return root, true
	}
	cur := root
	seg := ""
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if seg != "" {
				next, ok := b.childNamed(cur, seg)
				if !ok {
					return 0, false
				}
				cur = next
				seg = ""
			}
			continue
		}
		seg += string(path[i])
	}
	return cur, true
}

func (b *Blob) childNamed(parent Node, name string) (Node, bool) {
	var found Node
	var ok bool
	_ = b.walkChildren(parent, func(e entry) bool {
		n, err := b.GetName(e.node)
		if err == nil && n == name {
			found, ok = e.node, true
			return false
		}
		return true
	})
	return found, ok
}

// NodeByCompatible returns the first node, at or below root, whose
// "compatible" property contains one of the listed strings.
func (b *Blob) NodeByCompatible(root Node, compatibles ...string) (Node, bool) {
	if matchesCompatible(b, root, compatibles) {
		return root, true
	}
	var found Node
	var ok bool
	_ = b.walkChildren(root, func(e entry) bool {
		if n, ok2 := b.NodeByCompatible(e.node, compatibles...); ok2 {
			found, ok = n, true
			return false
		}
		return true
	})
	return found, ok
}

func matchesCompatible(b *Blob, n Node, compatibles []string) bool {
	v, present := b.GetProp(n, "compatible")
	if !present {
		return false
	}
	for _, want := range compatibles {
		for _, got := range splitNulTerminatedStrings(v) {
			if got == want {
				return true
			}
		}
	}
	return false
}

func splitNulTerminatedStrings(v []byte) []string {
	var out []string
	start := 0
	for i, c := range v {
		if c == 0 {
			out = append(out, string(v[start:i]))
			start = i + 1
		}
	}
	if start < len(v) {
		out = append(out, string(v[start:]))
	}
	return out
}

// ReservedRange is one (address, size) pair from the memory-reservation
// block, present before the root node's own /reserved-memory subtree.
type ReservedRange struct {
	Address, Size uint64
}

// MemoryReservations returns every entry in the DTB's memory-reservation
// block, terminated by a zero/zero sentinel pair.
func (b *Blob) MemoryReservations() []ReservedRange {
	var out []ReservedRange
	off := int(b.hdr.offMemRsvmap)
	for off+16 <= len(b.data) {
		addr := binary.BigEndian.Uint64(b.data[off : off+8])
		size := binary.BigEndian.Uint64(b.data[off+8 : off+16])
		if addr == 0 && size == 0 {
			break
		}
		out = append(out, ReservedRange{Address: addr, Size: size})
		off += 16
	}
	return out
}
