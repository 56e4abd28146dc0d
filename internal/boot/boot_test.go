package boot

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/dtb"
	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/trap"
)

// capturingWriter is a console.Writer that records every byte so tests
// can assert on the staged banner output.
type capturingWriter struct {
	buf bytes.Buffer
}

func (w *capturingWriter) PutByte(b byte) { w.buf.WriteByte(b) }

type fakeMMU struct {
	physmapBase uintptr
	mapped      map[uintptr]uintptr
	postInit    int
}

func newFakeMMU() *fakeMMU {
	return &fakeMMU{physmapBase: 0xFFFF_0000_0000_0000, mapped: make(map[uintptr]uintptr)}
}

func (m *fakeMMU) Init(kernelPhysLoad, dtbPhys uintptr) error { return nil }
func (m *fakeMMU) PostMMUInit()                               { m.postInit++ }
func (m *fakeMMU) ExpandPhysmap(totalBytes uint64) error       { return nil }
func (m *fakeMMU) RemoveIdentityMapping()                     {}

func (m *fakeMMU) MapPage(vaddr, paddr uintptr, flags hal.PageFlags, alloc hal.PageAllocFunc) error {
	m.mapped[vaddr] = paddr
	return nil
}

func (m *fakeMMU) UnmapPage(vaddr uintptr) (uintptr, error) {
	p, ok := m.mapped[vaddr]
	if !ok {
		return 0, hal.ErrNotMapped
	}
	delete(m.mapped, vaddr)
	return p, nil
}

func (m *fakeMMU) PhysToVirt(p uintptr) uintptr { return m.physmapBase + p }
func (m *fakeMMU) VirtToPhys(v uintptr) (uintptr, error) {
	if v < m.physmapBase {
		return 0, hal.ErrNotCanonical
	}
	return v - m.physmapBase, nil
}
func (m *fakeMMU) PhysmapBase() uintptr { return m.physmapBase }

type fakeTrap struct {
	initCalls int
}

func (t *fakeTrap) Init()                           { t.initCalls++ }
func (t *fakeTrap) DisableInterrupts() bool          { return true }
func (t *fakeTrap) EnableInterrupts(wasEnabled bool) {}
func (t *fakeTrap) Classify(f hal.Frame) hal.TrapInfo { return hal.TrapInfo{} }

type fakeTimer struct{ freq uint64 }

func (f *fakeTimer) Now() uint64                { return 0 }
func (f *fakeTimer) Frequency() uint64          { return f.freq }
func (f *fakeTimer) SetDeadline(t uint64)       {}
func (f *fakeTimer) Init()                      {}
func (f *fakeTimer) TicksToNs(t uint64) uint64  { return t * 1_000_000_000 / f.freq }
func (f *fakeTimer) NsToTicks(ns uint64) uint64 { return ns * f.freq / 1_000_000_000 }

type fakeCPU struct{ id uint32 }

func (c *fakeCPU) CurrentID() uint32                        { return c.id }
func (c *fakeCPU) WaitForInterrupt()                        {}
func (c *fakeCPU) Halt()                                    {}
func (c *fakeCPU) SpinWaitEq16(ptr *uint16, expected uint16) {}

type fakeSwitcher struct{ calls int }

func (s *fakeSwitcher) Switch(prev, next hal.Context) { s.calls++ }

// fakeContext stands in for the architecture's concrete Context type;
// fakeSwitcher.Switch never type-asserts its arguments, so this only
// needs to satisfy hal.Context.
type fakeContext struct{ pc, sp uintptr }

func (c *fakeContext) Init(pc, sp uintptr)                 { c.pc, c.sp = pc, sp }
func (c *fakeContext) SetEntryData(fn uintptr, arg uintptr) {}

type fakeFPU struct{}

func (fakeFPU) OnContextSwitch(cpu uint32)        {}
func (fakeFPU) OnThreadExit(threadID, cpu uint32) {}

type fakeEntropy struct{}

func (fakeEntropy) CollectMixed(addrHint uintptr) uint64 { return 0x1234 }

func testHAL() hal.HAL {
	return hal.HAL{
		MMU:        newFakeMMU(),
		Trap:       &fakeTrap{},
		Timer:      &fakeTimer{freq: 1_000_000},
		CPU:        &fakeCPU{id: 0},
		Switch:     &fakeSwitcher{},
		FPU:        fakeFPU{},
		Entropy:    fakeEntropy{},
		NewContext: func() hal.Context { return &fakeContext{} },
		IdleEntry:  0,
	}
}

func TestPhase1EmitsStagedBanner(t *testing.T) {
	w := &capturingWriter{}
	h := testHAL()
	o := New(Config{
		HAL:             h,
		PhysicalConsole: w,
		KernelPhysLoad:  0x4008_0000,
		DTBPhys:         0x4000_0000,
	})

	require.NoError(t, o.Phase1())

	out := w.buf.String()
	require.Contains(t, out, "Bullfinch\r\n")
	require.Contains(t, out, "[01/10] uart  console initialized\r\n")
	require.Contains(t, out, "[02/10] trap  early vectors installed\r\n")
	require.Contains(t, out, "[03/10] mmu   paging enabled\r\n")
}

// buildFDT constructs a minimal but well-formed flattened device tree
// good enough for hwinfo.Populate: one memory node and one CPU. Kept
// small and built directly as a byte slice so runWithDTB can be
// exercised without the unsafe raw-pointer read readDTB performs in
// production.
func buildFDT(t *testing.T) []byte {
	t.Helper()

	var structBuf, strBuf bytes.Buffer
	stringOff := map[string]uint32{}

	putU32 := func(buf *bytes.Buffer, v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	pad4 := func(buf *bytes.Buffer) {
		for buf.Len()%4 != 0 {
			buf.WriteByte(0)
		}
	}
	nameOffFor := func(name string) uint32 {
		if off, ok := stringOff[name]; ok {
			return off
		}
		off := uint32(strBuf.Len())
		strBuf.WriteString(name)
		strBuf.WriteByte(0)
		stringOff[name] = off
		return off
	}
	prop := func(name string, value []byte) {
		putU32(&structBuf, 0x3)
		putU32(&structBuf, uint32(len(value)))
		putU32(&structBuf, nameOffFor(name))
		structBuf.Write(value)
		pad4(&structBuf)
	}
	beginNode := func(name string) {
		putU32(&structBuf, 0x1)
		structBuf.WriteString(name)
		structBuf.WriteByte(0)
		pad4(&structBuf)
	}
	endNode := func() { putU32(&structBuf, 0x2) }

	u32 := func(v uint32) []byte {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		return b[:]
	}
	u64 := func(v uint64) []byte {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		return b[:]
	}

	beginNode("")
	prop("#address-cells", u32(2))
	prop("#size-cells", u32(2))

	beginNode("memory@40000000")
	prop("device_type", []byte("memory\x00"))
	prop("reg", append(u64(0x4000_0000), u64(0x1000_0000)...)) // 256 MiB
	endNode()

	beginNode("cpus")
	prop("#address-cells", u32(1))
	prop("#size-cells", u32(0))
	beginNode("cpu@0")
	prop("reg", u32(0))
	endNode()
	endNode()

	endNode() // root
	putU32(&structBuf, 0x9)

	const headerSize = 40
	rsvOff := uint32(headerSize)
	var rsvBuf bytes.Buffer
	rsvBuf.Write(make([]byte, 16))
	structOff := rsvOff + uint32(rsvBuf.Len())
	stringsOff := structOff + uint32(structBuf.Len())
	total := stringsOff + uint32(strBuf.Len())

	var out bytes.Buffer
	putU32(&out, 0xd00dfeed)
	putU32(&out, total)
	putU32(&out, structOff)
	putU32(&out, stringsOff)
	putU32(&out, rsvOff)
	putU32(&out, 17)
	putU32(&out, 16)
	putU32(&out, 0)
	putU32(&out, uint32(strBuf.Len()))
	putU32(&out, uint32(structBuf.Len()))
	out.Write(rsvBuf.Bytes())
	out.Write(structBuf.Bytes())
	out.Write(strBuf.Bytes())
	return out.Bytes()
}

func TestRunWithDTBBringsUpEverySubsystem(t *testing.T) {
	blob, err := dtb.Parse(buildFDT(t))
	require.NoError(t, err)

	w := &capturingWriter{}
	h := testHAL()
	var registered bool
	o := New(Config{
		HAL:                   h,
		PhysicalConsole:       w,
		VirtualConsole:        w,
		KernelPhysLoad:        0x4008_0000,
		DTBPhys:               0x4000_0000,
		KernelStackWindowBase: 0x2000_0000_0000,
		SlabEntropy:           func(addrHint uintptr) uint64 { return h.Entropy.CollectMixed(addrHint) },
		RegisterHandlers: func(d *trap.Dispatcher) {
			registered = true
		},
	})
	require.NoError(t, o.Phase1())
	require.NoError(t, o.runWithDTB(blob))

	out := w.buf.String()
	require.Contains(t, out, "[04/10] virt  physmap expanded, identity map removed\r\n")
	require.Contains(t, out, "1 CPUs, 256 MB")
	require.Contains(t, out, "[BOOT:OK]\n")
	require.True(t, registered)

	stats := o.pmm.Stats()
	require.Greater(t, stats.Total, 0)
	require.NotNil(t, o.sched.Current())
}

func TestParseDTBWindowRejectsOversized(t *testing.T) {
	blob := buildFDT(t)
	_, err := parseDTBWindow(blob)
	require.NoError(t, err)

	window := make([]byte, maxDTBSize+4096)
	copy(window, blob)
	binary.BigEndian.PutUint32(window[4:8], uint32(len(window)))
	_, err = parseDTBWindow(window)
	require.ErrorContains(t, err, "exceeds")
}
