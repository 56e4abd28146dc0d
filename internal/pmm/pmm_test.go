package pmm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/pmm"
)

func freshPMM(t *testing.T) *pmm.PMM {
	t.Helper()
	p := &pmm.PMM{}
	p.Init(
		[]pmm.Region{{Base: 0x40000000, Size: 16 * 1024 * 1024}},
		nil,
		nil,
	)
	return p
}

func TestConservation(t *testing.T) {
	p := freshPMM(t)
	s := p.Stats()
	require.Equal(t, s.Total, s.Free+s.Allocated+s.Reserved)
	require.Greater(t, s.Reserved, 0, "arena metadata pages must be reserved")

	var pages []*pmm.Page
	for i := 0; i < 100; i++ {
		pg := p.AllocPage()
		require.NotNil(t, pg)
		pages = append(pages, pg)
	}
	s = p.Stats()
	require.Equal(t, s.Total, s.Free+s.Allocated+s.Reserved)
	require.Equal(t, 100, s.Allocated)

	for _, pg := range pages {
		p.FreePage(pg)
	}
	s2 := p.Stats()
	require.Equal(t, s2.Total, s2.Free+s2.Allocated+s2.Reserved)
	require.Equal(t, 0, s2.Allocated)
}

func TestAllocFreeRoundTripLIFO(t *testing.T) {
	p := freshPMM(t)
	a := p.AllocPage()
	phys := p.PageToPhys(a)
	p.FreePage(a)

	again := p.AllocPage()
	require.Equal(t, phys, p.PageToPhys(again))
}

func TestDoubleFreePanics(t *testing.T) {
	p := freshPMM(t)
	a := p.AllocPage()
	p.FreePage(a)
	require.Panics(t, func() { p.FreePage(a) })
}

func TestExhaustion(t *testing.T) {
	p := freshPMM(t)
	s := p.Stats()
	var count int
	for {
		pg := p.AllocPage()
		if pg == nil {
			break
		}
		count++
	}
	require.Equal(t, s.Free, count)
	require.Nil(t, p.AllocPage())

	final := p.Stats()
	require.Equal(t, 0, final.Free)
	require.Equal(t, final.Total-final.Reserved, final.Allocated)
}

func TestAllocContiguousAlignment(t *testing.T) {
	p := freshPMM(t)
	head := p.AllocContiguous(4, 14) // 4 pages, aligned to 16KiB
	require.NotNil(t, head)
	phys := p.PageToPhys(head)
	require.Zero(t, phys%(4*pmm.PageSize))
	require.True(t, head.ContiguousHead())

	p.FreeContiguous(head, 4)
}

func TestAllocContiguousFailsGracefully(t *testing.T) {
	p := freshPMM(t)
	// Arena usable pages are far fewer than an impossibly large request.
	require.Nil(t, p.AllocContiguous(1<<20, 0))
}

func TestReservedPagesNeverAllocated(t *testing.T) {
	p := &pmm.PMM{}
	p.Init(
		[]pmm.Region{{Base: 0, Size: 4 * 1024 * 1024}},
		[]pmm.ReservedRange{{Base: 0, End: 2 * 1024 * 1024}},
		nil,
	)
	s := p.Stats()
	for i := 0; i < s.Free; i++ {
		pg := p.AllocPage()
		require.NotNil(t, pg)
		phys := p.PageToPhys(pg)
		require.GreaterOrEqual(t, phys, uint64(2*1024*1024))
	}
}
