package clock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/clock"
)

// fakeTimer simulates a free-running counter; AdvanceTo lets a test
// simulate "late" IRQ dispatch by moving the clock past several
// intervals before OnTimerIRQ is called.
type fakeTimer struct {
	now       uint64
	freq      uint64
	deadline  uint64
	initCalls int
}

func (f *fakeTimer) Now() uint64             { return f.now }
func (f *fakeTimer) Frequency() uint64       { return f.freq }
func (f *fakeTimer) SetDeadline(t uint64)    { f.deadline = t }
func (f *fakeTimer) Init()                   { f.initCalls++ }
func (f *fakeTimer) TicksToNs(t uint64) uint64 { return t * 1_000_000_000 / f.freq }

func TestZeroFrequencyPanics(t *testing.T) {
	var c clock.Clock
	require.Panics(t, func() { c.Init(&fakeTimer{freq: 0}) })
}

func TestDeadlineNoDrift(t *testing.T) {
	timer := &fakeTimer{freq: 1_000_000}
	var c clock.Clock
	c.Init(timer)
	initial := timer.deadline
	tpi := c.TicksPerInterval()

	for m := 1; m <= 50; m++ {
		c.OnTimerIRQ()
		require.Equal(t, initial+uint64(m)*tpi, timer.deadline)
	}
}

func TestDeadlineCatchesUpAfterLateDispatch(t *testing.T) {
	timer := &fakeTimer{freq: 1_000_000}
	var c clock.Clock
	c.Init(timer)
	tpi := c.TicksPerInterval()

	// Simulate the handler not running until 3.5 intervals have passed.
	timer.now = timer.deadline + tpi*3 + tpi/2
	c.OnTimerIRQ()

	require.Zero(t, (timer.deadline-1)%1, "sanity")
	require.Greater(t, timer.deadline, timer.now)
	require.Equal(t, uint64(0), (timer.deadline-0)%tpi)
}

func TestTickCountAndCallback(t *testing.T) {
	timer := &fakeTimer{freq: 1_000_000}
	var c clock.Clock
	c.Init(timer)

	fired := 0
	c.SetTickCallback(func() { fired++ })
	c.OnTimerIRQ()
	c.OnTimerIRQ()

	require.Equal(t, uint64(2), c.Ticks())
	require.Equal(t, 2, fired)
}

func TestMonotonicNs(t *testing.T) {
	timer := &fakeTimer{freq: 1_000_000_000, now: 5_000_000_000}
	var c clock.Clock
	c.Init(timer)
	require.Equal(t, uint64(5_000_000_000), c.MonotonicNs())
}
