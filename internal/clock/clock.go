// Package clock drives the fixed 100 Hz scheduler tick (§4.11) on top of
// a hal.Timer, converting IRQs into monotonic deadlines that never drift
// even under late handler dispatch.
package clock

import "sync/atomic"

const tickHz = 100

// Clock is the singleton scheduler clock. The zero value is not usable;
// construct with Init.
type Clock struct {
	timer timerSource

	ticksPerInterval uint64
	nextDeadline     uint64
	tickCount        uint64 // atomic

	onTick func()

	initialized bool
}

// timerSource is the subset of hal.Timer the clock depends on, named
// locally so tests can supply a fake without importing hal.
type timerSource interface {
	Now() uint64
	Frequency() uint64
	SetDeadline(absoluteTicks uint64)
	Init()
	TicksToNs(ticks uint64) uint64
}

// Init enables the timer interrupt and schedules the first deadline.
// Panics if the timer reports a zero frequency (§7's unrecoverable list:
// "timer frequency zero at clock init").
func (c *Clock) Init(t timerSource) {
	if c.initialized {
		panic("clock: double init")
	}
	freq := t.Frequency()
	if freq == 0 {
		panic("clock: zero timer frequency")
	}
	c.timer = t
	c.ticksPerInterval = freq / tickHz
	t.Init()
	c.nextDeadline = t.Now() + c.ticksPerInterval
	t.SetDeadline(c.nextDeadline)
	c.initialized = true
}

// SetTickCallback installs the scheduler's tick hook, invoked at the end
// of every OnTimerIRQ.
func (c *Clock) SetTickCallback(fn func()) {
	c.onTick = fn
}

// OnTimerIRQ is called from the timer-IRQ trap handler. It advances
// tick_count, computes the next absolute deadline by adding whole
// intervals (never a fractional catch-up, so the deadline grid never
// drifts regardless of handler latency), reprograms the timer, then
// invokes the scheduler tick callback.
func (c *Clock) OnTimerIRQ() {
	atomic.AddUint64(&c.tickCount, 1)
	c.nextDeadline += c.ticksPerInterval
	for c.nextDeadline <= c.timer.Now() {
		c.nextDeadline += c.ticksPerInterval
	}
	c.timer.SetDeadline(c.nextDeadline)
	if c.onTick != nil {
		c.onTick()
	}
}

// Ticks returns the total number of timer interrupts observed so far.
func (c *Clock) Ticks() uint64 {
	return atomic.LoadUint64(&c.tickCount)
}

// MonotonicNs returns the current monotonic time in nanoseconds.
func (c *Clock) MonotonicNs() uint64 {
	return c.timer.TicksToNs(c.timer.Now())
}

// TicksPerInterval exposes the computed tick granularity, mainly for
// tests asserting the no-drift property.
func (c *Clock) TicksPerInterval() uint64 {
	return c.ticksPerInterval
}
