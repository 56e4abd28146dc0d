package sched_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/sched"
)

type fakeCtx struct{ name string }

func (c *fakeCtx) Init(pc, sp uintptr)                  {}
func (c *fakeCtx) SetEntryData(fn uintptr, arg uintptr) {}

func ctxName(c hal.Context) string {
	if fc, ok := c.(*fakeCtx); ok {
		return fc.name
	}
	return "?"
}

type switchCall struct{ from, to string }

type recordingSwitcher struct {
	calls []switchCall
}

func (s *recordingSwitcher) Switch(prev, next hal.Context) {
	s.calls = append(s.calls, switchCall{from: ctxName(prev), to: ctxName(next)})
}

type fakeFPU struct {
	switchCount int
	exited      []uint32
}

func (f *fakeFPU) OnContextSwitch(cpu uint32)        { f.switchCount++ }
func (f *fakeFPU) OnThreadExit(threadID, cpu uint32) { f.exited = append(f.exited, threadID) }

type fakeIRQ struct{ enabled bool }

func (f *fakeIRQ) DisableInterrupts() bool {
	was := f.enabled
	f.enabled = false
	return was
}
func (f *fakeIRQ) EnableInterrupts(wasEnabled bool) { f.enabled = wasEnabled }

func newScheduler(t *testing.T) (*sched.Scheduler, *recordingSwitcher, *fakeFPU) {
	t.Helper()
	var s sched.Scheduler
	sw := &recordingSwitcher{}
	fpu := &fakeFPU{}
	irq := &fakeIRQ{enabled: true}
	s.Init(sw, fpu, irq, 0)
	return &s, sw, fpu
}

func TestIdleNeverEnqueuedInTree(t *testing.T) {
	s, _, _ := newScheduler(t)
	proc := s.NewProcess()
	idle := s.NewIdleThread(proc, &fakeCtx{name: "idle"})
	s.Enqueue(idle)
	require.False(t, idle.IsQueued())
	require.Equal(t, sched.Ready, idle.State)
}

func TestEnterIdleThenYieldSwitchesToReadyThread(t *testing.T) {
	s, sw, _ := newScheduler(t)
	proc := s.NewProcess()
	idle := s.NewIdleThread(proc, &fakeCtx{name: "idle"})
	s.EnterIdle(&fakeCtx{name: "boot"})
	require.Equal(t, idle, s.Current())

	a := s.NewThread(proc, &fakeCtx{name: "a"}, nil, sched.BaseWeight)
	s.Enqueue(a)

	s.Yield()
	require.Equal(t, a, s.Current())
	require.Len(t, sw.calls, 2) // boot->idle, idle->a
}

func TestNewcomerVruntimeFloorsAtMinVruntime(t *testing.T) {
	s, _, _ := newScheduler(t)
	proc := s.NewProcess()
	s.NewIdleThread(proc, &fakeCtx{name: "idle"})
	s.EnterIdle(&fakeCtx{name: "boot"})

	a := s.NewThread(proc, &fakeCtx{name: "a"}, nil, sched.BaseWeight)
	s.Enqueue(a)
	s.Yield()

	for i := 0; i < 10; i++ {
		s.Tick()
	}
	require.Greater(t, s.MinVruntime(), uint64(0))

	b := s.NewThread(proc, &fakeCtx{name: "b"}, nil, sched.BaseWeight)
	b.VRuntime = 0
	s.Enqueue(b)
	require.GreaterOrEqual(t, b.VRuntime, s.MinVruntime())
}

func TestTickChargesProportionalToWeight(t *testing.T) {
	s, _, _ := newScheduler(t)
	proc := s.NewProcess()
	s.NewIdleThread(proc, &fakeCtx{name: "idle"})
	s.EnterIdle(&fakeCtx{name: "boot"})

	a := s.NewThread(proc, &fakeCtx{name: "a"}, nil, sched.BaseWeight)
	s.Enqueue(a)
	s.Yield()

	s.Tick()
	require.Equal(t, uint64(sched.SliceNs), a.VRuntime)
}

func TestZeroWeightThreadPanicsOnTick(t *testing.T) {
	s, _, _ := newScheduler(t)
	proc := s.NewProcess()
	s.NewIdleThread(proc, &fakeCtx{name: "idle"})
	s.EnterIdle(&fakeCtx{name: "boot"})

	a := s.NewThread(proc, &fakeCtx{name: "a"}, nil, 0)
	s.Enqueue(a)
	s.Yield()
	require.Panics(t, func() { s.Tick() })
}

func TestPreemptFromTrapSwitchesToLowerVruntime(t *testing.T) {
	s, _, _ := newScheduler(t)
	proc := s.NewProcess()
	s.NewIdleThread(proc, &fakeCtx{name: "idle"})
	s.EnterIdle(&fakeCtx{name: "boot"})

	a := s.NewThread(proc, &fakeCtx{name: "a"}, nil, sched.BaseWeight)
	s.Enqueue(a)
	s.Yield()

	b := s.NewThread(proc, &fakeCtx{name: "b"}, nil, sched.BaseWeight)
	b.VRuntime = 0
	s.Enqueue(b)

	s.Tick() // a's vruntime grows past b's, setting need_resched
	s.PreemptFromTrap()
	require.Equal(t, b, s.Current())
	require.True(t, a.IsQueued())
}

func TestBlockAndWake(t *testing.T) {
	s, _, _ := newScheduler(t)
	proc := s.NewProcess()
	s.NewIdleThread(proc, &fakeCtx{name: "idle"})
	s.EnterIdle(&fakeCtx{name: "boot"})

	a := s.NewThread(proc, &fakeCtx{name: "a"}, nil, sched.BaseWeight)
	s.Enqueue(a)
	s.Yield()
	require.Equal(t, a, s.Current())

	b := s.NewThread(proc, &fakeCtx{name: "b"}, nil, sched.BaseWeight)
	s.Enqueue(b)

	s.Block(0xBEEF)
	require.Equal(t, sched.Blocked, a.State)
	require.Equal(t, b, s.Current())

	s.Wake(a)
	require.True(t, a.IsQueued())
	require.Equal(t, sched.Ready, a.State)
}

func TestExitDropsFPUOwnership(t *testing.T) {
	s, _, fpu := newScheduler(t)
	proc := s.NewProcess()
	s.NewIdleThread(proc, &fakeCtx{name: "idle"})
	s.EnterIdle(&fakeCtx{name: "boot"})

	a := s.NewThread(proc, &fakeCtx{name: "a"}, nil, sched.BaseWeight)
	s.Enqueue(a)
	s.Yield()

	b := s.NewThread(proc, &fakeCtx{name: "b"}, nil, sched.BaseWeight)
	s.Enqueue(b)

	s.Exit()
	require.Equal(t, sched.Exited, a.State)
	require.Contains(t, fpu.exited, a.ID)
	require.Equal(t, b, s.Current())
}
