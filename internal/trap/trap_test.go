package trap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/trap"
)

type fakeFrame struct {
	pc, sp, cause, fault uint64
	fromUser             bool
	gprs                 [32]uint64
	sysnum               uint64
	sysargs              [6]uint64
	retval               uint64
}

func (f *fakeFrame) PC() uint64             { return f.pc }
func (f *fakeFrame) SetPC(v uint64)         { f.pc = v }
func (f *fakeFrame) SP() uint64             { return f.sp }
func (f *fakeFrame) Cause() uint64          { return f.cause }
func (f *fakeFrame) FaultAddress() uint64   { return f.fault }
func (f *fakeFrame) FromUserMode() bool     { return f.fromUser }
func (f *fakeFrame) GPR(n int) uint64       { return f.gprs[n] }
func (f *fakeFrame) SyscallNumber() uint64  { return f.sysnum }
func (f *fakeFrame) SyscallArg(i int) uint64 { return f.sysargs[i] }
func (f *fakeFrame) SetReturnValue(v uint64) { f.retval = v }

type fakeTrap struct {
	kind hal.TrapKind
	aux  uint64
}

func (t *fakeTrap) Init()                       {}
func (t *fakeTrap) DisableInterrupts() bool     { return true }
func (t *fakeTrap) EnableInterrupts(bool)       {}
func (t *fakeTrap) Classify(hal.Frame) hal.TrapInfo {
	return hal.TrapInfo{Kind: t.kind, Aux: t.aux}
}

func TestDispatchRunsRegisteredHandler(t *testing.T) {
	var d trap.Dispatcher
	called := false
	d.Register(hal.TrapSyscall, func(f hal.Frame, info hal.TrapInfo) trap.Result {
		called = true
		f.SetReturnValue(42)
		return trap.Modified()
	})

	f := &fakeFrame{}
	d.Handle(&fakeTrap{kind: hal.TrapSyscall}, f)
	require.True(t, called)
	require.Equal(t, uint64(42), f.retval)
}

func TestUnregisteredKindPanics(t *testing.T) {
	var d trap.Dispatcher
	require.Panics(t, func() { d.Handle(&fakeTrap{kind: hal.TrapUnknown}, &fakeFrame{}) })
}

func TestHandlerPanicRoutesToPanicHandler(t *testing.T) {
	var d trap.Dispatcher
	var gotMsg string
	d.SetPanicHandler(func(msg string) { gotMsg = msg })
	d.Register(hal.TrapIllegalInstruction, func(f hal.Frame, info hal.TrapInfo) trap.Result {
		return trap.Fail("bad opcode")
	})

	d.Handle(&fakeTrap{kind: hal.TrapIllegalInstruction}, &fakeFrame{})
	require.Equal(t, "bad opcode", gotMsg)
}

func TestPreemptHookRunsAfterHandledTrap(t *testing.T) {
	var d trap.Dispatcher
	preempted := false
	d.SetPreemptHook(func() { preempted = true })
	d.Register(hal.TrapTimerIRQ, func(hal.Frame, hal.TrapInfo) trap.Result { return trap.Ok() })

	d.Handle(&fakeTrap{kind: hal.TrapTimerIRQ}, &fakeFrame{})
	require.True(t, preempted)
}

func TestPreemptHookNotRunOnPanic(t *testing.T) {
	var d trap.Dispatcher
	preempted := false
	d.SetPreemptHook(func() { preempted = true })
	d.SetPanicHandler(func(string) {})
	d.Register(hal.TrapIllegalInstruction, func(hal.Frame, hal.TrapInfo) trap.Result {
		return trap.Fail("x")
	})

	d.Handle(&fakeTrap{kind: hal.TrapIllegalInstruction}, &fakeFrame{})
	require.False(t, preempted)
}
