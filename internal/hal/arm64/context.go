//go:build arm64

package arm64

import (
	"reflect"

	"github.com/romankurakin/bullfinch/internal/hal"
)

// Context is the AArch64 callee-saved register set a context switch must
// preserve: x19-x28, fp (x29), lr (x30), sp (§4.4 Context). A freshly
// Init'd context has lr pointed at entryTrampoline with the real entry
// function and argument stashed in x19/x20; the trampoline re-enables
// interrupts, calls fn(arg), and on return invokes the scheduler's exit
// hook, exactly once, on a thread's first switch-in.
type Context struct {
	X19, X20, X21, X22, X23, X24, X25, X26, X27, X28 uint64
	Fp, Lr, Sp                                        uint64
}

var _ hal.Context = (*Context)(nil)

// Init points sp at the given stack and arranges for the context's first
// switch-in to enter entryTrampoline rather than resume arbitrary code.
func (c *Context) Init(pc, sp uintptr) {
	*c = Context{Lr: uint64(entryTrampolineAddr()), Sp: uint64(sp)}
	c.X19 = uint64(pc)
}

// SetEntryData records the entry function and argument entryTrampoline
// invokes on first entry, in x19/x20.
func (c *Context) SetEntryData(fn uintptr, arg uintptr) {
	c.X19, c.X20 = uint64(fn), uint64(arg)
}

func entryTrampolineAddr() uintptr {
	return reflect.ValueOf(entryTrampoline).Pointer()
}

// NewContext builds a zero-valued Context, the one hal.Context
// constructor the boot orchestrator is allowed to use: arm64.Switcher
// type-asserts its arguments to *Context and panics on anything else, so
// no boot-local stand-in type can ever be switched into.
func NewContext() hal.Context { return &Context{} }

// IdleEntry is the idle thread's entry function: it waits for interrupts
// forever and is never expected to return, unlike every other thread's
// entry function, whose return triggers the scheduler exit hook.
func IdleEntry(arg uintptr) {
	var c CPU
	c.Halt()
}

// IdleEntryAddr is IdleEntry's code address, wired into hal.HAL.IdleEntry
// by New.
func IdleEntryAddr() uintptr {
	return reflect.ValueOf(IdleEntry).Pointer()
}

// entryTrampoline is implemented in context_arm64.s. It unmasks IRQs,
// calls the function in x19 with argument x20, and on return calls
// schedulerExitHook so the scheduler can retire the thread.
func entryTrampoline()

// schedulerExitHook is set by the scheduler wiring (cmd entry stub) before
// any thread runs, and is called from entryTrampoline's epilogue.
var schedulerExitHook func()

// SetSchedulerExitHook installs the callback entryTrampoline runs when a
// thread's entry function returns.
func SetSchedulerExitHook(f func()) { schedulerExitHook = f }

// callSchedulerExitHook is called from context_arm64.s's entryTrampoline
// after the entry function returns; it never returns itself.
func callSchedulerExitHook() {
	if schedulerExitHook != nil {
		schedulerExitHook()
	}
	var c CPU
	c.Halt()
}

// Switcher performs the AArch64 context switch.
type Switcher struct{}

var _ hal.ContextSwitcher = (*Switcher)(nil)

// Switch saves prev's callee-saves and SP, restores next's, and resumes at
// next's saved lr; it returns only once some later switch resumes prev.
func (s *Switcher) Switch(prev, next hal.Context) {
	p, pok := prev.(*Context)
	n, nok := next.(*Context)
	if !pok || !nok {
		panic("arm64: Switch given a non-arm64 Context")
	}
	contextSwitch(p, n)
}

// contextSwitch is implemented in context_arm64.s.
func contextSwitch(p, n *Context)
