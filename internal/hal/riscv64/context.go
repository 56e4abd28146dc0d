//go:build riscv64

package riscv64

import (
	"reflect"

	"github.com/romankurakin/bullfinch/internal/hal"
)

// Context is the RV64 callee-saved register set a context switch must
// preserve: s0-s11 (x8-x9, x18-x27), ra (x1), sp (x2) (§4.4 Context). A
// freshly Init'd context has ra pointed at entryTrampoline with the real
// entry function and argument stashed in s1/s2 (x9/x18).
type Context struct {
	S0, S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64
	Ra, Sp                                            uint64
}

var _ hal.Context = (*Context)(nil)

func (c *Context) Init(pc, sp uintptr) {
	*c = Context{Ra: uint64(entryTrampolineAddr()), Sp: uint64(sp)}
	c.S1 = uint64(pc)
}

func (c *Context) SetEntryData(fn uintptr, arg uintptr) {
	c.S1, c.S2 = uint64(fn), uint64(arg)
}

func entryTrampolineAddr() uintptr {
	return reflect.ValueOf(entryTrampoline).Pointer()
}

// NewContext builds a zero-valued Context, the one hal.Context
// constructor the boot orchestrator is allowed to use: riscv64.Switcher
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

// entryTrampoline is implemented in context_riscv64.s.
func entryTrampoline()

var schedulerExitHook func()

// SetSchedulerExitHook installs the callback entryTrampoline runs when a
// thread's entry function returns.
func SetSchedulerExitHook(f func()) { schedulerExitHook = f }

// callSchedulerExitHook is called from context_riscv64.s's
// entryTrampoline after the entry function returns; it never returns.
func callSchedulerExitHook() {
	if schedulerExitHook != nil {
		schedulerExitHook()
	}
	var c CPU
	c.Halt()
}

// Switcher performs the RV64 context switch.
type Switcher struct{}

var _ hal.ContextSwitcher = (*Switcher)(nil)

func (s *Switcher) Switch(prev, next hal.Context) {
	p, pok := prev.(*Context)
	n, nok := next.(*Context)
	if !pok || !nok {
		panic("riscv64: Switch given a non-riscv64 Context")
	}
	contextSwitch(p, n)
}

// contextSwitch is implemented in context_riscv64.s.
func contextSwitch(p, n *Context)
