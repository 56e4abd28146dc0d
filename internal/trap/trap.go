// Package trap is the architecture-independent trap core (§4.10):
// classification dispatch, the handler result type, and the preemption
// hook invoked on every trap return. The frame layout and the actual
// classify() walk are architecture-specific (hal.Frame, hal.Trap); this
// package only decides, given a hal.TrapInfo, which handler runs and
// what happens to its result.
package trap

import (
	"github.com/romankurakin/bullfinch/internal/hal"
)

// ResultKind is a handler's disposition, per §4.10.
type ResultKind int

const (
	Handled ResultKind = iota
	HandledModified
	PanicResult
)

// Result is what a registered handler returns.
type Result struct {
	Kind    ResultKind
	Message string // only meaningful when Kind == PanicResult
}

// Ok reports that the trap was fully handled with no frame mutation.
func Ok() Result { return Result{Kind: Handled} }

// Modified reports that the trap was handled and f was mutated (e.g. a
// syscall return value was written).
func Modified() Result { return Result{Kind: HandledModified} }

// Fail reports an unrecoverable condition; the dispatcher hands msg to
// the panic path rather than returning from the trap.
func Fail(msg string) Result { return Result{Kind: PanicResult, Message: msg} }

// Handler processes one classified trap.
type Handler func(f hal.Frame, info hal.TrapInfo) Result

// PanicFunc is called with an unrecoverable trap's message; it must not
// return (wired to bootpanic.Panic in production).
type PanicFunc func(msg string)

// Dispatcher routes a classified trap to its registered Handler and runs
// the preemption hook afterward. One Dispatcher per CPU in a future SMP
// extension; the covered single-CPU core uses one global instance.
type Dispatcher struct {
	handlers [hal.TrapUnknown + 1]Handler
	preempt  func()
	onPanic  PanicFunc
}

// Register installs the handler for kind. Registering twice for the same
// kind overwrites the previous handler (used by tests to stub out a
// handler without constructing a fresh Dispatcher).
func (d *Dispatcher) Register(kind hal.TrapKind, h Handler) {
	d.handlers[kind] = h
}

// SetPreemptHook installs the scheduler's preempt-from-trap callback
// (§4.12), invoked after every successfully handled trap, before the
// assembly trampoline restores the frame.
func (d *Dispatcher) SetPreemptHook(fn func()) {
	d.preempt = fn
}

// SetPanicHandler installs the unrecoverable-trap sink.
func (d *Dispatcher) SetPanicHandler(fn PanicFunc) {
	d.onPanic = fn
}

// Handle classifies f via tr and runs the matching handler. Called from
// the architecture's trap-entry assembly after the full frame has been
// saved on the current kernel stack.
func (d *Dispatcher) Handle(tr hal.Trap, f hal.Frame) {
	info := tr.Classify(f)
	h := d.handlers[info.Kind]
	if h == nil {
		d.fail("unhandled trap kind")
		return
	}
	res := h(f, info)
	if res.Kind == PanicResult {
		d.fail(res.Message)
		return
	}
	if d.preempt != nil {
		d.preempt()
	}
}

func (d *Dispatcher) fail(msg string) {
	if d.onPanic != nil {
		d.onPanic(msg)
		return
	}
	panic("trap: " + msg)
}
