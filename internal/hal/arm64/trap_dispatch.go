//go:build arm64

package arm64

import (
	"reflect"

	"github.com/romankurakin/bullfinch/internal/trap"
)

func vectorTable()

// vectorTableAddr returns the code address of vectorTable for Trap.Init
// to install via VBAR_EL1. 2 KiB-aligned by the assembler's PCALIGN
// directives inside the table itself.
func vectorTableAddr() uintptr {
	return reflect.ValueOf(vectorTable).Pointer()
}

var dispatcher *trap.Dispatcher
var trapImpl Trap

// SetDispatcher wires the shared trap dispatcher so the vector table's
// assembly trampoline (saveFrameAndDispatch, vectors_arm64.s) has
// somewhere to route a classified trap. The cmd entry stub calls this
// once, before Phase1 installs the vector base.
func SetDispatcher(d *trap.Dispatcher) { dispatcher = d }

// trapEntry is called from saveFrameAndDispatch with a pointer to the
// just-saved Frame. Go-side half of the vector table: classification and
// handler dispatch happen here instead of in assembly.
//
//go:nosplit
func trapEntry(f *Frame) {
	if dispatcher == nil {
		return
	}
	dispatcher.Handle(&trapImpl, f)
}
