//go:build riscv64

package riscv64

import (
	"reflect"

	"github.com/romankurakin/bullfinch/internal/trap"
)

func trapVector()

// trapVectorAddr returns the code address of trapVector for Trap.Init to
// install via stvec. Direct mode requires only 4-byte alignment; this
// happens to land well past that from the Go text section's own layout.
func trapVectorAddr() uint64 {
	return uint64(reflect.ValueOf(trapVector).Pointer())
}

var dispatcher *trap.Dispatcher
var trapImpl Trap

// SetDispatcher wires the shared trap dispatcher so trapVector
// (vectors_riscv64.s) has somewhere to route a classified trap. The cmd
// entry stub calls this once, before Phase1 installs stvec.
func SetDispatcher(d *trap.Dispatcher) { dispatcher = d }

// trapEntry is called from trapVector with a pointer to the just-saved
// Frame.
//
//go:nosplit
func trapEntry(f *Frame) {
	if dispatcher == nil {
		return
	}
	dispatcher.Handle(&trapImpl, f)
}
