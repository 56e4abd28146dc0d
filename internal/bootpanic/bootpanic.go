// Package bootpanic implements the unrecoverable side of the two-tier
// error policy in §7: print a single-line message with the "Panic: "
// prefix, walk frame pointers for a bounded backtrace, and halt. A
// one-shot flag guards against re-entering the panic path from a fault
// raised while already panicking.
package bootpanic

import (
	"github.com/romankurakin/bullfinch/internal/console"
	"github.com/romankurakin/bullfinch/internal/spinlock"
)

const maxBacktraceFrames = 16

// Halter is the HAL slice Panic needs: stopping the CPU for good.
type Halter interface {
	Halt() // never returns
}

// FrameWalker reads the caller's saved frame-pointer/return-address pair
// at fp, per the architecture's stack-frame layout. It returns (0, 0, false)
// when fp is out of the higher-half window, not aligned, or null.
type FrameWalker func(fp uintptr) (nextFP, returnAddr uintptr, ok bool)

var once spinlock.Once

// Panic prints "Panic: "+msg, walks up to maxBacktraceFrames frames from
// startFP using walk, then halts via h. It never returns. A second call
// made while the first is still unwinding (e.g. a fault inside a print
// routine) is dropped instead of recursing, per the Once gate in §4.3/§7.
func Panic(c *console.Console, h Halter, walk FrameWalker, startFP uintptr, msg string) {
	if !once.TryOnce() {
		// Already panicking on this CPU; don't re-enter the print path,
		// which may itself be what faulted.
		h.Halt()
		return
	}

	c.WriteString("Panic: ")
	c.WriteString(msg)
	c.WriteString("\n")

	fp := startFP
	for i := 0; i < maxBacktraceFrames; i++ {
		next, ret, ok := walk(fp)
		if !ok {
			break
		}
		c.WriteString("  #")
		c.WriteUint(uint64(i))
		c.WriteString(" 0x")
		c.WriteHex64(uint64(ret))
		c.WriteString("\n")
		if next <= fp || next-fp > 64*1024 {
			// Stride too large (or non-increasing): stop rather than
			// walk into unrelated memory, per §7's bound.
			break
		}
		fp = next
	}

	h.Halt()
}
