package bootpanic_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/bootpanic"
	"github.com/romankurakin/bullfinch/internal/console"
)

type bufWriter struct{ buf []byte }

func (w *bufWriter) PutByte(b byte) { w.buf = append(w.buf, b) }

type countingHalt struct{ calls int }

func (h *countingHalt) Halt() { h.calls++ }

func TestPanicMessageAndBacktrace(t *testing.T) {
	w := &bufWriter{}
	c := console.New(w)
	h := &countingHalt{}

	frames := map[uintptr][2]uintptr{
		0x1000: {0x2000, 0xAAAA},
		0x2000: {0x3000, 0xBBBB},
		0x3000: {0, 0},
	}
	walk := func(fp uintptr) (uintptr, uintptr, bool) {
		f, ok := frames[fp]
		if !ok || f[0] == 0 {
			return 0, 0, false
		}
		return f[0], f[1], true
	}

	bootpanic.Panic(c, h, walk, 0x1000, "invariant violated")

	out := string(w.buf)
	require.True(t, strings.HasPrefix(out, "Panic: invariant violated\r\n"))
	require.Contains(t, out, "AAAA")
	require.Contains(t, out, "BBBB")
	require.Equal(t, 1, h.calls)
}

func TestDoublePanicDoesNotReenterPrintPath(t *testing.T) {
	w := &bufWriter{}
	c := console.New(w)
	h := &countingHalt{}
	walk := func(uintptr) (uintptr, uintptr, bool) { return 0, 0, false }

	bootpanic.Panic(c, h, walk, 0, "first")
	firstLen := len(w.buf)
	bootpanic.Panic(c, h, walk, 0, "second")

	require.Equal(t, firstLen, len(w.buf), "second panic must not print")
	require.Equal(t, 2, h.calls)
}
