package console_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/console"
)

type bufWriter struct{ buf []byte }

func (w *bufWriter) PutByte(b byte) { w.buf = append(w.buf, b) }

func TestNewlineTranslation(t *testing.T) {
	w := &bufWriter{}
	c := console.New(w)
	c.WriteString("a\nb")
	require.Equal(t, "a\r\nb", string(w.buf))
}

func TestWriteHex64(t *testing.T) {
	w := &bufWriter{}
	c := console.New(w)
	c.WriteHex64(0xDEAD)
	require.Equal(t, "000000000000DEAD", string(w.buf))
}

func TestWriteUint(t *testing.T) {
	w := &bufWriter{}
	c := console.New(w)
	c.WriteUint(0)
	c.WriteBytes([]byte(" "))
	c.WriteUint(42)
	require.Equal(t, "0 42", string(w.buf))
}

func TestBootMarkerBytesUnmodified(t *testing.T) {
	w := &bufWriter{}
	c := console.New(w)
	c.WriteBytes([]byte("[BOOT:OK]\n"))
	require.Equal(t, "[BOOT:OK]\n", string(w.buf))
}
