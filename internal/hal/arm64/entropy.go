//go:build arm64

package arm64

import "github.com/romankurakin/bullfinch/internal/hal"

// Entropy prefers RNDR (ARMv8.5+) and falls back to mixing the free-running
// counter with the caller's address hint on cores that lack it or report
// the architectural fail condition.
type Entropy struct{}

var _ hal.Entropy = (*Entropy)(nil)

func (e *Entropy) CollectMixed(addrHint uintptr) uint64 {
	if v, ok := mrsRNDR(); ok {
		return v ^ uint64(addrHint)
	}
	return mixCounter(addrHint)
}

// mixCounter is the fallback source: the physical counter is not secret,
// so it is only ever used together with a caller-supplied hint, never
// alone, and only when RNDR is unavailable.
func mixCounter(addrHint uintptr) uint64 {
	t := mrsCNTPCT()
	h := uint64(addrHint)
	h ^= t + 0x9E3779B97F4A7C15 + (h << 6) + (h >> 2)
	return h
}
