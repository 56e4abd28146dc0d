//go:build arm64

package spinlock

import "sync/atomic"

// On AArch64 the low-power wait is wfe: sleep until the local event
// register is set, which another CPU's Release (an exclusive store) or an
// explicit sev sets.
func init() {
	spinWaitEq16 = func(ptr *uint16, expected uint16) {
		for atomic.LoadUint16(ptr) != expected {
			wfe()
		}
	}
}
