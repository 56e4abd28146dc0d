//go:build !arm64 && !riscv64

package spinlock

// Host builds (unit tests run on the development machine's GOARCH, not the
// kernel's target) fall back to the portable busy loop set by
// defaultSpinWaitEq16 in spinlock.go; there is no low-power wait primitive
// to bind on an architecture this kernel does not target.
