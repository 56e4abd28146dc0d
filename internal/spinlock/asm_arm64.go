//go:build arm64

package spinlock

// wfe executes the AArch64 Wait-For-Event instruction: the CPU sleeps
// until the local event register is set, which release()'s store sets
// implicitly (store-exclusive to the monitored address) or an explicit
// sev does. Implemented in asm_arm64.s.
func wfe()
