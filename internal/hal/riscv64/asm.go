//go:build riscv64

// Package riscv64 is the RV64GC implementation of internal/hal: a 3-level
// Sv39 page-table engine, S-mode trap entry built on a relocated stvec,
// the rdtime counter paired with an SBI TIME-extension deadline, and
// seed-CSR-backed entropy. As in internal/hal/arm64, every CSR access or
// fence is a NOSPLIT Plan9 assembly primitive declared here and defined
// in the matching _riscv64.s file.
package riscv64

// sfenceVMA orders page-table writes against subsequent address
// translation, the RISC-V equivalent of AArch64's dsb+tlbi+dsb+isb
// sequence (§4.4 MMU barriers).
func sfenceVMA()

func csrrSatp() uint64
func csrwSatp(v uint64)

func csrrStvec() uint64
func csrwStvec(v uint64)

func csrrSie() uint64
func csrwSie(v uint64)

func csrrSstatus() uint64
func csrwSstatus(v uint64)

func csrrScause() uint64
func csrrStval() uint64
func csrrSepc() uint64
func csrwSepc(v uint64)

func csrrSscratch() uint64
func csrwSscratch(v uint64)

// readTP reads x4 (tp), where the entry stub stashes this hart's id
// before ever jumping into Go; unlike mhartid, it stays readable from
// S-mode on every hart.
func readTP() uint64

// rdtime reads the free-running time CSR, whose tick rate is reported by
// firmware through the device tree rather than a readable register.
func rdtime() uint64

// csrrSeed reads the Zkr extension's "seed" CSR (0x015); each read
// consumes the entropy and must not be cached.
func csrrSeed() uint64

// wfi executes "wfi": the hart idles until an interrupt becomes pending.
func wfi()

// pause executes the Zihintpause hint (encoded as fence w,0), a no-op on
// cores that don't implement it and a pipeline backoff hint on those that
// do.
func pause()

// sbiCall issues an "ecall" to the SBI firmware with the given extension
// and function IDs and up to three arguments, returning (error, value)
// per the SBI calling convention.
func sbiCall(eid, fid, a0, a1, a2 uint64) (int64, uint64)

// SBICall is sbiCall exported for the architecture's cmd entry stub, which
// needs it directly for the legacy console_putchar extension rather than
// through any hal interface method.
func SBICall(eid, fid, a0, a1, a2 uint64) (int64, uint64) {
	return sbiCall(eid, fid, a0, a1, a2)
}
