//go:build arm64

// Package arm64 is the AArch64 implementation of internal/hal: a 4-level,
// 4 KiB-granule page-table engine addressed through a single split table
// (TTBR0 for the low/identity half, TTBR1 for the kernel/physmap half),
// GICv2/GICv3-agnostic trap entry built on a relocated vector table,
// the generic timer, and RNDR-backed entropy. Mirrors the style of a
// small companion asm package: every register access or barrier is a
// NOSPLIT Plan9 assembly primitive declared here and defined in the
// matching _arm64.s file, never inline asm.
package arm64

// dsbISH issues "dsb ish": waits for prior page-table writes on this CPU
// to become visible to every other observer in the inner shareable domain.
func dsbISH()

// isb issues "isb": discards any speculatively-fetched instructions so a
// just-written system register (MAIR, TCR, SCTLR, VBAR) takes effect.
func isb()

// tlbiVMALLE1IS invalidates every TLB entry for EL1/EL0, inner shareable.
func tlbiVMALLE1IS()

// tlbiVAE1IS invalidates the TLB entry for a single page at vaddr.
func tlbiVAE1IS(vaddr uintptr)

func mrsCNTFRQ() uint64
func mrsCNTPCT() uint64
func msrCNTPCVAL(v uint64)
func msrCNTPCTL(v uint64)

func mrsMPIDR() uint64

// wfi executes "wfi": sleeps the core until an interrupt or event.
func wfi()

// wfe executes "wfe": sleeps until the local event register is set by
// another CPU's exclusive store or an explicit sev.
func wfe()

// mrsDAIF/msrDAIF read and write the interrupt mask bits; bit 7 (I) masks
// IRQs. DisableInterrupts/EnableInterrupts operate on that bit only.
func mrsDAIF() uint64
func msrDAIF(v uint64)

// mrsRNDR reads the ARMv8.5 RNG register; ok reports the hardware's PF
// (pass/fail) condition flag, since RNDR can legitimately be exhausted.
func mrsRNDR() (val uint64, ok bool)

func msrTTBR0(v uint64)
func msrTTBR1(v uint64)
func mrsTTBR1() uint64
func msrMAIR(v uint64)
func msrTCR(v uint64)
func mrsSCTLR() uint64
func msrSCTLR(v uint64)
func setVBAR(addr uintptr)

func mrsCPACR() uint64
func msrCPACR(v uint64)

func mrsESR() uint64
func mrsFAR() uint64
func mrsELR() uint64
func msrELR(v uint64)
func mrsSPSR() uint64
