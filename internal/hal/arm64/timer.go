//go:build arm64

package arm64

import "github.com/romankurakin/bullfinch/internal/hal"

// Timer is the AArch64 generic timer (CNTP_*, EL1 physical timer): its
// frequency is read from CNTFRQ_EL0 on every Frequency, TicksToNs and
// NsToTicks call; the register is fixed by the firmware and never written
// by software (§4.4 Timer).
type Timer struct{}

var _ hal.Timer = (*Timer)(nil)

func (t *Timer) Now() uint64       { return mrsCNTPCT() }
func (t *Timer) Frequency() uint64 { return mrsCNTFRQ() }

func (t *Timer) SetDeadline(absoluteTicks uint64) {
	msrCNTPCVAL(absoluteTicks)
}

// Init enables the physical timer and unmasks its interrupt (CNTP_CTL_EL0
// bit 0 ENABLE, bit 1 IMASK left clear).
func (t *Timer) Init() {
	msrCNTPCTL(1)
}

func (t *Timer) TicksToNs(ticks uint64) uint64 {
	freq := mrsCNTFRQ()
	if freq == 0 {
		return 0
	}
	return ticks * 1_000_000_000 / freq
}

func (t *Timer) NsToTicks(ns uint64) uint64 {
	return ns * mrsCNTFRQ() / 1_000_000_000
}
