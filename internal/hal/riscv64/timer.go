//go:build riscv64

package riscv64

import "github.com/romankurakin/bullfinch/internal/hal"

// sbiExtTime is the legacy SBI TIME extension (EID 0x54494D45, FID 0
// set_timer), used instead of the Sstc extension's stimecmp since OpenSBI
// on QEMU virt does not assume Sstc is present.
const sbiExtTime = 0x54494D45

// Timer is the RISC-V timer surface: the free-running time CSR paired
// with an SBI-firmware deadline, since S-mode alone cannot arm the timer
// interrupt. Unlike AArch64's CNTFRQ_EL0, there is no frequency register:
// SetFrequency is called once by boot wiring with the hardware-info
// cache's timebase-frequency (§4.4 Timer).
type Timer struct {
	freqHz uint64
}

var _ hal.Timer = (*Timer)(nil)

func (t *Timer) Now() uint64 { return rdtime() }

func (t *Timer) Frequency() uint64 { return t.freqHz }

// SetFrequency records the DTB-reported timebase frequency. Type-asserted
// for by internal/boot after the hardware-info cache is populated.
func (t *Timer) SetFrequency(hz uint64) { t.freqHz = hz }

func (t *Timer) SetDeadline(absoluteTicks uint64) {
	sbiCall(sbiExtTime, 0, absoluteTicks, 0, 0)
}

// Init unmasks the supervisor timer interrupt (sie.STIE, bit 5).
func (t *Timer) Init() {
	csrwSie(csrrSie() | (1 << 5))
}

func (t *Timer) TicksToNs(ticks uint64) uint64 {
	if t.freqHz == 0 {
		return 0
	}
	return ticks * 1_000_000_000 / t.freqHz
}

func (t *Timer) NsToTicks(ns uint64) uint64 {
	return ns * t.freqHz / 1_000_000_000
}
