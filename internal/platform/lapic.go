package platform

import "time"

// LAPICRegisters is the memory-mapped register window a real kernel
// addresses at its LAPIC base (spec 4.4 step 2: "Initialise LAPIC,
// calibrate its timer against PIT to derive ticks-per-second"). Hosted
// Go has no MMIO; this interface is the seam a platform-specific driver
// fills in, and a fake drives the calibration math in tests.
type LAPICRegisters interface {
	SetTimerInitialCount(count uint32)
	TimerCurrentCount() uint32
	SetTimerDivide(divide uint32)
	SetTimerVector(vector uint8, periodic bool)
}

// PITSleeper stands in for busy-waiting on the 8254 PIT's one-shot
// channel, the reference clock spec 4.4 calibrates the LAPIC timer
// against.
type PITSleeper interface {
	SleepPIT(d time.Duration)
}

// CalibrateTimer implements spec 4.4 step 2's calibration: start the
// LAPIC timer counting down from a large initial count, busy-wait a
// known PIT interval, then derive ticks-per-second from how far the
// count dropped.
func CalibrateTimer(lapic LAPICRegisters, pit PITSleeper, window time.Duration, initialCount uint32) uint64 {
	lapic.SetTimerDivide(1)
	lapic.SetTimerInitialCount(initialCount)
	pit.SleepPIT(window)
	elapsed := initialCount - lapic.TimerCurrentCount()
	if window <= 0 {
		return 0
	}
	return uint64(elapsed) * uint64(time.Second) / uint64(window)
}

// ProgramTimer arms the LAPIC's one-shot or periodic local timer at
// hz ticks per second, given a calibrated ticksPerSecond (spec 4.4's
// AP-entry step: "configures its local timer from the BSP-calibrated
// frequency").
func ProgramTimer(lapic LAPICRegisters, ticksPerSecond uint64, hz int, vector uint8) {
	if hz <= 0 {
		hz = 1
	}
	count := uint32(ticksPerSecond / uint64(hz))
	lapic.SetTimerDivide(1)
	lapic.SetTimerVector(vector, true)
	lapic.SetTimerInitialCount(count)
}
