// Package rtptime converts between wall-clock time, a fixed-rate
// "jiffies" clock and NTP 64-bit timestamps, the three time bases the
// Receive Ingress pipeline and its Remote-NTP Estimator juggle.
package rtptime

import (
	"math/bits"
	"time"
)

var epoch = time.Now()

// FromDuration converts a duration to a count of hz-rate ticks.
func FromDuration(d time.Duration, hz uint32) uint64 {
	if d < 0 {
		return -FromDuration(-d, hz)
	}
	hi, lo := bits.Mul64(uint64(d), uint64(hz))
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return q
}

// ToDuration converts a count of hz-rate ticks to a duration.
func ToDuration(tm uint64, hz uint32) time.Duration {
	if int64(tm) < 0 {
		return -ToDuration(-tm, hz)
	}
	hi, lo := bits.Mul64(tm, uint64(time.Second))
	q, _ := bits.Div64(hi, lo, uint64(hz))
	return time.Duration(q)
}

// Now returns the process-relative clock at the given rate.
func Now(hz uint32) uint64 {
	return FromDuration(time.Since(epoch), hz)
}

// Microseconds returns the process-relative clock in microseconds.
func Microseconds() uint64 {
	return Now(1000000)
}

// JiffiesPerSec is the LCM of 48000, 96000 and 65536.
const JiffiesPerSec = 24576000

// Jiffies returns the process-relative clock in jiffies.
func Jiffies() uint64 {
	return Now(JiffiesPerSec)
}

// TimeToJiffies converts a wall-clock time to jiffies.
func TimeToJiffies(tm time.Time) uint64 {
	return FromDuration(tm.Sub(epoch), JiffiesPerSec)
}

var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// NTPToTime converts a 64-bit NTP timestamp (32.32 fixed point
// seconds since 1900) to a wall-clock time.
func NTPToTime(ntp uint64) time.Time {
	sec := uint32(ntp >> 32)
	frac := uint32(ntp & 0xFFFFFFFF)
	return ntpEpoch.Add(
		time.Duration(sec)*time.Second +
			((time.Duration(frac) * time.Second) >> 32),
	)
}

// TimeToNTP converts a wall-clock time to a 64-bit NTP timestamp.
func TimeToNTP(tm time.Time) uint64 {
	d := tm.Sub(ntpEpoch)
	sec := uint32(d / time.Second)
	frac := uint32(d % time.Second)
	return (uint64(sec) << 32) + (uint64(frac)<<32)/uint64(time.Second)
}

// ArrivalMillis rounds a capture timestamp (microseconds since an
// arbitrary epoch) to the nearest millisecond, or falls back to the
// wall clock when the transport supplied no capture timestamp (-1).
func ArrivalMillis(captureMicros int64, now time.Time) int64 {
	if captureMicros != -1 {
		return (captureMicros + 500) / 1000
	}
	return now.UnixMilli()
}
