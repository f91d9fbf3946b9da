package ingress

import (
	"sync"
	"time"

	"github.com/webrtcmux/callcore/rtptime"
)

// NTPEstimator maps RTP sender timestamps to wall-clock time using an
// RTCP sender report's NTP timestamp and the measured round-trip time,
// then extrapolates later RTP timestamps against that anchor by the
// stream's clock rate. Grounded on RemoteNtpTimeEstimator's contract:
// fed one (rtt, ntp, rtpTimestamp) sample per accepted RTCP sender
// report, queried per accepted media packet.
type NTPEstimator struct {
	hz uint32

	mu        sync.Mutex
	hasAnchor bool
	anchorMs  int64
	anchorTs  uint32
}

// NewNTPEstimator returns an estimator with no anchor yet; Estimate
// returns -1 until UpdateFromSenderReport has been called once.
func NewNTPEstimator(hz uint32) *NTPEstimator {
	return &NTPEstimator{hz: hz}
}

// UpdateFromSenderReport refines the RTP-timestamp-to-wall-clock
// mapping from one RTCP sender report: ntpSecs/ntpFrac is the SR's NTP
// timestamp, rtpTimestamp its paired RTP timestamp, and rttMs the
// stream's most recently measured round-trip time (used to estimate
// one-way transit delay as half the RTT).
func (e *NTPEstimator) UpdateFromSenderReport(rttMs int64, ntpSecs, ntpFrac uint32, rtpTimestamp uint32) {
	ntp := uint64(ntpSecs)<<32 | uint64(ntpFrac)
	sendTime := rtptime.NTPToTime(ntp)
	arrival := sendTime.Add(time.Duration(rttMs/2) * time.Millisecond)

	e.mu.Lock()
	e.anchorMs = arrival.UnixMilli()
	e.anchorTs = rtpTimestamp
	e.hasAnchor = true
	e.mu.Unlock()
}

// Estimate returns the wall-clock time in milliseconds corresponding
// to timestamp, extrapolated from the last sender-report anchor. It
// returns -1 if no sender report has been processed yet.
func (e *NTPEstimator) Estimate(timestamp uint32) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasAnchor {
		return -1
	}
	diff := int32(timestamp - e.anchorTs)
	deltaMs := int64(diff) * 1000 / int64(e.hz)
	return e.anchorMs + deltaMs
}
