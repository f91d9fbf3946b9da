// Package estimator implements the sliding-window byte-rate tracker
// the congestion controller uses on both the send and receive side: it
// accumulates payload bytes as packets arrive or go out, and reports a
// smoothed rate once per interval rather than jittering on every
// single packet.
package estimator

import (
	"sync"
	"sync/atomic"
	"time"
)

// Estimator tracks a byte and packet rate over a sliding window of
// interval length. A bwe.Controller keeps one per direction (send,
// receive); Accumulate is called from the packet path, Estimate/
// BandwidthBps from the stats path.
type Estimator struct {
	interval time.Duration
	bytes    uint32
	packets  uint32

	mu           sync.Mutex
	totalBytes   uint32
	totalPackets uint32
	rate         uint32
	packetRate   uint32
	time         time.Time
}

// New builds an estimator that swaps its window every interval.
func New(interval time.Duration) *Estimator {
	return &Estimator{
		interval: interval,
		time:     time.Now(),
	}
}

func (e *Estimator) swap(now time.Time) {
	interval := now.Sub(e.time)
	bytes := atomic.SwapUint32(&e.bytes, 0)
	packets := atomic.SwapUint32(&e.packets, 0)
	atomic.AddUint32(&e.totalBytes, bytes)
	atomic.AddUint32(&e.totalPackets, packets)

	if interval < time.Millisecond {
		e.rate = 0
		e.packetRate = 0
	} else {
		ms := uint64(interval / time.Millisecond)
		e.rate = uint32((uint64(bytes)*1000 + ms/2) / ms)
		e.packetRate = uint32((uint64(packets)*1000 + ms/2) / ms)

	}
	e.time = now
}

// Accumulate records one packet of count payload bytes.
func (e *Estimator) Accumulate(count uint32) {
	atomic.AddUint32(&e.bytes, count)
	atomic.AddUint32(&e.packets, 1)
}

func (e *Estimator) estimate(now time.Time) (uint32, uint32) {
	if now.Sub(e.time) > e.interval {
		e.swap(now)
	}

	return e.rate, e.packetRate
}

// Estimate returns the current byte rate and packet rate, both per
// second, swapping the window first if it has expired.
func (e *Estimator) Estimate() (uint32, uint32) {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate(now)
}

// BandwidthBps converts the current byte rate to the bits-per-second
// figure the congestion controller reports through GetStats; the
// controller has no reason to know this is bytes*8 internally.
func (e *Estimator) BandwidthBps() uint32 {
	rate, _ := e.Estimate()
	return rate * 8
}

// Totals returns the lifetime packet and byte counts accumulated so
// far, including whatever hasn't been folded into a window yet.
func (e *Estimator) Totals() (uint32, uint32) {
	b := atomic.LoadUint32(&e.totalBytes) + atomic.LoadUint32(&e.bytes)
	p := atomic.LoadUint32(&e.totalPackets) + atomic.LoadUint32(&e.packets)
	return p, b
}
