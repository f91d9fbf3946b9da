// Package jitter implements the RFC 3550 interarrival jitter estimate
// fed by receiver statistics in the Receive Ingress pipeline.
package jitter

import (
	"sync/atomic"
	"time"
)

type Estimator struct {
	hz        uint32
	timestamp uint32
	time      uint32

	epoch  time.Time
	jitter uint32 // atomic
}

func New(hz uint32) *Estimator {
	return &Estimator{hz: hz, epoch: time.Now()}
}

func (e *Estimator) now() uint32 {
	return uint32(uint64(time.Since(e.epoch)) * uint64(e.hz) / uint64(time.Second))
}

func (e *Estimator) accumulate(timestamp, now uint32) {
	if e.time == 0 {
		e.timestamp = timestamp
		e.time = now
	}

	d := uint32((e.time - now) - (e.timestamp - timestamp))
	if d&0x80000000 != 0 {
		d = uint32(-int32(d))
	}
	oldjitter := atomic.LoadUint32(&e.jitter)
	jitter := (oldjitter*15 + d) / 16
	atomic.StoreUint32(&e.jitter, jitter)

	e.timestamp = timestamp
	e.time = now
}

// Accumulate feeds one more RTP timestamp into the estimator, sampled
// against the estimator's own monotonic clock running at hz.
func (e *Estimator) Accumulate(timestamp uint32) {
	e.accumulate(timestamp, e.now())
}

func (e *Estimator) Jitter() uint32 {
	return atomic.LoadUint32(&e.jitter)
}

func (e *Estimator) HZ() uint32 {
	return e.hz
}
