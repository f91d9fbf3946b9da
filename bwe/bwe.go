// Package bwe implements the shared congestion controller: a
// single bitrate and pacing authority that every send and receive
// stream consults through the call core rather than directly.
package bwe

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"

	"github.com/webrtcmux/callcore/conn"
	"github.com/webrtcmux/callcore/estimator"
)

// DefaultStartBitrateBps is the default start bitrate.
const DefaultStartBitrateBps = 300000

// Bitrates is the (min, start, max) triple the Bitrate Governor
// forwards here. max == -1 means unbounded.
type Bitrates struct {
	MinBps   int
	StartBps int
	MaxBps   int
}

// SentPacket is the transport-wide feedback timing hint OnSentPacket
// forwards to the controller.
type SentPacket struct {
	SequenceNumber uint16
	SentAtMs       int64
	Size           int
}

// BitrateController exposes the send-side bandwidth figure the Stats
// Aggregator reads.
type BitrateController struct {
	estimator *estimator.Estimator
}

// BandwidthBps reports the current outgoing estimate.
func (b *BitrateController) BandwidthBps() uint32 {
	return b.estimator.BandwidthBps()
}

// RemoteBitrateEstimator exposes the receive-side bandwidth figure.
// singleStreamMode mirrors the original collaborator's constructor
// argument; this module doesn't need per-mode behavior since receive
// bandwidth is tracked per controller instance regardless.
type RemoteBitrateEstimator struct {
	estimator        *estimator.Estimator
	singleStreamMode bool
}

// BandwidthBps reports the current incoming estimate.
func (r *RemoteBitrateEstimator) BandwidthBps() uint32 {
	return r.estimator.BandwidthBps()
}

// queuedPacket is one entry in the pacer's leaky-bucket queue.
type queuedPacket struct {
	enqueuedAt time.Time
	size       int
}

// pacer models transmit queuing delay the way a leaky-bucket pacer
// does: packets enter the queue on OnSentPacket and drain at the
// configured bitrate; GetPacerQueuingDelayMs reports how long the
// oldest still-queued packet has been waiting.
type pacer struct {
	mu       sync.Mutex
	packets  deque.Deque[queuedPacket]
	interval time.Duration
	bitrate  int
	stop     core.Fuse
}

func newPacer(interval time.Duration, bitrate int) *pacer {
	p := &pacer{interval: interval, bitrate: bitrate, stop: core.NewFuse()}
	p.packets.SetMinCapacity(9) // 2^9 = 512
	go p.drainLoop()
	return p
}

func (p *pacer) setBitrate(bitrate int) {
	p.mu.Lock()
	p.bitrate = bitrate
	p.mu.Unlock()
}

func (p *pacer) enqueue(size int) {
	p.mu.Lock()
	p.packets.PushBack(queuedPacket{enqueuedAt: time.Now(), size: size})
	p.mu.Unlock()
}

func (p *pacer) queuingDelayMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.packets.Len() == 0 {
		return 0
	}
	oldest := p.packets.Front()
	return time.Since(oldest.enqueuedAt).Milliseconds()
}

func (p *pacer) drainLoop() {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-p.stop.Watch():
			return
		case <-timer.C:
		}

		p.mu.Lock()
		interval, bitrate := p.interval, p.bitrate
		budget := int(interval.Seconds() * float64(bitrate) / 8.0)
		for budget > 0 && p.packets.Len() > 0 {
			budget -= p.packets.Front().size
			p.packets.PopFront()
		}
		p.mu.Unlock()

		timer.Reset(interval)
	}
}

func (p *pacer) close() {
	p.stop.Break()
}

// Controller is the shared congestion controller every stream and the
// Network Broadcaster coordinate through.
type Controller struct {
	mu sync.Mutex

	bitrates     Bitrates
	networkState conn.NetworkState

	sendEstimator *estimator.Estimator
	recvEstimator *estimator.Estimator
	pacer         *pacer
}

// New constructs a controller with the default start bitrate. A fresh
// call is network-up until told otherwise: nothing has failed yet, so
// there's no reason to start probing as if it had.
func New() *Controller {
	c := &Controller{
		bitrates:      Bitrates{MinBps: 0, StartBps: DefaultStartBitrateBps, MaxBps: -1},
		networkState:  conn.NetworkUp,
		sendEstimator: estimator.New(time.Second),
		recvEstimator: estimator.New(time.Second),
		pacer:         newPacer(5*time.Millisecond, DefaultStartBitrateBps),
	}
	return c
}

// SetBweBitrates reconfigures the min/start/max targets.
func (c *Controller) SetBweBitrates(bitrates Bitrates) {
	c.mu.Lock()
	c.bitrates = bitrates
	if bitrates.StartBps > 0 {
		c.pacer.setBitrate(bitrates.StartBps)
	}
	c.mu.Unlock()
}

// SignalNetworkState tells the controller about a network up/down
// transition so it can suspend or resume probing.
func (c *Controller) SignalNetworkState(state conn.NetworkState) {
	c.mu.Lock()
	c.networkState = state
	c.mu.Unlock()
}

// OnSentPacket records outgoing transport-wide feedback timing and
// feeds the pacer's queuing-delay model.
func (c *Controller) OnSentPacket(sent SentPacket) {
	c.sendEstimator.Accumulate(uint32(sent.Size))
	c.pacer.enqueue(sent.Size)
}

// OnIncomingPacket feeds the remote bitrate estimator; called from the
// Receive Ingress pipeline's bandwidth-estimator step.
func (c *Controller) OnIncomingPacket(payloadLength int) {
	c.recvEstimator.Accumulate(uint32(payloadLength))
}

// GetBitrateController returns the send-bandwidth collaborator.
func (c *Controller) GetBitrateController() *BitrateController {
	return &BitrateController{estimator: c.sendEstimator}
}

// GetRemoteBitrateEstimator returns the recv-bandwidth collaborator.
func (c *Controller) GetRemoteBitrateEstimator(singleStreamMode bool) *RemoteBitrateEstimator {
	return &RemoteBitrateEstimator{estimator: c.recvEstimator, singleStreamMode: singleStreamMode}
}

// GetPacerQueuingDelayMs reports the oldest still-queued packet's
// waiting time.
func (c *Controller) GetPacerQueuingDelayMs() int64 {
	return c.pacer.queuingDelayMs()
}

// Close stops the pacer's background drain loop. Called once from the
// orchestrator's destruction path.
func (c *Controller) Close() {
	c.pacer.close()
}
