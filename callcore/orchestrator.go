package callcore

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/webrtcmux/callcore/bwe"
	"github.com/webrtcmux/callcore/conn"
	"github.com/webrtcmux/callcore/metrics"
	"github.com/webrtcmux/callcore/packet"
	"github.com/webrtcmux/callcore/process"
)

const defaultProcessTick = 5 * time.Second

// Options configures a new Orchestrator.
type Options struct {
	// VoiceEngine, if non-nil, is held for the orchestrator's lifetime
	// and passed to SetSyncChannel calls; its concrete type is opaque
	// to this package, matching the "external collaborator with a
	// named interface only" contract for the voice engine.
	VoiceEngine interface{}
	Bitrate     BitrateConfig
	// Metrics, if non-nil, is refreshed once per module-process tick
	// with the same figures GetStats would produce.
	Metrics *metrics.Metrics
	// ProcessTick overrides the module-process thread's scheduling
	// interval; defaultProcessTick is used when zero.
	ProcessTick time.Duration
}

// callStatsModule is registered with the module-process thread the
// way CallStats is registered with the original's module process
// runner; each tick it refreshes the optional metrics snapshot so a
// scrape never has to synchronously walk the registries itself.
type callStatsModule struct {
	o *Orchestrator

	// lastFecReceived/lastFecRecovered are the previous tick's cumulative
	// FecCounters sum, so Process can feed metrics.AddFecCounters (a
	// monotonic Prometheus counter) a per-tick delta instead of the
	// running total.
	lastFecReceived  uint32
	lastFecRecovered uint32
}

func (m *callStatsModule) Process() {
	if m.o.metrics == nil {
		return
	}
	stats := m.o.GetStats()
	m.o.metrics.SetBandwidthGauges(stats.SendBandwidthBps, stats.RecvBandwidthBps, stats.PacerDelayMs, int64(stats.RttMs))

	// The sum can drop when a stream carrying FEC counters is destroyed
	// between ticks; treat that as a re-baseline rather than wrapping a
	// negative delta through unsigned subtraction.
	var deltaReceived, deltaRecovered uint32
	if stats.FecPacketsReceived > m.lastFecReceived {
		deltaReceived = stats.FecPacketsReceived - m.lastFecReceived
	}
	if stats.FecPacketsRecovered > m.lastFecRecovered {
		deltaRecovered = stats.FecPacketsRecovered - m.lastFecRecovered
	}
	m.lastFecReceived = stats.FecPacketsReceived
	m.lastFecRecovered = stats.FecPacketsRecovered

	m.o.metrics.AddFecCounters(deltaReceived, deltaRecovered)
}

// Orchestrator binds every component described by the Call
// Multiplexer: the stream registry, sync resolver, network
// broadcaster, bitrate governor and stats aggregator, plus the
// congestion controller and module-process thread they share.
type Orchestrator struct {
	registry *streamRegistry

	// configGuard approximates the "single configuration thread"
	// invariant: Go has no supported API to check goroutine identity,
	// so instead of a true thread-affinity check this package detects
	// the case the invariant exists to prevent — two configuration
	// calls running concurrently — with a non-reentrant TryLock guard,
	// panicking exactly like a thread-affinity violation would.
	configGuard sync.Mutex

	networkMu      sync.Mutex
	networkEnabled bool

	bitrateMu sync.Mutex
	bitrate   BitrateConfig

	controller    *bwe.Controller
	processThread *process.Thread
	callStats     *callStatsModule
	metrics       *metrics.Metrics
	voiceEngine   interface{}

	// numCPU is detected at construction per the orchestrator lifecycle
	// contract; nothing in this package sizes a worker pool from it
	// today, but it's kept as the seam a future encoder thread pool
	// would read.
	numCPU int
}

// New constructs an orchestrator: detects CPU count, starts the
// module-process thread, builds the congestion controller and
// registers call stats with the process thread, and validates the
// initial bitrate config. Panics if opts.Bitrate is invalid.
func New(opts Options) *Orchestrator {
	if err := opts.Bitrate.Validate(); err != nil {
		panic(fmt.Sprintf("callcore: invalid bitrate config: %v", err))
	}
	if opts.Bitrate.StartBps <= 0 {
		opts.Bitrate.StartBps = bwe.DefaultStartBitrateBps
	}

	tick := opts.ProcessTick
	if tick <= 0 {
		tick = defaultProcessTick
	}

	o := &Orchestrator{
		registry:       newStreamRegistry(),
		networkEnabled: true,
		bitrate:        opts.Bitrate,
		controller:     bwe.New(),
		processThread:  process.New(tick),
		metrics:        opts.Metrics,
		voiceEngine:    opts.VoiceEngine,
		numCPU:         runtime.NumCPU(),
	}
	o.controller.SetBweBitrates(bwe.Bitrates{
		MinBps:   opts.Bitrate.MinBps,
		StartBps: opts.Bitrate.StartBps,
		MaxBps:   opts.Bitrate.MaxBps,
	})

	o.callStats = &callStatsModule{o: o}
	o.processThread.RegisterModule(o.callStats)
	o.processThread.Start()

	return o
}

// lockConfig acquires the configuration guard, panicking if it's
// already held (a concurrent configuration-thread call).
func (o *Orchestrator) lockConfig() {
	if !o.configGuard.TryLock() {
		panic("callcore: concurrent configuration call (thread-affinity violation)")
	}
}

func (o *Orchestrator) unlockConfig() {
	o.configGuard.Unlock()
}

// Close asserts all five registries are empty, deregisters call
// stats, stops the module-process thread and releases the voice
// engine reference. A non-empty registry is a fatal misuse of the
// client contract, not a recoverable error.
func (o *Orchestrator) Close() {
	o.lockConfig()
	defer o.unlockConfig()

	if !o.registry.empty() {
		panic("callcore: orchestrator destroyed with non-empty registries")
	}

	o.processThread.DeregisterModule(o.callStats)
	o.processThread.Stop()
	o.controller.Close()
	o.voiceEngine = nil
}

// CreateAudioSend inserts cfg.SSRC into the send registry and returns
// stream. Panics if the SSRC is already registered.
func (o *Orchestrator) CreateAudioSend(cfg AudioSendConfig, stream conn.AudioSendStream) conn.AudioSendStream {
	o.lockConfig()
	defer o.unlockConfig()

	o.networkMu.Lock()
	defer o.networkMu.Unlock()

	o.registry.sendLock.Lock()
	defer o.registry.sendLock.Unlock()

	if _, exists := o.registry.audioSendIndex[cfg.SSRC]; exists {
		panic(fmt.Sprintf("callcore: duplicate audio send ssrc %d", cfg.SSRC))
	}
	o.registry.audioSendIndex[cfg.SSRC] = stream

	if !o.networkEnabled {
		stream.SignalNetworkState(conn.NetworkDown)
	}
	if o.metrics != nil {
		o.metrics.IncStreamCreated("audio_send")
	}
	return stream
}

// DestroyAudioSend stops stream and removes its single index entry.
// Panics if stream is not currently registered.
func (o *Orchestrator) DestroyAudioSend(stream conn.AudioSendStream) {
	o.lockConfig()
	defer o.unlockConfig()

	o.registry.sendLock.Lock()
	defer o.registry.sendLock.Unlock()

	ssrc, ok := findByValue(o.registry.audioSendIndex, stream)
	if !ok {
		panic("callcore: destroy audio send: stream not registered")
	}
	stream.Stop()
	delete(o.registry.audioSendIndex, ssrc)
	if o.metrics != nil {
		o.metrics.IncStreamDestroyed("audio_send")
	}
}

// CreateAudioReceive inserts cfg.RemoteSSRC into the receive registry
// and reruns the Sync Resolver for cfg.SyncGroup.
func (o *Orchestrator) CreateAudioReceive(cfg AudioReceiveConfig, stream conn.AudioReceiveStream) conn.AudioReceiveStream {
	o.lockConfig()
	defer o.unlockConfig()

	o.networkMu.Lock()
	defer o.networkMu.Unlock()

	o.registry.receiveLock.Lock()
	defer o.registry.receiveLock.Unlock()

	if _, exists := o.registry.audioRecvIndex[cfg.RemoteSSRC]; exists {
		panic(fmt.Sprintf("callcore: duplicate audio receive ssrc %d", cfg.RemoteSSRC))
	}
	o.registry.audioRecvIndex[cfg.RemoteSSRC] = stream
	o.resolveSyncLocked(cfg.SyncGroup)

	if !o.networkEnabled {
		stream.SignalNetworkState(conn.NetworkDown)
	}
	if o.metrics != nil {
		o.metrics.IncStreamCreated("audio_receive")
	}
	return stream
}

// DestroyAudioReceive removes stream from the receive registry. The
// Sync Resolver reruns for its sync group unconditionally, even when
// stream was not the current anchor: the original reruns it every
// time, and preserving that (rather than "optimizing" it away) is a
// deliberate choice, not an oversight.
func (o *Orchestrator) DestroyAudioReceive(stream conn.AudioReceiveStream) {
	o.lockConfig()
	defer o.unlockConfig()

	o.registry.receiveLock.Lock()
	defer o.registry.receiveLock.Unlock()

	ssrc, ok := findByValue(o.registry.audioRecvIndex, stream)
	if !ok {
		panic("callcore: destroy audio receive: stream not registered")
	}
	stream.Stop()
	delete(o.registry.audioRecvIndex, ssrc)

	g := stream.SyncGroup()
	if anchor, exists := o.registry.syncGroupAudio[g]; exists && anchor == stream {
		delete(o.registry.syncGroupAudio, g)
	}
	o.resolveSyncLocked(g)

	if o.metrics != nil {
		o.metrics.IncStreamDestroyed("audio_receive")
	}
}

// CreateVideoSend inserts every SSRC in cfg.SSRCs into the send
// registry and the send set. newStream receives a snapshot of
// suspended RTP state so it can resume sequencing for SSRCs it
// reuses, matching "the orchestrator passes suspended_video_send_states
// into construction".
func (o *Orchestrator) CreateVideoSend(cfg VideoSendConfig, newStream func(suspended map[uint32]conn.RtpState) conn.VideoSendStream) conn.VideoSendStream {
	o.lockConfig()
	defer o.unlockConfig()

	o.networkMu.Lock()
	defer o.networkMu.Unlock()

	o.registry.sendLock.Lock()
	defer o.registry.sendLock.Unlock()

	for _, ssrc := range cfg.SSRCs {
		if _, exists := o.registry.videoSendIndex[ssrc]; exists {
			panic(fmt.Sprintf("callcore: duplicate video send ssrc %d", ssrc))
		}
	}

	suspended := make(map[uint32]conn.RtpState, len(cfg.SSRCs))
	for _, ssrc := range cfg.SSRCs {
		if state, ok := o.registry.suspendedVideoSendStates[ssrc]; ok {
			suspended[ssrc] = state
		}
	}

	stream := newStream(suspended)
	for _, ssrc := range cfg.SSRCs {
		o.registry.videoSendIndex[ssrc] = stream
	}
	o.registry.videoSendSet.Set(stream, struct{}{})

	if !o.networkEnabled {
		stream.SignalNetworkState(conn.NetworkDown)
	}
	if o.metrics != nil {
		o.metrics.IncStreamCreated("video_send")
	}
	return stream
}

// DestroyVideoSend stops stream, removes every index entry pointing to
// it, removes it from the send set, and merges its RTP state snapshot
// into suspended_video_send_states for a future stream to resume from.
func (o *Orchestrator) DestroyVideoSend(stream conn.VideoSendStream) {
	o.lockConfig()
	defer o.unlockConfig()

	o.registry.sendLock.Lock()
	defer o.registry.sendLock.Unlock()

	var removed []uint32
	for ssrc, s := range o.registry.videoSendIndex {
		if s == stream {
			removed = append(removed, ssrc)
		}
	}
	if len(removed) == 0 {
		panic("callcore: destroy video send: stream not registered")
	}

	stream.Stop()
	for _, ssrc := range removed {
		delete(o.registry.videoSendIndex, ssrc)
	}
	o.registry.videoSendSet.Delete(stream)

	for ssrc, state := range stream.GetRtpStates() {
		o.registry.suspendedVideoSendStates[ssrc] = state
	}
	if o.metrics != nil {
		o.metrics.IncStreamDestroyed("video_send")
	}
}

// CreateVideoReceive inserts cfg.RemoteSSRC, and if cfg.RTX is
// non-empty the first mapping's SSRC as a second key for the same
// stream, into the receive registry and set, then reruns the Sync
// Resolver.
func (o *Orchestrator) CreateVideoReceive(cfg VideoReceiveConfig, stream conn.VideoReceiveStream) conn.VideoReceiveStream {
	o.lockConfig()
	defer o.unlockConfig()

	o.networkMu.Lock()
	defer o.networkMu.Unlock()

	o.registry.receiveLock.Lock()
	defer o.registry.receiveLock.Unlock()

	if _, exists := o.registry.videoRecvIndex[cfg.RemoteSSRC]; exists {
		panic(fmt.Sprintf("callcore: duplicate video receive ssrc %d", cfg.RemoteSSRC))
	}
	o.registry.videoRecvIndex[cfg.RemoteSSRC] = stream

	if len(cfg.RTX) > 0 {
		rtxSSRC := cfg.RTX[0].SSRC
		if _, exists := o.registry.videoRecvIndex[rtxSSRC]; exists {
			panic(fmt.Sprintf("callcore: duplicate video receive rtx ssrc %d", rtxSSRC))
		}
		o.registry.videoRecvIndex[rtxSSRC] = stream
	}
	o.registry.videoRecvSet.Set(stream, struct{}{})
	o.resolveSyncLocked(cfg.SyncGroup)

	if !o.networkEnabled {
		stream.SignalNetworkState(conn.NetworkDown)
	}
	if o.metrics != nil {
		o.metrics.IncStreamCreated("video_receive")
	}
	return stream
}

// DestroyVideoReceive removes every key (primary, and RTX if present)
// pointing to stream, removes it from the receive set and reruns the
// Sync Resolver for its sync group.
func (o *Orchestrator) DestroyVideoReceive(stream conn.VideoReceiveStream) {
	o.lockConfig()
	defer o.unlockConfig()

	o.registry.receiveLock.Lock()
	defer o.registry.receiveLock.Unlock()

	var removed []uint32
	for ssrc, s := range o.registry.videoRecvIndex {
		if s == stream {
			removed = append(removed, ssrc)
		}
	}
	if len(removed) == 0 {
		panic("callcore: destroy video receive: stream not registered")
	}

	stream.Stop()
	for _, ssrc := range removed {
		delete(o.registry.videoRecvIndex, ssrc)
	}
	o.registry.videoRecvSet.Delete(stream)
	o.resolveSyncLocked(stream.SyncGroup())

	if o.metrics != nil {
		o.metrics.IncStreamDestroyed("video_receive")
	}
}

// DeliverPacket classifies buf and routes it to the correct stream(s).
func (o *Orchestrator) DeliverPacket(mediaType conn.MediaType, buf []byte, pt conn.PacketTime) DeliveryStatus {
	if packet.Classify(buf) == packet.RTCP {
		return o.deliverRtcp(buf)
	}
	return o.deliverRtp(mediaType, buf, pt)
}

func (o *Orchestrator) deliverRtcp(buf []byte) DeliveryStatus {
	accepted := false

	o.registry.receiveLock.RLock()
	for el := o.registry.videoRecvSet.Front(); el != nil; el = el.Next() {
		if el.Key.DeliverRtcp(buf) {
			accepted = true
		}
	}
	o.registry.receiveLock.RUnlock()

	o.registry.sendLock.RLock()
	for el := o.registry.videoSendSet.Front(); el != nil; el = el.Next() {
		if el.Key.DeliverRtcp(buf) {
			accepted = true
		}
	}
	o.registry.sendLock.RUnlock()

	return o.finishDelivery(accepted, false)
}

func (o *Orchestrator) deliverRtp(mediaType conn.MediaType, buf []byte, pt conn.PacketTime) DeliveryStatus {
	ssrc, err := packet.SSRC(buf)
	if err != nil {
		return o.finishDelivery(false, false)
	}

	o.registry.receiveLock.RLock()
	defer o.registry.receiveLock.RUnlock()

	if mediaType == conn.MediaAny || mediaType == conn.MediaAudio {
		if s, ok := o.registry.audioRecvIndex[ssrc]; ok {
			return o.finishDelivery(s.DeliverRtp(buf, pt), false)
		}
	}
	if mediaType == conn.MediaAny || mediaType == conn.MediaVideo {
		if s, ok := o.registry.videoRecvIndex[ssrc]; ok {
			return o.finishDelivery(s.DeliverRtp(buf, pt), false)
		}
	}
	return o.finishDelivery(false, true)
}

func (o *Orchestrator) finishDelivery(accepted bool, unknownSSRC bool) DeliveryStatus {
	if accepted {
		if o.metrics != nil {
			o.metrics.IncPacketDelivered()
		}
		return DeliveryOK
	}
	if o.metrics != nil {
		o.metrics.IncPacketDropped()
	}
	if unknownSSRC {
		return DeliveryUnknownSSRC
	}
	return DeliveryPacketError
}

// SetBitrateConfig validates and forwards cfg to the congestion
// controller, suppressing the update if it is a no-op against the
// currently stored config.
func (o *Orchestrator) SetBitrateConfig(cfg BitrateConfig) error {
	o.lockConfig()
	defer o.unlockConfig()

	if err := cfg.Validate(); err != nil {
		return err
	}

	o.bitrateMu.Lock()
	defer o.bitrateMu.Unlock()

	current := o.bitrate
	sameStart := cfg.StartBps <= 0 || cfg.StartBps == current.StartBps
	if cfg.MinBps == current.MinBps && sameStart && cfg.MaxBps == current.MaxBps {
		return nil
	}

	next := current
	next.MinBps = cfg.MinBps
	if cfg.StartBps > 0 {
		next.StartBps = cfg.StartBps
	}
	next.MaxBps = cfg.MaxBps
	o.bitrate = next

	o.controller.SetBweBitrates(bwe.Bitrates{MinBps: next.MinBps, StartBps: next.StartBps, MaxBps: next.MaxBps})
	return nil
}

// SignalNetworkState updates the network-enabled flag and broadcasts
// the new state to the congestion controller and every audio send,
// video send and video receive stream. Audio receive streams are not
// broadcast to: the voice engine owns their network-state path.
func (o *Orchestrator) SignalNetworkState(state conn.NetworkState) {
	o.lockConfig()
	defer o.unlockConfig()

	o.networkMu.Lock()
	defer o.networkMu.Unlock()

	o.networkEnabled = state == conn.NetworkUp
	o.controller.SignalNetworkState(state)

	o.registry.sendLock.RLock()
	for _, s := range o.registry.audioSendIndex {
		s.SignalNetworkState(state)
	}
	for el := o.registry.videoSendSet.Front(); el != nil; el = el.Next() {
		el.Key.SignalNetworkState(state)
	}
	o.registry.sendLock.RUnlock()

	o.registry.receiveLock.RLock()
	for el := o.registry.videoRecvSet.Front(); el != nil; el = el.Next() {
		el.Key.SignalNetworkState(state)
	}
	o.registry.receiveLock.RUnlock()
}

// OnSentPacket forwards transport-wide feedback timing to the
// congestion controller. Called from the network thread, not the
// configuration thread, so it takes no configuration guard.
func (o *Orchestrator) OnSentPacket(sent bwe.SentPacket) {
	o.controller.OnSentPacket(sent)
}

// GetStats samples send/receive bandwidth, pacer queuing delay and
// the RTT of the last video send stream iterated with a positive RTT
// sample (callers must not assume which stream that is), plus FEC
// counters summed across every receive stream that reports them.
func (o *Orchestrator) GetStats() Stats {
	var rtt int
	var fecReceived, fecRecovered uint32

	o.registry.sendLock.RLock()
	for el := o.registry.videoSendSet.Front(); el != nil; el = el.Next() {
		if r := el.Key.GetRtt(); r > 0 {
			rtt = r
		}
	}
	o.registry.sendLock.RUnlock()

	o.registry.receiveLock.RLock()
	for _, s := range o.registry.audioRecvIndex {
		if src, ok := s.(conn.FecCounterSource); ok {
			recv, rec := src.FecCounters()
			fecReceived += recv
			fecRecovered += rec
		}
	}
	for el := o.registry.videoRecvSet.Front(); el != nil; el = el.Next() {
		if src, ok := el.Key.(conn.FecCounterSource); ok {
			recv, rec := src.FecCounters()
			fecReceived += recv
			fecRecovered += rec
		}
	}
	o.registry.receiveLock.RUnlock()

	bc := o.controller.GetBitrateController()
	rbe := o.controller.GetRemoteBitrateEstimator(false)

	return Stats{
		SendBandwidthBps:    bc.BandwidthBps(),
		RecvBandwidthBps:    rbe.BandwidthBps(),
		PacerDelayMs:        o.controller.GetPacerQueuingDelayMs(),
		RttMs:               rtt,
		FecPacketsReceived:  fecReceived,
		FecPacketsRecovered: fecRecovered,
	}
}

// findByValue linearly scans m for the entry whose value equals want,
// returning its key. The four SSRC indices are small (bounded by the
// number of live streams times their SSRC count), so this is cheap
// enough to avoid keeping a reverse index just for Destroy calls.
func findByValue[K comparable, V comparable](m map[K]V, want V) (K, bool) {
	for k, v := range m {
		if v == want {
			return k, true
		}
	}
	var zero K
	return zero, false
}
