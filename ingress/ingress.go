// Package ingress implements the receive-stream ingress pipeline: the
// steps a receive stream runs internally when handed a packet by
// DeliverPacket, from gating on receiving state through
// NTP-synchronized payload handoff.
//
// A concrete AudioReceiveStream or VideoReceiveStream embeds a
// Pipeline and calls Ingest from its own DeliverRtp; the pipeline owns
// none of the transport, only the classification, bookkeeping and
// hand-off logic between it and the collaborators it's built from.
package ingress

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/webrtcmux/callcore/bwe"
	"github.com/webrtcmux/callcore/conn"
	"github.com/webrtcmux/callcore/payload"
	"github.com/webrtcmux/callcore/rtpstats"
	"github.com/webrtcmux/callcore/rtptime"
)

// packetLogIntervalMs bounds the diagnostic header log to once per
// stream per this many milliseconds.
const packetLogIntervalMs = 10000

// maxRestoredPacketSize bounds the RTX restoration scratch buffer;
// packets larger than this are rejected rather than grown into, since
// the original models it as a fixed-size per-stream buffer.
const maxRestoredPacketSize = 2048

// MediaHandler receives a fully classified, decapsulated media packet:
// the parsed header, the raw payload bytes, the registered codec
// metadata, whether it arrived in order, and the NTP-synchronized
// wall-clock time (milliseconds, -1 if not yet known) the RTP
// timestamp maps to. It is what the video coding module / voice
// engine would be in the original.
type MediaHandler func(header rtp.Header, payload []byte, specifics payload.Specifics, inOrder bool, ntpMs int64)

// Pipeline runs the ingress steps for a single receive stream (one
// SSRC's primary stream, which may also own an RTX SSRC).
type Pipeline struct {
	ssrc     uint32
	hz       uint32
	minRttMs int64

	registry *payload.Registry
	stats    *rtpstats.Statistician
	bwe      *bwe.Controller
	ntp      *NTPEstimator
	onMedia  MediaHandler

	mu        sync.Mutex
	receiving bool
	lastLogMs int64

	restoreMu    sync.Mutex
	restoreInUse int32 // atomic bool via CompareAndSwap
	restoreBuf   [maxRestoredPacketSize]byte
}

// Config bundles a Pipeline's fixed collaborators.
type Config struct {
	SSRC       uint32
	ClockHz    uint32
	MinRttMs   int64
	Registry   *payload.Registry
	Stats      *rtpstats.Statistician
	Controller *bwe.Controller
	OnMedia    MediaHandler
}

// New builds a pipeline for one receive stream.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		ssrc:     cfg.SSRC,
		hz:       cfg.ClockHz,
		minRttMs: cfg.MinRttMs,
		registry: cfg.Registry,
		stats:    cfg.Stats,
		bwe:      cfg.Controller,
		ntp:      NewNTPEstimator(cfg.ClockHz),
		onMedia:  cfg.OnMedia,
	}
}

// SetReceiving gates the pipeline. A stream starts not
// receiving; Start() on the owning stream should call this with true.
func (p *Pipeline) SetReceiving(receiving bool) {
	p.mu.Lock()
	p.receiving = receiving
	p.mu.Unlock()
}

// Ingest runs the full receive-stream pipeline over one RTP packet.
// It reports whether the packet was accepted, matching the bool
// DeliverRtp itself returns to the caller.
func (p *Pipeline) Ingest(buf []byte, pt conn.PacketTime) bool {
	p.mu.Lock()
	receiving := p.receiving
	p.mu.Unlock()
	if !receiving {
		return false
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return false
	}
	header := pkt.Header

	now := time.Now()
	arrivalMs := rtptime.ArrivalMillis(pt.Timestamp, now)
	payloadLength := len(buf) - header.MarshalSize()

	p.maybeLogHeader(header, arrivalMs, now)

	if p.bwe != nil {
		p.bwe.OnIncomingPacket(payloadLength)
	}

	inOrder := true
	if p.stats != nil {
		inOrder = p.stats.IsPacketInOrder(header.SequenceNumber)
	}

	p.registry.SetIncomingPayloadType(payload.Header{
		PayloadType: int(header.PayloadType),
		SSRC:        header.SSRC,
	})

	ntpMs := p.ntp.Estimate(header.Timestamp)
	accepted := p.receivePacket(buf, header, inOrder, ntpMs)

	if p.stats != nil {
		isRetransmit := !p.registry.HasRtxSsrc() && !inOrder &&
			p.stats.IsRetransmitOfOldPacket(header.SequenceNumber, p.minRttMs)
		p.stats.IncomingPacket(rtpstats.Header{
			SSRC:           header.SSRC,
			SequenceNumber: header.SequenceNumber,
			Timestamp:      header.Timestamp,
			PayloadType:    header.PayloadType,
		}, len(buf), isRetransmit)
	}

	return accepted
}

// receivePacket dispatches encapsulated packets (RED/RTX) or hands
// plain media off to onMedia, along with the NTP-synchronized
// wall-clock time the caller computed for this packet's RTP timestamp.
func (p *Pipeline) receivePacket(buf []byte, header rtp.Header, inOrder bool, ntpMs int64) bool {
	ph := payload.Header{PayloadType: int(header.PayloadType), SSRC: header.SSRC}

	if p.registry.IsEncapsulated(ph) {
		return p.parseEncapsulated(buf, header, ph)
	}

	specifics, ok := p.registry.GetPayloadSpecifics(int(header.PayloadType))
	if !ok {
		return false
	}
	payloadBytes := buf[header.MarshalSize():]
	if p.onMedia != nil {
		p.onMedia(header, payloadBytes, specifics, inOrder, ntpMs)
	}
	return true
}

func (p *Pipeline) parseEncapsulated(buf []byte, header rtp.Header, ph payload.Header) bool {
	if p.registry.IsRed(ph) {
		return p.parseRed(buf, header)
	}
	if p.registry.IsRtx(ph) {
		return p.parseRtx(buf, header)
	}
	return false
}

// parseRed handles a RED-encapsulated packet: detect an inner
// ULPFEC payload, record it and synthesize an empty-media
// notification so the video layer doesn't NACK it, without actually
// performing FEC recovery — that belongs to the FEC receiver, an
// external collaborator.
func (p *Pipeline) parseRed(buf []byte, header rtp.Header) bool {
	headerLen := header.MarshalSize()
	if headerLen >= len(buf) {
		return false
	}
	// The high bit of a RED block header byte is the follow-block flag
	// (RFC 2198), not part of the payload type; mask it off before
	// comparing, the way vie_receiver.cc does, so a RED packet carrying
	// more than one redundant block still classifies correctly.
	innerPt := int(buf[headerLen] & 0x7f)
	if innerPt == p.registry.UlpfecPayloadType() {
		if p.stats != nil {
			p.stats.FecPacketReceived()
		}
		p.notifyFecPacket(header)
	}
	// Actual FEC recovery is delegated to an out-of-scope FEC receiver;
	// this pipeline only classifies the packet and notifies the media
	// handler so it doesn't mistake the FEC payload for a loss worth
	// NACKing.
	return true
}

// notifyFecPacket synthesizes the empty media-packet notification
// ViEReceiver::NotifyReceiverOfFecPacket sends so the upper layer
// doesn't treat FEC packets as losses worth NACKing.
func (p *Pipeline) notifyFecPacket(header rtp.Header) {
	lastPt := p.registry.LastReceivedMediaPayloadType()
	if lastPt < 0 {
		log.Printf("ingress: no last media payload type for FEC notification on ssrc %d", header.SSRC)
		return
	}
	specifics, ok := p.registry.GetPayloadSpecifics(lastPt)
	if !ok {
		log.Printf("ingress: no payload specifics for pt %d", lastPt)
		return
	}
	fake := header
	fake.PayloadType = uint8(lastPt)
	fake.Padding = false
	if p.onMedia != nil {
		p.onMedia(fake, nil, specifics, true, p.ntp.Estimate(header.Timestamp))
	}
}

// parseRtx handles an RTX-encapsulated packet.
func (p *Pipeline) parseRtx(buf []byte, header rtp.Header) bool {
	headerLen := header.MarshalSize()
	paddingLen := 0
	if header.Padding && len(buf) > 0 {
		paddingLen = int(buf[len(buf)-1])
	}
	if headerLen+paddingLen == len(buf) {
		return true // keepalive, silently accepted.
	}
	if len(buf) < headerLen || len(buf) > len(p.restoreBuf) {
		return false
	}

	if !atomic.CompareAndSwapInt32(&p.restoreInUse, 0, 1) {
		log.Printf("ingress: multiple RTX restorations in flight on ssrc %d, dropping packet", header.SSRC)
		return false
	}
	defer atomic.StoreInt32(&p.restoreInUse, 0)

	p.restoreMu.Lock()
	n, ok := p.registry.RestoreOriginalPacket(p.restoreBuf[:], buf, headerLen, p.ssrc)
	restored := p.restoreBuf[:n]
	p.restoreMu.Unlock()
	if !ok {
		log.Printf("ingress: invalid RTX header on ssrc %d", header.SSRC)
		return false
	}
	return p.OnRecoveredPacket(restored)
}

// OnRecoveredPacket re-enters the pipeline for a packet that was
// reconstructed out of band (RTX restoration, FEC recovery): it
// re-parses the header, recomputes in-order status and re-runs
// classification/hand-off only — matching ViEReceiver::OnRecoveredPacket,
// which never re-runs the gate, log throttle or bandwidth-estimator
// steps.
func (p *Pipeline) OnRecoveredPacket(buf []byte) bool {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return false
	}
	inOrder := true
	if p.stats != nil {
		inOrder = p.stats.IsPacketInOrder(pkt.Header.SequenceNumber)
	}
	ntpMs := p.ntp.Estimate(pkt.Header.Timestamp)
	return p.receivePacket(buf, pkt.Header, inOrder, ntpMs)
}

// UpdateNtpFromSenderReport refines this stream's RTP-timestamp-to-
// wall-clock mapping from an accepted RTCP sender report. The caller
// (the call core's RTCP ingress path) is responsible for measuring
// rttMs and reading the sender report's NTP fields; this pipeline only
// owns the per-stream estimator state.
func (p *Pipeline) UpdateNtpFromSenderReport(rttMs int64, ntpSecs, ntpFrac uint32, rtpTimestamp uint32) {
	p.ntp.UpdateFromSenderReport(rttMs, ntpSecs, ntpFrac, rtpTimestamp)
}

func (p *Pipeline) maybeLogHeader(header rtp.Header, arrivalMs int64, now time.Time) {
	nowMs := now.UnixMilli()
	p.mu.Lock()
	due := nowMs-p.lastLogMs > packetLogIntervalMs
	if due {
		p.lastLogMs = nowMs
	}
	p.mu.Unlock()
	if !due {
		return
	}
	log.Printf("ingress: ssrc=%d pt=%d ts=%d seq=%d arrival=%dms",
		header.SSRC, header.PayloadType, header.Timestamp, header.SequenceNumber, arrivalMs)
}
