// Package conn defines the capability interfaces exposed by the four
// stream kinds the call core dispatches packets to, and the small
// value types shared across the module. Codec-specific encoding,
// decoding and the wire transport itself live outside this package;
// a stream is just whatever the caller of Create* handed the
// orchestrator, viewed through these interfaces.
package conn

import "errors"

// ErrStreamClosed is returned by stream operations invoked after Stop.
var ErrStreamClosed = errors.New("stream is closed")

// NetworkState mirrors the two states the Network Broadcaster fans out.
type NetworkState int

const (
	NetworkDown NetworkState = iota
	NetworkUp
)

func (s NetworkState) String() string {
	if s == NetworkUp {
		return "up"
	}
	return "down"
}

// MediaType is the hint DeliverPacket uses to narrow SSRC lookup.
type MediaType int

const (
	MediaAny MediaType = iota
	MediaAudio
	MediaVideo
)

// PacketTime carries the transport-layer capture timestamp for an
// inbound packet. Timestamp is microseconds since an arbitrary epoch;
// -1 means "absent".
type PacketTime struct {
	Timestamp int64
}

// RtpState is the opaque per-SSRC RTP sequencing state a VideoSendStream
// snapshots at destruction and a later stream may resume from.
type RtpState struct {
	SequenceNumber uint16
	Timestamp      uint32
	StartTimestamp uint32
	PacketCount    uint32
	OctetCount     uint32
}

// Stream is the capability set every stream kind exposes.
type Stream interface {
	Start()
	Stop()
	SignalNetworkState(NetworkState)
}

// SendStream is implemented by AudioSend and VideoSend streams.
type SendStream interface {
	Stream
	SSRCs() []uint32
}

// AudioSendStream is a send-direction audio stream.
type AudioSendStream interface {
	SendStream
}

// VideoSendStream is a send-direction video stream. It additionally
// participates in RTCP fan-out and reports RTT for the Stats
// Aggregator and suspension state for SSRC reuse across destroy/create.
type VideoSendStream interface {
	SendStream
	DeliverRtcp(buf []byte) bool
	GetRtpStates() map[uint32]RtpState
	GetRtt() int
}

// ReceiveStream is implemented by AudioReceive and VideoReceive streams.
type ReceiveStream interface {
	Stream
	// DeliverRtp returns true if the stream accepted the packet.
	DeliverRtp(buf []byte, pt PacketTime) bool
	// DeliverRtcp returns true if the stream accepted the packet.
	DeliverRtcp(buf []byte) bool
}

// AudioReceiveStream is a receive-direction audio stream. It exposes
// just enough for the Sync Resolver to pick it as an anchor.
type AudioReceiveStream interface {
	ReceiveStream
	RemoteSSRC() uint32
	SyncGroup() string
	// VoiceChannelID identifies the voice-engine channel backing this
	// stream for lip-sync binding; -1 if there is none.
	VoiceChannelID() int
}

// FecCounterSource is implemented by a receive stream whose ingress
// pipeline tracks FEC packet counters; the Stats Aggregator sums it
// across every receive stream that implements it, via a type
// assertion, since not every ReceiveStream is required to expose it.
type FecCounterSource interface {
	FecCounters() (received, recovered uint32)
}

// VideoReceiveStream is a receive-direction video stream.
type VideoReceiveStream interface {
	ReceiveStream
	RemoteSSRC() uint32
	// RtxSSRC returns the stream's configured RTX SSRC, if any.
	RtxSSRC() (uint32, bool)
	SyncGroup() string
	// SetSyncChannel binds (or, with channelID -1, unbinds) this
	// stream's voice-engine sync channel.
	SetSyncChannel(voiceEngine interface{}, channelID int)
}
