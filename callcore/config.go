// Package callcore implements the Call Multiplexer: the central
// dispatch and lifecycle core of a real-time audio/video conferencing
// endpoint. It owns the concurrently active send and receive streams,
// routes inbound RTP/RTCP by SSRC, coordinates the shared congestion
// controller, and maintains audio/video sync-group pairings.
package callcore

import "fmt"

// AudioSendConfig configures a send-direction audio stream.
type AudioSendConfig struct {
	SSRC uint32
}

// AudioReceiveConfig configures a receive-direction audio stream.
type AudioReceiveConfig struct {
	RemoteSSRC uint32
	SyncGroup  string
}

// RtxMapping pairs an RTX payload type with the secondary SSRC RTX
// packets for it arrive on. VideoReceiveConfig.RTX is a slice rather
// than a map so "the first entry" (the entry callers put first) is
// unambiguous, matching an ordered container rather than Go's
// unordered map type.
type RtxMapping struct {
	PayloadType int
	SSRC        uint32
}

// VideoSendConfig configures a send-direction video stream, possibly
// with multiple simulcast SSRCs.
type VideoSendConfig struct {
	SSRCs []uint32
}

// VideoReceiveConfig configures a receive-direction video stream.
type VideoReceiveConfig struct {
	RemoteSSRC uint32
	RTX        []RtxMapping
	SyncGroup  string
}

// BitrateConfig is the (min, start, max) triple the Bitrate Governor
// forwards to the congestion controller. StartBps <= 0 means "no
// change" when passed to SetBitrateConfig. MaxBps == -1 means
// unbounded.
type BitrateConfig struct {
	MinBps   int
	StartBps int
	MaxBps   int
}

// Validate checks the bounds from the config defaults section: min >=
// 0; max is -1 (unbounded) or > 0; when start is provided (> 0) it
// must be >= min, and when max is also bounded it must be >= start.
func (c BitrateConfig) Validate() error {
	if c.MinBps < 0 {
		return fmt.Errorf("callcore: min bitrate %d must be >= 0", c.MinBps)
	}
	if c.MaxBps != -1 && c.MaxBps <= 0 {
		return fmt.Errorf("callcore: max bitrate %d must be -1 or > 0", c.MaxBps)
	}
	if c.StartBps > 0 {
		if c.StartBps < c.MinBps {
			return fmt.Errorf("callcore: start bitrate %d must be >= min %d", c.StartBps, c.MinBps)
		}
		if c.MaxBps != -1 && c.MaxBps < c.StartBps {
			return fmt.Errorf("callcore: max bitrate %d must be >= start %d", c.MaxBps, c.StartBps)
		}
	}
	return nil
}

// Stats is the snapshot GetStats produces.
type Stats struct {
	SendBandwidthBps uint32
	RecvBandwidthBps uint32
	PacerDelayMs     int64
	RttMs            int

	// FecPacketsReceived and FecPacketsRecovered are summed across every
	// receive stream that implements conn.FecCounterSource; additive
	// diagnostics, not part of the original four-field snapshot.
	FecPacketsReceived  uint32
	FecPacketsRecovered uint32
}

// DeliveryStatus is DeliverPacket's three-way result.
type DeliveryStatus int

const (
	DeliveryOK DeliveryStatus = iota
	DeliveryPacketError
	DeliveryUnknownSSRC
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryOK:
		return "ok"
	case DeliveryPacketError:
		return "packet-error"
	case DeliveryUnknownSSRC:
		return "unknown-ssrc"
	default:
		return "invalid"
	}
}
