// Package packet implements the first classification step on the
// receive path: distinguishing RTCP from RTP and extracting the SSRC
// that the Stream Registry indexes on.
package packet

import (
	"errors"

	"github.com/pion/rtcp"
)

// ErrTooShort is returned for buffers that cannot carry a valid RTP
// header.
var ErrTooShort = errors.New("packet: buffer shorter than an RTP header")

// Kind classifies a buffer as RTP or RTCP.
type Kind int

const (
	RTP Kind = iota
	RTCP
)

// minRtpHeaderLength is the fixed portion of an RTP header: version,
// flags, payload type, sequence number, timestamp and SSRC.
const minRtpHeaderLength = 12

// rtcpTypeLow and rtcpTypeHigh bound the IANA-assigned RTCP packet
// type range (SR, RR, SDES, BYE, APP and the feedback types); a
// packet whose second byte falls outside it is RTP.
const (
	rtcpTypeLow  = 192
	rtcpTypeHigh = 223
)

// Classify reports whether buf is RTP or RTCP, using the packet-type
// byte at offset 1 the way rtcp.Header.Unmarshal reads it.
func Classify(buf []byte) Kind {
	var h rtcp.Header
	if err := h.Unmarshal(buf); err != nil {
		return RTP
	}
	if uint8(h.Type) >= rtcpTypeLow && uint8(h.Type) <= rtcpTypeHigh {
		return RTCP
	}
	return RTP
}

// SSRC extracts the 32-bit synchronization source identifier from
// byte offset 8 of an RTP packet. It returns ErrTooShort for buffers
// under 12 bytes, matching the boundary behavior the Receive Ingress
// pipeline depends on (reject before any registry lookup).
func SSRC(buf []byte) (uint32, error) {
	if len(buf) < minRtpHeaderLength {
		return 0, ErrTooShort
	}
	return uint32(buf[8])<<24 | uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11]), nil
}
