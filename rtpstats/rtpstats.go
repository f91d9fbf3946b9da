// Package rtpstats implements the per-SSRC "stream statistician" and
// the receive-statistics registry the Receive Ingress pipeline
// consults at steps 6 and 9 (in-order detection, retransmit
// classification, loss/jitter accounting).
//
// The sequence-number bookkeeping is adapted from a packet cache's
// bitmap algorithm: the call core doesn't need the payload bytes back
// (that's the jitter buffer's job, out of scope here), only the
// order/duplicate classification the bitmap already computes for NACK
// generation.
package rtpstats

import (
	"sync"

	"github.com/webrtcmux/callcore/jitter"
)

// Header is the minimal subset of an RTP header the statistician
// needs; it mirrors the fields read off the wire by the Packet Parser.
type Header struct {
	SSRC           uint32
	SequenceNumber uint16
	Timestamp      uint32
	PayloadType    uint8
}

func seqnoInvalid(seqno, reference uint16) bool {
	if ((seqno - reference) & 0x8000) == 0 {
		return false
	}
	return reference-seqno > 0x100
}

// Statistician tracks ordering, loss and jitter for a single SSRC.
type Statistician struct {
	hz uint32

	mu        sync.Mutex
	last      uint16
	cycle     uint16
	lastValid bool
	expected  uint32
	lost      uint32
	totalLost uint32
	// seen is a sliding bitmap of the most recently received sequence
	// numbers, used to tell "new but late" from "already received".
	first  uint16
	seen   uint32
	seenOk bool

	jitter *jitter.Estimator

	fecPackets   uint32
	fecRecovered uint32
	mediaPackets uint32
	retransmits  uint32
}

// New creates a statistician sampling RTP timestamps at hz.
func New(hz uint32) *Statistician {
	return &Statistician{hz: hz, jitter: jitter.New(hz)}
}

// probeSeen reports whether seqno falls within the already-seen
// bitmap window, without mutating it.
func (s *Statistician) probeSeen(seqno uint16) bool {
	if !s.seenOk {
		return false
	}
	diff := seqno - s.first
	if (diff & 0x8000) != 0 {
		// Before the tracked window: old enough that we no longer
		// have a bit for it, so treat it as already seen.
		return true
	}
	if diff < 32 {
		return s.seen&(uint32(1)<<uint(diff)) != 0
	}
	// Newer than anything tracked: can't have been seen yet.
	return false
}

// recordSeen slides the bitmap window forward if necessary and marks
// seqno as received.
func (s *Statistician) recordSeen(seqno uint16) {
	if !s.seenOk || seqnoInvalid(seqno, s.first) {
		s.first = seqno
		s.seen = 1
		s.seenOk = true
		return
	}

	diff := seqno - s.first
	if (diff & 0x8000) != 0 {
		return
	}
	if diff < 32 {
		s.seen |= uint32(1) << uint(diff)
		return
	}

	shift := diff - 31
	s.seen >>= shift
	s.first += shift
	s.seen |= 1 << uint(seqno-s.first)
}

// IsPacketInOrder reports whether seqno is the next expected sequence
// number or newer, matching StreamStatistician::IsPacketInOrder. A
// sequence number so far behind the last one that IncomingPacket
// treats it as a sender restart also counts as in order. No
// packet has updated last/lastValid yet before the very first one
// arrives, which is the same "no statistician exists yet" state the
// receive path treats as out of order.
func (s *Statistician) IsPacketInOrder(seqno uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastValid {
		return false
	}
	diff := seqno - s.last
	return (diff != 0 && diff&0x8000 == 0) || seqnoInvalid(seqno, s.last)
}

// IsRetransmitOfOldPacket reports whether seqno has already been
// observed by this statistician; minRTTMs is accepted for interface
// parity with the original collaborator (a sequence number outside the
// RTT-bounded reordering window is unambiguously a retransmit) but the
// bitmap already gives an exact answer within its window.
func (s *Statistician) IsRetransmitOfOldPacket(seqno uint16, minRTTMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeSeen(seqno)
}

// IncomingPacket records a received packet's sequence number,
// timestamp and retransmit classification — called after the packet
// has been handed to the payload path.
func (s *Statistician) IncomingPacket(h Header, totalLength int, isRetransmit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordSeen(h.SequenceNumber)

	if !s.lastValid || seqnoInvalid(h.SequenceNumber, s.last) {
		s.last = h.SequenceNumber
		s.lastValid = true
		s.expected++
	} else if ((s.last - h.SequenceNumber) & 0x8000) != 0 {
		gap := h.SequenceNumber - s.last
		s.expected += uint32(gap)
		s.lost += uint32(gap - 1)
		if h.SequenceNumber < s.last {
			s.cycle++
		}
		s.last = h.SequenceNumber
	} else if s.lost > 0 {
		s.lost--
	}

	s.mediaPackets++
	if isRetransmit {
		s.retransmits++
	}
	s.jitter.Accumulate(h.Timestamp)
}

// FecPacketReceived and FecPacketRecovered track FEC packet counters
// alongside the primary receive statistics.
func (s *Statistician) FecPacketReceived() {
	s.mu.Lock()
	s.fecPackets++
	s.mu.Unlock()
}

func (s *Statistician) FecPacketRecovered() {
	s.mu.Lock()
	s.fecRecovered++
	s.mu.Unlock()
}

// Loss returns the fraction of expected packets lost since the last
// reset, and the current interarrival jitter in RTP timestamp units.
func (s *Statistician) Loss() (lossFraction float64, jitterTicks uint32) {
	s.mu.Lock()
	expected, lost := s.expected, s.lost
	s.mu.Unlock()
	if expected == 0 {
		return 0, s.jitter.Jitter()
	}
	return float64(lost) / float64(expected), s.jitter.Jitter()
}

// FecCounters reports the FEC packet counters accumulated so far.
func (s *Statistician) FecCounters() (received, recovered uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fecPackets, s.fecRecovered
}

// Registry is the "receive statistics" collaborator: one Statistician
// per SSRC, created lazily on first sight, matching
// ReceiveStatistics::GetStatistician in the original source ("false if
// no statistician exists yet" for IsPacketInOrder).
type Registry struct {
	hz uint32

	mu     sync.RWMutex
	byssrc map[uint32]*Statistician
}

func NewRegistry(hz uint32) *Registry {
	return &Registry{hz: hz, byssrc: make(map[uint32]*Statistician)}
}

// GetStatistician returns the statistician for ssrc, or nil if none
// has been created yet (the caller must treat that as "not in order").
func (r *Registry) GetStatistician(ssrc uint32) *Statistician {
	r.mu.RLock()
	s := r.byssrc[ssrc]
	r.mu.RUnlock()
	return s
}

// Statistician returns the statistician for ssrc, creating one if this
// is the first packet seen for it.
func (r *Registry) Statistician(ssrc uint32) *Statistician {
	r.mu.RLock()
	s := r.byssrc[ssrc]
	r.mu.RUnlock()
	if s != nil {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.byssrc[ssrc]; s != nil {
		return s
	}
	s = New(r.hz)
	r.byssrc[ssrc] = s
	return s
}
