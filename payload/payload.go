// Package payload implements the receive-side RTP payload-type
// registry the ingress pipeline consults to classify and unwrap
// encapsulated packets (RED/ULPFEC, RTX) and to look up codec-specific
// metadata for plain media packets.
package payload

import "sync"

// Specifics is the codec-specific payload metadata GetPayloadSpecifics
// hands back to the caller; this core never interprets it, only
// threads it through to the media decoder.
type Specifics struct {
	Name       string
	Frequency  uint32
	Channels   int
	MaxBitrate int
}

type entry struct {
	payloadType int
	specifics   Specifics
}

// Header is the subset of an RTP header the registry's classifiers
// need: payload type and SSRC.
type Header struct {
	PayloadType    int
	SSRC           uint32
	SequenceNumber uint16
}

// Registry tracks registered receive payload types, the RTX and RED
// mappings layered on top of them, and the small amount of running
// state (the last media payload type) the ingress
// pipeline's encapsulation handling depends on.
//
// Grounded on RTPPayloadRegistry's public contract: ReceivePayloadType
// replaces any existing registration under the same name, returning
// the payload type it displaced so the caller can de-register it.
type Registry struct {
	mu sync.Mutex

	byType map[int]entry
	byName map[string]int

	rtxPayloadType         int // -1: none
	rtxAssociatedPayload   int
	rtxSsrc                uint32
	hasRtxSsrc             bool
	useRtxMappingOnRestore bool

	redPayloadType   int // -1: none
	ulpfecPayloadType int // -1: disabled

	lastMediaPayloadType int // -1: none seen yet
}

// New returns a registry with no payload types registered and RTX/RED
// disabled. RestoreOriginalPacket applies the RTX payload-type mapping
// unless SetUseRtxPayloadMappingOnRestore(false) is called.
func New() *Registry {
	return &Registry{
		byType:                 make(map[int]entry),
		byName:                 make(map[string]int),
		rtxPayloadType:         -1,
		rtxAssociatedPayload:   -1,
		useRtxMappingOnRestore: true,
		redPayloadType:         -1,
		ulpfecPayloadType:      -1,
		lastMediaPayloadType:   -1,
	}
}

// ReceivePayloadType registers name at pt with the given frequency,
// channel count and max bitrate. If name was already registered under
// a different payload type, that old registration is removed and its
// payload type is returned as oldPt with ok true, mirroring the
// original's "caller must DeRegister the displaced type" contract.
func (r *Registry) ReceivePayloadType(name string, pt int, freq uint32, channels int, maxBitrate int) (oldPt int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, present := r.byName[name]; present && existing != pt {
		delete(r.byType, existing)
		oldPt, ok = existing, true
	}

	r.byType[pt] = entry{
		payloadType: pt,
		specifics: Specifics{
			Name:       name,
			Frequency:  freq,
			Channels:   channels,
			MaxBitrate: maxBitrate,
		},
	}
	r.byName[name] = pt
	return oldPt, ok
}

// DeRegisterReceivePayload removes pt, if registered.
func (r *Registry) DeRegisterReceivePayload(pt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byType[pt]
	if !ok {
		return
	}
	delete(r.byType, pt)
	delete(r.byName, e.specifics.Name)
}

// SetRtxPayloadType marks pt as carrying RTX-encapsulated packets for
// the media payload type associatedPt.
func (r *Registry) SetRtxPayloadType(pt, associatedPt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rtxPayloadType = pt
	r.rtxAssociatedPayload = associatedPt
}

// SetUseRtxPayloadMappingOnRestore controls whether RestoreOriginalPacket
// rewrites the restored packet's payload type to the RTX mapping's
// associated payload type, or leaves the original byte untouched.
func (r *Registry) SetUseRtxPayloadMappingOnRestore(val bool) {
	r.mu.Lock()
	r.useRtxMappingOnRestore = val
	r.mu.Unlock()
}

// SetRtxSsrc records the secondary SSRC RTX packets for this receiver
// arrive on.
func (r *Registry) SetRtxSsrc(ssrc uint32) {
	r.mu.Lock()
	r.rtxSsrc = ssrc
	r.hasRtxSsrc = true
	r.mu.Unlock()
}

// GetRtxSsrc reports the configured RTX SSRC, if any.
func (r *Registry) GetRtxSsrc() (ssrc uint32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rtxSsrc, r.hasRtxSsrc
}

// HasRtxSsrc reports whether an RTX SSRC has been configured, i.e.
// whether retransmissions for this stream arrive on a dedicated SSRC
// rather than as out-of-order duplicates on the primary one.
func (r *Registry) HasRtxSsrc() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasRtxSsrc
}

// SetRedPayloadType marks pt as the RED encapsulation payload type.
func (r *Registry) SetRedPayloadType(pt int) {
	r.mu.Lock()
	r.redPayloadType = pt
	r.mu.Unlock()
}

// SetUlpfecPayloadType marks pt as the inner ULPFEC payload type
// carried inside RED packets; -1 disables FEC handling.
func (r *Registry) SetUlpfecPayloadType(pt int) {
	r.mu.Lock()
	r.ulpfecPayloadType = pt
	r.mu.Unlock()
}

// UlpfecPayloadType returns the configured ULPFEC payload type, -1 if
// FEC is disabled.
func (r *Registry) UlpfecPayloadType() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ulpfecPayloadType
}

// IsFecEnabled reports whether a ULPFEC payload type is configured.
func (r *Registry) IsFecEnabled() bool {
	return r.UlpfecPayloadType() > -1
}

// SetIncomingPayloadType records h.PayloadType as the last media
// payload type seen, unless h is itself RTX or RED (those carry no
// media payload type of their own).
func (r *Registry) SetIncomingPayloadType(h Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.PayloadType == r.rtxPayloadType || h.PayloadType == r.redPayloadType {
		return
	}
	r.lastMediaPayloadType = h.PayloadType
}

// LastReceivedMediaPayloadType returns the most recent non-encapsulated
// payload type seen, or -1 if none yet.
func (r *Registry) LastReceivedMediaPayloadType() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastMediaPayloadType
}

// GetPayloadSpecifics returns the registered metadata for pt.
func (r *Registry) GetPayloadSpecifics(pt int) (Specifics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byType[pt]
	return e.specifics, ok
}

// IsRed reports whether h's payload type is the configured RED type.
func (r *Registry) IsRed(h Header) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redPayloadType > -1 && h.PayloadType == r.redPayloadType
}

// IsRtx reports whether h's SSRC matches the configured RTX SSRC and
// the payload type matches the configured RTX payload type.
func (r *Registry) IsRtx(h Header) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasRtxSsrc || h.SSRC != r.rtxSsrc {
		return false
	}
	return r.rtxPayloadType > -1 && h.PayloadType == r.rtxPayloadType
}

// IsEncapsulated reports whether h needs RED or RTX unwrapping before
// the inner media payload can be reached.
func (r *Registry) IsEncapsulated(h Header) bool {
	return r.IsRed(h) || r.IsRtx(h)
}

// RestoreOriginalPacket rewrites src (an RTX packet, with its 2-byte
// RTX header stripped from the RTP payload and sequence number
// restored from the RTX payload's leading 2 bytes) into dst as the
// original RTP packet that was retransmitted, addressed to
// primarySsrc. It reports false if src is too short to contain an RTX
// header.
//
// The restored sequence number comes from the first two bytes of the
// RTX payload (big-endian), per the RTX wire format; everything after
// that is the original payload, unchanged.
func (r *Registry) RestoreOriginalPacket(dst []byte, src []byte, headerLength int, primarySsrc uint32) (n int, ok bool) {
	if len(src) < headerLength+2 {
		return 0, false
	}

	r.mu.Lock()
	associated := r.rtxAssociatedPayload
	useMapping := r.useRtxMappingOnRestore
	r.mu.Unlock()

	if headerLength > len(dst) {
		return 0, false
	}
	copy(dst, src[:headerLength])

	origSeq := uint16(src[headerLength])<<8 | uint16(src[headerLength+1])

	// Rewrite SSRC (offset 8) to the primary stream's SSRC and the
	// sequence number (offset 2) to the one carried in the RTX payload.
	dst[2] = byte(origSeq >> 8)
	dst[3] = byte(origSeq)
	dst[8] = byte(primarySsrc >> 24)
	dst[9] = byte(primarySsrc >> 16)
	dst[10] = byte(primarySsrc >> 8)
	dst[11] = byte(primarySsrc)

	if useMapping && associated >= 0 {
		dst[1] = (dst[1] & 0x80) | byte(associated)
	}

	rest := src[headerLength+2:]
	if headerLength+len(rest) > len(dst) {
		return 0, false
	}
	copy(dst[headerLength:], rest)
	return headerLength + len(rest), true
}
