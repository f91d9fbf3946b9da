package payload

import "testing"

func TestReceivePayloadTypeDisplacesOldRegistration(t *testing.T) {
	r := New()

	_, ok := r.ReceivePayloadType("VP8", 96, 90000, 0, 0)
	if ok {
		t.Fatalf("first registration should not displace anything")
	}

	oldPt, ok := r.ReceivePayloadType("VP8", 97, 90000, 0, 0)
	if !ok || oldPt != 96 {
		t.Fatalf("re-registering VP8 under a new type should displace pt 96, got oldPt=%d ok=%v", oldPt, ok)
	}

	if _, present := r.GetPayloadSpecifics(96); present {
		t.Errorf("displaced payload type 96 should no longer resolve")
	}
	if spec, present := r.GetPayloadSpecifics(97); !present || spec.Name != "VP8" {
		t.Errorf("payload type 97 should resolve to VP8, got %+v present=%v", spec, present)
	}
}

func TestIsRtxRequiresBothSsrcAndPayloadType(t *testing.T) {
	r := New()
	r.SetRtxPayloadType(98, 96)
	r.SetRtxSsrc(0xB)

	if r.IsRtx(Header{PayloadType: 98, SSRC: 0xA}) {
		t.Errorf("wrong SSRC should not classify as RTX")
	}
	if r.IsRtx(Header{PayloadType: 97, SSRC: 0xB}) {
		t.Errorf("wrong payload type should not classify as RTX")
	}
	if !r.IsRtx(Header{PayloadType: 98, SSRC: 0xB}) {
		t.Errorf("matching SSRC and payload type should classify as RTX")
	}
}

func TestIsRedAndFecEnabled(t *testing.T) {
	r := New()
	if r.IsFecEnabled() {
		t.Fatalf("FEC should be disabled by default")
	}

	r.SetRedPayloadType(100)
	r.SetUlpfecPayloadType(101)

	if !r.IsRed(Header{PayloadType: 100}) {
		t.Errorf("configured RED payload type should classify as RED")
	}
	if !r.IsFecEnabled() {
		t.Errorf("FEC should be enabled once a ULPFEC payload type is configured")
	}
}

func TestSetIncomingPayloadTypeIgnoresEncapsulation(t *testing.T) {
	r := New()
	r.SetRtxPayloadType(98, 96)
	r.SetRedPayloadType(100)

	r.SetIncomingPayloadType(Header{PayloadType: 96})
	if got := r.LastReceivedMediaPayloadType(); got != 96 {
		t.Fatalf("LastReceivedMediaPayloadType() = %d, want 96", got)
	}

	r.SetIncomingPayloadType(Header{PayloadType: 98})
	if got := r.LastReceivedMediaPayloadType(); got != 96 {
		t.Errorf("RTX payload type should not overwrite last media payload type, got %d", got)
	}

	r.SetIncomingPayloadType(Header{PayloadType: 100})
	if got := r.LastReceivedMediaPayloadType(); got != 96 {
		t.Errorf("RED payload type should not overwrite last media payload type, got %d", got)
	}
}

func TestRestoreOriginalPacketRewritesSeqAndSsrc(t *testing.T) {
	r := New()
	r.SetRtxPayloadType(98, 96)

	// 12-byte RTP header followed by a 2-byte RTX sequence number and
	// one byte of "original payload".
	src := make([]byte, 15)
	src[0] = 0x80
	src[1] = 98
	// original sequence number the retransmitted packet carried.
	src[12] = 0x01
	src[13] = 0x2c // 0x012c == 300
	src[14] = 0xAB

	dst := make([]byte, 15)
	n, ok := r.RestoreOriginalPacket(dst, src, 12, 0xCAFEBABE)
	if !ok {
		t.Fatalf("RestoreOriginalPacket should succeed on a well-formed RTX packet")
	}
	if n != 13 {
		t.Fatalf("restored length = %d, want 13", n)
	}
	gotSeq := uint16(dst[2])<<8 | uint16(dst[3])
	if gotSeq != 300 {
		t.Errorf("restored sequence number = %d, want 300", gotSeq)
	}
	gotSsrc := uint32(dst[8])<<24 | uint32(dst[9])<<16 | uint32(dst[10])<<8 | uint32(dst[11])
	if gotSsrc != 0xCAFEBABE {
		t.Errorf("restored SSRC = %#x, want 0xcafebabe", gotSsrc)
	}
	if dst[12] != 0xAB {
		t.Errorf("restored payload byte = %#x, want 0xab", dst[12])
	}
}

func TestRestoreOriginalPacketRejectsShortPacket(t *testing.T) {
	r := New()
	src := make([]byte, 13) // one byte short of a full RTX header.
	dst := make([]byte, 13)
	if _, ok := r.RestoreOriginalPacket(dst, src, 12, 1); ok {
		t.Errorf("a packet too short to contain an RTX header should be rejected")
	}
}
