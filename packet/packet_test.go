package packet

import "testing"

func TestSSRCRejectsShortBuffer(t *testing.T) {
	buf := make([]byte, 11)
	if _, err := SSRC(buf); err != ErrTooShort {
		t.Fatalf("SSRC(11 bytes) error = %v, want ErrTooShort", err)
	}
}

func TestSSRCExtractsBigEndianAtOffset8(t *testing.T) {
	buf := make([]byte, 12)
	buf[8], buf[9], buf[10], buf[11] = 0x11, 0x22, 0x33, 0x44
	got, err := SSRC(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0x11223344 {
		t.Errorf("SSRC = %#x, want 0x11223344", got)
	}
}

func TestClassifyRtp(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 0x80 // version 2, no padding, no extension, 0 CSRCs.
	buf[1] = 111  // an ordinary audio payload type, well outside the RTCP range.
	if got := Classify(buf); got != RTP {
		t.Errorf("Classify(plain RTP) = %v, want RTP", got)
	}
}

func TestClassifyRtcpSenderReport(t *testing.T) {
	// A minimal RTCP sender-report header: V=2, RC=0, PT=200 (SR),
	// length=6 (28 bytes in total, header included).
	buf := []byte{0x80, 200, 0x00, 0x06}
	if got := Classify(buf); got != RTCP {
		t.Errorf("Classify(sender report) = %v, want RTCP", got)
	}
}
