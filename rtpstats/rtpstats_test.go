package rtpstats

import "testing"

func TestIsPacketInOrderNoHistory(t *testing.T) {
	s := New(90000)
	if s.IsPacketInOrder(100) {
		t.Errorf("first packet, with no statistician history yet, should not be considered in order")
	}
}

func TestIncomingPacketTracksLossAcrossGap(t *testing.T) {
	s := New(90000)
	s.IncomingPacket(Header{SequenceNumber: 1, Timestamp: 0}, 100, false)
	s.IncomingPacket(Header{SequenceNumber: 5, Timestamp: 1000}, 100, false)

	loss, _ := s.Loss()
	if loss <= 0 {
		t.Errorf("expected nonzero loss after a sequence gap, got %v", loss)
	}
}

func TestIsRetransmitOfOldPacketDetectsDuplicate(t *testing.T) {
	s := New(90000)
	s.IncomingPacket(Header{SequenceNumber: 10}, 100, false)

	if s.IsRetransmitOfOldPacket(10, 50) != true {
		t.Errorf("re-seeing sequence number 10 should be classified as a retransmit")
	}
	if s.IsRetransmitOfOldPacket(11, 50) != false {
		t.Errorf("a fresh, never-seen sequence number should not be a retransmit")
	}
}

func TestRegistryCreatesLazily(t *testing.T) {
	r := NewRegistry(90000)
	if r.GetStatistician(42) != nil {
		t.Fatalf("expected no statistician before first packet")
	}
	s := r.Statistician(42)
	if s == nil {
		t.Fatalf("Statistician should create one on demand")
	}
	if r.GetStatistician(42) != s {
		t.Errorf("subsequent lookups should return the same statistician")
	}
}
