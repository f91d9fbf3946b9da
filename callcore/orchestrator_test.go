package callcore

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/webrtcmux/callcore/conn"
	"github.com/webrtcmux/callcore/metrics"
)

// fakeAudioSend is a minimal conn.AudioSendStream for exercising the
// registry and network-broadcast paths without a real transport.
type fakeAudioSend struct {
	ssrc      uint32
	started   bool
	stopped   bool
	netStates []conn.NetworkState
}

func (f *fakeAudioSend) Start()                                 { f.started = true }
func (f *fakeAudioSend) Stop()                                  { f.stopped = true }
func (f *fakeAudioSend) SignalNetworkState(s conn.NetworkState) { f.netStates = append(f.netStates, s) }
func (f *fakeAudioSend) SSRCs() []uint32                        { return []uint32{f.ssrc} }

// fakeAudioRecv is a minimal conn.AudioReceiveStream, also implementing
// conn.FecCounterSource so GetStats aggregation can be exercised.
type fakeAudioRecv struct {
	ssrc         uint32
	syncGroup    string
	voiceChannel int
	stopped      bool
	accepted     []byte
	fecReceived  uint32
	fecRecovered uint32
	netStates    []conn.NetworkState
}

func (f *fakeAudioRecv) Start()                                 {}
func (f *fakeAudioRecv) Stop()                                  { f.stopped = true }
func (f *fakeAudioRecv) SignalNetworkState(s conn.NetworkState) { f.netStates = append(f.netStates, s) }
func (f *fakeAudioRecv) DeliverRtp(buf []byte, pt conn.PacketTime) bool {
	f.accepted = buf
	return true
}
func (f *fakeAudioRecv) DeliverRtcp(buf []byte) bool { return true }
func (f *fakeAudioRecv) RemoteSSRC() uint32          { return f.ssrc }
func (f *fakeAudioRecv) SyncGroup() string           { return f.syncGroup }
func (f *fakeAudioRecv) VoiceChannelID() int         { return f.voiceChannel }
func (f *fakeAudioRecv) FecCounters() (uint32, uint32) {
	return f.fecReceived, f.fecRecovered
}

// fakeVideoSend is a minimal conn.VideoSendStream.
type fakeVideoSend struct {
	ssrcs        []uint32
	rtt          int
	stopped      bool
	rtcpAccepted bool
	suspended    map[uint32]conn.RtpState
	states       map[uint32]conn.RtpState
	netStates    []conn.NetworkState
}

func (f *fakeVideoSend) Start()                                 {}
func (f *fakeVideoSend) Stop()                                  { f.stopped = true }
func (f *fakeVideoSend) SignalNetworkState(s conn.NetworkState) { f.netStates = append(f.netStates, s) }
func (f *fakeVideoSend) SSRCs() []uint32                        { return f.ssrcs }
func (f *fakeVideoSend) DeliverRtcp(buf []byte) bool            { f.rtcpAccepted = true; return true }
func (f *fakeVideoSend) GetRtpStates() map[uint32]conn.RtpState { return f.states }
func (f *fakeVideoSend) GetRtt() int                            { return f.rtt }

// fakeVideoRecv is a minimal conn.VideoReceiveStream.
type fakeVideoRecv struct {
	ssrc         uint32
	rtxSSRC      uint32
	hasRtx       bool
	syncGroup    string
	stopped      bool
	accepted     []byte
	channelID    int
	channelBound bool
}

func (f *fakeVideoRecv) Start()                               {}
func (f *fakeVideoRecv) Stop()                                { f.stopped = true }
func (f *fakeVideoRecv) SignalNetworkState(conn.NetworkState) {}
func (f *fakeVideoRecv) DeliverRtp(buf []byte, pt conn.PacketTime) bool {
	f.accepted = buf
	return true
}
func (f *fakeVideoRecv) DeliverRtcp(buf []byte) bool { return true }
func (f *fakeVideoRecv) RemoteSSRC() uint32          { return f.ssrc }
func (f *fakeVideoRecv) RtxSSRC() (uint32, bool)     { return f.rtxSSRC, f.hasRtx }
func (f *fakeVideoRecv) SyncGroup() string           { return f.syncGroup }
func (f *fakeVideoRecv) SetSyncChannel(voiceEngine interface{}, channelID int) {
	f.channelID = channelID
	f.channelBound = channelID != -1
}

func rtpPacketBytes(t *testing.T, ssrc uint32) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 1,
			Timestamp:      1000,
			SSRC:           ssrc,
		},
		Payload: []byte{0x01, 0x02},
	}
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp: %v", err)
	}
	return buf
}

func rtcpPacketBytes(t *testing.T) []byte {
	t.Helper()
	pkt := &rtcp.ReceiverReport{SSRC: 1}
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtcp: %v", err)
	}
	return buf
}

func newTestOrchestrator() *Orchestrator {
	return New(Options{
		Bitrate:     BitrateConfig{MinBps: 0, StartBps: 300000, MaxBps: -1},
		VoiceEngine: "fake-voice-engine",
	})
}

func TestCreateAudioSendDuplicateSSRCPanics(t *testing.T) {
	o := newTestOrchestrator()
	defer func() { o.DestroyAudioSend(o.CreateAudioSend(AudioSendConfig{SSRC: 1}, &fakeAudioSend{ssrc: 1})) }()

	stream := &fakeAudioSend{ssrc: 5}
	o.CreateAudioSend(AudioSendConfig{SSRC: 5}, stream)
	defer o.DestroyAudioSend(stream)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate ssrc")
		}
	}()
	o.CreateAudioSend(AudioSendConfig{SSRC: 5}, &fakeAudioSend{ssrc: 5})
}

func TestCreateStreamOnFreshOrchestratorSignalsNothing(t *testing.T) {
	o := newTestOrchestrator()
	stream := &fakeAudioSend{ssrc: 7}
	o.CreateAudioSend(AudioSendConfig{SSRC: 7}, stream)
	defer o.DestroyAudioSend(stream)

	if len(stream.netStates) != 0 {
		t.Fatalf("expected no signal on a fresh, network-up orchestrator, got %v", stream.netStates)
	}
}

func TestCreateStreamWhileNetworkDownSignalsDown(t *testing.T) {
	o := newTestOrchestrator()
	o.SignalNetworkState(conn.NetworkDown)

	stream := &fakeAudioSend{ssrc: 7}
	o.CreateAudioSend(AudioSendConfig{SSRC: 7}, stream)
	defer o.DestroyAudioSend(stream)

	if len(stream.netStates) != 1 || stream.netStates[0] != conn.NetworkDown {
		t.Fatalf("expected immediate NetworkDown signal on create, got %v", stream.netStates)
	}
}

func TestSignalNetworkStateBroadcastsExcludingAudioReceive(t *testing.T) {
	o := newTestOrchestrator()

	as := &fakeAudioSend{ssrc: 1}
	o.CreateAudioSend(AudioSendConfig{SSRC: 1}, as)
	defer o.DestroyAudioSend(as)

	ar := &fakeAudioRecv{ssrc: 2}
	o.CreateAudioReceive(AudioReceiveConfig{RemoteSSRC: 2}, ar)
	defer o.DestroyAudioReceive(ar)

	vs := &fakeVideoSend{ssrcs: []uint32{3}, states: map[uint32]conn.RtpState{}}
	o.CreateVideoSend(VideoSendConfig{SSRCs: []uint32{3}}, func(map[uint32]conn.RtpState) conn.VideoSendStream { return vs })
	defer o.DestroyVideoSend(vs)

	vr := &fakeVideoRecv{ssrc: 4}
	o.CreateVideoReceive(VideoReceiveConfig{RemoteSSRC: 4}, vr)
	defer o.DestroyVideoReceive(vr)

	o.SignalNetworkState(conn.NetworkUp)

	if as.netStates[len(as.netStates)-1] != conn.NetworkUp {
		t.Fatal("expected audio send to receive NetworkUp")
	}
	if vs.netStates[len(vs.netStates)-1] != conn.NetworkUp {
		t.Fatal("expected video send to receive NetworkUp")
	}
	// The audio receive stream is not part of the broadcast.
	if len(ar.netStates) != 0 {
		t.Fatalf("expected audio receive to get no network signal, got %v", ar.netStates)
	}
}

func TestDeliverPacketRoutesByRegisteredSSRC(t *testing.T) {
	o := newTestOrchestrator()

	ar := &fakeAudioRecv{ssrc: 42}
	o.CreateAudioReceive(AudioReceiveConfig{RemoteSSRC: 42}, ar)
	defer o.DestroyAudioReceive(ar)

	buf := rtpPacketBytes(t, 42)
	status := o.DeliverPacket(conn.MediaAudio, buf, conn.PacketTime{Timestamp: -1})
	if status != DeliveryOK {
		t.Fatalf("expected DeliveryOK, got %v", status)
	}
	if ar.accepted == nil {
		t.Fatal("expected stream to receive packet")
	}
}

func TestDeliverPacketUnknownSSRC(t *testing.T) {
	o := newTestOrchestrator()
	buf := rtpPacketBytes(t, 999)
	status := o.DeliverPacket(conn.MediaAudio, buf, conn.PacketTime{Timestamp: -1})
	if status != DeliveryUnknownSSRC {
		t.Fatalf("expected DeliveryUnknownSSRC, got %v", status)
	}
}

func TestDeliverPacketRoutesRtxSecondaryKey(t *testing.T) {
	o := newTestOrchestrator()

	vr := &fakeVideoRecv{ssrc: 10, rtxSSRC: 11, hasRtx: true}
	o.CreateVideoReceive(VideoReceiveConfig{
		RemoteSSRC: 10,
		RTX:        []RtxMapping{{PayloadType: 97, SSRC: 11}},
	}, vr)
	defer o.DestroyVideoReceive(vr)

	buf := rtpPacketBytes(t, 11)
	status := o.DeliverPacket(conn.MediaVideo, buf, conn.PacketTime{Timestamp: -1})
	if status != DeliveryOK {
		t.Fatalf("expected DeliveryOK routing rtx ssrc, got %v", status)
	}
}

func TestDeliverPacketRtcpFansOutToVideoStreams(t *testing.T) {
	o := newTestOrchestrator()

	vr := &fakeVideoRecv{ssrc: 20}
	o.CreateVideoReceive(VideoReceiveConfig{RemoteSSRC: 20}, vr)
	defer o.DestroyVideoReceive(vr)

	vs := &fakeVideoSend{ssrcs: []uint32{21}, states: map[uint32]conn.RtpState{}}
	o.CreateVideoSend(VideoSendConfig{SSRCs: []uint32{21}}, func(map[uint32]conn.RtpState) conn.VideoSendStream { return vs })
	defer o.DestroyVideoSend(vs)

	buf := rtcpPacketBytes(t)
	status := o.DeliverPacket(conn.MediaAny, buf, conn.PacketTime{Timestamp: -1})
	if status != DeliveryOK {
		t.Fatalf("expected DeliveryOK for rtcp fan-out, got %v", status)
	}
	if !vs.rtcpAccepted {
		t.Fatal("expected video send stream to receive rtcp")
	}
}

func TestSyncGroupElectsSingleAnchorAndBindsFirstVideoStream(t *testing.T) {
	o := newTestOrchestrator()

	ar := &fakeAudioRecv{ssrc: 100, syncGroup: "room-1", voiceChannel: 7}
	o.CreateAudioReceive(AudioReceiveConfig{RemoteSSRC: 100, SyncGroup: "room-1"}, ar)
	defer o.DestroyAudioReceive(ar)

	vr := &fakeVideoRecv{ssrc: 101, syncGroup: "room-1"}
	o.CreateVideoReceive(VideoReceiveConfig{RemoteSSRC: 101, SyncGroup: "room-1"}, vr)
	defer o.DestroyVideoReceive(vr)

	if !vr.channelBound || vr.channelID != 7 {
		t.Fatalf("expected video stream bound to channel 7, got bound=%v id=%d", vr.channelBound, vr.channelID)
	}
}

// The first audio stream created in a group is elected as its only
// candidate; a later stream with a lower SSRC does not replace a stored
// anchor.
func TestSyncGroupKeepsAnchorElectedFirst(t *testing.T) {
	o := newTestOrchestrator()

	high := &fakeAudioRecv{ssrc: 500, syncGroup: "room-2", voiceChannel: 9}
	o.CreateAudioReceive(AudioReceiveConfig{RemoteSSRC: 500, SyncGroup: "room-2"}, high)
	defer o.DestroyAudioReceive(high)

	low := &fakeAudioRecv{ssrc: 200, syncGroup: "room-2", voiceChannel: 3}
	o.CreateAudioReceive(AudioReceiveConfig{RemoteSSRC: 200, SyncGroup: "room-2"}, low)
	defer o.DestroyAudioReceive(low)

	vr := &fakeVideoRecv{ssrc: 501, syncGroup: "room-2"}
	o.CreateVideoReceive(VideoReceiveConfig{RemoteSSRC: 501, SyncGroup: "room-2"}, vr)
	defer o.DestroyVideoReceive(vr)

	if vr.channelID != 9 {
		t.Fatalf("expected anchor elected first (500 -> channel 9), got channel %d", vr.channelID)
	}
}

func TestDestroyVideoSendCarriesSuspendedStateForward(t *testing.T) {
	o := newTestOrchestrator()

	state := conn.RtpState{SequenceNumber: 42, Timestamp: 9000, PacketCount: 5, OctetCount: 500}
	vs1 := &fakeVideoSend{ssrcs: []uint32{30}, states: map[uint32]conn.RtpState{30: state}}
	o.CreateVideoSend(VideoSendConfig{SSRCs: []uint32{30}}, func(map[uint32]conn.RtpState) conn.VideoSendStream { return vs1 })
	o.DestroyVideoSend(vs1)

	var gotSuspended map[uint32]conn.RtpState
	vs2 := &fakeVideoSend{ssrcs: []uint32{30}, states: map[uint32]conn.RtpState{}}
	o.CreateVideoSend(VideoSendConfig{SSRCs: []uint32{30}}, func(suspended map[uint32]conn.RtpState) conn.VideoSendStream {
		gotSuspended = suspended
		return vs2
	})
	defer o.DestroyVideoSend(vs2)

	if gotSuspended[30] != state {
		t.Fatalf("expected suspended state carried forward, got %+v", gotSuspended[30])
	}
}

func TestBitrateConfigValidation(t *testing.T) {
	o := newTestOrchestrator()
	defer o.Close()

	if err := o.SetBitrateConfig(BitrateConfig{MinBps: -1, StartBps: 0, MaxBps: -1}); err == nil {
		t.Fatal("expected error for negative min")
	}
	if err := o.SetBitrateConfig(BitrateConfig{MinBps: 100, StartBps: 50, MaxBps: -1}); err == nil {
		t.Fatal("expected error for start below min")
	}
	if err := o.SetBitrateConfig(BitrateConfig{MinBps: 0, StartBps: 100, MaxBps: 50}); err == nil {
		t.Fatal("expected error for max below start")
	}
	if err := o.SetBitrateConfig(BitrateConfig{MinBps: 0, StartBps: 300000, MaxBps: -1}); err != nil {
		t.Fatalf("expected valid config to succeed, got %v", err)
	}
}

func TestCloseWithNonEmptyRegistryPanics(t *testing.T) {
	o := newTestOrchestrator()
	stream := &fakeAudioSend{ssrc: 1}
	o.CreateAudioSend(AudioSendConfig{SSRC: 1}, stream)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic closing with a live stream")
		}
		o.DestroyAudioSend(stream)
	}()
	o.Close()
}

func TestConcurrentConfigurationCallPanics(t *testing.T) {
	o := newTestOrchestrator()
	defer o.Close()

	if !o.configGuard.TryLock() {
		t.Fatal("expected to acquire the guard for this test setup")
	}
	defer o.configGuard.Unlock()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on concurrent configuration call")
		}
	}()
	o.CreateAudioSend(AudioSendConfig{SSRC: 1}, &fakeAudioSend{ssrc: 1})
}

func TestCallStatsModuleFeedsFecDeltaToMetrics(t *testing.T) {
	m := metrics.New()
	o := New(Options{
		Bitrate:     BitrateConfig{MinBps: 0, StartBps: 300000, MaxBps: -1},
		Metrics:     m,
		ProcessTick: time.Hour, // Process is driven by hand in this test
	})
	defer o.Close()

	ar := &fakeAudioRecv{ssrc: 1, fecReceived: 5, fecRecovered: 2}
	o.CreateAudioReceive(AudioReceiveConfig{RemoteSSRC: 1}, ar)
	defer o.DestroyAudioReceive(ar)

	o.callStats.Process()

	scrape := func() string {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		m.Handler(nil).ServeHTTP(rec, req)
		return rec.Body.String()
	}

	body := scrape()
	if !strings.Contains(body, "callcore_fec_packets_received_total 5") {
		t.Fatalf("expected received total 5 after first tick, got:\n%s", body)
	}
	if !strings.Contains(body, "callcore_fec_packets_recovered_total 2") {
		t.Fatalf("expected recovered total 2 after first tick, got:\n%s", body)
	}

	// The stream's own counters are cumulative, not per-tick; a second
	// tick observing the same cumulative values must add nothing more.
	o.callStats.Process()
	body = scrape()
	if !strings.Contains(body, "callcore_fec_packets_received_total 5") {
		t.Fatalf("expected received total to stay 5 on an unchanged tick, got:\n%s", body)
	}

	ar.fecReceived = 9
	ar.fecRecovered = 3
	o.callStats.Process()
	body = scrape()
	if !strings.Contains(body, "callcore_fec_packets_received_total 9") {
		t.Fatalf("expected received total 9 after delta of 4, got:\n%s", body)
	}
	if !strings.Contains(body, "callcore_fec_packets_recovered_total 3") {
		t.Fatalf("expected recovered total 3 after delta of 1, got:\n%s", body)
	}
}

func TestGetStatsAggregatesFecCounters(t *testing.T) {
	o := newTestOrchestrator()
	defer o.Close()

	ar := &fakeAudioRecv{ssrc: 1, fecReceived: 3, fecRecovered: 1}
	o.CreateAudioReceive(AudioReceiveConfig{RemoteSSRC: 1}, ar)
	defer o.DestroyAudioReceive(ar)

	stats := o.GetStats()
	if stats.FecPacketsReceived != 3 || stats.FecPacketsRecovered != 1 {
		t.Fatalf("unexpected fec counters: %+v", stats)
	}
}
