package callcore

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/webrtcmux/callcore/conn"
)

// streamRegistry holds the SSRC-indexed maps and set views for all
// four stream kinds, plus the sync-group and SSRC-suspension state
// carried across stream lifetimes. video_send_set/video_recv_set are
// insertion-ordered so the Sync Resolver's "first video stream wins"
// rule and RTCP fan-out have a deterministic, documented order rather
// than Go's unordered map iteration.
type streamRegistry struct {
	receiveLock sync.RWMutex
	sendLock    sync.RWMutex

	audioSendIndex map[uint32]conn.AudioSendStream
	audioRecvIndex map[uint32]conn.AudioReceiveStream
	videoSendIndex map[uint32]conn.VideoSendStream
	videoRecvIndex map[uint32]conn.VideoReceiveStream

	videoSendSet *orderedmap.OrderedMap[conn.VideoSendStream, struct{}]
	videoRecvSet *orderedmap.OrderedMap[conn.VideoReceiveStream, struct{}]

	syncGroupAudio map[string]conn.AudioReceiveStream

	suspendedVideoSendStates map[uint32]conn.RtpState
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		audioSendIndex:           make(map[uint32]conn.AudioSendStream),
		audioRecvIndex:           make(map[uint32]conn.AudioReceiveStream),
		videoSendIndex:           make(map[uint32]conn.VideoSendStream),
		videoRecvIndex:           make(map[uint32]conn.VideoReceiveStream),
		videoSendSet:             orderedmap.NewOrderedMap[conn.VideoSendStream, struct{}](),
		videoRecvSet:             orderedmap.NewOrderedMap[conn.VideoReceiveStream, struct{}](),
		syncGroupAudio:           make(map[string]conn.AudioReceiveStream),
		suspendedVideoSendStates: make(map[uint32]conn.RtpState),
	}
}

// empty reports whether the five registries a correctly-behaved caller
// must drain before destruction are all empty: the four SSRC indices
// and the sync-group anchor map. video_send_set/video_recv_set track
// video_send_index/video_recv_index 1:1 so they are empty whenever
// those are; suspended_video_send_states is carryover state that is
// allowed to survive destruction.
func (r *streamRegistry) empty() bool {
	return len(r.audioSendIndex) == 0 &&
		len(r.audioRecvIndex) == 0 &&
		len(r.videoSendIndex) == 0 &&
		len(r.videoRecvIndex) == 0 &&
		len(r.syncGroupAudio) == 0
}
