package callcore

import (
	"log"
	"sort"

	"github.com/webrtcmux/callcore/conn"
)

// resolveSyncLocked reruns the Sync Resolver for group g. The caller
// must already hold the receive registry's write lock. An empty group
// name or a nil voice engine makes this a no-op, matching "no voice
// engine ⇒ no-op".
func (o *Orchestrator) resolveSyncLocked(g string) {
	if g == "" || o.voiceEngine == nil {
		return
	}

	anchor, ok := o.registry.syncGroupAudio[g]
	if !ok {
		anchor, ok = o.electAudioAnchorLocked(g)
		if ok {
			o.registry.syncGroupAudio[g] = anchor
		}
	}

	channelID := -1
	if ok {
		channelID = anchor.VoiceChannelID()
	}

	first := true
	for el := o.registry.videoRecvSet.Front(); el != nil; el = el.Next() {
		v := el.Key
		if v.SyncGroup() != g {
			continue
		}
		if first {
			v.SetSyncChannel(o.voiceEngine, channelID)
			first = false
			continue
		}
		log.Printf("callcore: sync group %q already has a bound video stream, unbinding an extra one", g)
		v.SetSyncChannel(o.voiceEngine, -1)
	}
}

// electAudioAnchorLocked scans audio_recv_index for streams matching
// g. Go map iteration order is unpredictable, unlike the original's
// sorted-map iteration, so candidates are sorted by SSRC before
// picking the first: this keeps the "first" tie-break deterministic
// across runs even though callers must not assume which SSRC wins.
func (o *Orchestrator) electAudioAnchorLocked(g string) (conn.AudioReceiveStream, bool) {
	var candidates []uint32
	streams := make(map[uint32]conn.AudioReceiveStream)
	for ssrc, s := range o.registry.audioRecvIndex {
		if s.SyncGroup() == g {
			candidates = append(candidates, ssrc)
			streams[ssrc] = s
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	if len(candidates) > 1 {
		log.Printf("callcore: multiple audio streams in sync group %q, picking ssrc %d as anchor", g, candidates[0])
	}
	return streams[candidates[0]], true
}
