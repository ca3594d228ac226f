package call

import (
	"log"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pumpRemoteAudio drains RTP from the remote audio track into sink.
// Runs until the track errors out (call teardown closes it). Sequence
// gaps are counted so downlink loss is visible in the logs.
func pumpRemoteAudio(track *webrtc.TrackRemote, sink AudioSink) {
	if sink == nil {
		sink = &DiscardSink{}
	}
	var (
		pkt      *rtp.Packet
		lastSeq  uint16
		haveSeq  bool
		received uint64
		lost     uint64
	)
	for {
		var err error
		pkt, _, err = track.ReadRTP()
		if err != nil {
			log.Printf("RTC: remote audio ended after %d packets (%d lost)", received, lost)
			return
		}
		received++
		if haveSeq {
			gap := pkt.SequenceNumber - lastSeq
			if gap > 1 && gap < 1<<15 {
				lost += uint64(gap - 1)
			}
		}
		lastSeq = pkt.SequenceNumber
		haveSeq = true

		if err := sink.WriteOpus(pkt.Payload, pkt.Timestamp); err != nil {
			log.Printf("RTC: audio sink write: %v", err)
			return
		}
		if received%2500 == 0 {
			log.Printf("RTC: remote audio %d packets, %d lost", received, lost)
		}
	}
}

// DiscardSink counts payloads and drops them. Stands in wherever the
// host app has no audio output wired up.
type DiscardSink struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (d *DiscardSink) WriteOpus(payload []byte, _ uint32) error {
	d.packets.Add(1)
	d.bytes.Add(uint64(len(payload)))
	return nil
}

func (d *DiscardSink) Close() error { return nil }

// Stats reports how much audio passed through.
func (d *DiscardSink) Stats() (packets, bytes uint64) {
	return d.packets.Load(), d.bytes.Load()
}
