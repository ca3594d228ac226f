//go:build linux && cgo

package call

import (
	"context"
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// OpenMicrophone is the production MediaOpener: Opus-encoded audio-only
// capture via pion/mediadevices (malgo on Linux). Voice calls are
// audio-only, so unlike a video call there is no fallback ladder: if
// the microphone cannot be opened the call attempt fails.
func OpenMicrophone(_ context.Context) (MediaSession, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found by pion/mediadevices")
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("GetUserMedia (audio-only): %w", err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, fmt.Errorf("no audio track in captured stream")
	}
	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Printf("CALL: microphone track ended: %v", err)
		}
	})
	log.Printf("CALL: microphone captured (%s)", track.ID())

	return &micSession{selector: selector, stream: stream, track: track}, nil
}

type micSession struct {
	selector *mediadevices.CodecSelector
	stream   mediadevices.MediaStream
	track    mediadevices.Track
}

func (m *micSession) Populate(engine *webrtc.MediaEngine) error {
	m.selector.Populate(engine)
	return nil
}

func (m *micSession) AddTo(pc *webrtc.PeerConnection) (*webrtc.RTPSender, error) {
	return pc.AddTrack(m.track)
}

func (m *micSession) Close() error {
	for _, t := range m.stream.GetTracks() {
		t.Close()
	}
	return nil
}
