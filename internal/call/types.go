package call

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaSession is an acquired microphone capture. Acquisition happens
// before any record or transport exists, so a denial aborts early and
// the failure never leaves a half-built session behind.
type MediaSession interface {
	// Populate registers the capture's codecs on a media engine so the
	// peer connection negotiates what the microphone actually produces.
	Populate(*webrtc.MediaEngine) error

	// AddTo attaches the capture track to the peer connection and
	// returns the resulting sender, used for mute and RTCP readback.
	AddTo(*webrtc.PeerConnection) (*webrtc.RTPSender, error)

	Close() error
}

// MediaOpener acquires the microphone. The pion/mediadevices opener is
// the production implementation; tests inject fakes.
type MediaOpener func(ctx context.Context) (MediaSession, error)

// TransportEvents are callbacks fired by a PeerTransport. They may be
// invoked from transport-internal goroutines.
type TransportEvents struct {
	// OnCandidate fires for each locally gathered ICE candidate, already
	// serialized for the signaling topic.
	OnCandidate func(candidate string)

	// OnConnected fires once when the peer connection reaches connected.
	OnConnected func()

	// OnClosed fires when the connection fails or disconnects on its own.
	// It does not fire for a local Close.
	OnClosed func(err error)
}

// PeerTransport is one side of a two-party audio connection. Session
// descriptions and candidates travel as opaque JSON blobs so the session
// logic never parses SDP itself.
type PeerTransport interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	CreateAnswer(ctx context.Context) (sdp string, err error)

	// SetRemoteDescription applies the far side's offer or answer; the
	// blob carries its own type.
	SetRemoteDescription(sdp string) error

	AddICECandidate(candidate string) error

	// SetMuted pauses or resumes the outbound audio track without
	// renegotiating.
	SetMuted(muted bool) error

	Close() error
}

// TransportFactory builds a PeerTransport wired to media and events.
// media may be nil in tests.
type TransportFactory func(ctx context.Context, media MediaSession, ev TransportEvents) (PeerTransport, error)

// AudioCues drives local earpiece feedback: ringback while dialing,
// ringtone while being called, and the speakerphone route toggle.
type AudioCues interface {
	StartRingback()
	StartRingtone()
	Stop()
	SetSpeaker(on bool)
}

// AudioSink consumes decoded-side remote audio payloads. The embedding
// application routes these to its output device; the default sink
// discards them and keeps counters.
type AudioSink interface {
	WriteOpus(payload []byte, rtpTimestamp uint32) error
	Close() error
}
