package call

import (
	"errors"
	"time"

	"github.com/zippyeats/voicelink/internal/proto"
)

// Status is the UI-visible lifecycle status of the local call session.
// Caller path:   idle → calling → ongoing → ended|declined|missed → idle.
// Receiver path: idle → ringing → ongoing → ended → idle.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusCalling  Status = "calling"
	StatusRinging  Status = "ringing"
	StatusOngoing  Status = "ongoing"
	StatusEnded    Status = "ended"
	StatusDeclined Status = "declined"
	StatusMissed   Status = "missed"
)

// Terminal reports whether st is a final display status.
func (st Status) Terminal() bool {
	return st == StatusEnded || st == StatusDeclined || st == StatusMissed
}

// State is the snapshot delivered to observers on every change.
type State struct {
	Status  Status `json:"status"`
	CallID  string `json:"callId"`
	Elapsed int    `json:"elapsedSeconds"`
	Muted   bool   `json:"isMuted"`
	Speaker bool   `json:"isSpeakerOn"`

	PeerRole proto.Role `json:"peerRole,omitempty"`
	PeerName string     `json:"peerName,omitempty"`

	// RemoteAlerting is set on the caller side once a ringing-ack arrives:
	// the far device is audibly ringing, as opposed to "not yet delivered".
	RemoteAlerting bool `json:"remoteAlerting,omitempty"`

	// Err carries a one-shot user-visible failure (microphone denied).
	Err string `json:"error,omitempty"`
}

// Timing bounds the session's three clocks. Injectable for tests.
type Timing struct {
	MissedCall time.Duration // unanswered calls abandoned after this
	Tick       time.Duration // elapsed-seconds counter period
	Linger     time.Duration // terminal status shown this long before idle
}

func DefaultTiming() Timing {
	return Timing{
		MissedCall: 30 * time.Second,
		Tick:       time.Second,
		Linger:     2 * time.Second,
	}
}

var (
	// ErrBusy is returned when a call is started or accepted while a
	// session is already active. No call-waiting.
	ErrBusy = errors.New("call: session already active")

	// ErrCaptureDenied wraps a microphone acquisition failure. Aborts the
	// attempt; never retried.
	ErrCaptureDenied = errors.New("call: microphone unavailable")
)
