package call

import (
	"context"
	"log"
	"sync"

	"github.com/zippyeats/voicelink/internal/callstore"
	"github.com/zippyeats/voicelink/internal/proto"
	"github.com/zippyeats/voicelink/internal/pushrelay"
	"github.com/zippyeats/voicelink/internal/signal"
)

// Identity is the local party on every call this node participates in.
type Identity struct {
	ID   string
	Name string
	Role proto.Role
}

// Options bundles the injectable collaborators. Zero-value fields fall
// back to safe defaults so tests only set what they exercise.
type Options struct {
	OpenMedia    MediaOpener
	NewTransport TransportFactory
	Cues         AudioCues
	Relay        *pushrelay.Client
	Timing       Timing
}

// Manager holds at most one active session and serializes entry points.
// A second StartCall while any session exists returns ErrBusy; a second
// incoming call is ignored entirely, callers see it as missed.
type Manager struct {
	self  Identity
	store callstore.Store
	bus   signal.Bus

	openMedia    MediaOpener
	newTransport TransportFactory
	cues         AudioCues
	relay        *pushrelay.Client
	timing       Timing

	mu   sync.Mutex
	sess *session

	obsMu     sync.RWMutex
	observers []func(State)
}

func NewManager(self Identity, store callstore.Store, bus signal.Bus, opts Options) *Manager {
	m := &Manager{
		self:         self,
		store:        store,
		bus:          bus,
		openMedia:    opts.OpenMedia,
		newTransport: opts.NewTransport,
		cues:         opts.Cues,
		relay:        opts.Relay,
		timing:       opts.Timing,
	}
	if m.openMedia == nil {
		m.openMedia = OpenMicrophone
	}
	if m.newTransport == nil {
		m.newTransport = NewPionTransport(nil, nil)
	}
	if m.cues == nil {
		m.cues = NopCues{}
	}
	if m.timing == (Timing{}) {
		m.timing = DefaultTiming()
	}
	return m
}

// OnState registers an observer for session state snapshots. Observers
// run on session goroutines and must not block.
func (m *Manager) OnState(fn func(State)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) publishState(st State) {
	m.obsMu.RLock()
	obs := m.observers
	m.obsMu.RUnlock()
	for _, fn := range obs {
		fn(st)
	}
}

// StartCall dials receiverID. Blocks through microphone acquisition and
// offer publication; returns once the call is audibly dialing or has
// failed to start.
func (m *Manager) StartCall(ctx context.Context, receiverID, receiverName string, receiverRole proto.Role) error {
	s, err := m.adopt(true)
	if err != nil {
		return err
	}
	return s.run(func() error {
		return s.startCall(ctx, receiverID, receiverName, receiverRole)
	})
}

// HandleIncomingCall attaches a ringing inbound call delivered by the
// listener. earlyICE carries caller candidates that arrived alongside
// the offer. Busy nodes drop the call silently; the caller's
// missed-call timer covers the outcome.
func (m *Manager) HandleIncomingCall(callID, offerSDP, callerID, callerName string, callerRole proto.Role, earlyICE []string) error {
	s, err := m.adopt(false)
	if err != nil {
		log.Printf("CALL: busy, dropping incoming %s from %s", callID, callerID)
		return nil
	}
	return s.run(func() error {
		return s.attachIncoming(callID, offerSDP, callerID, callerName, callerRole, earlyICE)
	})
}

// AnswerCall accepts the currently ringing call. A no-op when nothing
// is ringing.
func (m *Manager) AnswerCall(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return nil
	}
	return s.run(func() error { return s.answerCall(ctx) })
}

// DeclineCall rejects the currently ringing call.
func (m *Manager) DeclineCall(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return nil
	}
	return s.run(func() error { return s.declineCall(ctx) })
}

// EndCall hangs up the active call, whichever stage it is in.
func (m *Manager) EndCall(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return nil
	}
	return s.run(func() error { return s.endCall(ctx, false) })
}

// ToggleMute flips the outbound mute state.
func (m *Manager) ToggleMute() error {
	s := m.current()
	if s == nil {
		return nil
	}
	return s.run(func() error { return s.toggleMute() })
}

// ToggleSpeaker flips the speakerphone route.
func (m *Manager) ToggleSpeaker() error {
	s := m.current()
	if s == nil {
		return nil
	}
	return s.run(func() error { return s.toggleSpeaker() })
}

// Active reports whether a session currently occupies the node.
func (m *Manager) Active() bool {
	return m.current() != nil
}

func (m *Manager) adopt(isCaller bool) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return nil, ErrBusy
	}
	s := newSession(m, isCaller)
	m.sess = s
	go s.loop()
	return s, nil
}

func (m *Manager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

func (m *Manager) clearSession(s *session) {
	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	m.mu.Unlock()
}

func (m *Manager) invitationPayload(callID string) pushrelay.InvitationPayload {
	return pushrelay.InvitationPayload{
		CallID:     callID,
		CallerID:   m.self.ID,
		CallerName: m.self.Name,
		CallerRole: m.self.Role,
	}
}
