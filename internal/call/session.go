package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zippyeats/voicelink/internal/callstore"
	"github.com/zippyeats/voicelink/internal/proto"
	"github.com/zippyeats/voicelink/internal/signal"
)

// session owns one call from first dial to final teardown. All mutable
// state is confined to the actor goroutine running loop(); external
// goroutines (timers, subscription pump, transport callbacks) hand work
// in through post().
type session struct {
	mgr      *Manager
	isCaller bool

	events chan func()
	done   chan struct{}

	// actor-owned from here down
	status   Status
	callID   string
	peerID   string
	peerName string
	peerRole proto.Role

	elapsed  int
	muted    bool
	speaker  bool
	alerting bool
	lastErr  string

	offerSDP     string // caller: our offer, kept for receiver-ready replays
	pendingOffer string // receiver: far offer held until answer
	answered     bool
	remoteSet    bool
	pendingICE   []string

	// Trickle candidates are published exactly once, so locally gathered
	// ones are held until the far side is known to be on the topic.
	peerPresent bool
	localICE    []string

	topic     signal.Topic
	subCancel func()
	media     MediaSession
	pt        PeerTransport
	cues      AudioCues

	missedTimer *time.Timer
	lingerTimer *time.Timer
	tickStop    chan struct{}

	tornDown bool
	finished bool
}

func newSession(m *Manager, isCaller bool) *session {
	return &session{
		mgr:      m,
		isCaller: isCaller,
		events:   make(chan func(), 64),
		done:     make(chan struct{}),
		status:   StatusIdle,
		cues:     m.cues,
	}
}

func (s *session) loop() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// post hands fn to the actor goroutine. Returns false if the session is
// already finished.
func (s *session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	case s.events <- fn:
		return true
	}
}

// run posts fn and waits for it to complete. A session can finish
// while the closure is still queued (reset racing an entry point), in
// which case the caller is released with nil: a finished session
// treats every operation as a no-op anyway.
func (s *session) run(fn func() error) error {
	errc := make(chan error, 1)
	if !s.post(func() { errc <- fn() }) {
		return nil
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return nil
		}
	}
}

// ---- outbound path -------------------------------------------------------

// startCall runs inside the actor. Order matters: microphone first so a
// denial aborts before anything durable exists, then record, topic,
// transport, offer.
func (s *session) startCall(ctx context.Context, receiverID, receiverName string, receiverRole proto.Role) error {
	s.peerID = receiverID
	s.peerName = receiverName
	s.peerRole = receiverRole
	s.setStatus(StatusCalling)

	media, err := s.mgr.openMedia(ctx)
	if err != nil {
		log.Printf("CALL: microphone acquire failed: %v", err)
		s.fail(fmt.Sprintf("microphone unavailable: %v", err))
		return fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}
	s.media = media

	rec, err := s.mgr.store.Create(ctx, s.mgr.self.Role, s.mgr.self.ID, receiverID)
	if err != nil {
		s.fail("could not create call record")
		return fmt.Errorf("create call record: %w", err)
	}
	s.callID = rec.ID

	if err := s.join(); err != nil {
		s.fail("signaling unavailable")
		return err
	}
	if err := s.openTransport(ctx); err != nil {
		s.fail("transport setup failed")
		return err
	}

	offer, err := s.pt.CreateOffer(ctx)
	if err != nil {
		s.fail("offer failed")
		return fmt.Errorf("create offer: %w", err)
	}
	s.offerSDP = offer
	s.publish(&proto.SignalMsg{
		Type:       proto.TypeOffer,
		SDP:        offer,
		CallerName: s.mgr.self.Name,
		CallerRole: s.mgr.self.Role,
	})

	s.cues.StartRingback()
	s.armMissedTimer()
	s.notify()

	if s.mgr.relay != nil {
		// Best effort. The relay wakes backgrounded receivers; the topic
		// remains the source of truth for the handshake itself.
		payload := s.mgr.invitationPayload(s.callID)
		timeout := int(s.mgr.timing.MissedCall / time.Second)
		go s.mgr.relay.SendInvitation(receiverID, payload, timeout)
	}
	log.Printf("CALL: outgoing %s to %s", s.callID, receiverID)
	return nil
}

// ---- inbound path --------------------------------------------------------

// attachIncoming runs inside the actor when the listener hands over a
// ringing call. The offer is held; no media or transport exists until
// the user answers.
func (s *session) attachIncoming(callID, offerSDP, callerID, callerName string, callerRole proto.Role, earlyICE []string) error {
	s.callID = callID
	s.peerID = callerID
	s.peerName = callerName
	s.peerRole = callerRole
	s.pendingOffer = offerSDP
	s.pendingICE = append(s.pendingICE, earlyICE...)
	s.peerPresent = true // the caller created the topic
	s.setStatus(StatusRinging)

	if err := s.join(); err != nil {
		s.fail("signaling unavailable")
		return err
	}
	s.publish(&proto.SignalMsg{Type: proto.TypeRingingAck})
	s.cues.StartRingtone()
	s.armMissedTimer()
	s.notify()
	log.Printf("CALL: incoming %s from %s (%s)", callID, callerName, callerRole)
	return nil
}

// answerCall runs inside the actor. Outside ringing it is an ignored
// no-op rather than an error; the double-tap race is common.
func (s *session) answerCall(ctx context.Context) error {
	if s.status != StatusRinging || s.answered || s.pendingOffer == "" {
		log.Printf("CALL: answer ignored in status %s", s.status)
		return nil
	}
	s.cues.Stop()
	s.stopMissedTimer()

	media, err := s.mgr.openMedia(ctx)
	if err != nil {
		// Tell the caller now instead of letting them wait out the
		// missed-call window.
		log.Printf("CALL: microphone acquire failed on answer: %v", err)
		s.publish(&proto.SignalMsg{Type: proto.TypeDecline})
		s.updateRecord(ctx, callstore.StatusDeclined, func(u *callstore.StatusUpdate) {
			u.EndedAt = proto.NowMillis()
		})
		if s.mgr.relay != nil {
			s.mgr.relay.Reject(s.callID)
		}
		s.fail(fmt.Sprintf("microphone unavailable: %v", err))
		return fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}
	s.media = media

	if err := s.openTransport(ctx); err != nil {
		s.fail("transport setup failed")
		return err
	}
	if err := s.pt.SetRemoteDescription(s.pendingOffer); err != nil {
		s.fail("bad offer")
		return fmt.Errorf("apply offer: %w", err)
	}
	s.remoteSet = true
	s.drainICE()

	answer, err := s.pt.CreateAnswer(ctx)
	if err != nil {
		s.fail("answer failed")
		return fmt.Errorf("create answer: %w", err)
	}
	s.answered = true
	s.publish(&proto.SignalMsg{Type: proto.TypeAnswer, SDP: answer})

	s.updateRecord(ctx, callstore.StatusOngoing, func(u *callstore.StatusUpdate) {
		u.StartedAt = proto.NowMillis()
	})
	if s.mgr.relay != nil {
		s.mgr.relay.Accept(s.callID)
	}
	s.notify()
	return nil
}

// declineCall runs inside the actor. Receiver-only; resets immediately,
// no terminal linger on the declining side.
func (s *session) declineCall(ctx context.Context) error {
	if s.isCaller || s.status != StatusRinging {
		log.Printf("CALL: decline ignored in status %s", s.status)
		return nil
	}
	s.publish(&proto.SignalMsg{Type: proto.TypeDecline})
	s.updateRecord(ctx, callstore.StatusDeclined, func(u *callstore.StatusUpdate) {
		u.EndedAt = proto.NowMillis()
	})
	if s.mgr.relay != nil {
		s.mgr.relay.Reject(s.callID)
	}
	log.Printf("CALL: declined %s", s.callID)
	s.teardown()
	s.reset()
	return nil
}

// endCall runs inside the actor. Valid from calling, ringing and
// ongoing; anything later is a no-op.
func (s *session) endCall(ctx context.Context, remote bool) error {
	if s.status.Terminal() || s.status == StatusIdle {
		return nil
	}
	wasOngoing := s.status == StatusOngoing
	if !remote {
		s.publish(&proto.SignalMsg{Type: proto.TypeEnd})
	}
	s.updateRecord(ctx, callstore.StatusEnded, func(u *callstore.StatusUpdate) {
		u.EndedAt = proto.NowMillis()
		if wasOngoing {
			u.DurationSeconds = s.elapsed
		}
	})
	if s.isCaller && !wasOngoing && s.mgr.relay != nil {
		s.mgr.relay.CancelInvitation(s.callID, []string{s.peerID})
	}
	log.Printf("CALL: ended %s after %ds (remote=%v)", s.callID, s.elapsed, remote)
	s.finishTerminal(StatusEnded)
	return nil
}

// ---- signaling -----------------------------------------------------------

func (s *session) handleSignal(m *proto.SignalMsg) {
	if s.finished {
		return
	}
	switch m.Type {
	case proto.TypeRingingAck:
		if !s.isCaller {
			return
		}
		s.markPeerPresent()
		if s.status == StatusCalling && !s.alerting {
			s.alerting = true
			s.notify()
		}

	case proto.TypeReceiverReady:
		// The receiver's listener joined later than our offer; replay
		// it. Offers are idempotent on the far side while ringing.
		// Candidates stay held: only a ringing-ack proves the receiver
		// session itself is subscribed.
		if s.isCaller && !s.answered && s.offerSDP != "" {
			s.publish(&proto.SignalMsg{
				Type:       proto.TypeOffer,
				SDP:        s.offerSDP,
				CallerName: s.mgr.self.Name,
				CallerRole: s.mgr.self.Role,
			})
		}

	case proto.TypeAnswer:
		if !s.isCaller || s.answered {
			log.Printf("SIGNAL: stale answer on %s dropped", s.callID)
			return
		}
		s.answered = true
		s.markPeerPresent()
		s.stopMissedTimer()
		s.cues.Stop()
		if err := s.pt.SetRemoteDescription(m.SDP); err != nil {
			log.Printf("SIGNAL: apply answer: %v", err)
			_ = s.endCall(context.Background(), false)
			return
		}
		s.remoteSet = true
		s.drainICE()

	case proto.TypeICECandidate:
		if m.Candidate == "" {
			return
		}
		if !s.remoteSet || s.pt == nil {
			// Candidates routinely beat the description. Queue in
			// arrival order and drain once the description lands.
			s.pendingICE = append(s.pendingICE, m.Candidate)
			return
		}
		if err := s.pt.AddICECandidate(m.Candidate); err != nil {
			log.Printf("SIGNAL: add candidate: %v", err)
		}

	case proto.TypeDecline:
		if !s.isCaller || s.status != StatusCalling {
			return
		}
		log.Printf("CALL: %s declined by receiver", s.callID)
		s.updateRecord(context.Background(), callstore.StatusDeclined, func(u *callstore.StatusUpdate) {
			u.EndedAt = proto.NowMillis()
		})
		s.finishTerminal(StatusDeclined)

	case proto.TypeEnd:
		_ = s.endCall(context.Background(), true)

	case proto.TypeOffer:
		// Replayed offer on an already-attached session; nothing to do.
	}
}

func (s *session) drainICE() {
	for _, c := range s.pendingICE {
		if err := s.pt.AddICECandidate(c); err != nil {
			log.Printf("SIGNAL: add queued candidate: %v", err)
		}
	}
	s.pendingICE = nil
}

// markPeerPresent flushes locally gathered candidates the first time we
// hear anything from the far side.
func (s *session) markPeerPresent() {
	if s.peerPresent {
		return
	}
	s.peerPresent = true
	for _, c := range s.localICE {
		s.publish(&proto.SignalMsg{Type: proto.TypeICECandidate, Candidate: c})
	}
	s.localICE = nil
}

func (s *session) localCandidate(cand string) {
	if s.finished {
		return
	}
	if !s.peerPresent {
		s.localICE = append(s.localICE, cand)
		return
	}
	s.publish(&proto.SignalMsg{Type: proto.TypeICECandidate, Candidate: cand})
}

func (s *session) join() error {
	t, err := s.mgr.bus.Join(proto.CallTopic(s.callID))
	if err != nil {
		return fmt.Errorf("join call topic: %w", err)
	}
	s.topic = t
	ch, cancel := t.Subscribe()
	s.subCancel = cancel
	go func() {
		for m := range ch {
			msg := m
			s.post(func() { s.handleSignal(msg) })
		}
	}()
	return nil
}

func (s *session) publish(m *proto.SignalMsg) {
	if s.topic == nil {
		return
	}
	m.CallID = s.callID
	if err := s.topic.Publish(context.Background(), m); err != nil {
		log.Printf("SIGNAL: publish %s on %s: %v", m.Type, s.callID, err)
	}
}

// ---- transport -----------------------------------------------------------

func (s *session) openTransport(ctx context.Context) error {
	ev := TransportEvents{
		OnCandidate: func(cand string) {
			s.post(func() { s.localCandidate(cand) })
		},
		OnConnected: func() {
			s.post(s.transportConnected)
		},
		OnClosed: func(err error) {
			s.post(func() { s.transportClosed(err) })
		},
	}
	pt, err := s.mgr.newTransport(ctx, s.media, ev)
	if err != nil {
		return fmt.Errorf("peer transport: %w", err)
	}
	s.pt = pt
	return nil
}

func (s *session) transportConnected() {
	if s.status == StatusOngoing || s.finished {
		return
	}
	s.setStatus(StatusOngoing)
	s.cues.Stop()
	s.stopMissedTimer()
	s.startTicker()
	s.notify()
	log.Printf("CALL: %s connected", s.callID)
}

func (s *session) transportClosed(err error) {
	if s.finished {
		return
	}
	log.Printf("CALL: %s transport closed: %v", s.callID, err)
	_ = s.endCall(context.Background(), true)
}

// ---- local controls ------------------------------------------------------

func (s *session) toggleMute() error {
	if s.pt == nil {
		return nil
	}
	s.muted = !s.muted
	if err := s.pt.SetMuted(s.muted); err != nil {
		s.muted = !s.muted
		return fmt.Errorf("set muted: %w", err)
	}
	s.notify()
	return nil
}

func (s *session) toggleSpeaker() error {
	s.speaker = !s.speaker
	s.cues.SetSpeaker(s.speaker)
	s.notify()
	return nil
}

// ---- clocks --------------------------------------------------------------

func (s *session) armMissedTimer() {
	s.missedTimer = time.AfterFunc(s.mgr.timing.MissedCall, func() {
		s.post(s.missedTimeout)
	})
}

func (s *session) stopMissedTimer() {
	if s.missedTimer != nil {
		s.missedTimer.Stop()
		s.missedTimer = nil
	}
}

func (s *session) missedTimeout() {
	if s.answered || s.finished {
		return
	}
	switch s.status {
	case StatusCalling:
		log.Printf("CALL: %s unanswered, marking missed", s.callID)
		s.updateRecord(context.Background(), callstore.StatusMissed, func(u *callstore.StatusUpdate) {
			u.EndedAt = proto.NowMillis()
		})
		if s.mgr.relay != nil {
			s.mgr.relay.CancelInvitation(s.callID, []string{s.peerID})
		}
		s.finishTerminal(StatusMissed)
	case StatusRinging:
		// Caller went silent; give up quietly on this side. The caller
		// owns the missed transition on the record.
		log.Printf("CALL: %s ring abandoned", s.callID)
		s.teardown()
		s.reset()
	}
}

func (s *session) startTicker() {
	s.tickStop = make(chan struct{})
	stop := s.tickStop
	go func() {
		t := time.NewTicker(s.mgr.timing.Tick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.post(func() {
					if s.status == StatusOngoing {
						s.elapsed++
						s.notify()
					}
				})
			}
		}
	}()
}

// ---- lifecycle tail ------------------------------------------------------

// finishTerminal tears down resources but keeps the terminal status
// visible for the linger window before snapping back to idle.
func (s *session) finishTerminal(st Status) {
	s.teardown()
	s.setStatus(st)
	s.notify()
	s.lingerTimer = time.AfterFunc(s.mgr.timing.Linger, func() {
		s.post(s.reset)
	})
}

// fail reports err to observers and resets immediately. Used for local
// setup failures where a lingering terminal card would be misleading.
func (s *session) fail(msg string) {
	s.lastErr = msg
	s.teardown()
	s.notify()
	s.reset()
}

func (s *session) teardown() {
	if s.tornDown {
		return
	}
	s.tornDown = true
	s.stopMissedTimer()
	if s.tickStop != nil {
		close(s.tickStop)
		s.tickStop = nil
	}
	s.cues.Stop()
	if s.pt != nil {
		if err := s.pt.Close(); err != nil {
			log.Printf("CALL: transport close: %v", err)
		}
		s.pt = nil
	}
	if s.media != nil {
		if err := s.media.Close(); err != nil {
			log.Printf("CALL: media close: %v", err)
		}
		s.media = nil
	}
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	if s.topic != nil {
		s.topic.Leave()
		s.topic = nil
	}
	s.pendingICE = nil
	s.pendingOffer = ""
	s.offerSDP = ""
}

func (s *session) reset() {
	if s.finished {
		return
	}
	s.finished = true
	if s.lingerTimer != nil {
		s.lingerTimer.Stop()
		s.lingerTimer = nil
	}
	s.teardown()
	s.setStatus(StatusIdle)
	s.elapsed = 0
	s.muted = false
	s.speaker = false
	s.alerting = false
	s.notify()
	s.mgr.clearSession(s)
	close(s.done)
}

func (s *session) setStatus(st Status) {
	s.status = st
}

func (s *session) snapshot() State {
	st := State{
		Status:         s.status,
		CallID:         s.callID,
		Elapsed:        s.elapsed,
		Muted:          s.muted,
		Speaker:        s.speaker,
		PeerRole:       s.peerRole,
		PeerName:       s.peerName,
		RemoteAlerting: s.alerting,
		Err:            s.lastErr,
	}
	s.lastErr = ""
	return st
}

func (s *session) notify() {
	s.mgr.publishState(s.snapshot())
}

// updateRecord applies a status transition to the call record,
// tolerating races where the far side already moved the record on.
func (s *session) updateRecord(ctx context.Context, st callstore.Status, fill func(*callstore.StatusUpdate)) {
	if s.callID == "" {
		return
	}
	u := callstore.StatusUpdate{Status: st}
	if fill != nil {
		fill(&u)
	}
	if err := s.mgr.store.Update(ctx, s.callID, u); err != nil {
		switch {
		case errors.Is(err, callstore.ErrBadTransition):
			log.Printf("STORE: %s already past %s", s.callID, st)
		case errors.Is(err, callstore.ErrNotFound):
			log.Printf("STORE: %s not in local store", s.callID)
		default:
			log.Printf("STORE: update %s: %v", s.callID, err)
		}
	}
}
