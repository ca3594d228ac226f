package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/zippyeats/voicelink/internal/callstore"
	"github.com/zippyeats/voicelink/internal/notify"
	"github.com/zippyeats/voicelink/internal/proto"
	"github.com/zippyeats/voicelink/internal/pushrelay"
	"github.com/zippyeats/voicelink/internal/signal"
)

const defaultOfferWait = 30 * time.Second

// ListenerOptions configures the incoming-call listener.
type ListenerOptions struct {
	// Presenter shows incoming-call alerts when Backgrounded reports
	// true. Nil disables alerts.
	Presenter notify.Presenter
	Registry  *notify.Registry

	// Backgrounded reports whether the host app is out of foreground.
	// Nil means always foreground.
	Backgrounded func() bool

	// Relay, when set, feeds push invitations into the same ringing
	// path as the record feed.
	Relay *pushrelay.Client

	// OfferWait bounds how long an attended call may go without the
	// caller's offer before the listener gives up on it.
	OfferWait time.Duration
}

// Listener turns inbound ring triggers into at-most-one
// HandleIncomingCall per call id. Triggers arrive two ways, a record
// feed insert or a push invitation, and a call may legitimately arrive
// on both; the seen set collapses them.
type Listener struct {
	selfID string
	mgr    *Manager
	store  callstore.Store
	bus    signal.Bus
	opts   ListenerOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	seen     map[string]struct{}
	notifIDs map[string]string // callID -> notification id

	watchCancel func()
}

func NewListener(selfID string, mgr *Manager, store callstore.Store, bus signal.Bus, opts ListenerOptions) *Listener {
	if opts.OfferWait <= 0 {
		opts.OfferWait = defaultOfferWait
	}
	return &Listener{
		selfID:   selfID,
		mgr:      mgr,
		store:    store,
		bus:      bus,
		opts:     opts,
		seen:     make(map[string]struct{}),
		notifIDs: make(map[string]string),
	}
}

// Start begins watching the record feed and, if configured, the push
// relay. It also hooks manager state to dismiss stale alerts.
func (l *Listener) Start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)

	ch, cancel := l.store.WatchReceiver(l.selfID)
	l.watchCancel = cancel
	go l.feedLoop(ch)

	if l.opts.Relay != nil {
		l.opts.Relay.OnInvitation(func(p pushrelay.InvitationPayload) {
			l.ring(p.CallID, p.CallerID, p.CallerName, p.CallerRole)
		})
	}

	l.mgr.OnState(l.onState)
	log.Printf("LISTEN: watching incoming calls for %s", l.selfID)
	return nil
}

func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.watchCancel != nil {
		l.watchCancel()
	}
	l.mu.Lock()
	for callID, id := range l.notifIDs {
		if l.opts.Presenter != nil {
			l.opts.Presenter.Dismiss(id)
		}
		if l.opts.Registry != nil {
			l.opts.Registry.Unregister(callID)
		}
		delete(l.notifIDs, callID)
	}
	l.mu.Unlock()
}

func (l *Listener) feedLoop(ch <-chan callstore.Event) {
	for ev := range ch {
		if ev.Type != "insert" || ev.Call.Status != callstore.StatusRinging {
			continue
		}
		// Caller name travels in the offer, not the record.
		l.ring(ev.Call.ID, ev.Call.CallerID, "", ev.Call.CallerRole)
	}
}

// ring is the single funnel for both triggers.
func (l *Listener) ring(callID, callerID, callerName string, callerRole proto.Role) {
	l.mu.Lock()
	if _, dup := l.seen[callID]; dup {
		l.mu.Unlock()
		return
	}
	l.seen[callID] = struct{}{}
	l.mu.Unlock()

	if l.mgr.Active() {
		log.Printf("LISTEN: busy, ignoring call %s from %s", callID, callerID)
		return
	}
	go l.attend(callID, callerID, callerName, callerRole)
}

// attend joins the call topic, announces readiness and waits for the
// caller's offer. Callers replay their offer on receiver-ready, so
// joining after the original offer was published is fine.
func (l *Listener) attend(callID, callerID, callerName string, callerRole proto.Role) {
	t, err := l.bus.Join(proto.CallTopic(callID))
	if err != nil {
		log.Printf("LISTEN: join %s: %v", callID, err)
		return
	}
	msgs, cancel := t.Subscribe()
	defer func() {
		cancel()
		t.Leave()
	}()

	ready := &proto.SignalMsg{Type: proto.TypeReceiverReady, CallID: callID}
	if err := t.Publish(l.ctx, ready); err != nil {
		log.Printf("LISTEN: receiver-ready on %s: %v", callID, err)
	}

	deadline := time.NewTimer(l.opts.OfferWait)
	defer deadline.Stop()
	var earlyICE []string
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-deadline.C:
			log.Printf("LISTEN: no offer for %s within %s, dropping", callID, l.opts.OfferWait)
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			switch m.Type {
			case proto.TypeICECandidate:
				// Candidates are sent exactly once; hold any that beat
				// the offer so the session can queue them.
				if m.Candidate != "" {
					earlyICE = append(earlyICE, m.Candidate)
				}
			case proto.TypeOffer:
				if m.CallID != callID || m.SDP == "" {
					continue
				}
				name := m.CallerName
				if name == "" {
					name = callerName
				}
				role := m.CallerRole
				if !role.Valid() {
					role = callerRole
				}
				l.deliver(callID, m.SDP, callerID, name, role, earlyICE)
				return
			case proto.TypeEnd, proto.TypeDecline:
				// Caller gave up before we saw the offer.
				log.Printf("LISTEN: call %s withdrawn before offer", callID)
				return
			}
		}
	}
}

// deliver hands the ringing call to the manager, then raises a platform
// alert when the app is backgrounded. The session joins the topic
// before attend's deferred Leave runs, so the topic never drops to zero
// holders mid-handoff.
func (l *Listener) deliver(callID, offerSDP, callerID, callerName string, callerRole proto.Role, earlyICE []string) {
	if err := l.mgr.HandleIncomingCall(callID, offerSDP, callerID, callerName, callerRole, earlyICE); err != nil {
		log.Printf("LISTEN: attach %s: %v", callID, err)
		return
	}
	if l.opts.Presenter == nil || l.opts.Backgrounded == nil || !l.opts.Backgrounded() {
		return
	}
	id, err := l.opts.Presenter.ShowIncomingCall(callerName, callID)
	if err != nil {
		log.Printf("LISTEN: show alert for %s: %v", callID, err)
		return
	}
	l.mu.Lock()
	l.notifIDs[callID] = id
	l.mu.Unlock()
	if l.opts.Registry != nil {
		l.opts.Registry.Register(callID, func(a notify.Action) {
			switch a {
			case notify.ActionAnswer:
				if err := l.mgr.AnswerCall(context.Background()); err != nil {
					log.Printf("LISTEN: answer from alert: %v", err)
				}
			case notify.ActionDecline:
				if err := l.mgr.DeclineCall(context.Background()); err != nil {
					log.Printf("LISTEN: decline from alert: %v", err)
				}
			}
		})
	}
}

// onState dismisses the alert for a call as soon as it stops ringing,
// whatever the reason.
func (l *Listener) onState(st State) {
	if st.Status == StatusRinging || st.CallID == "" {
		return
	}
	l.mu.Lock()
	id, ok := l.notifIDs[st.CallID]
	if ok {
		delete(l.notifIDs, st.CallID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	if l.opts.Presenter != nil {
		l.opts.Presenter.Dismiss(id)
	}
	if l.opts.Registry != nil {
		l.opts.Registry.Unregister(st.CallID)
	}
}
