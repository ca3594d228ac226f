package call

import (
	"context"
	"testing"
	"time"

	"github.com/zippyeats/voicelink/internal/notify"
	"github.com/zippyeats/voicelink/internal/proto"
	"github.com/zippyeats/voicelink/internal/signal"
)

type fakePresenter struct {
	shown     chan string // call ids
	dismissed chan string // notification ids
}

func newFakePresenter() *fakePresenter {
	return &fakePresenter{shown: make(chan string, 8), dismissed: make(chan string, 8)}
}

func (p *fakePresenter) ShowIncomingCall(callerName, callID string) (string, error) {
	p.shown <- callID
	return "n-" + callID, nil
}

func (p *fakePresenter) Dismiss(id string) {
	p.dismissed <- id
}

func recvWithin(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

// probe is a third party subscribed to a call topic so tests can count
// what the listener puts on the wire.
type probe struct {
	msgs   <-chan *proto.SignalMsg
	cancel func()
	leave  func() error
}

func newProbe(t *testing.T, hub *signal.MemoryHub, callID string) *probe {
	t.Helper()
	topic, err := hub.Bus("probe").Join(proto.CallTopic(callID))
	if err != nil {
		t.Fatalf("probe join: %v", err)
	}
	msgs, cancel := topic.Subscribe()
	p := &probe{msgs: msgs, cancel: cancel, leave: topic.Leave}
	t.Cleanup(func() {
		p.cancel()
		p.leave()
	})
	return p
}

func (p *probe) count(msgType string, window time.Duration) int {
	n := 0
	deadline := time.After(window)
	for {
		select {
		case m, ok := <-p.msgs:
			if !ok {
				return n
			}
			if m.Type == msgType {
				n++
			}
		case <-deadline:
			return n
		}
	}
}

func TestListenerDedupsRepeatedTriggers(t *testing.T) {
	hub := signal.NewMemoryHub()
	store := newTestStore(t)
	bob := newParty(hub, store, "bob", "Bob", proto.RoleDeliveryPartner, testTiming())
	l := bob.listen(t, store, ListenerOptions{OfferWait: 200 * time.Millisecond})

	pr := newProbe(t, hub, "call-7")

	// Same call arrives twice, once from the record feed and once as a
	// push invitation. Only one attend may run, so only one
	// receiver-ready may hit the topic.
	l.ring("call-7", "alice", "Alice", proto.RoleCustomer)
	l.ring("call-7", "alice", "Alice", proto.RoleCustomer)

	if n := pr.count(proto.TypeReceiverReady, 400*time.Millisecond); n != 1 {
		t.Fatalf("receiver-ready published %d times, want 1", n)
	}
}

func TestListenerIgnoresCallsWhileBusy(t *testing.T) {
	hub := signal.NewMemoryHub()
	store := newTestStore(t)
	ctx := context.Background()

	bob := newParty(hub, store, "bob", "Bob", proto.RoleDeliveryPartner, testTiming())
	l := bob.listen(t, store, ListenerOptions{OfferWait: 200 * time.Millisecond})

	if err := bob.mgr.StartCall(ctx, "zed", "Zed", proto.RoleCustomer); err != nil {
		t.Fatalf("start call: %v", err)
	}
	bob.waitStatus(t, StatusCalling)

	pr := newProbe(t, hub, "call-9")
	l.ring("call-9", "alice", "Alice", proto.RoleCustomer)
	if n := pr.count(proto.TypeReceiverReady, 300*time.Millisecond); n != 0 {
		t.Fatalf("busy listener attended the call (%d receiver-ready)", n)
	}

	if err := bob.mgr.EndCall(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	bob.waitStatus(t, StatusIdle)
}

func TestBackgroundAlertLifecycle(t *testing.T) {
	hub := signal.NewMemoryHub()
	store := newTestStore(t)
	timing := testTiming()
	ctx := context.Background()

	fp := newFakePresenter()
	reg := notify.NewRegistry()

	alice := newParty(hub, store, "alice", "Alice", proto.RoleCustomer, timing)
	bob := newParty(hub, store, "bob", "Bob", proto.RoleDeliveryPartner, timing)
	bob.listen(t, store, ListenerOptions{
		Presenter:    fp,
		Registry:     reg,
		Backgrounded: func() bool { return true },
		OfferWait:    timing.MissedCall,
	})

	if err := alice.mgr.StartCall(ctx, "bob", "Bob", proto.RoleDeliveryPartner); err != nil {
		t.Fatalf("start call: %v", err)
	}
	bob.waitStatus(t, StatusRinging)

	callID := recvWithin(t, fp.shown, "incoming-call alert")

	// Tapping decline on the alert must route through the registry into
	// the session and take the alert down.
	if !reg.Dispatch(callID, notify.ActionDecline) {
		t.Fatal("no handler registered for the alert")
	}
	bob.waitStatus(t, StatusIdle)
	alice.waitStatus(t, StatusDeclined)

	if id := recvWithin(t, fp.dismissed, "alert dismissal"); id != "n-"+callID {
		t.Fatalf("dismissed %q, want %q", id, "n-"+callID)
	}
	if reg.Dispatch(callID, notify.ActionAnswer) {
		t.Fatal("handler still registered after dismissal")
	}
}

func TestCandidatesAheadOfOfferReachTheSession(t *testing.T) {
	hub := signal.NewMemoryHub()
	store := newTestStore(t)
	timing := testTiming()
	ctx := context.Background()

	bob := newParty(hub, store, "bob", "Bob", proto.RoleDeliveryPartner, timing)
	bob.listen(t, store, ListenerOptions{OfferWait: timing.MissedCall})

	// Hand-driven caller side: the record insert wakes bob's listener,
	// then candidates hit the topic before the offer does.
	rec, err := store.Create(ctx, proto.RoleCustomer, "alice", "bob")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	topic, err := hub.Bus("alice").Join(proto.CallTopic(rec.ID))
	if err != nil {
		t.Fatalf("join topic: %v", err)
	}
	defer topic.Leave()
	msgs, cancel := topic.Subscribe()
	defer cancel()

	waitFor := func(msgType string) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					t.Fatalf("topic closed while waiting for %s", msgType)
				}
				if m.Type == msgType {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", msgType)
			}
		}
	}
	publish := func(m *proto.SignalMsg) {
		t.Helper()
		m.CallID = rec.ID
		if err := topic.Publish(ctx, m); err != nil {
			t.Fatalf("publish %s: %v", m.Type, err)
		}
	}

	waitFor(proto.TypeReceiverReady)
	publish(&proto.SignalMsg{Type: proto.TypeICECandidate, Candidate: "e1"})
	publish(&proto.SignalMsg{Type: proto.TypeICECandidate, Candidate: "e2"})
	publish(&proto.SignalMsg{
		Type:       proto.TypeOffer,
		SDP:        `{"type":"offer","sdp":"v=0 fake-offer"}`,
		CallerName: "Alice",
		CallerRole: proto.RoleCustomer,
	})

	bob.waitStatus(t, StatusRinging)
	if err := bob.mgr.AnswerCall(ctx); err != nil {
		t.Fatalf("answer: %v", err)
	}
	waitFor(proto.TypeAnswer)

	// Candidates that beat the offer are held and applied only after
	// the remote description, in arrival order.
	ops := bob.ff.transport(t, 0).opList()
	idx := map[string]int{}
	for i, op := range ops {
		if _, dup := idx[op]; !dup {
			idx[op] = i
		}
	}
	off, ok := idx["remote:offer"]
	if !ok {
		t.Fatalf("offer never applied, ops %v", ops)
	}
	prev := off
	for _, want := range []string{"ice:e1", "ice:e2"} {
		got, ok := idx[want]
		if !ok {
			t.Fatalf("%s never applied, ops %v", want, ops)
		}
		if got < prev {
			t.Fatalf("%s applied before the offer, ops %v", want, ops)
		}
		prev = got
	}

	publish(&proto.SignalMsg{Type: proto.TypeEnd})
	bob.waitStatus(t, StatusIdle)
}
