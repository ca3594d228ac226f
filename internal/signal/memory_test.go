package signal

import (
	"context"
	"testing"
	"time"

	"github.com/zippyeats/voicelink/internal/proto"
)

func recv(t *testing.T, ch <-chan *proto.SignalMsg) *proto.SignalMsg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHubSkipsSenderAndFansOut(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	a, err := hub.Bus("a").Join("zippy.call.v1.x")
	if err != nil {
		t.Fatal(err)
	}
	b, err := hub.Bus("b").Join("zippy.call.v1.x")
	if err != nil {
		t.Fatal(err)
	}
	c, err := hub.Bus("c").Join("zippy.call.v1.x")
	if err != nil {
		t.Fatal(err)
	}

	aCh, aCancel := a.Subscribe()
	bCh, bCancel := b.Subscribe()
	cCh, cCancel := c.Subscribe()
	defer aCancel()
	defer bCancel()
	defer cCancel()

	if err := a.Publish(ctx, &proto.SignalMsg{Type: proto.TypeOffer, CallID: "x"}); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []<-chan *proto.SignalMsg{bCh, cCh} {
		m := recv(t, ch)
		if m.Type != proto.TypeOffer || m.From != "a" {
			t.Fatalf("bad message %+v", m)
		}
		if m.TS == 0 {
			t.Fatal("message not timestamped")
		}
	}

	// The sender never hears its own publish.
	select {
	case m := <-aCh:
		t.Fatalf("sender received own message: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTopicSurvivesUntilLastLeave(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	// The listener and the session it hands off to hold the same topic.
	listener, _ := hub.Bus("bob").Join("zippy.call.v1.y")
	session, _ := hub.Bus("bob").Join("zippy.call.v1.y")
	caller, _ := hub.Bus("alice").Join("zippy.call.v1.y")

	sessCh, sessCancel := session.Subscribe()
	defer sessCancel()

	listener.Leave()
	listener.Leave() // idempotent

	if err := caller.Publish(ctx, &proto.SignalMsg{Type: proto.TypeAnswer, CallID: "y"}); err != nil {
		t.Fatal(err)
	}
	if m := recv(t, sessCh); m.Type != proto.TypeAnswer {
		t.Fatalf("bad message %+v", m)
	}

	session.Leave()
	caller.Leave()
	if _, ok := <-sessCh; ok {
		t.Fatal("subscription channel still open after last leave")
	}
}
