package callstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zippyeats/voicelink/internal/proto"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.Create(ctx, proto.RoleCustomer, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == "" {
		t.Fatal("no id assigned")
	}
	if c.Status != StatusRinging {
		t.Fatalf("new record status = %s, want ringing", c.Status)
	}
	if c.CreatedAt == 0 {
		t.Fatal("no created_at")
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != c {
		t.Fatalf("roundtrip mismatch:\n created %+v\n got     %+v", c, got)
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get unknown = %v, want ErrNotFound", err)
	}
}

func TestStatusIsForwardOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c, err := s.Create(ctx, proto.RoleCustomer, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UnixMilli()
	if err := s.Update(ctx, c.ID, StatusUpdate{Status: StatusOngoing, StartedAt: now}); err != nil {
		t.Fatalf("ringing→ongoing: %v", err)
	}

	// Back to ringing is never allowed.
	if err := s.Update(ctx, c.ID, StatusUpdate{Status: StatusRinging}); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("ongoing→ringing = %v, want ErrBadTransition", err)
	}
	// Ongoing can only end; declined/missed belong to the ring phase.
	if err := s.Update(ctx, c.ID, StatusUpdate{Status: StatusDeclined}); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("ongoing→declined = %v, want ErrBadTransition", err)
	}

	if err := s.Update(ctx, c.ID, StatusUpdate{Status: StatusEnded, EndedAt: now + 9000, DurationSeconds: 9}); err != nil {
		t.Fatalf("ongoing→ended: %v", err)
	}
	// Terminal records never change again, even to the same status.
	if err := s.Update(ctx, c.ID, StatusUpdate{Status: StatusEnded}); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("ended→ended = %v, want ErrBadTransition", err)
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusEnded || got.StartedAt != now || got.EndedAt != now+9000 || got.DurationSeconds != 9 {
		t.Fatalf("final record wrong: %+v", got)
	}

	if err := s.Update(ctx, "nope", StatusUpdate{Status: StatusEnded}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update unknown = %v, want ErrNotFound", err)
	}
}

func TestRingPhaseOutcomes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, outcome := range []Status{StatusDeclined, StatusMissed, StatusEnded} {
		c, err := s.Create(ctx, proto.RoleDeliveryPartner, "dave", "carol")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.Update(ctx, c.ID, StatusUpdate{Status: outcome, EndedAt: time.Now().UnixMilli()}); err != nil {
			t.Fatalf("ringing→%s: %v", outcome, err)
		}
	}
}

func TestWatchReceiverDeliversOnlyMatching(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events, cancel := s.WatchReceiver("bob")
	defer cancel()

	if _, err := s.Create(ctx, proto.RoleCustomer, "alice", "someone-else"); err != nil {
		t.Fatalf("create: %v", err)
	}
	c, err := s.Create(ctx, proto.RoleCustomer, "alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != "insert" || ev.Call.ID != c.ID {
			t.Fatalf("unexpected event %+v, want insert for %s", ev, c.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("insert event never delivered")
	}

	if err := s.Update(ctx, c.ID, StatusUpdate{Status: StatusMissed, EndedAt: time.Now().UnixMilli()}); err != nil {
		t.Fatalf("update: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != "update" || ev.Call.Status != StatusMissed {
			t.Fatalf("unexpected event %+v, want missed update", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update event never delivered")
	}

	// After cancel nothing more arrives and the channel closes.
	cancel()
	if _, err := s.Create(ctx, proto.RoleCustomer, "alice", "bob"); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("event after cancel: %+v", ev)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("channel not closed after cancel")
	}
}
