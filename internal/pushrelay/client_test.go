package pushrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zippyeats/voicelink/internal/proto"
)

// relayServer is a minimal stand-in for the relay service: it accepts
// sessions and exposes every received frame.
type relayServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan frame
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	rs := &relayServer{
		conns:  make(chan *websocket.Conn, 4),
		frames: make(chan frame, 32),
	}
	up := websocket.Upgrader{}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rs.conns <- conn
		go func() {
			for {
				var f frame
				if err := conn.ReadJSON(&f); err != nil {
					return
				}
				rs.frames <- f
			}
		}()
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *relayServer) url() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http")
}

func (rs *relayServer) nextFrame(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-rs.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func (rs *relayServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-rs.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func TestLoginAndLogout(t *testing.T) {
	rs := newRelayServer(t)
	c := New(rs.url(), "bob", "Bob")

	if c.Connected() {
		t.Fatal("connected before login")
	}
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	rs.nextConn(t)

	f := rs.nextFrame(t)
	if f.Type != frameLogin || f.UserID != "bob" || f.UserName != "Bob" {
		t.Fatalf("bad login frame: %+v", f)
	}
	if !c.Connected() {
		t.Fatal("not connected after login")
	}

	c.Logout()
	if c.Connected() {
		t.Fatal("still connected after logout")
	}
}

func TestInvitationRoundtrip(t *testing.T) {
	rs := newRelayServer(t)
	c := New(rs.url(), "bob", "Bob")

	got := make(chan InvitationPayload, 1)
	c.OnInvitation(func(p InvitationPayload) { got <- p })

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	conn := rs.nextConn(t)
	rs.nextFrame(t) // login
	defer c.Logout()

	// Inbound invitation reaches the registered handler.
	invite := frame{
		Type:   frameInvite,
		CallID: "call-42",
		Payload: &InvitationPayload{
			CallID:     "call-42",
			CallerID:   "alice",
			CallerName: "Alice",
			CallerRole: proto.RoleCustomer,
		},
	}
	if err := conn.WriteJSON(invite); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case p := <-got:
		if p.CallID != "call-42" || p.CallerID != "alice" || p.CallerRole != proto.RoleCustomer {
			t.Fatalf("bad payload: %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("invitation never delivered")
	}

	// Outbound invitation carries callee, timeout and payload.
	sent := c.SendInvitation("carol", InvitationPayload{
		CallID: "call-43", CallerID: "bob", CallerName: "Bob", CallerRole: proto.RoleDeliveryPartner,
	}, 30)
	if !sent {
		t.Fatal("SendInvitation reported unavailable relay")
	}
	f := rs.nextFrame(t)
	if f.Type != frameInvite || f.CallID != "call-43" || f.TimeoutSec != 30 {
		t.Fatalf("bad invite frame: %+v", f)
	}
	if len(f.CalleeIDs) != 1 || f.CalleeIDs[0] != "carol" {
		t.Fatalf("bad callees: %v", f.CalleeIDs)
	}
	if f.Payload == nil || f.Payload.CallerName != "Bob" {
		t.Fatalf("bad invite payload: %+v", f.Payload)
	}

	c.CancelInvitation("call-43", []string{"carol"})
	f = rs.nextFrame(t)
	if f.Type != frameCancel || f.CallID != "call-43" {
		t.Fatalf("bad cancel frame: %+v", f)
	}
}

func TestSendWithoutSessionFallsBack(t *testing.T) {
	c := New("ws://127.0.0.1:0/never", "bob", "Bob")
	if c.SendInvitation("carol", InvitationPayload{CallID: "x"}, 30) {
		t.Fatal("send without session reported success")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	rs := newRelayServer(t)
	c := New(rs.url(), "bob", "Bob")

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	defer c.Logout()
	conn := rs.nextConn(t)
	f := rs.nextFrame(t)
	if f.Type != frameLogin {
		t.Fatalf("first frame = %s, want login", f.Type)
	}

	// Drop the session server-side; the client re-establishes it with a
	// fresh login after the backoff delay.
	conn.Close()
	rs.nextConn(t)
	f = rs.nextFrame(t)
	if f.Type != frameLogin || f.UserID != "bob" {
		t.Fatalf("re-login frame wrong: %+v", f)
	}
	if !c.Connected() {
		t.Fatal("not connected after reconnect")
	}
}
