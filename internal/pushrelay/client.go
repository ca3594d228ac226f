// Package pushrelay is the secondary signaling path: a persistent
// WebSocket session to the relay service that can deliver a call
// invitation to a party whose app is backgrounded (the relay hands the
// invitation to the platform push pipeline). Everything here is best
// effort: when the relay is down the primary topic transport still
// carries the call, minus background delivery.
package pushrelay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zippyeats/voicelink/internal/proto"
)

const (
	maxReconnectAttempts = 5
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 30 * time.Second
	writeTimeout         = 5 * time.Second
)

// InvitationPayload is the call metadata carried inside an invitation.
type InvitationPayload struct {
	CallID     string     `json:"callId"`
	CallerID   string     `json:"callerId"`
	CallerName string     `json:"callerName"`
	CallerRole proto.Role `json:"callerRole"`
}

// frame is the wire type for both directions of the relay session.
type frame struct {
	Type       string             `json:"type"`
	UserID     string             `json:"userId,omitempty"`
	UserName   string             `json:"userName,omitempty"`
	CallID     string             `json:"callId,omitempty"`
	CalleeIDs  []string           `json:"calleeIds,omitempty"`
	TimeoutSec int                `json:"timeoutSec,omitempty"`
	Payload    *InvitationPayload `json:"payload,omitempty"`
}

// Outbound and inbound frame types.
const (
	frameLogin  = "login"
	frameInvite = "invite"
	frameCancel = "cancel"
	frameAccept = "accept"
	frameReject = "reject"
)

// Client maintains the login-scoped relay session for one party.
type Client struct {
	url      string
	userID   string
	userName string

	mu        sync.Mutex
	conn      *websocket.Conn
	loggedIn  bool
	attempts  int
	done      chan struct{}
	closeOnce sync.Once

	handlerMu sync.RWMutex
	handlers  []func(InvitationPayload)
}

// New creates a relay client; no connection is made until Login.
func New(url, userID, userName string) *Client {
	return &Client{
		url:      url,
		userID:   userID,
		userName: userName,
		done:     make(chan struct{}),
	}
}

// OnInvitation registers a callback fired for each inbound invitation.
func (c *Client) OnInvitation(fn func(InvitationPayload)) {
	c.handlerMu.Lock()
	c.handlers = append(c.handlers, fn)
	c.handlerMu.Unlock()
}

// Login dials the relay and starts the read loop. Reconnection after a
// dropped session is automatic with capped exponential backoff.
func (c *Client) Login(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("relay dial %s: %w", c.url, err)
	}

	login := frame{Type: frameLogin, UserID: c.userID, UserName: c.userName}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(login); err != nil {
		conn.Close()
		return fmt.Errorf("relay login: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.loggedIn = true
	c.mu.Unlock()

	log.Printf("RELAY: logged in as %s", c.userID)
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.onDisconnect(conn, err)
			return
		}

		switch f.Type {
		case frameInvite:
			if f.Payload == nil {
				log.Printf("RELAY: invite without payload, dropped")
				continue
			}
			p := *f.Payload
			if p.CallID == "" {
				p.CallID = f.CallID
			}
			c.handlerMu.RLock()
			handlers := make([]func(InvitationPayload), len(c.handlers))
			copy(handlers, c.handlers)
			c.handlerMu.RUnlock()
			for _, fn := range handlers {
				fn(p)
			}
		case frameCancel:
			log.Printf("RELAY: invitation cancelled for call %s", f.CallID)
		default:
			// Unknown server frames are ignored for forward compatibility.
		}
	}
}

// onDisconnect clears the session and schedules a reconnect unless the
// client was logged out deliberately.
func (c *Client) onDisconnect(conn *websocket.Conn, err error) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn { // already replaced by a newer session
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.loggedIn = false
	c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	log.Printf("RELAY: disconnected: %v", err)
	go c.reconnect()
}

func (c *Client) reconnect() {
	for {
		c.mu.Lock()
		if c.attempts >= maxReconnectAttempts {
			c.mu.Unlock()
			log.Printf("RELAY: max reconnect attempts reached, giving up")
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := reconnectBaseDelay << (attempt - 1)
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
		log.Printf("RELAY: reconnecting in %s (attempt %d/%d)", delay, attempt, maxReconnectAttempts)

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
			return
		}
		log.Printf("RELAY: reconnect failed: %v", err)
	}
}

// Connected reports whether a relay session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

// send writes a frame on the current session. Returns false when there is
// no session; callers treat that as "fall back to the primary path".
func (c *Client) send(f frame) bool {
	c.mu.Lock()
	conn := c.conn
	ok := c.loggedIn
	c.mu.Unlock()
	if !ok || conn == nil {
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		log.Printf("RELAY: send %s failed: %v", f.Type, err)
		return false
	}
	return true
}

// SendInvitation asks the relay to push a call invitation to calleeID.
// Returns false (never an error) when the relay is unavailable.
func (c *Client) SendInvitation(calleeID string, p InvitationPayload, timeoutSec int) bool {
	sent := c.send(frame{
		Type:       frameInvite,
		CallID:     p.CallID,
		CalleeIDs:  []string{calleeID},
		TimeoutSec: timeoutSec,
		Payload:    &p,
	})
	if sent {
		log.Printf("RELAY: invitation for call %s sent to %s", p.CallID, calleeID)
	}
	return sent
}

// CancelInvitation withdraws a pending invitation (caller gave up or the
// call was answered on the primary path).
func (c *Client) CancelInvitation(callID string, calleeIDs []string) {
	c.send(frame{Type: frameCancel, CallID: callID, CalleeIDs: calleeIDs})
}

// Accept acknowledges an invitation as answered.
func (c *Client) Accept(callID string) {
	c.send(frame{Type: frameAccept, CallID: callID})
}

// Reject acknowledges an invitation as declined.
func (c *Client) Reject(callID string) {
	c.send(frame{Type: frameReject, CallID: callID})
}

// Logout closes the session and stops reconnecting. Idempotent.
func (c *Client) Logout() {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.loggedIn = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		log.Printf("RELAY: logged out")
	}
}
