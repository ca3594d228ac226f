// Package notify surfaces incoming calls when the host app is not in the
// foreground: a platform Presenter shows the alert, and a Registry routes
// the alert's answer/decline actions back to the session.
package notify

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Action is an intent chosen on an incoming-call alert.
type Action string

const (
	ActionAnswer  Action = "answer"
	ActionDecline Action = "decline"
)

// Presenter displays a platform-level incoming-call alert with
// Answer/Decline actions. Implementations are platform bindings; the
// listener only holds this interface.
type Presenter interface {
	// ShowIncomingCall displays an alert and returns a notification id
	// for later dismissal.
	ShowIncomingCall(callerName, callID string) (string, error)

	// Dismiss removes a previously shown alert. Unknown ids are ignored.
	Dismiss(notificationID string)
}

// Registry maps call ids to action handlers. Register/Unregister are
// paired with the notification's show/dismiss lifecycle by the listener,
// so handlers never outlive the alert they belong to.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]func(Action)
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]func(Action))}
}

// Register installs the handler for callID, replacing any previous one.
func (r *Registry) Register(callID string, fn func(Action)) {
	r.mu.Lock()
	r.handlers[callID] = fn
	r.mu.Unlock()
}

func (r *Registry) Unregister(callID string) {
	r.mu.Lock()
	delete(r.handlers, callID)
	r.mu.Unlock()
}

// Dispatch routes an action to the registered handler. Returns false if
// no handler is registered for callID (alert outlived the call).
func (r *Registry) Dispatch(callID string, a Action) bool {
	r.mu.Lock()
	fn, ok := r.handlers[callID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	fn(a)
	return true
}

// LogPresenter is the headless default: alerts go to the process log.
// Actions are driven through the Registry by whatever front end is
// attached (the stdin loop in main, tests, or a platform binding).
type LogPresenter struct{}

func (LogPresenter) ShowIncomingCall(callerName, callID string) (string, error) {
	id := uuid.NewString()
	log.Printf("NOTIFY: incoming call from %s (call %s), answer/decline pending", callerName, callID)
	return id, nil
}

func (LogPresenter) Dismiss(notificationID string) {
	log.Printf("NOTIFY: dismissed %s", notificationID)
}
