// Package callstore persists call records and feeds insert/update events
// to local watchers. The incoming-call listener runs off this feed.
package callstore

import (
	"context"
	"errors"

	"github.com/zippyeats/voicelink/internal/proto"
)

// Status is the persisted lifecycle status of a call record.
// Forward-only: ringing may move once to ongoing or a terminal status,
// ongoing only to ended, terminal statuses never change.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusOngoing  Status = "ongoing"
	StatusEnded    Status = "ended"
	StatusDeclined Status = "declined"
	StatusMissed   Status = "missed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusDeclined || s == StatusMissed
}

// canTransition encodes the forward-only status order.
func canTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusRinging:
		return true // any later status, exactly once
	case StatusOngoing:
		return to == StatusEnded
	default:
		return false
	}
}

// ErrBadTransition is returned by Update for a status move that would
// violate the forward-only order.
var ErrBadTransition = errors.New("callstore: invalid status transition")

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("callstore: call not found")

// Call is one persisted call attempt.
type Call struct {
	ID              string     `json:"id"`
	CallerRole      proto.Role `json:"caller_role"`
	CallerID        string     `json:"caller_id"`
	ReceiverID      string     `json:"receiver_id"`
	Status          Status     `json:"status"`
	CreatedAt       int64      `json:"created_at"` // unix millis
	StartedAt       int64      `json:"started_at,omitempty"`
	EndedAt         int64      `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
}

// StatusUpdate carries the fields Update may set alongside the new status.
// Zero-valued timestamps are left untouched.
type StatusUpdate struct {
	Status          Status
	StartedAt       int64
	EndedAt         int64
	DurationSeconds int
}

// Event is delivered to WatchReceiver subscribers after a commit.
type Event struct {
	Type string // "insert" | "update"
	Call Call
}

// Store is the call record collaborator the state machine and listener
// depend on.
type Store interface {
	// Create inserts a new record in ringing status and returns it with
	// a server-assigned id.
	Create(ctx context.Context, callerRole proto.Role, callerID, receiverID string) (Call, error)

	// Update applies a forward-only status change. ErrBadTransition if
	// the record is already past the requested status.
	Update(ctx context.Context, id string, u StatusUpdate) error

	Get(ctx context.Context, id string) (Call, error)

	// WatchReceiver streams insert/update events for records whose
	// receiver is receiverID. Process-local: only events produced through
	// this Store instance are delivered.
	WatchReceiver(receiverID string) (<-chan Event, func())

	Close() error
}
