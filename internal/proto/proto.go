// Package proto holds the topic names and wire types shared by the
// signaling transport, the call session state machine, and the push relay.
// Single source of truth for all signaling message shapes.
package proto

import "time"

const (
	// Gossipsub topic prefix for per-call signaling channels.
	// Full topic name is CallTopic(callID).
	CallTopicPrefix = "zippy.call.v1."

	// mDNS service tag for LAN peer discovery.
	MdnsTag = "zippy-voice-mdns"
)

// CallTopic returns the signaling topic name for one call attempt.
func CallTopic(callID string) string { return CallTopicPrefix + callID }

// Role identifies which side of the marketplace a party is on.
type Role string

const (
	RoleCustomer        Role = "customer"
	RoleDeliveryPartner Role = "delivery_partner"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleDeliveryPartner
}

// ── Signal type constants ─────────────────────────────────────────────────────
// Value of the "type" field of every message published on a call topic.
//
// Signaling sequence:
//
//	caller                            receiver
//	────────────────────────────────────────────────────────────
//	offer          ─────────────────► (via listener, after receiver-ready)
//	               ◄───────────────── receiver-ready
//	               ◄───────────────── ringing-ack   (device is alerting)
//	               ◄───────────────── answer        (or decline)
//	ice-candidate ◄─────────────────► ice-candidate (trickle, both ways)
//	end            ◄────────────────► (either side, any time)
const (
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeICECandidate  = "ice-candidate"
	TypeRingingAck    = "ringing-ack"
	TypeReceiverReady = "receiver-ready"
	TypeDecline       = "decline"
	TypeEnd           = "end"
)

// SignalMsg is the wire type for one message on a call topic.
// SDP and Candidate are opaque negotiation blobs carried verbatim:
// JSON-marshalled session descriptions and ICE candidate inits produced
// by the peer transport. The state machine never inspects them.
type SignalMsg struct {
	Type       string `json:"type"`
	CallID     string `json:"callId"`
	From       string `json:"from"`
	CallerName string `json:"callerName,omitempty"` // offer only
	CallerRole Role   `json:"callerRole,omitempty"` // offer only
	SDP        string `json:"sdp,omitempty"`        // offer, answer
	Candidate  string `json:"candidate,omitempty"`  // ice-candidate
	TS         int64  `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
