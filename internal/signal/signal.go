// Package signal is the call signaling transport: a topic-per-call
// publish/subscribe channel carrying proto.SignalMsg between the two
// parties. Delivery is at-most-once to currently subscribed parties;
// there is no persistence or replay; the call state machine's timers are
// the backstop for lost messages.
//
// Two implementations: PubSubBus over libp2p gossipsub (production) and
// MemoryHub (tests, single-process demos). Both skip messages published
// by the local party so SDP and ICE blobs are never echoed back to their
// sender.
package signal

import (
	"context"

	"github.com/zippyeats/voicelink/internal/proto"
)

// Bus joins call topics. Topics are refcounted: the incoming-call
// listener and the session it hands off to can hold the same topic
// concurrently, and the underlying channel is only torn down when the
// last holder leaves.
type Bus interface {
	Join(topic string) (Topic, error)
	Close() error
}

// Topic is one joined call topic.
type Topic interface {
	// Publish broadcasts m to all current subscribers. Best-effort:
	// errors are returned for local failures only; remote delivery is
	// never confirmed.
	Publish(ctx context.Context, m *proto.SignalMsg) error

	// Subscribe returns a channel of inbound messages and a cancel func.
	// Messages published by the local party are not delivered.
	Subscribe() (<-chan *proto.SignalMsg, func())

	// Leave releases this handle. The topic closes when the last handle
	// for its name leaves. Idempotent.
	Leave() error
}
