package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/zippyeats/voicelink/internal/proto"
)

// MemoryHub is an in-process signaling fabric with the same delivery
// semantics as the gossipsub bus: broadcast to current subscribers only,
// no replay, sender's own messages skipped. Each party gets its own Bus
// via Bus(selfID); all buses from one hub share topics.
type MemoryHub struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{topics: make(map[string]*memTopic)}
}

// Bus returns a party-scoped view of the hub.
func (h *MemoryHub) Bus(selfID string) Bus {
	return &memBus{hub: h, selfID: selfID}
}

type memBus struct {
	hub    *MemoryHub
	selfID string

	mu     sync.Mutex
	closed bool
}

func (b *memBus) Join(name string) (Topic, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("signal: bus closed")
	}
	b.mu.Unlock()

	b.hub.mu.Lock()
	t, ok := b.hub.topics[name]
	if !ok {
		t = &memTopic{
			hub:       b.hub,
			name:      name,
			listeners: make(map[chan *proto.SignalMsg]string),
		}
		b.hub.topics[name] = t
	}
	t.refs++
	b.hub.mu.Unlock()

	return &memHandle{t: t, selfID: b.selfID}, nil
}

func (b *memBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

type memTopic struct {
	hub  *MemoryHub
	name string

	mu        sync.Mutex
	refs      int
	listeners map[chan *proto.SignalMsg]string // channel → subscriber's selfID
}

func (t *memTopic) publish(m *proto.SignalMsg, from string) {
	if m.From == "" {
		m.From = from
	}
	if m.TS == 0 {
		m.TS = proto.NowMillis()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for ch, owner := range t.listeners {
		if owner == m.From {
			continue
		}
		select {
		case ch <- m:
		default:
		}
	}
}

func (t *memTopic) subscribe(selfID string) (<-chan *proto.SignalMsg, func()) {
	ch := make(chan *proto.SignalMsg, 64)

	t.mu.Lock()
	t.listeners[ch] = selfID
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.listeners[ch]; ok {
			delete(t.listeners, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

func (t *memTopic) release() {
	t.hub.mu.Lock()
	t.mu.Lock()
	t.refs--
	if t.refs <= 0 {
		delete(t.hub.topics, t.name)
		for ch := range t.listeners {
			close(ch)
		}
		t.listeners = make(map[chan *proto.SignalMsg]string)
	}
	t.mu.Unlock()
	t.hub.mu.Unlock()
}

type memHandle struct {
	t      *memTopic
	selfID string
	once   sync.Once
}

func (h *memHandle) Publish(_ context.Context, m *proto.SignalMsg) error {
	// Copy so post-publish mutation by the sender can't race subscribers.
	cp := *m
	h.t.publish(&cp, h.selfID)
	return nil
}

func (h *memHandle) Subscribe() (<-chan *proto.SignalMsg, func()) {
	return h.t.subscribe(h.selfID)
}

func (h *memHandle) Leave() error {
	h.once.Do(h.t.release)
	return nil
}
