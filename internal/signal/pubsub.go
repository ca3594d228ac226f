package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/zippyeats/voicelink/internal/proto"
)

// PubSubBus implements Bus over a libp2p gossipsub router.
type PubSubBus struct {
	ps     *pubsub.PubSub
	selfID string // marketplace user id, stamped into SignalMsg.From filtering

	mu     sync.Mutex
	topics map[string]*psTopic // topic name → shared handle
	closed bool
}

// NewPubSubBus wraps a gossipsub router. selfID is the local party's
// marketplace user id; inbound messages with From==selfID are dropped
// (gossipsub does not normally loop messages back, but the guard also
// covers a party running more than one device against the same account).
func NewPubSubBus(ps *pubsub.PubSub, selfID string) *PubSubBus {
	return &PubSubBus{
		ps:     ps,
		selfID: selfID,
		topics: make(map[string]*psTopic),
	}
}

func (b *PubSubBus) Join(name string) (Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("signal: bus closed")
	}

	if t, ok := b.topics[name]; ok {
		t.refs++
		return &psHandle{t: t}, nil
	}

	pt, err := b.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	sub, err := pt.Subscribe()
	if err != nil {
		_ = pt.Close()
		return nil, fmt.Errorf("subscribe topic %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &psTopic{
		bus:       b,
		name:      name,
		topic:     pt,
		sub:       sub,
		cancel:    cancel,
		refs:      1,
		listeners: make(map[chan *proto.SignalMsg]struct{}),
	}
	b.topics[name] = t
	go t.readLoop(ctx)

	log.Printf("SIGNAL: joined topic %s", name)
	return &psHandle{t: t}, nil
}

func (b *PubSubBus) Close() error {
	b.mu.Lock()
	topics := make([]*psTopic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.topics = make(map[string]*psTopic)
	b.closed = true
	b.mu.Unlock()

	for _, t := range topics {
		t.teardown()
	}
	return nil
}

// psTopic is the shared per-name state; psHandle is one Join's view of it.
type psTopic struct {
	bus    *PubSubBus
	name   string
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	mu        sync.Mutex
	refs      int
	listeners map[chan *proto.SignalMsg]struct{}
	torn      bool
}

func (t *psTopic) readLoop(ctx context.Context) {
	for {
		raw, err := t.sub.Next(ctx)
		if err != nil {
			return // cancelled or topic closed
		}

		var m proto.SignalMsg
		if err := json.Unmarshal(raw.Data, &m); err != nil {
			log.Printf("SIGNAL: bad message on %s: %v", t.name, err)
			continue
		}
		if m.From == t.bus.selfID {
			continue
		}

		t.mu.Lock()
		for ch := range t.listeners {
			select {
			case ch <- &m:
			default: // listener too slow, drop rather than block the read loop
			}
		}
		t.mu.Unlock()
	}
}

func (t *psTopic) publish(ctx context.Context, m *proto.SignalMsg) error {
	if m.From == "" {
		m.From = t.bus.selfID
	}
	if m.TS == 0 {
		m.TS = proto.NowMillis()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return t.topic.Publish(ctx, b)
}

func (t *psTopic) subscribe() (<-chan *proto.SignalMsg, func()) {
	ch := make(chan *proto.SignalMsg, 64)

	t.mu.Lock()
	t.listeners[ch] = struct{}{}
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

// release drops one reference; the last release tears the topic down.
func (t *psTopic) release() {
	t.bus.mu.Lock()
	t.mu.Lock()
	t.refs--
	last := t.refs <= 0
	t.mu.Unlock()
	if last {
		delete(t.bus.topics, t.name)
	}
	t.bus.mu.Unlock()

	if last {
		t.teardown()
	}
}

func (t *psTopic) teardown() {
	t.mu.Lock()
	if t.torn {
		t.mu.Unlock()
		return
	}
	t.torn = true
	for ch := range t.listeners {
		close(ch)
	}
	t.listeners = make(map[chan *proto.SignalMsg]struct{})
	t.mu.Unlock()

	t.cancel()
	t.sub.Cancel()
	if err := t.topic.Close(); err != nil {
		log.Printf("SIGNAL: close topic %s: %v", t.name, err)
	} else {
		log.Printf("SIGNAL: left topic %s", t.name)
	}
}

type psHandle struct {
	t    *psTopic
	once sync.Once
}

func (h *psHandle) Publish(ctx context.Context, m *proto.SignalMsg) error {
	return h.t.publish(ctx, m)
}

func (h *psHandle) Subscribe() (<-chan *proto.SignalMsg, func()) {
	return h.t.subscribe()
}

func (h *psHandle) Leave() error {
	h.once.Do(h.t.release)
	return nil
}
