package progress

import (
	"context"
	"sync"

	"github.com/makeasinger/render-api/internal/model"
)

const defaultBuffer = 64

// MemoryBroker is an in-process Broker.
type MemoryBroker struct {
	buffer int

	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

// NewMemoryBroker returns a broker whose subscribers buffer up to buffer
// events. Non-terminal events are dropped for a subscriber that is full.
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryBroker{
		buffer: buffer,
		subs:   make(map[string]map[*memorySub]struct{}),
	}
}

func (b *MemoryBroker) Publish(_ context.Context, event model.RenderProgress) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	terminal := event.Phase.Terminal()
	for sub := range b.subs[event.SessionID] {
		if !terminal {
			select {
			case sub.ch <- event:
			default:
			}
			continue
		}
		// Make room so the terminal event always lands.
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- event
		}
		b.removeLocked(sub)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	sub := &memorySub{
		broker:  b,
		session: sessionID,
		ch:      make(chan model.RenderProgress, b.buffer),
	}

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*memorySub]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	b.mu.Lock()
	if sub.closed {
		stop()
	} else {
		sub.stop = stop
	}
	b.mu.Unlock()

	return sub, nil
}

// Subscribers returns the number of live subscriptions for sessionID.
func (b *MemoryBroker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

func (b *MemoryBroker) removeLocked(sub *memorySub) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if sub.stop != nil {
		sub.stop()
	}
	if set, ok := b.subs[sub.session]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.session)
		}
	}
}

type memorySub struct {
	broker  *MemoryBroker
	session string
	ch      chan model.RenderProgress

	// guarded by broker.mu
	stop   func() bool
	closed bool
}

func (s *memorySub) C() <-chan model.RenderProgress {
	return s.ch
}

func (s *memorySub) Close() {
	s.broker.mu.Lock()
	s.broker.removeLocked(s)
	s.broker.mu.Unlock()
}
