package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Memory is an in-process broadcaster. It is the default backend and the one
// tests use.
type Memory struct {
	mu      sync.RWMutex
	subs    map[*memorySub]struct{}
	buffer  int
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ Broadcaster = (*Memory)(nil)

// NewMemory creates a broadcaster whose subscribers buffer up to buffer events.
func NewMemory(buffer int) *Memory {
	if buffer < 1 {
		buffer = 64
	}
	return &Memory{
		subs:   make(map[*memorySub]struct{}),
		buffer: buffer,
	}
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			m.dropped.Add(1)
			log.Debug().
				Str("execution_id", e.ExecutionID).
				Str("type", string(e.Kind)).
				Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		owner:  m,
		filter: f,
		ch:     make(chan Event, m.buffer),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return ErrClosed
	}

	m.mu.Lock()
	subs := make([]*memorySub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySub struct {
	owner  *Memory
	filter Filter
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *memorySub) Events() <-chan Event { return s.ch }

// Close detaches the subscriber under the write lock so no publisher can be
// mid-send when the channel closes.
func (s *memorySub) Close() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		close(s.ch)
		s.owner.mu.Unlock()
		close(s.done)
	})
}
