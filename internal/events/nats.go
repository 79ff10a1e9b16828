package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the NATS broadcaster.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	Buffer        int
	Timeout       time.Duration
}

// NATS publishes events on core NATS subjects so every orchestrator replica
// sees every event. Subjects are <prefix>.<execution_id>.<type>.
type NATS struct {
	conn   *nats.Conn
	prefix string
	buffer int
	closed atomic.Bool
}

var _ Broadcaster = (*NATS)(nil)

// NewNATS connects to the server in cfg.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATSFromConn(conn, cfg.SubjectPrefix, cfg.Buffer), nil
}

// NewNATSFromConn wraps an existing connection.
func NewNATSFromConn(conn *nats.Conn, prefix string, buffer int) *NATS {
	if prefix == "" {
		prefix = "orchestrator.executions"
	}
	if buffer < 1 {
		buffer = 64
	}
	return &NATS{conn: conn, prefix: prefix, buffer: buffer}
}

// Subject returns the subject an event is published on.
func (n *NATS) Subject(e Event) string {
	return n.prefix + "." + subjectToken(e.ExecutionID) + "." + string(e.Kind)
}

func (n *NATS) Publish(_ context.Context, e Event) error {
	if n.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := n.conn.Publish(n.Subject(e), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}

	subject := n.prefix + ".>"
	if f.ExecutionID != "" {
		subject = n.prefix + "." + subjectToken(f.ExecutionID) + ".*"
	}

	s := &natsSub{ch: make(chan Event, n.buffer), done: make(chan struct{})}
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding malformed event")
			return
		}
		if f.Match(e) {
			s.deliver(e)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	s.sub = sub

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (n *NATS) Close() error {
	if n.closed.Swap(true) {
		return ErrClosed
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
	return nil
}

type natsSub struct {
	mu     sync.Mutex
	sub    *nats.Subscription
	ch     chan Event
	done   chan struct{}
	closed bool
}

func (s *natsSub) Events() <-chan Event { return s.ch }

func (s *natsSub) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		log.Debug().Str("execution_id", e.ExecutionID).Msg("subscriber buffer full, dropping event")
	}
}

func (s *natsSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	close(s.ch)
	close(s.done)
}

// subjectToken keeps an id to a single NATS subject token.
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, id)
}
