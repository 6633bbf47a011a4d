// Package sender fans locally produced messages out to every configured peer
// and leader. Each destination has its own bounded outbox and delivery
// worker, so an unreachable destination never delays the others.
package sender

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/update"
	"golang.org/x/sync/errgroup"
)

const DefCapacity = 1000

type Kind string

const (
	KindUpdate Kind = "update"
	KindClear  Kind = "clear"
	KindClose  Kind = "close"
)

type Message struct {
	Kind   Kind
	Record update.Record
	Epoch  uint64
}

func UpdateMessage(r update.Record) Message {
	return Message{Kind: KindUpdate, Record: r}
}

func ClearMessage(epoch uint64) Message {
	return Message{Kind: KindClear, Epoch: epoch}
}

func CloseMessage() Message {
	return Message{Kind: KindClose}
}

// Transport performs a single delivery to one destination.
type Transport interface {
	SendUpdate(ctx context.Context, dest, from string, r update.Record) error
	SendClear(ctx context.Context, dest, from string, epoch uint64) error
	SendClose(ctx context.Context, dest, from string) error
}

func deliver(ctx context.Context, t Transport, dest, from string, m Message) error {
	switch m.Kind {
	case KindUpdate:
		return t.SendUpdate(ctx, dest, from, m.Record)
	case KindClear:
		return t.SendClear(ctx, dest, from, m.Epoch)
	case KindClose:
		return t.SendClose(ctx, dest, from)
	default:
		return fmt.Errorf("%w: unknown message kind %q", pkgerrors.ErrInvalidData, m.Kind)
	}
}

type Option func(*Sender)

func WithCapacity(n int) Option {
	return func(s *Sender) {
		if n > 0 {
			s.capacity = n
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Sender) {
		s.metrics = m
	}
}

type Sender struct {
	transport Transport
	logger    *slog.Logger
	capacity  int
	metrics   *Metrics

	mu     sync.Mutex
	self   string
	dests  []string
	boxes  map[string]*outbox
	delays map[string]time.Duration
	ready  bool
}

func New(transport Transport, logger *slog.Logger, opts ...Option) *Sender {
	s := &Sender{
		transport: transport,
		logger:    logger,
		capacity:  DefCapacity,
		boxes:     make(map[string]*outbox),
		delays:    make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Setup configures the destinations: every peer and leader except self, in
// configuration order without duplicates. It may be called only once.
func (s *Sender) Setup(self string, peers, leaders []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return pkgerrors.ErrAlreadySetup
	}

	s.self = self
	for _, d := range slices.Concat(peers, leaders) {
		if d == self || d == "" || slices.Contains(s.dests, d) {
			continue
		}
		s.dests = append(s.dests, d)
		s.boxes[d] = newOutbox()
	}
	s.ready = true

	return nil
}

// SetDelay adds artificial latency before every delivery to dest.
func (s *Sender) SetDelay(dest string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delays[dest] = d
}

func (s *Sender) Destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.dests)
}

// Enqueue queues m for every destination and returns immediately. When a
// destination's outbox is full its oldest message is dropped.
func (s *Sender) Enqueue(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return pkgerrors.ErrNotSetup
	}

	for _, dest := range s.dests {
		if s.boxes[dest].push(m, s.capacity) {
			s.metrics.overflowed(dest)
			s.logger.Warn("outbox full, dropped oldest message", slog.String("destination", dest))
		}
	}

	return nil
}

// DrainAll discards every message not yet delivered and returns how many were
// discarded.
func (s *Sender) DrainAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, box := range s.boxes {
		n += box.clear()
	}

	return n
}

// Pending returns the number of undelivered messages per destination.
func (s *Sender) Pending() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.boxes))
	for dest, box := range s.boxes {
		out[dest] = box.len()
	}

	return out
}

// Run starts one delivery worker per destination and blocks until ctx is
// cancelled.
func (s *Sender) Run(ctx context.Context) error {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()

		return pkgerrors.ErrNotSetup
	}
	boxes := maps.Clone(s.boxes)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for dest, box := range boxes {
		g.Go(func() error {
			s.deliverLoop(ctx, dest, box)

			return nil
		})
	}

	return g.Wait()
}

func (s *Sender) deliverLoop(ctx context.Context, dest string, box *outbox) {
	for {
		if box.len() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-box.wake:
				continue
			}
		}

		if d := s.delayFor(dest); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()

				return
			case <-timer.C:
			}
		}

		m, ok := box.pop()
		if !ok {
			continue
		}

		if err := deliver(ctx, s.transport, dest, s.self, m); err != nil {
			s.metrics.failed(dest, m.Kind)
			s.logger.Warn("failed to deliver message",
				slog.String("destination", dest),
				slog.String("kind", string(m.Kind)),
				slog.Any("error", err),
			)

			continue
		}
		s.metrics.delivered(dest, m.Kind)
	}
}

func (s *Sender) delayFor(dest string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.delays[dest]
}

type outbox struct {
	mu    sync.Mutex
	items []Message
	wake  chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

// push appends m and reports whether the oldest message had to be dropped.
func (o *outbox) push(m Message, capacity int) bool {
	o.mu.Lock()
	dropped := false
	if len(o.items) >= capacity {
		o.items = slices.Delete(o.items, 0, 1)
		dropped = true
	}
	o.items = append(o.items, m)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}

	return dropped
}

func (o *outbox) pop() (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) == 0 {
		return Message{}, false
	}
	m := o.items[0]
	o.items = slices.Delete(o.items, 0, 1)

	return m, true
}

func (o *outbox) clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.items)
	o.items = nil

	return n
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.items)
}
