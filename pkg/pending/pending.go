// Package pending implements the registry of updates received from peers and
// not yet aggregated. It keeps one FIFO per source device, applies admission
// control to bound the skew between queues, and implements the receiving
// side of the leader's freeze/clear barrier.
//
// Every public method holds the registry's single mutex for its whole
// duration, so enqueues and dequeues across all devices are mutually
// exclusive. This favours simplicity over throughput.
package pending

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/queue"
	"github.com/absmach/fedsync/pkg/update"
)

// Stats is a consistent snapshot of the registry taken under its lock.
type Stats struct {
	Self        string         `json:"self"`
	Leader      string         `json:"leader"`
	Total       int            `json:"total_pending"`
	MinQueueLen int            `json:"min_queue_len"`
	MinKnown    bool           `json:"min_known"`
	Frozen      bool           `json:"frozen"`
	Lengths     map[string]int `json:"queue_lengths"`
}

type Option func(*Registry)

// WithRand replaces the source used by DequeueRandom.
func WithRand(rnd *rand.Rand) Option {
	return func(r *Registry) {
		r.intN = rnd.IntN
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

type Registry struct {
	mu sync.Mutex

	queues map[string]*queue.Queue
	// order fixes the iteration order of the weighted random walk.
	order []string

	self   string
	peers  []string
	leader string
	ready  bool

	ratio    float64
	total    int
	minLen   int
	minKnown bool
	frozen   bool

	notify  chan struct{}
	intN    func(n int) int
	metrics *Metrics
}

var ErrInvalidRatio = errors.New("admission ratio must be a finite positive number")

// ValidateRatio rejects ratios that would refuse every enqueue once a queue is
// non-empty, or make admission control meaningless.
func ValidateRatio(ratio float64) error {
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRatio, ratio)
	}

	return nil
}

// New creates a registry whose admission control rejects an enqueue when the
// target queue is longer than ratio times the shortest non-empty queue.
func New(ratio float64, opts ...Option) *Registry {
	r := &Registry{
		queues: make(map[string]*queue.Queue),
		ratio:  ratio,
		notify: make(chan struct{}),
		intN:   rand.IntN,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Setup installs the node's own ID, its peers and the leader and creates a
// queue for each of them. It may be called only once.
func (r *Registry) Setup(self string, peers []string, leader string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return pkgerrors.ErrAlreadySetup
	}

	r.self = self
	r.peers = slices.Clone(peers)
	r.leader = leader
	r.queueFor(self)
	for _, p := range peers {
		r.queueFor(p)
	}
	r.ready = true
	r.recomputeMin()

	return nil
}

// Enqueue adds an update received from source.
//
// While the registry is frozen only the leader's update is accepted, and it
// lifts the freeze; updates from anyone else are dropped without error.
func (r *Registry) Enqueue(rec update.Record, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		if source != r.leader {
			r.metrics.dropped()

			return nil
		}
		r.frozen = false
	}

	q, ok := r.queues[source]
	switch {
	case !ok:
		// First contact is never rate-limited.
		q = r.queueFor(source)
	case r.minKnown && float64(q.Len()) > r.ratio*float64(r.minLen):
		r.metrics.rejected(source)

		return fmt.Errorf("%w: %s has %d pending, shortest queue has %d", pkgerrors.ErrBackpressure, source, q.Len(), r.minLen)
	}

	q.Enqueue(rec)
	r.total++
	r.recomputeMin()
	r.metrics.observe(source, q.Len(), r.total)
	r.broadcast()

	return nil
}

// Dequeue removes the oldest update of device.
func (r *Registry) Dequeue(device string) (update.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total == 0 {
		return update.Record{}, pkgerrors.ErrQueueEmpty
	}

	q := r.queueFor(device)
	rec, err := q.Dequeue()
	if err != nil {
		r.recomputeMin()

		return update.Record{}, fmt.Errorf("%w: nothing pending from %s", err, device)
	}
	r.total--
	r.recomputeMin()
	r.metrics.observe(device, q.Len(), r.total)

	return rec, nil
}

// DrainDevice removes every update currently queued for device, oldest first.
func (r *Registry) DrainDevice(device string) ([]update.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total == 0 {
		return nil, pkgerrors.ErrQueueEmpty
	}

	q := r.queueFor(device)
	recs := q.Clear()
	if len(recs) == 0 {
		r.recomputeMin()

		return nil, fmt.Errorf("%w: nothing pending from %s", pkgerrors.ErrQueueEmpty, device)
	}
	r.total -= len(recs)
	r.recomputeMin()
	r.metrics.observe(device, 0, r.total)

	return recs, nil
}

// DequeueRandom removes one update chosen uniformly over every pending
// update, so a queue is picked with probability proportional to its length.
func (r *Registry) DequeueRandom() (update.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.total == 0 {
		return update.Record{}, pkgerrors.ErrQueueEmpty
	}

	n := r.intN(r.total)
	for _, device := range r.order {
		q := r.queues[device]
		if q.Len() <= n {
			n -= q.Len()

			continue
		}
		rec, err := q.Dequeue()
		if err != nil {
			break
		}
		r.total--
		r.recomputeMin()
		r.metrics.observe(device, q.Len(), r.total)

		return rec, nil
	}

	return update.Record{}, fmt.Errorf("%w: weighted selection found nothing with %d pending", pkgerrors.ErrInvariantViolation, r.total)
}

// ClearAll freezes the registry and discards every pending update. It returns
// the number of updates discarded.
func (r *Registry) ClearAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
	r.metrics.cleared()

	return r.drain()
}

// DequeueEveryQueue discards every pending update without freezing.
func (r *Registry) DequeueEveryQueue() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.drain()
}

func (r *Registry) TotalPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.total
}

// Wait blocks until at least one update is pending or ctx is done. Wakeups
// without new work are absorbed by re-checking the counter.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		total, ch := r.total, r.notify
		r.mu.Unlock()

		if total > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Wake releases goroutines blocked in Wait so they can re-check their own
// exit conditions.
func (r *Registry) Wake() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcast()
}

func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.frozen
}

func (r *Registry) Self() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.self
}

func (r *Registry) Leader() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leader
}

func (r *Registry) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.ready && r.self == r.leader
}

func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.peers)
}

// Lengths returns the queue length of every known device.
func (r *Registry) Lengths() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lengths()
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Self:        r.self,
		Leader:      r.leader,
		Total:       r.total,
		MinQueueLen: r.minLen,
		MinKnown:    r.minKnown,
		Frozen:      r.frozen,
		Lengths:     r.lengths(),
	}
}

// The helpers below expect r.mu to be held.

func (r *Registry) lengths() map[string]int {
	out := make(map[string]int, len(r.queues))
	for device, q := range r.queues {
		out[device] = q.Len()
	}

	return out
}

func (r *Registry) queueFor(device string) *queue.Queue {
	q, ok := r.queues[device]
	if !ok {
		q = queue.New()
		r.queues[device] = q
		r.order = append(r.order, device)
	}

	return q
}

func (r *Registry) drain() int {
	n := 0
	for device, q := range r.queues {
		n += len(q.Clear())
		r.metrics.observe(device, 0, 0)
	}
	r.total = 0
	r.recomputeMin()

	return n
}

// recomputeMin caches the length of the shortest non-empty queue. Empty
// queues are ignored: a peer with nothing pending is not a slow drainer.
func (r *Registry) recomputeMin() {
	r.minKnown = false
	r.minLen = 0
	for _, q := range r.queues {
		l := q.Len()
		if l == 0 {
			continue
		}
		if !r.minKnown || l < r.minLen {
			r.minLen = l
			r.minKnown = true
		}
	}
}

func (r *Registry) broadcast() {
	close(r.notify)
	r.notify = make(chan struct{})
}
