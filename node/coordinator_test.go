package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/fairness"
	"github.com/absmach/fedsync/pkg/model"
	"github.com/absmach/fedsync/pkg/model/linear"
	"github.com/absmach/fedsync/pkg/pending"
	"github.com/absmach/fedsync/pkg/sender"
	"github.com/absmach/fedsync/pkg/storage"
	"github.com/absmach/fedsync/pkg/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeOutbox struct {
	mu      sync.Mutex
	msgs    []sender.Message
	drained int
}

func (o *fakeOutbox) Enqueue(m sender.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.msgs = append(o.msgs, m)

	return nil
}

func (o *fakeOutbox) DrainAll() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.msgs)
	o.msgs = nil
	o.drained += n

	return n
}

func (o *fakeOutbox) messages() []sender.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]sender.Message(nil), o.msgs...)
}

// stubModel has a single scalar slot and records every applied delta.
type stubModel struct {
	mu       sync.Mutex
	bias     float64
	applied  []float64
	applyErr error
}

func (m *stubModel) Train(context.Context, int) (model.Result, error) {
	return model.Result{
		Deltas: update.Deltas{"bias": {1}},
		Losses: []float64{1},
	}, nil
}

func (m *stubModel) Apply(_ string, weight float64, delta []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, weight)
	m.bias += weight * delta[0]

	return nil
}

func (m *stubModel) Params() update.Deltas {
	m.mu.Lock()
	defer m.mu.Unlock()

	return update.Deltas{"bias": {m.bias}}
}

func (m *stubModel) Load(params update.Deltas) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bias = params["bias"][0]

	return nil
}

func (m *stubModel) Evaluate(context.Context) (float64, error) {
	return 0, nil
}

func (m *stubModel) weights() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]float64(nil), m.applied...)
}

func newTestCoordinator(t *testing.T, cfg Config, topo Topology, m model.Model) (*Coordinator, *pending.Registry, *fakeOutbox) {
	t.Helper()

	reg := pending.New(4)
	require.NoError(t, reg.Setup(topo.Self, topo.PeerIDs(), topo.Leader))
	out := &fakeOutbox{}
	repos, err := storage.NewRepositories(storage.Config{Type: "memory"})
	require.NoError(t, err)

	return NewCoordinator(cfg, topo, m, reg, out, repos.Checkpoints, discard), reg, out
}

func leaderTopology() Topology {
	return Topology{Self: "n1", Leader: "n1", Peers: []Peer{{ID: "n2"}, {ID: "n3"}}}
}

func followerTopology() Topology {
	return Topology{Self: "n2", Leader: "n1", Peers: []Peer{{ID: "n1"}, {ID: "n3"}}}
}

func bias(v float64, device string, round uint64) update.Record {
	return update.NewRecord(update.Deltas{"bias": {v}}, update.NewMetadata(device, round))
}

func TestCoordinatorSingleNode(t *testing.T) {
	t.Parallel()

	m, err := linear.New(linear.Config{
		Features:     3,
		Samples:      500,
		BatchSize:    10,
		LearningRate: 0.05,
		MaxEpochs:    5,
		Noise:        0.01,
		HoldOut:      0.2,
		Seed:         7,
		Partitions:   1,
	})
	require.NoError(t, err)
	initial, err := m.Evaluate(context.Background())
	require.NoError(t, err)

	topo := Topology{Self: "solo", Leader: "solo"}
	c, _, out := newTestCoordinator(t, Config{LocalSteps: 5, Fairness: 2, LossWindow: 20, Tolerance: 0.01}, topo, m)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		s := c.State()
		return s == StateConverged || s == StateExhausted
	}, 10*time.Second, 10*time.Millisecond)

	c.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop after close")
	}

	p := c.Progress()
	assert.Equal(t, StateClosed, p.State)
	assert.True(t, p.Closed)
	require.NotNil(t, p.Evaluation)
	assert.Less(t, *p.Evaluation, initial)
	assert.Positive(t, p.Rounds)

	msgs := out.messages()
	require.NotEmpty(t, msgs)
	for _, msg := range msgs {
		assert.Equal(t, sender.KindUpdate, msg.Kind)
	}
}

func TestAggregateWeightsSumToOne(t *testing.T) {
	t.Parallel()

	m := &stubModel{}
	c, reg, _ := newTestCoordinator(t, Config{Fairness: 2}, leaderTopology(), m)

	require.NoError(t, reg.Enqueue(bias(1, "n2", 1), "n2"))
	require.NoError(t, reg.Enqueue(bias(1, "n3", 4), "n3"))
	own := bias(1, "n1", 2)
	c.own = &own

	require.NoError(t, c.aggregate(context.Background()))

	weights := m.weights()
	require.Len(t, weights, 3)
	var sum float64
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Zero(t, reg.TotalPending())
	assert.Equal(t, uint64(1), c.Rounds())
	assert.Nil(t, c.own)
}

func TestAggregateDropsMismatchedUpdates(t *testing.T) {
	t.Parallel()

	m := &stubModel{}
	c, reg, _ := newTestCoordinator(t, Config{Fairness: 2}, leaderTopology(), m)

	wide := update.NewRecord(update.Deltas{"bias": {1, 2}}, update.NewMetadata("n2", 1))
	unknown := update.NewRecord(update.Deltas{"weights": {1}}, update.NewMetadata("n3", 1))
	require.NoError(t, reg.Enqueue(wide, "n2"))
	require.NoError(t, reg.Enqueue(unknown, "n3"))
	own := bias(1, "n1", 1)
	c.own = &own

	require.NoError(t, c.aggregate(context.Background()))
	assert.Equal(t, []float64{1}, m.weights())
}

func TestAggregateNothingPending(t *testing.T) {
	t.Parallel()

	m := &stubModel{}
	c, _, _ := newTestCoordinator(t, Config{}, leaderTopology(), m)

	require.NoError(t, c.aggregate(context.Background()))
	assert.Empty(t, m.weights())
	assert.Zero(t, c.Rounds())
}

func TestAggregateApplyFailure(t *testing.T) {
	t.Parallel()

	m := &stubModel{applyErr: model.ErrSlotMismatch}
	c, _, _ := newTestCoordinator(t, Config{}, leaderTopology(), m)
	own := bias(1, "n1", 1)
	c.own = &own

	err := c.aggregate(context.Background())
	assert.ErrorIs(t, err, pkgerrors.ErrInvariantViolation)
	assert.ErrorIs(t, err, model.ErrSlotMismatch)
}

func TestLocalStepDispatches(t *testing.T) {
	t.Parallel()

	m := &stubModel{}
	c, _, out := newTestCoordinator(t, Config{LocalSteps: 3}, leaderTopology(), m)

	exhausted, err := c.localStep(context.Background())
	require.NoError(t, err)
	assert.False(t, exhausted)

	msgs := out.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sender.KindUpdate, msgs[0].Kind)
	assert.Equal(t, update.Metadata{"n1": 1}, msgs[0].Record.Metadata())
	assert.Equal(t, StateDispatched, c.State())
	assert.Equal(t, uint64(1), c.Steps())
}

func TestSynchronize(t *testing.T) {
	t.Parallel()

	t.Run("follower", func(t *testing.T) {
		t.Parallel()

		c, _, _ := newTestCoordinator(t, Config{}, followerTopology(), &stubModel{})
		err := c.Synchronize(context.Background())
		assert.ErrorIs(t, err, pkgerrors.ErrUnauthorized)
	})

	t.Run("leader", func(t *testing.T) {
		t.Parallel()

		c, reg, out := newTestCoordinator(t, Config{}, leaderTopology(), &stubModel{})
		require.NoError(t, reg.Enqueue(bias(1, "n2", 1), "n2"))
		require.NoError(t, out.Enqueue(sender.UpdateMessage(bias(1, "n1", 1))))
		last := bias(2, "n1", 2)
		c.lastSent = &last

		require.NoError(t, c.Synchronize(context.Background()))

		assert.Zero(t, reg.TotalPending())
		assert.False(t, reg.Frozen())
		assert.Equal(t, 1, out.drained)

		msgs := out.messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, sender.KindClear, msgs[0].Kind)
		assert.Equal(t, uint64(1), msgs[0].Epoch)
		assert.Equal(t, sender.KindUpdate, msgs[1].Kind)
		assert.Equal(t, update.Metadata{"n1": 2}, msgs[1].Record.Metadata())
		assert.Equal(t, uint64(1), c.Progress().Epoch)
	})
}

func TestFenceHoldsFollowerUntilLeaderUpdate(t *testing.T) {
	t.Parallel()

	c, reg, out := newTestCoordinator(t, Config{}, followerTopology(), &stubModel{})
	require.NoError(t, reg.Enqueue(bias(1, "n1", 1), "n1"))
	require.NoError(t, reg.Enqueue(bias(1, "n3", 1), "n3"))
	require.NoError(t, out.Enqueue(sender.UpdateMessage(bias(1, "n2", 1))))
	own := bias(1, "n2", 1)
	c.own = &own

	received, unsent := c.Fence(4)
	assert.Equal(t, 2, received)
	assert.Equal(t, 1, unsent)
	assert.True(t, reg.Frozen())
	assert.Nil(t, c.own)
	assert.Equal(t, uint64(4), c.Progress().Epoch)

	released := make(chan error, 1)
	go func() { released <- c.awaitBarrier(context.Background()) }()

	require.NoError(t, reg.Enqueue(bias(1, "n3", 2), "n3"))
	select {
	case <-released:
		t.Fatal("follower released by a non-leader update")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, reg.Enqueue(bias(1, "n1", 2), "n1"))
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("follower not released by the leader update")
	}
	assert.False(t, reg.Frozen())
}

func TestFenceKeepsHighestEpoch(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, Config{}, followerTopology(), &stubModel{})
	c.Fence(5)
	c.Fence(3)
	assert.Equal(t, uint64(5), c.Progress().Epoch)
}

func TestCheckpointSaveAndRestore(t *testing.T) {
	t.Parallel()

	repos, err := storage.NewRepositories(storage.Config{Type: "memory"})
	require.NoError(t, err)
	topo := leaderTopology()

	newCoordinator := func(m model.Model) *Coordinator {
		reg := pending.New(4)
		require.NoError(t, reg.Setup(topo.Self, topo.PeerIDs(), topo.Leader))

		return NewCoordinator(Config{CheckpointEvery: 2}, topo, m, reg, &fakeOutbox{}, repos.Checkpoints, discard)
	}

	first := &stubModel{}
	c := newCoordinator(first)
	for i := range 4 {
		own := bias(1, "n1", uint64(i+1))
		c.own = &own
		require.NoError(t, c.aggregate(context.Background()))
	}

	cp, err := repos.Checkpoints.Latest(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cp.Round)
	assert.Equal(t, first.Params(), cp.Params)

	_, total, err := repos.Checkpoints.List(context.Background(), "n1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)

	second := &stubModel{}
	restored := newCoordinator(second)
	restored.restore(context.Background())
	assert.Equal(t, uint64(4), restored.Rounds())
	assert.Equal(t, first.Params(), second.Params())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestCoordinator(t, Config{LossWindow: 1000}, followerTopology(), &blockingModel{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("coordinator ignored context cancellation")
	}
}

// blockingModel never finishes a local step before its context ends.
type blockingModel struct {
	stubModel
}

func (m *blockingModel) Train(ctx context.Context, _ int) (model.Result, error) {
	<-ctx.Done()

	return model.Result{}, ctx.Err()
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		desc string
		k    float64
		err  error
	}{
		{desc: "uniform weights", k: 0},
		{desc: "default exponent", k: 2},
		{desc: "negative exponent", k: -2, err: fairness.ErrInvalidExponent},
		{desc: "nan exponent", k: math.NaN(), err: fairness.ErrInvalidExponent},
		{desc: "infinite exponent", k: math.Inf(1), err: fairness.ErrInvalidExponent},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			err := Config{LocalSteps: 5, Fairness: tc.k}.Validate()
			assert.ErrorIs(t, err, tc.err)
		})
	}
}
