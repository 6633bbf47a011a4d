package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fedsync/pkg/checkpoint"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/fairness"
	"github.com/absmach/fedsync/pkg/model"
	"github.com/absmach/fedsync/pkg/pending"
	"github.com/absmach/fedsync/pkg/sender"
	"github.com/absmach/fedsync/pkg/update"
)

type State string

const (
	StateIdle        State = "idle"
	StateTraining    State = "training"
	StateDispatched  State = "dispatched"
	StateAggregating State = "aggregating"
	StateConverged   State = "converged"
	StateExhausted   State = "exhausted"
	StateClosed      State = "closed"
)

type Config struct {
	LocalSteps int     `env:"LOCAL_STEPS"  envDefault:"5"`
	Fairness   float64 `env:"FAIRNESS_K"   envDefault:"2"`
	LossWindow int     `env:"LOSS_WINDOW"  envDefault:"50"`
	Tolerance  float64 `env:"TOLERANCE"    envDefault:"0.02"`
	// SyncEvery makes the leader synchronise the cluster every n local steps.
	SyncEvery int `env:"SYNC_EVERY" envDefault:"0"`
	// CheckpointEvery saves a checkpoint every n aggregation rounds.
	CheckpointEvery  int  `env:"CHECKPOINT_EVERY"    envDefault:"0"`
	CloseFleetOnDone bool `env:"CLOSE_FLEET_ON_DONE" envDefault:"false"`
}

// Validate checks the values that cannot be caught by parsing alone.
func (c Config) Validate() error {
	return fairness.ValidateK(c.Fairness)
}

// Outbox is where the coordinator hands messages for the rest of the fleet.
type Outbox interface {
	Enqueue(m sender.Message) error
	DrainAll() int
}

// Coordinator runs the local training loop of a node: compute a local step,
// dispatch it, fold in whatever peers have sent, and repeat until the loss
// flattens or the local data runs out.
type Coordinator struct {
	cfg         Config
	topology    Topology
	model       model.Model
	registry    *pending.Registry
	outbox      Outbox
	fairness    *fairness.State
	checkpoints checkpoint.Repository
	logger      *slog.Logger

	mu        sync.Mutex
	state     State
	own       *update.Record
	lastSent  *update.Record
	losses    *lossWindow
	steps     uint64
	rounds    uint64
	epoch     uint64
	lastLoss  float64
	evalLoss  float64
	evaluated bool

	closeOnce sync.Once
	closed    chan struct{}
}

func NewCoordinator(cfg Config, topology Topology, m model.Model, registry *pending.Registry, outbox Outbox, repo checkpoint.Repository, logger *slog.Logger) *Coordinator {
	if cfg.LocalSteps <= 0 {
		cfg.LocalSteps = 5
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defTolerance
	}

	return &Coordinator{
		cfg:         cfg,
		topology:    topology,
		model:       m,
		registry:    registry,
		outbox:      outbox,
		fairness:    fairness.New(cfg.Fairness, topology.Devices()),
		checkpoints: repo,
		logger:      logger,
		state:       StateIdle,
		losses:      newLossWindow(cfg.LossWindow, cfg.Tolerance),
		closed:      make(chan struct{}),
	}
}

// Run trains until convergence or data exhaustion, then keeps aggregating
// incoming updates until Close is called or ctx is done. It returns an error
// only when an aggregation round violates its invariants or ctx ends early.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.restore(ctx)

	start := time.Now()
	if err := c.train(ctx); err != nil && !c.isClosed() {
		return err
	}
	c.logger.Info("training finished",
		slog.String("state", string(c.State())),
		slog.Uint64("local_steps", c.Steps()),
		slog.Uint64("rounds", c.Rounds()),
		slog.String("duration", time.Since(start).String()),
	)

	if c.topology.Role() == LeaderRole && c.cfg.CloseFleetOnDone && !c.isClosed() {
		if err := c.outbox.Enqueue(sender.CloseMessage()); err != nil {
			c.logger.Warn("failed to broadcast close", slog.Any("error", err))
		}
		c.Close()
	}

	if err := c.serve(ctx); err != nil && !c.isClosed() {
		return err
	}

	c.evaluate(context.WithoutCancel(ctx))
	c.setState(StateClosed)

	return nil
}

func (c *Coordinator) train(ctx context.Context) error {
	for iter := 1; !c.isClosed(); iter++ {
		if err := c.awaitBarrier(ctx); err != nil {
			return err
		}

		exhausted, err := c.localStep(ctx)
		if err != nil {
			return err
		}

		for {
			if err := c.aggregate(ctx); err != nil {
				return err
			}
			if c.isClosed() || c.registry.TotalPending() == 0 {
				break
			}
		}

		if c.topology.Role() == LeaderRole && c.cfg.SyncEvery > 0 && iter%c.cfg.SyncEvery == 0 {
			if err := c.Synchronize(ctx); err != nil {
				c.logger.Warn("periodic synchronisation failed", slog.Any("error", err))
			}
		}

		c.mu.Lock()
		converged := c.losses.converged()
		c.mu.Unlock()
		switch {
		case converged:
			c.setState(StateConverged)

			return nil
		case exhausted:
			c.setState(StateExhausted)

			return nil
		}
	}

	return nil
}

// awaitBarrier holds a follower whose registry was frozen by the leader
// until the leader's next update arrives.
func (c *Coordinator) awaitBarrier(ctx context.Context) error {
	if c.topology.Role() == LeaderRole || !c.registry.Frozen() {
		return nil
	}
	c.logger.Debug("waiting for leader after clear", slog.String("leader", c.topology.Leader))

	return c.registry.Wait(ctx)
}

func (c *Coordinator) localStep(ctx context.Context) (bool, error) {
	c.setState(StateTraining)

	res, err := c.model.Train(ctx, c.cfg.LocalSteps)
	if err != nil {
		return false, fmt.Errorf("local step: %w", err)
	}
	if len(res.Losses) == 0 {
		return res.Exhausted, nil
	}

	md := c.fairness.UpdateAfterLocalStep(c.topology.Self, len(res.Losses))
	rec := update.NewRecord(res.Deltas, md)

	c.mu.Lock()
	for _, l := range res.Losses {
		c.losses.push(l)
	}
	c.lastLoss = res.Losses[len(res.Losses)-1]
	c.steps += uint64(len(res.Losses))
	c.own = &rec
	c.lastSent = &rec
	c.state = StateDispatched
	c.mu.Unlock()

	if err := c.outbox.Enqueue(sender.UpdateMessage(rec)); err != nil {
		c.logger.Warn("failed to dispatch local update", slog.Any("error", err))
	}

	return res.Exhausted, nil
}

// aggregate drains every pending update, adds this node's own contribution,
// and applies the fairness-weighted sum to the model.
func (c *Coordinator) aggregate(ctx context.Context) error {
	c.setState(StateAggregating)

	var recs []update.Record
	for _, device := range c.pendingDevices() {
		drained, err := c.registry.DrainDevice(device)
		switch {
		case errors.Is(err, pkgerrors.ErrQueueEmpty):
			continue
		case err != nil:
			return err
		}
		recs = append(recs, drained...)
	}

	c.mu.Lock()
	if c.own != nil {
		recs = append(recs, *c.own)
		c.own = nil
	}
	c.mu.Unlock()

	recs = c.compatible(recs)
	if len(recs) == 0 {
		return nil
	}

	metas := make([]update.Metadata, len(recs))
	devices := make(map[string]struct{})
	for i, r := range recs {
		metas[i] = r.Metadata()
		for _, d := range r.Devices() {
			devices[d] = struct{}{}
		}
	}
	deviceList := slices.Sorted(maps.Keys(devices))

	entries := c.fairness.FlattenMetadata(metas, deviceList)
	alphas := c.fairness.Alphas(entries)
	if len(alphas) != len(recs) || len(entries) != len(recs) {
		return fmt.Errorf("%w: %d records, %d weights, %d metadata entries", pkgerrors.ErrInvariantViolation, len(recs), len(alphas), len(entries))
	}

	for i, r := range recs {
		for slot, delta := range r.Deltas() {
			if err := c.model.Apply(slot, alphas[i], delta); err != nil {
				return fmt.Errorf("%w: %w", pkgerrors.ErrInvariantViolation, err)
			}
		}
	}
	if err := c.fairness.UpdateInternalState(alphas, entries, deviceList); err != nil {
		return err
	}

	c.mu.Lock()
	c.rounds++
	rounds := c.rounds
	c.mu.Unlock()

	c.logger.Debug("aggregated updates", slog.Int("records", len(recs)), slog.Uint64("round", rounds))

	if c.cfg.CheckpointEvery > 0 && rounds%uint64(c.cfg.CheckpointEvery) == 0 {
		c.saveCheckpoint(ctx, rounds)
	}

	return nil
}

// compatible drops records whose deltas do not fit the model's parameter
// shapes, so one malformed peer cannot poison a round.
func (c *Coordinator) compatible(recs []update.Record) []update.Record {
	params := c.model.Params()

	return slices.DeleteFunc(recs, func(r update.Record) bool {
		for slot, delta := range r.Deltas() {
			p, ok := params[slot]
			if !ok || len(p) != len(delta) {
				c.logger.Warn("discarding update with mismatched parameters",
					slog.Any("devices", r.Devices()),
					slog.String("slot", slot),
				)

				return true
			}
		}

		return false
	})
}

func (c *Coordinator) pendingDevices() []string {
	lengths := c.registry.Lengths()
	devices := make([]string, 0, len(lengths))
	for d, n := range lengths {
		if n > 0 {
			devices = append(devices, d)
		}
	}
	slices.Sort(devices)

	return devices
}

// serve keeps folding in peer updates after local training has ended, so
// peers still training are not throttled by this node's queues.
func (c *Coordinator) serve(ctx context.Context) error {
	for !c.isClosed() {
		if err := c.registry.Wait(ctx); err != nil {
			return err
		}
		if err := c.aggregate(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Fence discards everything pending in this epoch, both received and not yet
// sent.
func (c *Coordinator) Fence(epoch uint64) (int, int) {
	received := c.registry.ClearAll()
	unsent := c.outbox.DrainAll()

	c.mu.Lock()
	c.own = nil
	if epoch > c.epoch {
		c.epoch = epoch
	}
	c.mu.Unlock()

	return received, unsent
}

// Synchronize starts a new epoch across the cluster. The leader flushes its
// own queues, asks every peer to clear theirs, and follows up with its latest
// contribution, which releases the peers from the freeze.
func (c *Coordinator) Synchronize(_ context.Context) error {
	if c.topology.Role() != LeaderRole {
		return fmt.Errorf("%w: only the leader %s can synchronise", pkgerrors.ErrUnauthorized, c.topology.Leader)
	}

	c.registry.DequeueEveryQueue()
	c.outbox.DrainAll()

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	last := c.lastSent
	c.mu.Unlock()

	if err := c.outbox.Enqueue(sender.ClearMessage(epoch)); err != nil {
		return err
	}
	if last != nil {
		if err := c.outbox.Enqueue(sender.UpdateMessage(*last)); err != nil {
			return err
		}
	}
	c.logger.Info("synchronised cluster", slog.Uint64("epoch", epoch))

	return nil
}

// Close asks the coordinator to stop. It is safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Coordinator) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Coordinator) evaluate(ctx context.Context) {
	mse, err := c.model.Evaluate(ctx)
	if err != nil {
		c.logger.Warn("evaluation failed", slog.Any("error", err))

		return
	}

	c.mu.Lock()
	c.evalLoss = mse
	c.evaluated = true
	c.mu.Unlock()

	c.logger.Info("evaluated model", slog.Float64("mse", mse))
}

func (c *Coordinator) restore(ctx context.Context) {
	if c.checkpoints == nil {
		return
	}

	cp, err := c.checkpoints.Latest(ctx, c.topology.Self)
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		return
	case err != nil:
		c.logger.Warn("failed to load checkpoint", slog.Any("error", err))

		return
	}

	if err := c.model.Load(cp.Params); err != nil {
		c.logger.Warn("ignoring incompatible checkpoint", slog.Uint64("round", cp.Round), slog.Any("error", err))

		return
	}
	c.fairness.Restore(cp.Epoch, cp.Local)

	c.mu.Lock()
	c.rounds = cp.Round
	c.mu.Unlock()

	c.logger.Info("restored checkpoint", slog.Uint64("round", cp.Round))
}

func (c *Coordinator) saveCheckpoint(ctx context.Context, round uint64) {
	if c.checkpoints == nil {
		return
	}

	c.mu.Lock()
	loss := c.lastLoss
	c.mu.Unlock()

	cp := checkpoint.Checkpoint{
		NodeID:    c.topology.Self,
		Round:     round,
		Params:    c.model.Params(),
		Epoch:     c.fairness.Snapshot(),
		Local:     c.fairness.LocalRounds(),
		Loss:      loss,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		c.logger.Warn("failed to save checkpoint", slog.Uint64("round", round), slog.Any("error", err))
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = s
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Coordinator) Steps() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.steps
}

func (c *Coordinator) Rounds() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rounds
}

// Progress is a snapshot of the coordinator for status reporting.
type Progress struct {
	State      State             `json:"state"`
	Epoch      uint64            `json:"epoch"`
	LocalSteps uint64            `json:"local_steps"`
	Rounds     uint64            `json:"rounds"`
	LastLoss   float64           `json:"last_loss"`
	Converged  bool              `json:"converged"`
	Closed     bool              `json:"closed"`
	Evaluation *float64          `json:"evaluation_mse,omitempty"`
	Fairness   map[string]uint64 `json:"fairness_epoch"`
}

func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	p := Progress{
		State:      c.state,
		Epoch:      c.epoch,
		LocalSteps: c.steps,
		Rounds:     c.rounds,
		LastLoss:   c.lastLoss,
		Converged:  c.losses.converged(),
	}
	if c.evaluated {
		mse := c.evalLoss
		p.Evaluation = &mse
	}
	c.mu.Unlock()

	p.Closed = c.isClosed()
	p.Fairness = c.fairness.Snapshot()

	return p
}
