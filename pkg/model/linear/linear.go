// Package linear is a linear regression model trained by minibatch gradient
// descent over a synthetic dataset. Every node of a fleet generates the same
// dataset from a shared seed and keeps only its own partition of the rows.
package linear

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/absmach/fedsync/pkg/model"
	"github.com/absmach/fedsync/pkg/update"
)

const (
	SlotWeights = "weights"
	SlotBias    = "bias"
)

type Config struct {
	Features     int     `env:"FEATURES"      envDefault:"4"`
	Samples      int     `env:"SAMPLES"       envDefault:"4000"`
	BatchSize    int     `env:"BATCH_SIZE"    envDefault:"16"`
	LearningRate float64 `env:"LEARNING_RATE" envDefault:"0.05"`
	MaxEpochs    int     `env:"MAX_EPOCHS"    envDefault:"20"`
	Noise        float64 `env:"NOISE"         envDefault:"0.1"`
	HoldOut      float64 `env:"HOLD_OUT"      envDefault:"0.2"`
	Seed         uint64  `env:"SEED"          envDefault:"42"`
	// Partition and Partitions select rows i with i % Partitions == Partition.
	Partition  int `env:"PARTITION"  envDefault:"0"`
	Partitions int `env:"PARTITIONS" envDefault:"1"`
}

func (c Config) validate() error {
	switch {
	case c.Features <= 0:
		return fmt.Errorf("features must be positive, got %d", c.Features)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	case c.Partitions <= 0 || c.Partition < 0 || c.Partition >= c.Partitions:
		return fmt.Errorf("invalid partition %d of %d", c.Partition, c.Partitions)
	case c.HoldOut < 0 || c.HoldOut >= 1:
		return fmt.Errorf("hold out fraction must be in [0, 1), got %g", c.HoldOut)
	}

	return nil
}

type sample struct {
	x []float64
	y float64
}

type Model struct {
	cfg Config

	mu      sync.Mutex
	weights []float64
	bias    float64

	train  []sample
	test   []sample
	cursor int
	epochs int
}

var _ model.Model = (*Model)(nil)

func New(cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rows := generate(cfg)
	split := len(rows) - int(float64(len(rows))*cfg.HoldOut)
	if split <= 0 {
		return nil, fmt.Errorf("partition %d of %d holds no training rows", cfg.Partition, cfg.Partitions)
	}

	return &Model{
		cfg:     cfg,
		weights: make([]float64, cfg.Features),
		train:   rows[:split],
		test:    rows[split:],
	}, nil
}

// generate draws the fleet-wide dataset and keeps this node's rows.
func generate(cfg Config) []sample {
	rnd := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	truth := make([]float64, cfg.Features)
	for i := range truth {
		truth[i] = rnd.NormFloat64() * 2
	}
	bias := rnd.NormFloat64()

	var rows []sample
	for i := range cfg.Samples {
		x := make([]float64, cfg.Features)
		for j := range x {
			x[j] = rnd.NormFloat64()
		}
		y := dot(truth, x) + bias + cfg.Noise*rnd.NormFloat64()
		if i%cfg.Partitions == cfg.Partition {
			rows = append(rows, sample{x: x, y: y})
		}
	}

	return rows
}

func (m *Model) Train(ctx context.Context, steps int) (model.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := slices.Clone(m.weights)
	b := m.bias
	res := model.Result{}

	for range steps {
		if err := ctx.Err(); err != nil {
			return model.Result{}, err
		}
		if m.epochs >= m.cfg.MaxEpochs {
			res.Exhausted = true

			break
		}

		end := min(m.cursor+m.cfg.BatchSize, len(m.train))
		batch := m.train[m.cursor:end]
		m.cursor = end
		if m.cursor == len(m.train) {
			m.cursor = 0
			m.epochs++
		}

		gw := make([]float64, len(w))
		var gb, loss float64
		for _, s := range batch {
			e := dot(w, s.x) + b - s.y
			loss += e * e
			for j, xj := range s.x {
				gw[j] += 2 * e * xj
			}
			gb += 2 * e
		}
		n := float64(len(batch))
		for j := range w {
			w[j] -= m.cfg.LearningRate * gw[j] / n
		}
		b -= m.cfg.LearningRate * gb / n
		res.Losses = append(res.Losses, loss/n)
	}
	if m.epochs >= m.cfg.MaxEpochs {
		res.Exhausted = true
	}

	dw := make([]float64, len(w))
	for j := range w {
		dw[j] = w[j] - m.weights[j]
	}
	res.Deltas = update.Deltas{
		SlotWeights: dw,
		SlotBias:    {b - m.bias},
	}

	return res, nil
}

func (m *Model) Apply(slot string, weight float64, delta []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch slot {
	case SlotWeights:
		if len(delta) != len(m.weights) {
			return fmt.Errorf("%w: %s has %d values, got %d", model.ErrSlotMismatch, slot, len(m.weights), len(delta))
		}
		for j, d := range delta {
			m.weights[j] += weight * d
		}
	case SlotBias:
		if len(delta) != 1 {
			return fmt.Errorf("%w: %s has 1 value, got %d", model.ErrSlotMismatch, slot, len(delta))
		}
		m.bias += weight * delta[0]
	default:
		return fmt.Errorf("%w: unknown slot %q", model.ErrSlotMismatch, slot)
	}

	return nil
}

func (m *Model) Params() update.Deltas {
	m.mu.Lock()
	defer m.mu.Unlock()

	return update.Deltas{
		SlotWeights: slices.Clone(m.weights),
		SlotBias:    {m.bias},
	}
}

func (m *Model) Load(params update.Deltas) error {
	w, ok := params[SlotWeights]
	if !ok || len(w) != m.cfg.Features {
		return fmt.Errorf("%w: checkpoint %s", model.ErrSlotMismatch, SlotWeights)
	}
	b, ok := params[SlotBias]
	if !ok || len(b) != 1 {
		return fmt.Errorf("%w: checkpoint %s", model.ErrSlotMismatch, SlotBias)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.weights = slices.Clone(w)
	m.bias = b[0]

	return nil
}

func (m *Model) Evaluate(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.test
	if len(rows) == 0 {
		rows = m.train
	}

	var sum float64
	for i, s := range rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		e := dot(m.weights, s.x) + m.bias - s.y
		sum += e * e
	}

	return sum / float64(len(rows)), nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}

	return s
}
