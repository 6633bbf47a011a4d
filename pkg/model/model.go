// Package model defines the numerical model driven by a node. The
// coordinator never looks inside parameter vectors: it trains locally,
// exchanges the resulting deltas, and applies weighted deltas slot by slot.
package model

import (
	"context"
	"errors"

	"github.com/absmach/fedsync/pkg/update"
)

var ErrSlotMismatch = errors.New("parameter slot mismatch")

// Result is the outcome of one local compute step.
type Result struct {
	// Deltas is the change the local minibatches would make to the shared
	// parameters. The model itself is left untouched; the change takes effect
	// only when aggregated through Apply.
	Deltas update.Deltas
	// Losses holds one training loss per minibatch, oldest first.
	Losses []float64
	// Exhausted reports that the local data has been consumed.
	Exhausted bool
}

type Model interface {
	// Train runs up to steps minibatches against the current parameters.
	Train(ctx context.Context, steps int) (Result, error)

	// Apply adds weight × delta to the parameter slot.
	Apply(slot string, weight float64, delta []float64) error

	// Params returns a copy of the current parameters.
	Params() update.Deltas

	// Load replaces the parameters, e.g. from a checkpoint.
	Load(params update.Deltas) error

	// Evaluate returns the mean squared error on held-out data.
	Evaluate(ctx context.Context) (float64, error)
}
