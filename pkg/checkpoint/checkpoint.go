// Package checkpoint describes the persisted state of a node after an
// aggregation round: the model parameters together with the fairness
// counters needed to resume weighting where it stopped.
package checkpoint

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/absmach/fedsync/pkg/update"
)

type Checkpoint struct {
	NodeID string `json:"node_id"`
	// Round is the number of aggregation rounds completed by the node.
	Round     uint64            `json:"round"`
	Params    update.Deltas     `json:"params"`
	Epoch     map[string]uint64 `json:"epoch"`
	Local     map[string]uint64 `json:"local"`
	Loss      float64           `json:"loss"`
	CreatedAt time.Time         `json:"created_at"`
}

type Page struct {
	Offset      uint64       `json:"offset"`
	Limit       uint64       `json:"limit"`
	Total       uint64       `json:"total"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// Repository stores checkpoints per node. Saving a round that already exists
// replaces it.
type Repository interface {
	Save(ctx context.Context, c Checkpoint) error
	// Latest returns the checkpoint with the highest round for the node.
	Latest(ctx context.Context, nodeID string) (Checkpoint, error)
	// List returns checkpoints of the node ordered by round, oldest first.
	List(ctx context.Context, nodeID string, offset, limit uint64) ([]Checkpoint, uint64, error)
	Delete(ctx context.Context, nodeID string, round uint64) error
}

// Clone returns a deep copy of c.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.Params = make(update.Deltas, len(c.Params))
	for slot, v := range c.Params {
		out.Params[slot] = slices.Clone(v)
	}
	out.Epoch = maps.Clone(c.Epoch)
	out.Local = maps.Clone(c.Local)

	return out
}
