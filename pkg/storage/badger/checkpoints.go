package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/fedsync/pkg/checkpoint"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
)

type checkpointRepo struct {
	db *Database
}

func NewCheckpointRepository(db *Database) checkpoint.Repository {
	return &checkpointRepo{db: db}
}

func prefix(nodeID string) []byte {
	return []byte("checkpoint/" + nodeID + "/")
}

// Rounds are zero-padded so lexical key order matches round order.
func key(nodeID string, round uint64) []byte {
	return fmt.Appendf(prefix(nodeID), "%020d", round)
}

func (r *checkpointRepo) Save(ctx context.Context, c checkpoint.Checkpoint) error {
	if c.NodeID == "" {
		return pkgerrors.ErrEmptyKey
	}
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	if err := r.db.set(key(c.NodeID, c.Round), val); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	return nil
}

func (r *checkpointRepo) Latest(ctx context.Context, nodeID string) (checkpoint.Checkpoint, error) {
	val, err := r.db.lastWithPrefix(prefix(nodeID))
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	var c checkpoint.Checkpoint
	if err := json.Unmarshal(val, &c); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("unmarshal error: %w", err)
	}

	return c, nil
}

func (r *checkpointRepo) List(ctx context.Context, nodeID string, offset, limit uint64) ([]checkpoint.Checkpoint, uint64, error) {
	p := prefix(nodeID)
	total, err := r.db.countWithPrefix(p)
	if err != nil {
		return nil, 0, err
	}
	values, err := r.db.listWithPrefix(p, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	cs := make([]checkpoint.Checkpoint, len(values))
	for i, val := range values {
		var c checkpoint.Checkpoint
		if err := json.Unmarshal(val, &c); err != nil {
			return nil, 0, fmt.Errorf("unmarshal error: %w", err)
		}
		cs[i] = c
	}

	return cs, total, nil
}

func (r *checkpointRepo) Delete(ctx context.Context, nodeID string, round uint64) error {
	return r.db.delete(key(nodeID, round))
}
