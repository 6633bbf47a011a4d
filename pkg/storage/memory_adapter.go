package storage

import (
	"context"
	"fmt"

	"github.com/absmach/fedsync/pkg/checkpoint"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
)

type memoryCheckpointRepo struct {
	storage Storage
}

func newMemoryCheckpointRepository(s Storage) checkpoint.Repository {
	return &memoryCheckpointRepo{storage: s}
}

func checkpointKey(nodeID string, round uint64) string {
	return fmt.Sprintf("%s/%020d", nodeID, round)
}

func (r *memoryCheckpointRepo) Save(ctx context.Context, c checkpoint.Checkpoint) error {
	if c.NodeID == "" {
		return pkgerrors.ErrEmptyKey
	}

	return r.storage.Put(ctx, checkpointKey(c.NodeID, c.Round), c.Clone())
}

func (r *memoryCheckpointRepo) Latest(ctx context.Context, nodeID string) (checkpoint.Checkpoint, error) {
	prefix := nodeID + "/"
	_, total, err := r.storage.List(ctx, prefix, 0, 0)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if total == 0 {
		return checkpoint.Checkpoint{}, pkgerrors.ErrNotFound
	}

	data, _, err := r.storage.List(ctx, prefix, total-1, 1)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if len(data) == 0 {
		return checkpoint.Checkpoint{}, pkgerrors.ErrNotFound
	}

	c, ok := data[0].(checkpoint.Checkpoint)
	if !ok {
		return checkpoint.Checkpoint{}, pkgerrors.ErrInvalidData
	}

	return c.Clone(), nil
}

func (r *memoryCheckpointRepo) List(ctx context.Context, nodeID string, offset, limit uint64) ([]checkpoint.Checkpoint, uint64, error) {
	data, total, err := r.storage.List(ctx, nodeID+"/", offset, limit)
	if err != nil {
		return nil, 0, err
	}

	cs := make([]checkpoint.Checkpoint, len(data))
	for i, d := range data {
		c, ok := d.(checkpoint.Checkpoint)
		if !ok {
			return nil, 0, pkgerrors.ErrInvalidData
		}
		cs[i] = c.Clone()
	}

	return cs, total, nil
}

func (r *memoryCheckpointRepo) Delete(ctx context.Context, nodeID string, round uint64) error {
	return r.storage.Delete(ctx, checkpointKey(nodeID, round))
}
