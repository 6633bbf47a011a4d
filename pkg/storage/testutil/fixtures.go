package testutil

import (
	"testing"
	"time"

	"github.com/absmach/fedsync/pkg/checkpoint"
	"github.com/absmach/fedsync/pkg/update"
	"github.com/stretchr/testify/assert"
)

func TestCheckpoint(nodeID string, round uint64) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		NodeID: nodeID,
		Round:  round,
		Params: update.Deltas{
			"weights": {0.5, -1.25, float64(round)},
			"bias":    {0.125},
		},
		Epoch:     map[string]uint64{nodeID: round * 5, "localhost:5001": round * 3},
		Local:     map[string]uint64{nodeID: round * 5},
		Loss:      1 / float64(round+1),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// AssertCheckpoint compares checkpoints, tolerating time zone changes made by
// the backend.
func AssertCheckpoint(t *testing.T, want, got checkpoint.Checkpoint) {
	t.Helper()

	assert.Equal(t, want.NodeID, got.NodeID)
	assert.Equal(t, want.Round, got.Round)
	assert.Equal(t, want.Params, got.Params)
	assert.Equal(t, want.Epoch, got.Epoch)
	assert.Equal(t, want.Local, got.Local)
	assert.InDelta(t, want.Loss, got.Loss, 1e-12)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %s, got %s", want.CreatedAt, got.CreatedAt)
}
