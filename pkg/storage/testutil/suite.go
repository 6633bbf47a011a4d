package testutil

import (
	"context"
	"testing"

	"github.com/absmach/fedsync/pkg/checkpoint"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CheckpointRepository runs the behaviour every checkpoint backend shares.
func CheckpointRepository(t *testing.T, repo checkpoint.Repository) {
	t.Helper()

	t.Run("save and latest", func(t *testing.T) {
		node := "node-" + uuid.NewString()
		ctx := context.Background()

		for _, round := range []uint64{2, 10, 1} {
			require.NoError(t, repo.Save(ctx, TestCheckpoint(node, round)))
		}

		got, err := repo.Latest(ctx, node)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), got.Round)
		assert.Equal(t, node, got.NodeID)
	})

	t.Run("latest of unknown node", func(t *testing.T) {
		_, err := repo.Latest(context.Background(), "node-"+uuid.NewString())
		assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
	})

	t.Run("save replaces round", func(t *testing.T) {
		node := "node-" + uuid.NewString()
		ctx := context.Background()

		first := TestCheckpoint(node, 3)
		require.NoError(t, repo.Save(ctx, first))
		second := TestCheckpoint(node, 3)
		second.Loss = 42
		second.Epoch = map[string]uint64{node: 99}
		require.NoError(t, repo.Save(ctx, second))

		got, err := repo.Latest(ctx, node)
		require.NoError(t, err)
		AssertCheckpoint(t, second, got)

		_, total, err := repo.List(ctx, node, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), total)
	})

	t.Run("save without node", func(t *testing.T) {
		err := repo.Save(context.Background(), TestCheckpoint("", 1))
		assert.ErrorIs(t, err, pkgerrors.ErrEmptyKey)
	})

	t.Run("list", func(t *testing.T) {
		node := "node-" + uuid.NewString()
		other := "node-" + uuid.NewString()
		ctx := context.Background()

		want := make([]checkpoint.Checkpoint, 0, 5)
		for round := range uint64(5) {
			c := TestCheckpoint(node, round+1)
			require.NoError(t, repo.Save(ctx, c))
			want = append(want, c)
		}
		require.NoError(t, repo.Save(ctx, TestCheckpoint(other, 1)))

		cases := []struct {
			desc   string
			offset uint64
			limit  uint64
			rounds []uint64
		}{
			{desc: "all", offset: 0, limit: 10, rounds: []uint64{1, 2, 3, 4, 5}},
			{desc: "first page", offset: 0, limit: 2, rounds: []uint64{1, 2}},
			{desc: "second page", offset: 2, limit: 2, rounds: []uint64{3, 4}},
			{desc: "past the end", offset: 5, limit: 2},
		}

		for _, tc := range cases {
			t.Run(tc.desc, func(t *testing.T) {
				got, total, err := repo.List(ctx, node, tc.offset, tc.limit)
				require.NoError(t, err)
				assert.Equal(t, uint64(5), total)
				require.Len(t, got, len(tc.rounds))
				for i, round := range tc.rounds {
					AssertCheckpoint(t, want[round-1], got[i])
				}
			})
		}
	})

	t.Run("delete", func(t *testing.T) {
		node := "node-" + uuid.NewString()
		ctx := context.Background()

		require.NoError(t, repo.Save(ctx, TestCheckpoint(node, 1)))
		require.NoError(t, repo.Save(ctx, TestCheckpoint(node, 2)))
		require.NoError(t, repo.Delete(ctx, node, 2))

		got, err := repo.Latest(ctx, node)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Round)
	})
}
