package pending_test

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/pending"
	"github.com/absmach/fedsync/pkg/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(device string, round uint64) update.Record {
	return update.NewRecord(update.Deltas{"0": {float64(round)}}, update.NewMetadata(device, round))
}

func requireInvariant(t *testing.T, r *pending.Registry) {
	t.Helper()

	stats := r.Stats()
	sum := 0
	for _, l := range stats.Lengths {
		sum += l
	}
	require.Equal(t, stats.Total, sum, "total pending must equal the sum of queue lengths")
}

func TestScenarioEnqueueAndRandomDrain(t *testing.T) {
	t.Parallel()

	r := pending.New(100)
	require.NoError(t, r.Setup("n0", []string{"n1", "n2"}, "n0"))
	assert.Equal(t, 0, r.TotalPending())

	require.NoError(t, r.Enqueue(rec("n1", 1), "n1"))
	assert.Equal(t, 1, r.TotalPending())
	require.NoError(t, r.Enqueue(rec("n1", 2), "n1"))
	assert.Equal(t, 2, r.TotalPending())
	require.NoError(t, r.Enqueue(rec("n0", 1), "n0"))
	assert.Equal(t, 3, r.TotalPending())

	for want := 2; want >= 0; want-- {
		_, err := r.DequeueRandom()
		require.NoError(t, err)
		assert.Equal(t, want, r.TotalPending())
		requireInvariant(t, r)
	}

	_, err := r.DequeueRandom()
	assert.ErrorIs(t, err, pkgerrors.ErrQueueEmpty)
}

func TestScenarioDequeueEveryQueue(t *testing.T) {
	t.Parallel()

	r := pending.New(100)
	require.NoError(t, r.Setup("n0", []string{"n1", "n2"}, "n0"))
	require.NoError(t, r.Enqueue(rec("n1", 1), "n1"))
	require.NoError(t, r.Enqueue(rec("n1", 2), "n1"))

	assert.Equal(t, 2, r.DequeueEveryQueue())
	assert.Equal(t, 0, r.TotalPending())
	assert.False(t, r.Frozen())
	requireInvariant(t, r)

	require.NoError(t, r.Enqueue(rec("n1", 3), "n1"))
	require.NoError(t, r.Enqueue(rec("n2", 1), "n2"))
	assert.Equal(t, 2, r.ClearAll())
	assert.Equal(t, 0, r.TotalPending())
	requireInvariant(t, r)
}

func TestScenarioBackpressure(t *testing.T) {
	t.Parallel()

	r := pending.New(2)
	require.NoError(t, r.Enqueue(rec("a", 1), "a"))
	require.NoError(t, r.Enqueue(rec("b", 1), "b"))
	require.NoError(t, r.Enqueue(rec("b", 2), "b"))
	require.NoError(t, r.Enqueue(rec("b", 3), "b"))

	stats := r.Stats()
	require.Equal(t, 1, stats.Lengths["a"])
	require.Equal(t, 3, stats.Lengths["b"])
	require.Equal(t, 1, stats.MinQueueLen)

	err := r.Enqueue(rec("b", 4), "b")
	assert.ErrorIs(t, err, pkgerrors.ErrBackpressure)
	assert.Equal(t, 4, r.TotalPending())

	assert.NoError(t, r.Enqueue(rec("a", 2), "a"))
	assert.Equal(t, 5, r.TotalPending())
	requireInvariant(t, r)
}

func TestAdmissionControl(t *testing.T) {
	t.Parallel()

	cases := []struct {
		desc   string
		ratio  float64
		minLen int
		target int
		err    error
	}{
		{desc: "below ratio times min", ratio: 2, minLen: 2, target: 3, err: nil},
		{desc: "equal to ratio times min", ratio: 2, minLen: 1, target: 2, err: nil},
		{desc: "above ratio times min", ratio: 2, minLen: 1, target: 3, err: pkgerrors.ErrBackpressure},
		{desc: "fractional ratio at boundary", ratio: 1.5, minLen: 2, target: 3, err: nil},
		{desc: "fractional ratio above boundary", ratio: 1.5, minLen: 2, target: 4, err: pkgerrors.ErrBackpressure},
		{desc: "ratio one with equal queues", ratio: 1, minLen: 3, target: 3, err: nil},
		{desc: "ratio one with longer target", ratio: 1, minLen: 3, target: 4, err: pkgerrors.ErrBackpressure},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			r := pending.New(tc.ratio)
			// A lone queue is its own minimum, so it can be filled freely.
			for i := range tc.target {
				require.NoError(t, r.Enqueue(rec("fast", uint64(i)), "fast"))
			}
			for i := range tc.minLen {
				require.NoError(t, r.Enqueue(rec("slow", uint64(i)), "slow"))
			}

			before := r.TotalPending()
			err := r.Enqueue(rec("fast", 99), "fast")
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.Equal(t, before, r.TotalPending())

				return
			}
			assert.NoError(t, err)
			assert.Equal(t, before+1, r.TotalPending())
		})
	}
}

func TestNewDeviceIsNeverRejected(t *testing.T) {
	t.Parallel()

	r := pending.New(1)
	require.NoError(t, r.Enqueue(rec("a", 1), "a"))
	require.NoError(t, r.Enqueue(rec("a", 2), "a"))
	require.NoError(t, r.Enqueue(rec("b", 1), "b"))
	assert.ErrorIs(t, r.Enqueue(rec("a", 3), "a"), pkgerrors.ErrBackpressure)

	require.NoError(t, r.Enqueue(rec("c", 1), "c"))
	assert.Equal(t, 4, r.TotalPending())
}

func TestFreezeAndClear(t *testing.T) {
	t.Parallel()

	r := pending.New(100)
	require.NoError(t, r.Setup("n1", []string{"n0", "n2"}, "n0"))
	require.NoError(t, r.Enqueue(rec("n2", 1), "n2"))
	require.NoError(t, r.Enqueue(rec("n0", 1), "n0"))

	assert.Equal(t, 2, r.ClearAll())
	assert.True(t, r.Frozen())
	assert.Equal(t, 0, r.TotalPending())

	assert.NoError(t, r.Enqueue(rec("n2", 2), "n2"))
	assert.NoError(t, r.Enqueue(rec("n9", 1), "n9"))
	assert.Equal(t, 0, r.TotalPending())
	assert.True(t, r.Frozen())
	_, err := r.Dequeue("n2")
	assert.ErrorIs(t, err, pkgerrors.ErrQueueEmpty)

	require.NoError(t, r.Enqueue(rec("n0", 2), "n0"))
	assert.False(t, r.Frozen())
	assert.Equal(t, 1, r.TotalPending())

	require.NoError(t, r.Enqueue(rec("n2", 3), "n2"))
	assert.Equal(t, 2, r.TotalPending())
	requireInvariant(t, r)
}

func TestDequeue(t *testing.T) {
	t.Parallel()

	r := pending.New(100)
	require.NoError(t, r.Setup("n0", []string{"n1"}, "n0"))

	_, err := r.Dequeue("n1")
	assert.ErrorIs(t, err, pkgerrors.ErrQueueEmpty)

	require.NoError(t, r.Enqueue(rec("n1", 1), "n1"))
	require.NoError(t, r.Enqueue(rec("n1", 2), "n1"))

	_, err = r.Dequeue("unknown")
	assert.ErrorIs(t, err, pkgerrors.ErrQueueEmpty)
	_, ok := r.Stats().Lengths["unknown"]
	assert.True(t, ok, "dequeue creates the queue lazily")

	got, err := r.Dequeue("n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Metadata()["n1"])
	got, err = r.Dequeue("n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Metadata()["n1"])
	assert.Equal(t, 0, r.TotalPending())
	requireInvariant(t, r)
}

func TestDrainDevice(t *testing.T) {
	t.Parallel()

	r := pending.New(100)
	require.NoError(t, r.Setup("n0", []string{"n1", "n2"}, "n0"))

	_, err := r.DrainDevice("n1")
	assert.ErrorIs(t, err, pkgerrors.ErrQueueEmpty)

	for i := range uint64(3) {
		require.NoError(t, r.Enqueue(rec("n1", i), "n1"))
	}
	require.NoError(t, r.Enqueue(rec("n2", 7), "n2"))

	recs, err := r.DrainDevice("n1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, got := range recs {
		assert.Equal(t, uint64(i), got.Metadata()["n1"])
	}
	assert.Equal(t, 1, r.TotalPending())

	_, err = r.DrainDevice("n1")
	assert.ErrorIs(t, err, pkgerrors.ErrQueueEmpty)
	requireInvariant(t, r)
}

func TestDequeueRandomIsWeightedByLength(t *testing.T) {
	t.Parallel()

	const trials = 4000
	hits := map[string]int{}
	rnd := rand.New(rand.NewPCG(7, 11))
	for range trials {
		r := pending.New(100, pending.WithRand(rnd))
		require.NoError(t, r.Enqueue(rec("light", 0), "light"))
		for i := range uint64(3) {
			require.NoError(t, r.Enqueue(rec("heavy", i), "heavy"))
		}
		got, err := r.DequeueRandom()
		require.NoError(t, err)
		hits[got.Devices()[0]]++
	}

	share := float64(hits["heavy"]) / trials
	assert.InDelta(t, 0.75, share, 0.05)
}

func TestInvariantUnderRandomOperations(t *testing.T) {
	t.Parallel()

	rnd := rand.New(rand.NewPCG(1, 2))
	devices := []string{"n0", "n1", "n2", "n3"}
	r := pending.New(3, pending.WithRand(rnd))
	require.NoError(t, r.Setup("n0", devices[1:], "n0"))

	for i := range 5000 {
		device := devices[rnd.IntN(len(devices))]
		switch op := rnd.IntN(20); {
		case op < 10:
			err := r.Enqueue(rec(device, uint64(i)), device)
			if err != nil {
				require.ErrorIs(t, err, pkgerrors.ErrBackpressure)
			}
		case op < 13:
			if _, err := r.Dequeue(device); err != nil {
				require.ErrorIs(t, err, pkgerrors.ErrQueueEmpty)
			}
		case op < 16:
			if _, err := r.DequeueRandom(); err != nil {
				require.ErrorIs(t, err, pkgerrors.ErrQueueEmpty)
			}
		case op < 18:
			if _, err := r.DrainDevice(device); err != nil {
				require.ErrorIs(t, err, pkgerrors.ErrQueueEmpty)
			}
		case op < 19:
			r.ClearAll()
		default:
			r.DequeueEveryQueue()
		}
		requireInvariant(t, r)
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := pending.New(1000)
	require.NoError(t, r.Setup("n0", []string{"n1", "n2", "n3"}, "n0"))

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			device := fmt.Sprintf("n%d", w)
			for i := range 250 {
				_ = r.Enqueue(rec(device, uint64(i)), device)
				if i%3 == 0 {
					_, _ = r.DequeueRandom()
				}
			}
		}()
	}
	wg.Wait()
	requireInvariant(t, r)
}

func TestSetupOnce(t *testing.T) {
	t.Parallel()

	r := pending.New(2)
	require.NoError(t, r.Setup("n0", []string{"n1"}, "n0"))
	assert.ErrorIs(t, r.Setup("n0", []string{"n1"}, "n0"), pkgerrors.ErrAlreadySetup)
	assert.True(t, r.IsLeader())
	assert.Equal(t, []string{"n1"}, r.Peers())
	assert.Equal(t, "n0", r.Self())
	assert.Equal(t, "n0", r.Leader())
}

func TestWait(t *testing.T) {
	t.Parallel()

	r := pending.New(100)
	require.NoError(t, r.Setup("n0", []string{"n1"}, "n0"))

	done := make(chan error, 1)
	go func() {
		done <- r.Wait(context.Background())
	}()

	r.Wake()
	select {
	case err := <-done:
		t.Fatalf("wait returned without pending work: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.Enqueue(rec("n1", 1), "n1"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait was not woken by enqueue")
	}

	assert.NoError(t, r.Wait(context.Background()), "returns immediately when work is pending")
}

func TestWaitCancelled(t *testing.T) {
	t.Parallel()

	r := pending.New(100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.Canceled)
}

func TestLengths(t *testing.T) {
	t.Parallel()

	r := pending.New(10)
	require.NoError(t, r.Setup("n0", []string{"n1"}, "n0"))
	require.NoError(t, r.Enqueue(rec("n1", 1), "n1"))
	require.NoError(t, r.Enqueue(rec("n1", 2), "n1"))
	require.NoError(t, r.Enqueue(rec("n5", 1), "n5"))

	assert.Equal(t, map[string]int{"n0": 0, "n1": 2, "n5": 1}, r.Lengths())

	r.DequeueEveryQueue()
	assert.Equal(t, map[string]int{"n0": 0, "n1": 0, "n5": 0}, r.Lengths())
}

func TestValidateRatio(t *testing.T) {
	t.Parallel()

	cases := []struct {
		desc  string
		ratio float64
		err   error
	}{
		{desc: "default", ratio: 4},
		{desc: "below one", ratio: 0.5},
		{desc: "zero", ratio: 0, err: pending.ErrInvalidRatio},
		{desc: "negative", ratio: -1, err: pending.ErrInvalidRatio},
		{desc: "nan", ratio: math.NaN(), err: pending.ErrInvalidRatio},
		{desc: "infinity", ratio: math.Inf(1), err: pending.ErrInvalidRatio},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			assert.ErrorIs(t, pending.ValidateRatio(tc.ratio), tc.err)
		})
	}
}
