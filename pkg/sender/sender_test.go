package sender_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/sender"
	"github.com/absmach/fedsync/pkg/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type delivery struct {
	dest  string
	from  string
	kind  sender.Kind
	epoch uint64
}

type recordingTransport struct {
	mu       sync.Mutex
	got      []delivery
	blockFor string
	release  chan struct{}
	fail     map[string]bool
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{release: make(chan struct{}), fail: map[string]bool{}}
}

func (t *recordingTransport) record(ctx context.Context, d delivery) error {
	if d.dest == t.blockFor {
		select {
		case <-t.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail[d.dest] {
		return errors.New("unreachable")
	}
	t.got = append(t.got, d)

	return nil
}

func (t *recordingTransport) SendUpdate(ctx context.Context, dest, from string, _ update.Record) error {
	return t.record(ctx, delivery{dest: dest, from: from, kind: sender.KindUpdate})
}

func (t *recordingTransport) SendClear(ctx context.Context, dest, from string, epoch uint64) error {
	return t.record(ctx, delivery{dest: dest, from: from, kind: sender.KindClear, epoch: epoch})
}

func (t *recordingTransport) SendClose(ctx context.Context, dest, from string) error {
	return t.record(ctx, delivery{dest: dest, from: from, kind: sender.KindClose})
}

func (t *recordingTransport) deliveredTo(dest string) []delivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []delivery
	for _, d := range t.got {
		if d.dest == dest {
			out = append(out, d)
		}
	}

	return out
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecord(t *testing.T) update.Record {
	t.Helper()

	return update.NewRecord(update.Deltas{"w": {1}}, update.NewMetadata("a", 1))
}

func start(t *testing.T, s *sender.Sender) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("sender did not stop")
		}
	}
}

func TestSetupDestinations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		desc    string
		self    string
		peers   []string
		leaders []string
		want    []string
	}{
		{
			desc:    "peers and leader",
			self:    "a",
			peers:   []string{"b", "c"},
			leaders: []string{"l"},
			want:    []string{"b", "c", "l"},
		},
		{
			desc:    "self excluded",
			self:    "a",
			peers:   []string{"a", "b"},
			leaders: []string{"a"},
			want:    []string{"b"},
		},
		{
			desc:    "duplicates removed",
			self:    "a",
			peers:   []string{"b", "b", "c"},
			leaders: []string{"c"},
			want:    []string{"b", "c"},
		},
		{
			desc: "no destinations",
			self: "a",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			s := sender.New(newRecordingTransport(), discard())
			require.NoError(t, s.Setup(tc.self, tc.peers, tc.leaders))
			assert.Equal(t, tc.want, s.Destinations())
		})
	}
}

func TestSetupOnce(t *testing.T) {
	t.Parallel()

	s := sender.New(newRecordingTransport(), discard())
	require.NoError(t, s.Setup("a", []string{"b"}, nil))
	assert.ErrorIs(t, s.Setup("a", []string{"c"}, nil), pkgerrors.ErrAlreadySetup)
}

func TestNotSetup(t *testing.T) {
	t.Parallel()

	s := sender.New(newRecordingTransport(), discard())
	assert.ErrorIs(t, s.Enqueue(sender.CloseMessage()), pkgerrors.ErrNotSetup)
	assert.ErrorIs(t, s.Run(context.Background()), pkgerrors.ErrNotSetup)
}

func TestFanOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newRecordingTransport()
	s := sender.New(tr, discard())
	require.NoError(t, s.Setup("a", []string{"b", "c"}, []string{"l"}))
	stop := start(t, s)

	require.NoError(t, s.Enqueue(sender.UpdateMessage(testRecord(t))))
	require.NoError(t, s.Enqueue(sender.ClearMessage(7)))

	for _, dest := range []string{"b", "c", "l"} {
		require.Eventually(t, func() bool {
			return len(tr.deliveredTo(dest)) == 2
		}, 2*time.Second, 5*time.Millisecond, dest)

		got := tr.deliveredTo(dest)
		assert.Equal(t, sender.KindUpdate, got[0].kind)
		assert.Equal(t, sender.KindClear, got[1].kind)
		assert.Equal(t, uint64(7), got[1].epoch)
		assert.Equal(t, "a", got[0].from)
	}

	stop()
}

func TestBlockedDestinationDoesNotDelayOthers(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newRecordingTransport()
	tr.blockFor = "slow"
	s := sender.New(tr, discard())
	require.NoError(t, s.Setup("a", []string{"slow", "fast"}, nil))
	stop := start(t, s)

	for range 3 {
		require.NoError(t, s.Enqueue(sender.UpdateMessage(testRecord(t))))
	}

	require.Eventually(t, func() bool {
		return len(tr.deliveredTo("fast")) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.deliveredTo("slow"))

	close(tr.release)
	require.Eventually(t, func() bool {
		return len(tr.deliveredTo("slow")) == 3
	}, 2*time.Second, 5*time.Millisecond)

	stop()
}

func TestFailedDeliveryIsNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newRecordingTransport()
	tr.fail["down"] = true
	s := sender.New(tr, discard())
	require.NoError(t, s.Setup("a", []string{"down", "up"}, nil))
	stop := start(t, s)

	require.NoError(t, s.Enqueue(sender.CloseMessage()))
	require.Eventually(t, func() bool {
		return len(tr.deliveredTo("up")) == 1 && s.Pending()["down"] == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.deliveredTo("down"))

	stop()
}

func TestDrainAll(t *testing.T) {
	t.Parallel()

	s := sender.New(newRecordingTransport(), discard())
	require.NoError(t, s.Setup("a", []string{"b", "c"}, nil))

	for range 4 {
		require.NoError(t, s.Enqueue(sender.UpdateMessage(testRecord(t))))
	}
	assert.Equal(t, map[string]int{"b": 4, "c": 4}, s.Pending())
	assert.Equal(t, 8, s.DrainAll())
	assert.Equal(t, map[string]int{"b": 0, "c": 0}, s.Pending())
	assert.Equal(t, 0, s.DrainAll())
}

func TestOverflowDropsOldest(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newRecordingTransport()
	s := sender.New(tr, discard(), sender.WithCapacity(2))
	require.NoError(t, s.Setup("a", []string{"b"}, nil))

	require.NoError(t, s.Enqueue(sender.ClearMessage(1)))
	require.NoError(t, s.Enqueue(sender.ClearMessage(2)))
	require.NoError(t, s.Enqueue(sender.ClearMessage(3)))
	assert.Equal(t, 2, s.Pending()["b"])

	stop := start(t, s)
	require.Eventually(t, func() bool {
		return len(tr.deliveredTo("b")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	got := tr.deliveredTo("b")
	assert.Equal(t, uint64(2), got[0].epoch)
	assert.Equal(t, uint64(3), got[1].epoch)

	stop()
}

func TestDelayedDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := newRecordingTransport()
	s := sender.New(tr, discard())
	require.NoError(t, s.Setup("a", []string{"far", "near"}, nil))
	s.SetDelay("far", 300*time.Millisecond)
	stop := start(t, s)

	require.NoError(t, s.Enqueue(sender.CloseMessage()))
	require.Eventually(t, func() bool {
		return len(tr.deliveredTo("near")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.deliveredTo("far"))

	require.Eventually(t, func() bool {
		return len(tr.deliveredTo("far")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	stop()
}
