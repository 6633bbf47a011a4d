// Package fairness turns the round counters attached to concurrently arriving
// contributions into aggregation weights. Contributions that carry more
// un-aggregated work from their device weigh more, and a device that sends
// several contributions in one round shares a single device-sized portion, so
// a fast device cannot dominate the aggregate.
package fairness

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/update"
)

// Entry is one contribution's view of the round: the effective counter of
// every device taking part and the devices that actually contributed to it.
type Entry struct {
	Counters     map[string]uint64 `json:"counters"`
	Contributors []string          `json:"contributors"`
}

// State is receiver-local. It is mutated only from the aggregation loop; the
// lock lets status readers take consistent snapshots.
type State struct {
	mu sync.RWMutex

	k float64
	// epoch holds the counter of each device as of its last aggregation.
	epoch map[string]uint64
	// local holds round counters of contributions produced on this node.
	local map[string]uint64
}

var ErrInvalidExponent = errors.New("fairness exponent must be a finite non-negative number")

// ValidateK rejects exponents that would break the ordering of weights by
// gap: negative values reverse it and non-finite values produce NaN.
func ValidateK(k float64) error {
	if math.IsNaN(k) || math.IsInf(k, 0) || k < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidExponent, k)
	}

	return nil
}

// New creates the state with exponent k and a zeroed entry for every device.
func New(k float64, devices []string) *State {
	s := &State{
		k:     k,
		epoch: make(map[string]uint64, len(devices)),
		local: make(map[string]uint64),
	}
	for _, d := range devices {
		s.epoch[d] = 0
	}

	return s
}

func (s *State) K() float64 {
	return s.k
}

// FlattenMetadata returns one entry per metadata element. Devices of the set
// missing from an element are filled in at their last aggregated counter, so
// a device without a new contribution is seen as stale rather than reset.
func (s *State) FlattenMetadata(list []update.Metadata, devices []string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := deviceSet(list, devices)
	entries := make([]Entry, len(list))
	for i, md := range list {
		counters := make(map[string]uint64, len(set))
		for _, d := range set {
			if c, ok := md[d]; ok {
				counters[d] = c

				continue
			}
			counters[d] = s.epoch[d]
		}
		entries[i] = Entry{
			Counters:     counters,
			Contributors: md.Devices(),
		}
	}

	return entries
}

// Alphas computes one weight per entry. For entry i with contributors C_i:
//
//	gap_i   = max over d in C_i of (counter_i[d] - epoch[d]), floored at 0
//	raw_i   = (1 + gap_i)^k / n_i
//	alpha_i = raw_i / sum(raw)
//
// where n_i is the number of entries in the round whose first contributor
// matches that of entry i. The result is non-negative, sums to one and is
// monotonic in the gap. The computation runs in log space so a large k does
// not overflow.
func (s *State) Alphas(entries []Entry) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alphas := make([]float64, len(entries))
	if len(entries) == 0 {
		return alphas
	}

	share := make(map[string]int, len(entries))
	for _, e := range entries {
		share[primary(e)]++
	}

	logRaw := make([]float64, len(entries))
	top := math.Inf(-1)
	for i, e := range entries {
		logRaw[i] = s.k*math.Log1p(float64(s.gap(e))) - math.Log(float64(share[primary(e)]))
		top = math.Max(top, logRaw[i])
	}

	var sum float64
	for i := range logRaw {
		alphas[i] = math.Exp(logRaw[i] - top)
		sum += alphas[i]
	}
	for i := range alphas {
		alphas[i] /= sum
	}

	return alphas
}

// UpdateInternalState records, for every device of the round, the largest
// counter used in it. Counters never move backwards. It is the only way the
// aggregated counters change.
func (s *State) UpdateInternalState(alphas []float64, entries []Entry, devices []string) error {
	if len(alphas) != len(entries) {
		return fmt.Errorf("%w: %d weights for %d entries", pkgerrors.ErrInvariantViolation, len(alphas), len(entries))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range devices {
		used, seen := uint64(0), false
		for _, e := range entries {
			if c, ok := e.Counters[d]; ok && (!seen || c > used) {
				used, seen = c, true
			}
		}
		if seen {
			s.epoch[d] = max(s.epoch[d], used)
		}
	}

	return nil
}

// UpdateAfterLocalStep advances device's local counter by steps and returns
// the metadata to attach to the contribution just produced.
func (s *State) UpdateAfterLocalStep(device string, steps int) update.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	if steps > 0 {
		s.local[device] += uint64(steps)
	}
	if _, ok := s.epoch[device]; !ok {
		s.epoch[device] = 0
	}

	return update.NewMetadata(device, s.local[device])
}

// Snapshot returns the aggregated counters per device.
func (s *State) Snapshot() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.epoch)
}

func (s *State) LocalRounds() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.local)
}

// Restore reloads counters from a checkpoint. Devices absent from the
// checkpoint keep their current values.
func (s *State) Restore(epoch, local map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maps.Copy(s.epoch, epoch)
	maps.Copy(s.local, local)
}

func (s *State) gap(e Entry) uint64 {
	var g uint64
	for _, d := range e.Contributors {
		c, last := e.Counters[d], s.epoch[d]
		if c > last && c-last > g {
			g = c - last
		}
	}

	return g
}

func primary(e Entry) string {
	if len(e.Contributors) == 0 {
		return ""
	}

	return e.Contributors[0]
}

func deviceSet(list []update.Metadata, devices []string) []string {
	set := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		set[d] = struct{}{}
	}
	for _, md := range list {
		for d := range md {
			set[d] = struct{}{}
		}
	}

	return slices.Sorted(maps.Keys(set))
}
