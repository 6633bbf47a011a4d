// Package update defines the unit of work exchanged between nodes: a set of
// per-slot parameter deltas tagged with the fairness metadata of the devices
// that produced them.
package update

import (
	"fmt"
	"maps"
	"slices"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
)

// Deltas maps a parameter slot to the delta vector computed for it.
type Deltas map[string][]float64

// Metadata maps a device ID to its round counter at the time the
// contribution was produced. A freshly produced record carries one entry.
type Metadata map[string]uint64

func NewMetadata(deviceID string, round uint64) Metadata {
	return Metadata{deviceID: round}
}

// Devices returns the device IDs present in the metadata in sorted order.
func (m Metadata) Devices() []string {
	return slices.Sorted(maps.Keys(m))
}

// Record is immutable once constructed: NewRecord copies its inputs and the
// accessors hand out copies.
type Record struct {
	deltas   Deltas
	metadata Metadata
}

func NewRecord(deltas Deltas, metadata Metadata) Record {
	r := Record{
		deltas:   make(Deltas, len(deltas)),
		metadata: make(Metadata, len(metadata)),
	}
	for slot, d := range deltas {
		r.deltas[slot] = slices.Clone(d)
	}
	maps.Copy(r.metadata, metadata)

	return r
}

func (r Record) Deltas() Deltas {
	out := make(Deltas, len(r.deltas))
	for slot, d := range r.deltas {
		out[slot] = slices.Clone(d)
	}

	return out
}

func (r Record) Delta(slot string) ([]float64, bool) {
	d, ok := r.deltas[slot]

	return slices.Clone(d), ok
}

func (r Record) Metadata() Metadata {
	return maps.Clone(r.metadata)
}

func (r Record) Slots() []string {
	return slices.Sorted(maps.Keys(r.deltas))
}

func (r Record) Devices() []string {
	return r.metadata.Devices()
}

func (r Record) Validate() error {
	for slot := range r.deltas {
		if slot == "" {
			return fmt.Errorf("%w: empty slot id", pkgerrors.ErrInvalidData)
		}
	}
	if len(r.metadata) == 0 {
		return fmt.Errorf("%w: record carries no metadata", pkgerrors.ErrInvalidData)
	}
	for device := range r.metadata {
		if device == "" {
			return fmt.Errorf("%w: empty device id", pkgerrors.ErrInvalidData)
		}
	}

	return nil
}
