package update

import (
	"encoding/json"
	"fmt"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/fxamacker/cbor/v2"
)

type wireRecord struct {
	Updates  map[string][]float64 `json:"updates"         cbor:"updates"`
	Metadata map[string]uint64    `json:"update_metadata" cbor:"update_metadata"`
}

func toWire(r Record) wireRecord {
	return wireRecord{
		Updates:  r.deltas,
		Metadata: r.metadata,
	}
}

func fromWire(w wireRecord) (Record, error) {
	r := NewRecord(w.Updates, w.Metadata)
	if err := r.Validate(); err != nil {
		return Record{}, err
	}

	return r, nil
}

// Encode renders the record as JSON with top-level "updates" and
// "update_metadata" fields.
func Encode(r Record) ([]byte, error) {
	data, err := json.Marshal(toWire(r))
	if err != nil {
		return nil, fmt.Errorf("failed to encode update: %w", err)
	}

	return data, nil
}

func Decode(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("%w: failed to decode update: %w", pkgerrors.ErrInvalidData, err)
	}

	return fromWire(w)
}

func EncodeCBOR(r Record) ([]byte, error) {
	data, err := cbor.Marshal(toWire(r))
	if err != nil {
		return nil, fmt.Errorf("failed to encode update as cbor: %w", err)
	}

	return data, nil
}

func DecodeCBOR(data []byte) (Record, error) {
	var w wireRecord
	if err := cbor.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("%w: failed to decode cbor update: %w", pkgerrors.ErrInvalidData, err)
	}

	return fromWire(w)
}
