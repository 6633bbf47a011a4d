package api

import (
	"encoding/json"
	"errors"
)

var (
	errMissingSender = errors.New("missing sender")
	errMissingUpdate = errors.New("missing update")
)

type updateReq struct {
	Sender string          `json:"sender"`
	Update json.RawMessage `json:"update"`
}

func (req updateReq) validate() error {
	if req.Sender == "" {
		return errMissingSender
	}
	if len(req.Update) == 0 || string(req.Update) == "null" {
		return errMissingUpdate
	}

	return nil
}

// payload returns the encoded record. Peers may send it either inline as an
// object or wrapped in a JSON string.
func (req updateReq) payload() ([]byte, error) {
	if len(req.Update) > 0 && req.Update[0] == '"' {
		var s string
		if err := json.Unmarshal(req.Update, &s); err != nil {
			return nil, err
		}

		return []byte(s), nil
	}

	return req.Update, nil
}

type cborUpdateReq struct {
	sender  string
	payload []byte
}

func (req cborUpdateReq) validate() error {
	if req.sender == "" {
		return errMissingSender
	}
	if len(req.payload) == 0 {
		return errMissingUpdate
	}

	return nil
}

type clearReq struct {
	Sender string `json:"sender"`
	Epoch  uint64 `json:"epoch"`
}

func (req clearReq) validate() error {
	if req.Sender == "" {
		return errMissingSender
	}

	return nil
}

type closeReq struct {
	Sender string `json:"sender"`
}

func (req closeReq) validate() error {
	if req.Sender == "" {
		return errMissingSender
	}

	return nil
}

type emptyReq struct{}
