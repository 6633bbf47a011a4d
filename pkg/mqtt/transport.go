package mqtt

import (
	"context"
	"encoding/json"

	"github.com/absmach/fedsync/pkg/sender"
	"github.com/absmach/fedsync/pkg/update"
)

// message is the payload published on every fleet topic. Update holds the
// JSON encoded record for update messages.
type message struct {
	Sender string          `json:"sender"`
	Update json.RawMessage `json:"update,omitempty"`
	Epoch  uint64          `json:"epoch,omitempty"`
}

type transport struct {
	pubsub PubSub
	fleet  string
}

var _ sender.Transport = (*transport)(nil)

// NewTransport publishes outbound fleet messages into each destination's
// topic subtree.
func NewTransport(ps PubSub, fleet string) sender.Transport {
	return &transport{pubsub: ps, fleet: fleet}
}

func (t *transport) SendUpdate(ctx context.Context, dest, from string, r update.Record) error {
	data, err := update.Encode(r)
	if err != nil {
		return err
	}

	return t.pubsub.Publish(ctx, UpdateTopic(t.fleet, dest), message{Sender: from, Update: data})
}

func (t *transport) SendClear(ctx context.Context, dest, from string, epoch uint64) error {
	return t.pubsub.Publish(ctx, ClearTopic(t.fleet, dest), message{Sender: from, Epoch: epoch})
}

func (t *transport) SendClose(ctx context.Context, dest, from string) error {
	return t.pubsub.Publish(ctx, CloseTopic(t.fleet, dest), message{Sender: from})
}
