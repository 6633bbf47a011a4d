package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/fedsync/node"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
)

type subscriber struct {
	svc node.Service
}

// Subscribe routes every message addressed to nodeID into svc.
func Subscribe(ctx context.Context, ps PubSub, fleet, nodeID string, svc node.Service) error {
	s := subscriber{svc: svc}

	return ps.Subscribe(ctx, InboxTopic(fleet, nodeID), s.handle)
}

func (s subscriber) handle(topic string, payload []byte) error {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	ctx := context.Background()
	switch suffix(topic) {
	case updateSuffix:
		return s.svc.SubmitUpdate(ctx, msg.Sender, msg.Update)
	case clearSuffix:
		return s.svc.SubmitClear(ctx, msg.Sender, msg.Epoch)
	case closeSuffix:
		return s.svc.SubmitClose(ctx, msg.Sender)
	default:
		return fmt.Errorf("%w: unexpected topic %s", pkgerrors.ErrInvalidData, topic)
	}
}
