package node

import (
	"context"
	"fmt"

	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/pending"
	"github.com/absmach/fedsync/pkg/update"
)

// Service is the inbound surface of a node, shared by every transport.
type Service interface {
	// SubmitUpdate decodes a JSON encoded update from senderID and queues it
	// for aggregation.
	SubmitUpdate(ctx context.Context, senderID string, payload []byte) error

	// SubmitUpdateCBOR is SubmitUpdate for CBOR encoded updates.
	SubmitUpdateCBOR(ctx context.Context, senderID string, payload []byte) error

	// SubmitClear fences the current epoch. Only the leader may send it and
	// only followers accept it.
	SubmitClear(ctx context.Context, senderID string, epoch uint64) error

	// SubmitClose asks the node to stop once it has finished its work.
	SubmitClose(ctx context.Context, senderID string) error

	// Synchronize starts a new epoch across the cluster. Leader only.
	Synchronize(ctx context.Context) error

	Status(ctx context.Context) (Status, error)
}

type Status struct {
	ID       string         `json:"id"`
	Role     Role           `json:"role"`
	Leader   string         `json:"leader"`
	Progress Progress       `json:"progress"`
	Pending  pending.Stats  `json:"pending"`
	Outbox   map[string]int `json:"outbox,omitempty"`
}

// OutboxStats reports undelivered messages per destination.
type OutboxStats interface {
	Pending() map[string]int
}

type service struct {
	topology    Topology
	registry    *pending.Registry
	coordinator *Coordinator
	outbox      OutboxStats
}

func NewService(topology Topology, registry *pending.Registry, coordinator *Coordinator, outbox OutboxStats) Service {
	return &service{
		topology:    topology,
		registry:    registry,
		coordinator: coordinator,
		outbox:      outbox,
	}
}

func (svc *service) SubmitUpdate(ctx context.Context, senderID string, payload []byte) error {
	rec, err := update.Decode(payload)
	if err != nil {
		return err
	}

	return svc.enqueue(senderID, rec)
}

func (svc *service) SubmitUpdateCBOR(ctx context.Context, senderID string, payload []byte) error {
	rec, err := update.DecodeCBOR(payload)
	if err != nil {
		return err
	}

	return svc.enqueue(senderID, rec)
}

func (svc *service) enqueue(senderID string, rec update.Record) error {
	if senderID == "" {
		return fmt.Errorf("%w: missing sender", pkgerrors.ErrInvalidData)
	}

	return svc.registry.Enqueue(rec, senderID)
}

func (svc *service) SubmitClear(ctx context.Context, senderID string, epoch uint64) error {
	// The leader fences through Synchronize. Freezing its own registry would
	// leave nothing to release it.
	if svc.topology.Role() == LeaderRole {
		return fmt.Errorf("%w: leader %s does not accept clear, use sync", pkgerrors.ErrUnauthorized, svc.topology.Self)
	}
	if senderID != svc.registry.Leader() {
		return fmt.Errorf("%w: %s is not the leader", pkgerrors.ErrUnauthorized, senderID)
	}
	svc.coordinator.Fence(epoch)

	return nil
}

func (svc *service) SubmitClose(ctx context.Context, senderID string) error {
	if senderID == "" {
		return fmt.Errorf("%w: missing sender", pkgerrors.ErrInvalidData)
	}
	svc.coordinator.Close()

	return nil
}

func (svc *service) Synchronize(ctx context.Context) error {
	return svc.coordinator.Synchronize(ctx)
}

func (svc *service) Status(ctx context.Context) (Status, error) {
	st := Status{
		ID:       svc.topology.Self,
		Role:     svc.topology.Role(),
		Leader:   svc.topology.Leader,
		Progress: svc.coordinator.Progress(),
		Pending:  svc.registry.Stats(),
	}
	if svc.outbox != nil {
		st.Outbox = svc.outbox.Pending()
	}

	return st, nil
}
