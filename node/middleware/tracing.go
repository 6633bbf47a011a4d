package middleware

import (
	"context"

	"github.com/absmach/fedsync/node"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var _ node.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    node.Service
}

func Tracing(tracer trace.Tracer, svc node.Service) node.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) SubmitUpdate(ctx context.Context, senderID string, payload []byte) error {
	ctx, span := tm.tracer.Start(ctx, "submit-update", trace.WithAttributes(
		attribute.String("sender", senderID),
		attribute.Int("size", len(payload)),
	))
	defer span.End()

	return tm.svc.SubmitUpdate(ctx, senderID, payload)
}

func (tm *tracing) SubmitUpdateCBOR(ctx context.Context, senderID string, payload []byte) error {
	ctx, span := tm.tracer.Start(ctx, "submit-update-cbor", trace.WithAttributes(
		attribute.String("sender", senderID),
		attribute.Int("size", len(payload)),
	))
	defer span.End()

	return tm.svc.SubmitUpdateCBOR(ctx, senderID, payload)
}

func (tm *tracing) SubmitClear(ctx context.Context, senderID string, epoch uint64) error {
	ctx, span := tm.tracer.Start(ctx, "submit-clear", trace.WithAttributes(
		attribute.String("sender", senderID),
		attribute.Int64("epoch", int64(epoch)),
	))
	defer span.End()

	return tm.svc.SubmitClear(ctx, senderID, epoch)
}

func (tm *tracing) SubmitClose(ctx context.Context, senderID string) error {
	ctx, span := tm.tracer.Start(ctx, "submit-close", trace.WithAttributes(
		attribute.String("sender", senderID),
	))
	defer span.End()

	return tm.svc.SubmitClose(ctx, senderID)
}

func (tm *tracing) Synchronize(ctx context.Context) error {
	ctx, span := tm.tracer.Start(ctx, "synchronize")
	defer span.End()

	return tm.svc.Synchronize(ctx)
}

func (tm *tracing) Status(ctx context.Context) (node.Status, error) {
	ctx, span := tm.tracer.Start(ctx, "status")
	defer span.End()

	return tm.svc.Status(ctx)
}
