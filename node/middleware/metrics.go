package middleware

import (
	"context"
	"time"

	"github.com/absmach/fedsync/node"
	"github.com/go-kit/kit/metrics"
)

var _ node.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     node.Service
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, svc node.Service) node.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) SubmitUpdate(ctx context.Context, senderID string, payload []byte) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "submit-update").Add(1)
		mm.latency.With("method", "submit-update").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SubmitUpdate(ctx, senderID, payload)
}

func (mm *metricsMiddleware) SubmitUpdateCBOR(ctx context.Context, senderID string, payload []byte) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "submit-update-cbor").Add(1)
		mm.latency.With("method", "submit-update-cbor").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SubmitUpdateCBOR(ctx, senderID, payload)
}

func (mm *metricsMiddleware) SubmitClear(ctx context.Context, senderID string, epoch uint64) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "submit-clear").Add(1)
		mm.latency.With("method", "submit-clear").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SubmitClear(ctx, senderID, epoch)
}

func (mm *metricsMiddleware) SubmitClose(ctx context.Context, senderID string) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "submit-close").Add(1)
		mm.latency.With("method", "submit-close").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SubmitClose(ctx, senderID)
}

func (mm *metricsMiddleware) Synchronize(ctx context.Context) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "synchronize").Add(1)
		mm.latency.With("method", "synchronize").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.Synchronize(ctx)
}

func (mm *metricsMiddleware) Status(ctx context.Context) (node.Status, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "status").Add(1)
		mm.latency.With("method", "status").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.Status(ctx)
}
