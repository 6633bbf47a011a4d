package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fedsync/node"
)

var _ node.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    node.Service
}

func Logging(logger *slog.Logger, svc node.Service) node.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) SubmitUpdate(ctx context.Context, senderID string, payload []byte) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("sender", senderID),
			slog.Int("size", len(payload)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit update failed", args...)

			return
		}
		lm.logger.Debug("Submit update completed successfully", args...)
	}(time.Now())

	return lm.svc.SubmitUpdate(ctx, senderID, payload)
}

func (lm *loggingMiddleware) SubmitUpdateCBOR(ctx context.Context, senderID string, payload []byte) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("sender", senderID),
			slog.Int("size", len(payload)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit CBOR update failed", args...)

			return
		}
		lm.logger.Debug("Submit CBOR update completed successfully", args...)
	}(time.Now())

	return lm.svc.SubmitUpdateCBOR(ctx, senderID, payload)
}

func (lm *loggingMiddleware) SubmitClear(ctx context.Context, senderID string, epoch uint64) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("sender", senderID),
			slog.Uint64("epoch", epoch),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit clear failed", args...)

			return
		}
		lm.logger.Info("Submit clear completed successfully", args...)
	}(time.Now())

	return lm.svc.SubmitClear(ctx, senderID, epoch)
}

func (lm *loggingMiddleware) SubmitClose(ctx context.Context, senderID string) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.String("sender", senderID),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit close failed", args...)

			return
		}
		lm.logger.Info("Submit close completed successfully", args...)
	}(time.Now())

	return lm.svc.SubmitClose(ctx, senderID)
}

func (lm *loggingMiddleware) Synchronize(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Synchronize failed", args...)

			return
		}
		lm.logger.Info("Synchronize completed successfully", args...)
	}(time.Now())

	return lm.svc.Synchronize(ctx)
}

func (lm *loggingMiddleware) Status(ctx context.Context) (resp node.Status, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("node",
				slog.String("id", resp.ID),
				slog.String("state", string(resp.Progress.State)),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get status failed", args...)

			return
		}
		lm.logger.Debug("Get status completed successfully", args...)
	}(time.Now())

	return lm.svc.Status(ctx)
}
