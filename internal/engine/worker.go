package engine

import (
	"context"
	"time"

	"github.com/sandevgo/memoria/pkg/log"
)

// RequeueWorker periodically retries chunks whose embedding failed
// transiently, so an upstream outage delays ingestion instead of losing
// data.
type RequeueWorker struct {
	engine   *Engine
	interval time.Duration
}

func NewRequeueWorker(engine *Engine, interval time.Duration) *RequeueWorker {
	return &RequeueWorker{engine: engine, interval: interval}
}

func (w *RequeueWorker) Start(ctx context.Context) error {
	logger := log.FromCtx(ctx).With().Str("component", "requeue_worker").Logger()
	logger.Info().Msg("starting embedding requeue worker")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down requeue worker")
			return nil
		case <-ticker.C:
			if n := w.engine.PendingChunks(); n > 0 {
				logger.Debug().Int("pending", n).Msg("retrying queued chunks")
				w.engine.RetryPending(ctx)
			}
		}
	}
}

func (w *RequeueWorker) Shutdown(ctx context.Context) error {
	return nil
}
