package worker

import (
	"context"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/metrics"
	"github.com/nbblackbox/gradepipe/internal/wakeup"
)

// Worker is one single-threaded job loop: claim, process, repeat. Any
// number of workers may run against the same store; exclusivity comes
// from the claim, not from coordination between processes.
type Worker struct {
	id     string
	store  Store
	runner *Runner
	signal *wakeup.Signal
	poll   time.Duration
}

func New(id string, st Store, runner *Runner, signal *wakeup.Signal, poll time.Duration) *Worker {
	return &Worker{
		id:     id,
		store:  st,
		runner: runner,
		signal: signal,
		poll:   poll,
	}
}

// Run claims and processes jobs until ctx is canceled. Shutdown is
// graceful: an in-flight job always finishes, which is why Process gets
// a background context rather than the loop's.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info.Printf("Worker %s waiting for grading jobs", w.id)

	for {
		select {
		case <-ctx.Done():
			logger.Info.Printf("Worker %s shutting down", w.id)
			return nil
		default:
		}

		req, err := w.store.ClaimNextRequest(w.id)
		if err != nil {
			logger.Error.Printf("Worker %s claim failed: %v", w.id, err)
			w.idle(ctx)
			continue
		}
		if req == nil {
			w.idle(ctx)
			continue
		}

		metrics.ClaimsTotal.WithLabelValues(w.id).Inc()
		logger.Info.Printf("Worker %s claimed request %s (%s)", w.id, req.Identifier, req.Exercise)

		if err := w.runner.Process(context.Background(), req); err != nil {
			logger.Error.Printf("Worker %s job %s terminated with error record: %v", w.id, req.Identifier, err)
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	kind, err := w.signal.Wait(ctx, w.poll, wakeup.KindGradingJob, wakeup.KindBlueprint)
	if err != nil {
		return
	}
	logger.Debug.Printf("Worker %s woke up on %s", w.id, kind)
}
