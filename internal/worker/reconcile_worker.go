package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/service"
)

const (
	SweepBatchSize = 100
	MaxBackoff     = 30 * time.Second
	minBackoff     = 500 * time.Millisecond
)

// RetrySource yields attempts queued for another finalize run.
type RetrySource interface {
	Next(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error)
}

// AttemptScanner finds attempts the sweep must act on.
type AttemptScanner interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListUnsettled(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Expirer closes an attempt whose time has run out.
type Expirer interface {
	Expire(ctx context.Context, attemptID uuid.UUID) (bool, error)
}

// Finalizer completes a terminal attempt.
type Finalizer interface {
	Finalize(ctx context.Context, attemptID uuid.UUID) (*service.FinalizeResult, error)
}

// ReconcileWorker drives attempts nobody is polling to their end state. It
// drains the finalize retry queue and periodically sweeps the store for
// overdue in_progress attempts and terminal attempts left unsettled. There
// are no per-attempt timers; a restart loses nothing.
type ReconcileWorker struct {
	queue     RetrySource
	scanner   AttemptScanner
	expirer   Expirer
	finalizer Finalizer
	interval  time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration)
	log       zerolog.Logger
}

// NewReconcileWorker creates a new ReconcileWorker.
func NewReconcileWorker(
	queue RetrySource,
	scanner AttemptScanner,
	expirer Expirer,
	finalizer Finalizer,
	interval time.Duration,
	log zerolog.Logger,
) *ReconcileWorker {
	return &ReconcileWorker{
		queue:     queue,
		scanner:   scanner,
		expirer:   expirer,
		finalizer: finalizer,
		interval:  interval,
		now:       time.Now,
		sleep:     sleepCtx,
		log:       logger.Component(log, "reconcile_worker"),
	}
}

// Start runs the queue consumer and the sweep until ctx is cancelled. Call in
// a goroutine.
func (w *ReconcileWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("ReconcileWorker started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.consume(ctx)
	}()
	go func() {
		defer wg.Done()
		w.sweepLoop(ctx)
	}()
	wg.Wait()

	w.log.Info().Msg("ReconcileWorker stopped")
}

func (w *ReconcileWorker) consume(ctx context.Context) {
	backoff := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, ok, err := w.queue.Next(ctx, PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("BLPop error")
			backoff = nextBackoff(backoff)
			w.sleep(ctx, backoff)
			continue
		}
		if !ok {
			continue
		}

		if w.retry(ctx, id) {
			backoff = 0
			continue
		}
		// The finalizer has already requeued the attempt; slow down so a
		// store outage does not turn into a hot loop.
		backoff = nextBackoff(backoff)
		w.sleep(ctx, backoff)
	}
}

// retry reports false only for failures worth backing off on.
func (w *ReconcileWorker) retry(ctx context.Context, id uuid.UUID) bool {
	_, err := w.finalizer.Finalize(ctx, id)
	switch {
	case err == nil:
		w.log.Debug().Str("attempt_id", id.String()).Msg("Queued finalize succeeded")
		return true
	case errors.Is(err, service.ErrFinalizeFailed),
		errors.Is(err, service.ErrAttemptNotFound),
		errors.Is(err, service.ErrAttemptNotFinal):
		// Retrying cannot help; an instructor rescore clears a scoring defect.
		w.log.Warn().Err(err).Str("attempt_id", id.String()).Msg("Dropping queued finalize")
		return true
	}
	w.log.Warn().Err(err).Str("attempt_id", id.String()).Msg("Queued finalize failed")
	return false
}

func (w *ReconcileWorker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (w *ReconcileWorker) Sweep(ctx context.Context) {
	expired, settled := 0, 0

	overdue, err := w.scanner.ListOverdue(ctx, w.now(), SweepBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("List overdue attempts failed")
		}
	}
	for _, id := range overdue {
		closed, err := w.expirer.Expire(ctx, id)
		if err != nil {
			w.log.Warn().Err(err).Str("attempt_id", id.String()).Msg("Sweep expiry failed")
			continue
		}
		if closed {
			expired++
		}
	}

	unsettled, err := w.scanner.ListUnsettled(ctx, SweepBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("List unsettled attempts failed")
		}
	}
	for _, id := range unsettled {
		if _, err := w.finalizer.Finalize(ctx, id); err != nil {
			w.log.Warn().Err(err).Str("attempt_id", id.String()).Msg("Sweep finalize failed")
			continue
		}
		settled++
	}

	if expired > 0 || settled > 0 {
		w.log.Info().Int("expired", expired).Int("finalized", settled).Msg("Sweep reconciled attempts")
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d < minBackoff {
		return minBackoff
	}
	d *= 2
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
