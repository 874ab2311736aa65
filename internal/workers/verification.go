package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/usecases"
)

var _ SubmissionProcessor = (*usecases.Verifier)(nil)
var _ ClaimReleaser = (*usecases.Verifier)(nil)
var _ usecases.Nudger = (*VerificationWorker)(nil)

type SubmissionProcessor interface {
	ReadySubmissions(ctx context.Context, limit uint64) ([]string, error)
	Process(ctx context.Context, id string) (entities.SubmissionStatus, error)
}

// VerificationWorker drains the ready queue: pending submissions whose next
// attempt is due. Each submission runs on its own goroutine, at most workers
// at a time.
type VerificationWorker struct {
	logger    *slog.Logger
	processor SubmissionProcessor

	interval  time.Duration
	batchSize uint64

	slots chan struct{}
	nudge chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

func NewVerificationWorker(
	logger *slog.Logger,
	processor SubmissionProcessor,
	workers int,
	batchSize int,
	interval time.Duration,
) *VerificationWorker {
	return &VerificationWorker{
		logger:    logger,
		processor: processor,
		interval:  interval,
		batchSize: uint64(max(batchSize, 1)),
		slots:     make(chan struct{}, max(workers, 1)),
		nudge:     make(chan struct{}, 1),
		inFlight:  make(map[string]struct{}),
	}
}

// Nudge asks for an immediate poll. It never blocks.
func (w *VerificationWorker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Start polls until ctx is done, then waits for running submissions.
func (w *VerificationWorker) Start(ctx context.Context) {
	w.logger.Info("Starting verification worker",
		"workers", cap(w.slots),
		"batch_size", w.batchSize,
		"poll_interval", w.interval.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.Info("Verification worker stopped")
			return
		case <-ticker.C:
			w.poll(ctx)
		case <-w.nudge:
			w.poll(ctx)
		}
	}
}

func (w *VerificationWorker) poll(ctx context.Context) {
	ids, err := w.processor.ReadySubmissions(ctx, w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to list ready submissions", "error", err)
		}
		return
	}

	for _, id := range ids {
		if !w.track(id) {
			continue
		}

		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			w.untrack(id)
			return
		}

		w.wg.Add(1)
		go func(id string) {
			defer w.wg.Done()
			defer func() { <-w.slots }()
			defer w.untrack(id)

			w.process(ctx, id)
		}(id)
	}
}

func (w *VerificationWorker) process(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Verification panicked", "submission_id", id, "panic", r)
		}
	}()

	status, err := w.processor.Process(ctx, id)
	switch {
	case err == nil:
		w.logger.Debug("Submission processed", "submission_id", id, "status", status)
	case errors.Is(err, usecases.ErrAlreadyClaimed):
		w.logger.Debug("Submission claimed elsewhere", "submission_id", id)
	case ctx.Err() != nil:
		w.logger.Info("Verification interrupted by shutdown", "submission_id", id)
	default:
		w.logger.Error("Verification failed", "submission_id", id, "error", err)
	}
}

func (w *VerificationWorker) track(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inFlight[id]; busy {
		return false
	}
	w.inFlight[id] = struct{}{}
	return true
}

func (w *VerificationWorker) untrack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, id)
}
