package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one job. Returning an error reschedules the job
// unless the error is marked Permanent or the job is out of attempts.
type Handler func(ctx context.Context, job *Job) error

// Worker polls the store and dispatches jobs to registered handlers
// sequentially. One in-flight job at a time keeps SQLite contention and
// provider rate pressure low; each zone is still its own job, so one
// zone's failure never touches its siblings.
type Worker struct {
	store       *Store
	logger      *slog.Logger
	maxAttempts int
	interval    time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker over the queue store.
func NewWorker(store *Store, maxAttempts int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Worker{
		store:       store,
		logger:      logger,
		maxAttempts: maxAttempts,
		interval:    2 * time.Second,
		handlers:    make(map[string]Handler),
		stopCh:      make(chan struct{}),
	}
}

// Handle registers the handler for a job kind. Must be called before
// Start.
func (w *Worker) Handle(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Start recovers stale jobs and begins the poll loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	recovered, err := w.store.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		w.logger.Info("recovered stale jobs", "count", recovered)
	}

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Debug("queue worker started")
	return nil
}

// Stop halts the poll loop and waits for the in-flight job.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("queue worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain runs jobs until the queue is empty or the worker is stopped.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.store.NextPending(ctx)
		if errors.Is(err, ErrEmpty) {
			return
		}
		if err != nil {
			w.logger.Error("claim job", "error", err)
			return
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job *Job) {
	w.mu.Lock()
	handler, ok := w.handlers[job.Kind]
	w.mu.Unlock()

	if !ok {
		err := fmt.Errorf("no handler registered for kind %q", job.Kind)
		w.logger.Error("unroutable job", "id", job.ID, "kind", job.Kind)
		if markErr := w.store.MarkFailed(ctx, job, err, w.maxAttempts, true); markErr != nil {
			w.logger.Error("mark failed", "id", job.ID, "error", markErr)
		}
		return
	}

	w.logger.Debug("running job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	if err := handler(ctx, job); err != nil {
		permanent := IsPermanent(err)
		w.logger.Warn("job failed",
			"id", job.ID,
			"kind", job.Kind,
			"attempt", job.Attempts,
			"permanent", permanent,
			"error", err,
		)
		if markErr := w.store.MarkFailed(ctx, job, err, w.maxAttempts, permanent); markErr != nil {
			w.logger.Error("mark failed", "id", job.ID, "error", markErr)
		}
		return
	}

	if err := w.store.MarkCompleted(ctx, job.ID); err != nil {
		w.logger.Error("mark completed", "id", job.ID, "error", err)
	}
}
