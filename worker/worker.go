// Package worker runs the asynchronous job loop: claim a pending job
// with a lease, heartbeat the lease while a handler runs, ack on
// success, nack with backoff on failure, and sweep expired leases so
// work abandoned by a crashed worker becomes claimable again.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nurgraph/nur/store"
)

// Handler processes one claimed job. Returning nil marks the job done.
// A handler may commit its own ack atomically with its writes; the
// worker detects that and does not double-ack.
type Handler func(ctx context.Context, job *store.Job) error

// Config tunes the worker loop. Zero values fall back to the defaults
// noted per field.
type Config struct {
	WorkerID     string        // default: hostname + random suffix
	Lease        time.Duration // default 60s
	PollInterval time.Duration // default 1s
	JanitorEvery time.Duration // default 30s
	JobDeadline  time.Duration // default 5m, per-job handler budget
	BackoffBase  time.Duration // default 5s
	BackoffCap   time.Duration // default 5m
}

// Worker claims and processes jobs until its context is cancelled. One
// Worker runs one loop; run several for parallelism.
type Worker struct {
	store    *store.Store
	cfg      Config
	handlers map[string]Handler
	kinds    []string
}

// New returns a Worker with no handlers registered.
func New(s *store.Store, cfg Config) *Worker {
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JanitorEvery <= 0 {
		cfg.JanitorEvery = 30 * time.Second
	}
	if cfg.JobDeadline <= 0 {
		cfg.JobDeadline = 5 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	return &Worker{store: s, cfg: cfg, handlers: make(map[string]Handler)}
}

// Register installs the handler for a job kind. Kinds are claimed in
// registration order.
func (w *Worker) Register(kind string, h Handler) {
	if _, dup := w.handlers[kind]; !dup {
		w.kinds = append(w.kinds, kind)
	}
	w.handlers[kind] = h
}

// Run processes jobs until ctx is cancelled. The job in flight when
// cancellation arrives is finished under its own deadline before Run
// returns.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.kinds) == 0 {
		return errors.New("worker: no handlers registered")
	}
	slog.Info("worker: starting", "worker_id", w.cfg.WorkerID, "kinds", w.kinds)

	janitor := time.NewTicker(w.cfg.JanitorEvery)
	defer janitor.Stop()
	poll := time.NewTimer(0)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker: stopping", "worker_id", w.cfg.WorkerID)
			return ctx.Err()
		case <-janitor.C:
			w.sweep(ctx)
		case <-poll.C:
		}

		job, err := w.store.ClaimJob(ctx, w.cfg.WorkerID, w.kinds, w.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("worker: claim failed", "error", err)
			poll.Reset(w.cfg.PollInterval)
			continue
		}
		if job == nil {
			poll.Reset(w.cfg.PollInterval)
			continue
		}

		w.process(ctx, job)
		// Claim again immediately while the queue has work.
		poll.Reset(0)
	}
}

// process runs one job under its deadline with a heartbeat renewing the
// lease, then settles it. The handler's context is detached from loop
// cancellation so an in-flight job finishes during shutdown.
func (w *Worker) process(ctx context.Context, job *store.Job) {
	slog.Info("worker: claimed", "job_id", job.JobID, "kind", job.Kind, "attempt", job.Attempts)

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobDeadline)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.heartbeat(jobCtx, job, heartbeatDone)

	start := time.Now()
	err := w.handlers[job.Kind](jobCtx, job)
	cancel()
	<-heartbeatDone

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer settleCancel()

	if err != nil {
		state, nerr := w.store.NackJob(settleCtx, job.JobID, err.Error(), w.cfg.BackoffBase, w.cfg.BackoffCap)
		if nerr != nil {
			slog.Error("worker: nack failed", "job_id", job.JobID, "error", nerr)
			return
		}
		slog.Warn("worker: job failed",
			"job_id", job.JobID, "kind", job.Kind, "state", state,
			"elapsed", time.Since(start).Round(time.Millisecond), "error", err)
		return
	}

	if ackErr := w.store.AckJob(settleCtx, job.JobID, "completed"); ackErr != nil {
		// Handlers that commit results and the ack in one transaction
		// leave the job already succeeded.
		if cur, gerr := w.store.GetJob(settleCtx, job.JobID); gerr == nil && cur.State == store.JobSucceeded {
			slog.Info("worker: job done", "job_id", job.JobID, "kind", job.Kind,
				"elapsed", time.Since(start).Round(time.Millisecond))
			return
		}
		slog.Error("worker: ack failed", "job_id", job.JobID, "error", ackErr)
		return
	}
	slog.Info("worker: job done", "job_id", job.JobID, "kind", job.Kind,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

// heartbeat renews the job lease at a third of its duration until the
// job context ends.
func (w *Worker) heartbeat(ctx context.Context, job *store.Job, done chan<- struct{}) {
	defer close(done)
	interval := w.cfg.Lease / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RenewLease(ctx, job.JobID, w.cfg.WorkerID, w.cfg.Lease); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("worker: lease renewal failed", "job_id", job.JobID, "error", err)
			}
		}
	}
}

// sweep requeues jobs whose lease expired without an ack or nack.
func (w *Worker) sweep(ctx context.Context) {
	n, err := w.store.RequeueExpired(ctx)
	if err != nil {
		slog.Error("worker: janitor sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("worker: requeued expired leases", "count", n)
	}
}

// String identifies the worker in logs and job rows.
func (w *Worker) String() string {
	return fmt.Sprintf("worker(%s)", w.cfg.WorkerID)
}
