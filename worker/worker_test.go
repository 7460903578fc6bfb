//go:build cgo

package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nurgraph/nur/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4, "nur")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func runWorker(t *testing.T, w *Worker, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}

func TestWorkerRequiresHandlers(t *testing.T) {
	w := New(newTestStore(t), Config{})
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for worker without handlers")
	}
}

func TestWorkerProcessesAndAcks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnqueueJob(ctx, &store.Job{JobID: "job-ok", Kind: store.JobExtractEvents, Payload: "{}", MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var handled atomic.Int32
	w := New(s, Config{WorkerID: "w-test", PollInterval: 10 * time.Millisecond})
	w.Register(store.JobExtractEvents, func(ctx context.Context, job *store.Job) error {
		handled.Add(1)
		return nil
	})
	runWorker(t, w, 500*time.Millisecond)

	if handled.Load() != 1 {
		t.Fatalf("expected 1 handled job, got %d", handled.Load())
	}
	job, err := s.GetJob(ctx, "job-ok")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != store.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", job.State)
	}
}

func TestWorkerNacksFailedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnqueueJob(ctx, &store.Job{JobID: "job-bad", Kind: store.JobExtractEvents, Payload: "{}", MaxAttempts: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(s, Config{
		WorkerID:     "w-test",
		PollInterval: 10 * time.Millisecond,
		BackoffBase:  time.Nanosecond,
		BackoffCap:   time.Nanosecond,
	})
	w.Register(store.JobExtractEvents, func(ctx context.Context, job *store.Job) error {
		return errors.New("boom")
	})
	runWorker(t, w, time.Second)

	job, err := s.GetJob(ctx, "job-bad")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != store.JobDead {
		t.Fatalf("expected dead after exhausting attempts, got %s", job.State)
	}
	if job.LastError != "boom" {
		t.Fatalf("expected recorded error, got %q", job.LastError)
	}
}

func TestWorkerToleratesHandlerCommittedAck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnqueueJob(ctx, &store.Job{JobID: "job-self", Kind: store.JobExtractEvents, Payload: "{}", MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(s, Config{WorkerID: "w-test", PollInterval: 10 * time.Millisecond})
	w.Register(store.JobExtractEvents, func(ctx context.Context, job *store.Job) error {
		// Handlers may ack atomically with their own writes.
		return s.AckJob(ctx, job.JobID, "committed by handler")
	})
	runWorker(t, w, 500*time.Millisecond)

	job, err := s.GetJob(ctx, "job-self")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != store.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", job.State)
	}
}

func TestWorkerHonorsKindRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.EnqueueJob(ctx, &store.Job{JobID: "job-other", Kind: store.JobGraphUpsert, Payload: "{}", MaxAttempts: 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := New(s, Config{WorkerID: "w-test", PollInterval: 10 * time.Millisecond})
	w.Register(store.JobExtractEvents, func(ctx context.Context, job *store.Job) error { return nil })
	runWorker(t, w, 200*time.Millisecond)

	job, err := s.GetJob(ctx, "job-other")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != store.JobPending {
		t.Fatalf("unregistered kind must stay pending, got %s", job.State)
	}
}
