// End-to-end smoke test against a real LLM endpoint: remember a note,
// drain the job queue inline, recall with graph expansion, then forget.
// Requires GOOGLE_API_KEY; not part of the regular test suite.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nurgraph/nur"
	"github.com/nurgraph/nur/store"
)

const note = `2026-08-14 standup notes.
Priya approved the storage migration plan and asked Marcus to own the rollout.
Marcus committed to finishing the shadow-write phase by Friday.
Priya flagged a risk: the legacy exporter still writes directly to the old bucket.`

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "GOOGLE_API_KEY not set")
		os.Exit(1)
	}

	tmpDir, _ := os.MkdirTemp("", "nur-e2e-*")
	defer os.RemoveAll(tmpDir)

	cfg := nur.DefaultConfig()
	cfg.DBPath = tmpDir + "/test.db"
	cfg.EventModel = nur.LLMConfig{Provider: "gemini", Model: "gemini-2.5-flash", APIKey: apiKey}
	cfg.EntityModel = cfg.EventModel
	cfg.Embedding = nur.LLMConfig{Provider: "gemini", Model: "gemini-embedding-001", APIKey: apiKey}
	cfg.EmbeddingDim = 3072

	engine, err := nur.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Fprintln(os.Stderr, "\n=== REMEMBER ===")
	res, err := engine.Remember(ctx, note, nur.Metadata{
		Type:  "note",
		Title: "standup 2026-08-14",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "remember error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "artifact=%s job=%s chunks=%d\n", res.ArtifactID, res.JobID, res.NumChunks)

	// Drain the queue inline instead of running a separate worker.
	fmt.Fprintln(os.Stderr, "\n=== PROCESS JOBS ===")
	for {
		job, err := engine.Store().ClaimJob(ctx, "e2e", engine.JobKinds(), time.Minute)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim error: %v\n", err)
			os.Exit(1)
		}
		if job == nil {
			break
		}
		fmt.Fprintf(os.Stderr, "running %s (%s)\n", job.JobID, job.Kind)
		if err := engine.HandleJob(ctx, job); err != nil {
			fmt.Fprintf(os.Stderr, "job error: %v\n", err)
			os.Exit(1)
		}
		if cur, err := engine.Store().GetJob(ctx, job.JobID); err == nil && cur.State != store.JobSucceeded {
			if err := engine.Store().AckJob(ctx, job.JobID, "e2e done"); err != nil {
				fmt.Fprintf(os.Stderr, "ack error: %v\n", err)
				os.Exit(1)
			}
		}
	}

	fmt.Fprintln(os.Stderr, "\n=== RECALL ===")
	recall, err := engine.Recall(ctx, nur.RecallRequest{
		Query:           "who owns the storage migration rollout?",
		K:               3,
		GraphExpand:     true,
		IncludeEvents:   true,
		IncludeEntities: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "recall error: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(recall, "", "  ")
	fmt.Println(string(out))

	fmt.Fprintln(os.Stderr, "\n=== FORGET ===")
	forgot, err := engine.Forget(ctx, res.ArtifactID, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forget error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "deleted=%v\n", forgot.Deleted)
}
