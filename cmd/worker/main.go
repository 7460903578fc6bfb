// Command worker runs the asynchronous job loop: event extraction and
// graph upserts claimed from the shared job queue. Run alongside the
// server, any number of instances.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nurgraph/nur"
	"github.com/nurgraph/nur/store"
	"github.com/nurgraph/nur/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML or JSON)")
	workerID := flag.String("worker-id", "", "Worker identity (overrides config)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	_ = godotenv.Load()

	cfg := nur.DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			slog.Error("reading config", "error", err)
			os.Exit(1)
		}
		switch strings.ToLower(filepath.Ext(*configPath)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		default:
			err = json.Unmarshal(data, &cfg)
		}
		if err != nil {
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
	}
	if v := os.Getenv("NUR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if *workerID != "" {
		cfg.WorkerID = *workerID
	}

	engine, err := nur.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}

	w := worker.New(engine.Store(), worker.Config{
		WorkerID:     cfg.WorkerID,
		Lease:        time.Duration(cfg.JobLeaseSeconds) * time.Second,
		PollInterval: time.Duration(cfg.WorkerPollIntervalMS) * time.Millisecond,
		JobDeadline:  cfg.JobDeadline(),
		BackoffBase:  time.Duration(cfg.RetryBackoffBaseSecs) * time.Second,
		BackoffCap:   time.Duration(cfg.RetryBackoffCapSecs) * time.Second,
	})
	w.Register(store.JobExtractEvents, engine.HandleJob)
	w.Register(store.JobGraphUpsert, engine.HandleJob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	caught := make(chan os.Signal, 1)
	go func() {
		caught <- <-sigCh
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "worker running, ctrl-c to stop")
	err = w.Run(ctx)
	engine.Close()

	var sig os.Signal
	select {
	case sig = <-caught:
	default:
	}

	if errors.Is(err, context.Canceled) {
		slog.Info("worker stopped")
	} else if err != nil {
		slog.Error("worker exited", "error", err)
	}
	if code := exitCode(err, sig); code != 0 {
		os.Exit(code)
	}
}

// exitCode maps the run outcome to the process exit code: 0 for a normal
// stop, 130 when an interrupt ended the run, 1 for any failure.
func exitCode(err error, sig os.Signal) int {
	if errors.Is(err, context.Canceled) {
		if sig == syscall.SIGINT {
			return 130
		}
		return 0
	}
	if err != nil {
		return 1
	}
	return 0
}
