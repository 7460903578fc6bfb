// Command server exposes the memory engine over JSON-RPC 2.0 on
// POST /rpc, plus GET /health for probes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nurgraph/nur"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML or JSON)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// Local development: a .env file next to the binary, if present.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	applyEnv(&cfg)
	if *addr != "" {
		cfg.ServerAddr = *addr
	}

	engine, err := nur.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	rpc := newRPCServer(engine, cfg.HandlerTimeout())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", rpc.handle)
	mux.HandleFunc("GET /health", rpc.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(cfg.ServerAPIKey, handler)
	handler = corsMiddleware(os.Getenv("NUR_CORS_ORIGINS"), handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.HandlerTimeout() + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	slog.Info("server stopped")
}

// loadConfig reads YAML or JSON configuration, chosen by extension.
func loadConfig(path string) (nur.Config, error) {
	cfg := nur.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overlays NUR_* environment variables onto the config, then
// falls back to well-known provider key variables.
func applyEnv(cfg *nur.Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.DBPath, "NUR_DB_PATH")
	set(&cfg.ServerAddr, "NUR_SERVER_ADDR")
	set(&cfg.ServerAPIKey, "NUR_API_KEY")
	set(&cfg.WorkerID, "NUR_WORKER_ID")

	overlay := func(m *nur.LLMConfig, prefix string) {
		set(&m.Provider, prefix+"_PROVIDER")
		set(&m.Model, prefix+"_MODEL")
		set(&m.BaseURL, prefix+"_BASE_URL")
		set(&m.APIKey, prefix+"_API_KEY")
		if m.APIKey == "" {
			m.APIKey = providerKey(m.Provider)
		}
	}
	overlay(&cfg.EventModel, "NUR_EVENT")
	overlay(&cfg.EntityModel, "NUR_ENTITY")
	overlay(&cfg.Embedding, "NUR_EMBED")
}

// providerKey returns the conventional API key variable of a provider.
func providerKey(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "groq":
		return os.Getenv("GROQ_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "xai":
		return os.Getenv("XAI_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}
