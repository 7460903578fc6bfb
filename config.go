package nur

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for the nur memory engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.nur/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.nur/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// GraphName is the named graph all node and edge rows belong to.
	GraphName string `json:"graph_name" yaml:"graph_name"`

	// LLM endpoints. EventModel drives extraction, EntityModel drives the
	// resolver's confirm prompt, Embedding drives all vectorization.
	EventModel  LLMConfig `json:"event_model" yaml:"event_model"`
	EntityModel LLMConfig `json:"entity_model" yaml:"entity_model"`
	Embedding   LLMConfig `json:"embedding" yaml:"embedding"`

	// EmbeddingDim must match the vector collections' dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// EmbedBatchSize bounds texts per embedding request.
	EmbedBatchSize int `json:"embed_batch_size" yaml:"embed_batch_size"`

	// EmbedMaxAttempts bounds retries per embedding batch.
	EmbedMaxAttempts int `json:"embed_max_attempts" yaml:"embed_max_attempts"`

	// Chunking
	MaxChunkTokens     int `json:"max_chunk_tokens" yaml:"max_chunk_tokens"`
	ChunkOverlapTokens int `json:"chunk_overlap_tokens" yaml:"chunk_overlap_tokens"`

	// Entity resolution thresholds. Distances are cosine.
	RecallThreshold       float64 `json:"recall_threshold" yaml:"recall_threshold"`             // max candidate distance
	SameThreshold         float64 `json:"same_threshold" yaml:"same_threshold"`                 // merge at or above
	UncertainThreshold    float64 `json:"uncertain_threshold" yaml:"uncertain_threshold"`       // lower bound of the uncertain band
	PossiblySameThreshold float64 `json:"possibly_same_threshold" yaml:"possibly_same_threshold"` // follow POSSIBLY_SAME at or above
	CandidateK            int     `json:"candidate_k" yaml:"candidate_k"`

	// Retrieval
	RRFConstant    int `json:"rrf_constant" yaml:"rrf_constant"`
	GraphSeedLimit int `json:"graph_seed_limit" yaml:"graph_seed_limit"`
	GraphBudget    int `json:"graph_budget" yaml:"graph_budget"`
	GraphMaxHops   int `json:"graph_max_hops" yaml:"graph_max_hops"`

	// Job queue
	JobLeaseSeconds      int `json:"job_lease_seconds" yaml:"job_lease_seconds"`
	JobMaxAttempts       int `json:"job_max_attempts" yaml:"job_max_attempts"`
	RetryBackoffBaseSecs int `json:"retry_backoff_base_seconds" yaml:"retry_backoff_base_seconds"`
	RetryBackoffCapSecs  int `json:"retry_backoff_cap_seconds" yaml:"retry_backoff_cap_seconds"`

	// Worker
	WorkerID             string `json:"worker_id" yaml:"worker_id"`
	WorkerPollIntervalMS int    `json:"worker_poll_interval_ms" yaml:"worker_poll_interval_ms"`

	// Server
	ServerAddr   string `json:"server_addr" yaml:"server_addr"`
	ServerAPIKey string `json:"server_api_key" yaml:"server_api_key"`

	// Per-attempt timeouts, seconds.
	LLMTimeoutSecs        int `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`
	VectorTimeoutSecs     int `json:"vector_timeout_seconds" yaml:"vector_timeout_seconds"`
	RelationalTimeoutSecs int `json:"relational_timeout_seconds" yaml:"relational_timeout_seconds"`
	GraphTimeoutSecs      int `json:"graph_timeout_seconds" yaml:"graph_timeout_seconds"`
	JobDeadlineSecs       int `json:"job_deadline_seconds" yaml:"job_deadline_seconds"`
	HandlerTimeoutSecs    int `json:"handler_timeout_seconds" yaml:"handler_timeout_seconds"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openai, groq, openrouter, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.nur/nur.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "nur",
		StorageDir: "home",
		GraphName:  "nur",
		EventModel: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		EntityModel: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:          768,
		EmbedBatchSize:        32,
		EmbedMaxAttempts:      5,
		MaxChunkTokens:        1000,
		ChunkOverlapTokens:    100,
		RecallThreshold:       0.25,
		SameThreshold:         0.85,
		UncertainThreshold:    0.5,
		PossiblySameThreshold: 0.75,
		CandidateK:            10,
		RRFConstant:           60,
		GraphSeedLimit:        10,
		GraphBudget:           50,
		GraphMaxHops:          2,
		JobLeaseSeconds:       60,
		JobMaxAttempts:        5,
		RetryBackoffBaseSecs:  5,
		RetryBackoffCapSecs:   300,
		WorkerPollIntervalMS:  1000,
		ServerAddr:            ":8750",
		LLMTimeoutSecs:        60,
		VectorTimeoutSecs:     10,
		RelationalTimeoutSecs: 5,
		GraphTimeoutSecs:      15,
		JobDeadlineSecs:       300,
		HandlerTimeoutSecs:    30,
	}
}

// Validate checks configuration values that would make the engine unusable.
func (c *Config) Validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: embedding_dim must be positive", ErrConfiguration)
	}
	if c.MaxChunkTokens <= 0 {
		return fmt.Errorf("%w: max_chunk_tokens must be positive", ErrConfiguration)
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.MaxChunkTokens {
		return fmt.Errorf("%w: chunk_overlap_tokens must be in [0, max_chunk_tokens)", ErrConfiguration)
	}
	for _, t := range []struct {
		name string
		v    float64
	}{
		{"recall_threshold", c.RecallThreshold},
		{"same_threshold", c.SameThreshold},
		{"uncertain_threshold", c.UncertainThreshold},
		{"possibly_same_threshold", c.PossiblySameThreshold},
	} {
		if t.v < 0 || t.v > 1 {
			return fmt.Errorf("%w: %s must be in [0,1]", ErrConfiguration, t.name)
		}
	}
	if c.UncertainThreshold > c.SameThreshold {
		return fmt.Errorf("%w: uncertain_threshold must not exceed same_threshold", ErrConfiguration)
	}
	if c.CandidateK <= 0 {
		return fmt.Errorf("%w: candidate_k must be positive", ErrConfiguration)
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("%w: job_max_attempts must be positive", ErrConfiguration)
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("%w: embedding model is required", ErrConfiguration)
	}
	return nil
}

// LLMTimeout returns the per-attempt LLM call deadline.
func (c *Config) LLMTimeout() time.Duration {
	return secsOr(c.LLMTimeoutSecs, 60*time.Second)
}

// VectorTimeout returns the per-attempt vector store deadline.
func (c *Config) VectorTimeout() time.Duration {
	return secsOr(c.VectorTimeoutSecs, 10*time.Second)
}

// RelationalTimeout returns the per-attempt relational store deadline.
func (c *Config) RelationalTimeout() time.Duration {
	return secsOr(c.RelationalTimeoutSecs, 5*time.Second)
}

// GraphTimeout returns the per-attempt graph store deadline.
func (c *Config) GraphTimeout() time.Duration {
	return secsOr(c.GraphTimeoutSecs, 15*time.Second)
}

// JobDeadline returns the per-job processing deadline.
func (c *Config) JobDeadline() time.Duration {
	return secsOr(c.JobDeadlineSecs, 5*time.Minute)
}

// HandlerTimeout returns the outer request handler deadline.
func (c *Config) HandlerTimeout() time.Duration {
	return secsOr(c.HandlerTimeoutSecs, 30*time.Second)
}

func secsOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "nur"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".nur")
		return filepath.Join(dir, name+".db")
	}
}
