// Package nur is a long-lived memory engine for conversational agents.
// Content is remembered as content-addressed artifacts, indexed into
// vector collections for semantic recall, and mined asynchronously for
// events and entities that form a knowledge graph over everything the
// system has seen.
package nur

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/nurgraph/nur/chunker"
	"github.com/nurgraph/nur/embed"
	"github.com/nurgraph/nur/graph"
	"github.com/nurgraph/nur/llm"
	"github.com/nurgraph/nur/parser"
	"github.com/nurgraph/nur/retrieval"
	"github.com/nurgraph/nur/store"
)

// Closed metadata sets. Values outside them are rejected, not coerced.
var (
	artifactTypes    = []string{"document", "message", "note", "decision-record"}
	sensitivities    = []string{"normal", "sensitive", "highly_sensitive"}
	visibilityScopes = []string{"me", "team", "org"}
)

// Engine is the memory engine. One Engine owns one store; it is safe
// for concurrent use.
type Engine struct {
	cfg       Config
	store     *store.Store
	embedder  *embed.Service
	eventLLM  llm.Provider
	entityLLM llm.Provider
	extractor *graph.Extractor
	retriever *retrieval.Service
	parsers   *parser.Registry
	chunkr    *chunker.Chunker
}

// New opens the store and wires the pipeline from configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim, cfg.GraphName)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store: %v", ErrStorage, err)
	}

	eventLLM, err := llm.NewProvider(llm.Config(cfg.EventModel))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: event model: %v", ErrConfiguration, err)
	}
	entityLLM, err := llm.NewProvider(llm.Config(cfg.EntityModel))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: entity model: %v", ErrConfiguration, err)
	}
	embedLLM, err := llm.NewProvider(llm.Config(cfg.Embedding))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: embedding model: %v", ErrConfiguration, err)
	}

	embedder := embed.New(embedLLM, cfg.EmbeddingDim, cfg.EmbedBatchSize, cfg.EmbedMaxAttempts)
	return &Engine{
		cfg:       cfg,
		store:     s,
		embedder:  embedder,
		eventLLM:  eventLLM,
		entityLLM: entityLLM,
		extractor: graph.NewExtractor(eventLLM, cfg.EventModel.Model),
		retriever: retrieval.New(s, embedder, retrieval.Config{
			RRFConstant:           cfg.RRFConstant,
			GraphSeedLimit:        cfg.GraphSeedLimit,
			GraphBudget:           cfg.GraphBudget,
			GraphMaxHops:          cfg.GraphMaxHops,
			PossiblySameThreshold: cfg.PossiblySameThreshold,
		}),
		parsers: parser.NewRegistry(),
		chunkr: chunker.New(chunker.Config{
			MaxTokens: cfg.MaxChunkTokens,
			Overlap:   cfg.ChunkOverlapTokens,
		}),
	}, nil
}

// Store exposes the underlying store for diagnostics and the worker.
func (e *Engine) Store() *store.Store { return e.store }

// Close shuts the engine down.
func (e *Engine) Close() error { return e.store.Close() }

// Canonicalize normalises content before hashing: CRLF and bare CR
// become LF, trailing spaces and tabs are stripped per line, and
// trailing newlines are trimmed. The artifact id is a pure function of
// this form, so cosmetic whitespace differences dedup to one artifact.
func Canonicalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// ArtifactID derives the content-addressed id of canonicalized content.
func ArtifactID(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return "art_" + hex.EncodeToString(sum[:])[:12]
}

// Metadata describes a remembered artifact. Zero values fall back to
// type "note", sensitivity "normal", and visibility "me".
type Metadata struct {
	Type            string   `json:"type,omitempty"`
	SourceSystem    string   `json:"source_system,omitempty"`
	SourceID        string   `json:"source_id,omitempty"`
	SourceURL       string   `json:"source_url,omitempty"`
	Timestamp       string   `json:"timestamp,omitempty"`
	Title           string   `json:"title,omitempty"`
	Author          string   `json:"author,omitempty"`
	Participants    []string `json:"participants,omitempty"`
	Sensitivity     string   `json:"sensitivity,omitempty"`
	VisibilityScope string   `json:"visibility_scope,omitempty"`
	RetentionPolicy string   `json:"retention_policy,omitempty"`
}

func (m *Metadata) applyDefaults() error {
	if m.Type == "" {
		m.Type = "note"
	}
	if m.Sensitivity == "" {
		m.Sensitivity = "normal"
	}
	if m.VisibilityScope == "" {
		m.VisibilityScope = "me"
	}
	if !slices.Contains(artifactTypes, m.Type) {
		return fmt.Errorf("%w: artifact type %q", ErrValidation, m.Type)
	}
	if !slices.Contains(sensitivities, m.Sensitivity) {
		return fmt.Errorf("%w: sensitivity %q", ErrValidation, m.Sensitivity)
	}
	if !slices.Contains(visibilityScopes, m.VisibilityScope) {
		return fmt.Errorf("%w: visibility scope %q", ErrValidation, m.VisibilityScope)
	}
	return nil
}

// RememberResult reports the outcome of an ingestion.
type RememberResult struct {
	ArtifactID string `json:"artifact_id"`
	Deduped    bool   `json:"deduped"`
	JobID      string `json:"job_id,omitempty"`
	RevisionID string `json:"revision_id,omitempty"`
	NumChunks  int    `json:"num_chunks,omitempty"`
}

// Remember ingests textual content: canonicalize, derive the artifact
// id, dedup, chunk, embed, and commit the relational rows together with
// the extraction job so extraction is never lost once the caller sees
// success. Re-remembering identical content is a pure no-op.
func (e *Engine) Remember(ctx context.Context, content string, meta Metadata) (*RememberResult, error) {
	canonical := Canonicalize(content)
	if canonical == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if err := meta.applyDefaults(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(canonical))
	contentHash := hex.EncodeToString(sum[:])
	artifactID := "art_" + contentHash[:12]

	relCtx, cancel := context.WithTimeout(ctx, e.cfg.RelationalTimeout())
	exists, err := e.store.ArtifactExists(relCtx, artifactID, contentHash)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: dedup check: %v", ErrStorage, err)
	}
	if exists {
		slog.Info("remember: deduped", "artifact_id", artifactID)
		return &RememberResult{ArtifactID: artifactID, Deduped: true}, nil
	}

	chunks := e.chunkr.Split(canonical)

	texts := make([]string, 0, len(chunks)+1)
	for _, c := range chunks {
		texts = append(texts, c.Content)
	}
	texts = append(texts, canonical)
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	chunkVecs, contentVec := vectors[:len(chunks)], vectors[len(chunks)]

	now := store.Now()
	revisionID := uuid.NewString()
	artifact := &store.Artifact{
		ArtifactID:          artifactID,
		ArtifactType:        meta.Type,
		SourceSystem:        meta.SourceSystem,
		SourceID:            meta.SourceID,
		SourceURL:           meta.SourceURL,
		Timestamp:           meta.Timestamp,
		Title:               meta.Title,
		Author:              meta.Author,
		Participants:        meta.Participants,
		ContentHash:         contentHash,
		TokenCount:          chunker.EstimateTokens(canonical),
		IsChunked:           len(chunks) > 1,
		NumChunks:           len(chunks),
		Sensitivity:         meta.Sensitivity,
		VisibilityScope:     meta.VisibilityScope,
		RetentionPolicy:     meta.RetentionPolicy,
		EmbeddingProvider:   e.cfg.Embedding.Provider,
		EmbeddingModel:      e.cfg.Embedding.Model,
		EmbeddingDimensions: e.cfg.EmbeddingDim,
		IngestedAt:          now,
	}
	revision := &store.Revision{
		RevisionID: revisionID,
		ArtifactID: artifactID,
		Content:    canonical,
		CreatedAt:  now,
	}
	rows := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = store.Chunk{
			ChunkID:     uuid.NewString(),
			ArtifactID:  artifactID,
			RevisionID:  revisionID,
			Index:       c.Index,
			Content:     c.Content,
			StartChar:   c.StartChar,
			EndChar:     c.EndChar,
			TokenCount:  c.TokenCount,
			ContentHash: c.ContentHash,
		}
	}

	payload, _ := json.Marshal(jobPayload{RevisionID: revisionID, ArtifactID: artifactID})
	job := &store.Job{
		JobID:       uuid.NewString(),
		Kind:        store.JobExtractEvents,
		Payload:     string(payload),
		MaxAttempts: e.cfg.JobMaxAttempts,
	}

	if err := e.store.IngestArtifact(ctx, artifact, revision, rows, chunkVecs, contentVec, job); err != nil {
		// A concurrent Remember of identical content can commit between the
		// dedup probe and here; the loser's chunk rows violate a UNIQUE
		// constraint. Re-check so the caller sees a dedup, not a failure.
		if exists, exErr := e.store.ArtifactExists(ctx, artifactID, contentHash); exErr == nil && exists {
			slog.Info("remember: deduped", "artifact_id", artifactID)
			return &RememberResult{ArtifactID: artifactID, Deduped: true}, nil
		}
		return nil, fmt.Errorf("%w: committing artifact: %v", ErrStorage, err)
	}

	slog.Info("remember: ingested",
		"artifact_id", artifactID, "revision_id", revisionID,
		"chunks", len(chunks), "job_id", job.JobID)
	return &RememberResult{
		ArtifactID: artifactID,
		JobID:      job.JobID,
		RevisionID: revisionID,
		NumChunks:  len(chunks),
	}, nil
}

// RememberFile parses a document file and remembers its text. The
// artifact type defaults to "document" and the title to the parsed
// title or the file name.
func (e *Engine) RememberFile(ctx context.Context, path string, meta Metadata) (*RememberResult, error) {
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	p, err := e.parsers.Get(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	parsed, err := p.Parse(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}
	if meta.Type == "" {
		meta.Type = "document"
	}
	if meta.Title == "" {
		meta.Title = parsed.Title
	}
	if meta.Title == "" {
		meta.Title = filepath.Base(path)
	}
	return e.Remember(ctx, parsed.Text, meta)
}

// RecallRequest selects memories either by semantic query or directly
// by artifact id.
type RecallRequest struct {
	Query           string              `json:"query,omitempty"`
	ID              string              `json:"id,omitempty"`
	K               int                 `json:"k,omitempty"`
	Context         string              `json:"context,omitempty"`
	Filter          store.Filter        `json:"filters,omitempty"`
	GraphExpand     bool                `json:"graph_expand,omitempty"`
	GraphSeedLimit  int                 `json:"graph_seed_limit,omitempty"`
	GraphBudget     int                 `json:"graph_budget,omitempty"`
	GraphFilters    graph.ExpandFilters `json:"graph_filters,omitempty"`
	IncludeEvents   bool                `json:"include_events,omitempty"`
	IncludeEntities bool                `json:"include_entities,omitempty"`
}

// RecallResult is one recalled memory.
type RecallResult struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Snippet        string         `json:"snippet,omitempty"`
	Score          float64        `json:"score"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Events         []store.Event  `json:"events,omitempty"`
	Entities       []store.Entity `json:"entities,omitempty"`
	RelatedContext []graph.Node   `json:"related_context,omitempty"`
}

// RecallResponse carries results plus non-fatal warnings.
type RecallResponse struct {
	Results  []RecallResult `json:"results"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Recall is the read path: side-effect-free and safe to retry.
func (e *Engine) Recall(ctx context.Context, req RecallRequest) (*RecallResponse, error) {
	if req.ID != "" {
		return e.recallByID(ctx, req.ID)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query or id is required", ErrValidation)
	}

	query := req.Query
	if req.Context != "" {
		query = req.Context + "\n" + query
	}
	resp, err := e.retriever.Search(ctx, retrieval.Request{
		Query:           query,
		K:               req.K,
		Filter:          req.Filter,
		GraphExpand:     req.GraphExpand,
		GraphSeedLimit:  req.GraphSeedLimit,
		GraphBudget:     req.GraphBudget,
		GraphFilters:    req.GraphFilters,
		IncludeEvents:   req.IncludeEvents,
		IncludeEntities: req.IncludeEntities,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}

	queryWords := significantWords(req.Query)
	out := &RecallResponse{Warnings: resp.Warnings}
	for _, r := range resp.Results {
		rr := RecallResult{
			ID:             r.ArtifactID,
			Content:        r.Content,
			Snippet:        extractSnippet(r.Content, queryWords),
			Score:          r.Score,
			Metadata:       resultMetadata(r),
			Events:         r.Events,
			Entities:       r.Entities,
			RelatedContext: r.RelatedContext,
		}
		out.Results = append(out.Results, rr)
	}
	out.Results = privacyFilter(out.Results)
	return out, nil
}

func (e *Engine) recallByID(ctx context.Context, id string) (*RecallResponse, error) {
	artifact, err := e.store.GetArtifact(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	rev, err := e.store.LatestRevision(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: loading revision: %v", ErrStorage, err)
	}
	result := RecallResult{
		ID:      id,
		Content: rev.Content,
		Score:   1,
		Metadata: map[string]any{
			"artifact_type":    artifact.ArtifactType,
			"title":            artifact.Title,
			"timestamp":        artifact.Timestamp,
			"sensitivity":      artifact.Sensitivity,
			"visibility_scope": artifact.VisibilityScope,
			"num_chunks":       artifact.NumChunks,
			"revision_id":      rev.RevisionID,
		},
	}
	return &RecallResponse{Results: privacyFilter([]RecallResult{result})}, nil
}

func resultMetadata(r retrieval.Result) map[string]any {
	m := map[string]any{
		"artifact_id": r.ArtifactID,
		"sensitivity": r.Sensitivity,
	}
	if r.Title != "" {
		m["title"] = r.Title
	}
	if r.Timestamp != "" {
		m["timestamp"] = r.Timestamp
	}
	if r.BestChunkID != "" {
		m["chunk_id"] = r.BestChunkID
		m["chunk_index"] = r.BestChunkIndex
	}
	return m
}

// privacyFilter is the redaction hook on the read path. It deliberately
// passes everything through unchanged for now; it exists so callers and
// tests exercise the seam where redaction will live.
func privacyFilter(results []RecallResult) []RecallResult {
	return results
}

// ForgetResult reports a cascade delete. Deleted is false when the id
// was already gone; that is not an error.
type ForgetResult struct {
	Deleted       bool                 `json:"deleted"`
	CascadeCounts *store.CascadeCounts `json:"cascade_counts,omitempty"`
}

// Forget removes an artifact with everything derived from it: chunks,
// the events of its revisions, their evidence and mentions, vector and
// graph rows, and not-yet-started jobs. Entities always survive.
func (e *Engine) Forget(ctx context.Context, id string, confirm bool) (*ForgetResult, error) {
	if !confirm {
		return nil, ErrConfirmRequired
	}
	counts, err := e.store.DeleteArtifact(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return &ForgetResult{Deleted: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: forget cascade: %v", ErrStorage, err)
	}
	slog.Info("forget: deleted", "artifact_id", id,
		"chunks", counts.Chunks, "events", counts.Events, "mentions", counts.Mentions)
	return &ForgetResult{Deleted: true, CascadeCounts: counts}, nil
}

// ArtifactStatus is the per-artifact drill-down of the status surface.
type ArtifactStatus struct {
	ArtifactID  string      `json:"artifact_id"`
	Revisions   int         `json:"revisions"`
	Chunks      int         `json:"chunks"`
	Events      int         `json:"events"`
	PendingJobs []store.Job `json:"pending_jobs,omitempty"`
}

// StatusReport is the operators' view of the engine.
type StatusReport struct {
	Services map[string]string `json:"services"`
	Counts   map[string]int    `json:"counts"`
	Jobs     map[string]int    `json:"jobs"`
	Artifact *ArtifactStatus   `json:"artifact,omitempty"`
}

// Status reports service health, row counts, and the job-state rollup.
// With an artifact id it adds that artifact's drill-down.
func (e *Engine) Status(ctx context.Context, artifactID string) (*StatusReport, error) {
	report := &StatusReport{Services: map[string]string{}}
	if err := e.store.Ping(ctx); err != nil {
		report.Services["store"] = "unreachable: " + err.Error()
		return report, nil
	}
	report.Services["store"] = "ok"

	stats, err := e.store.DBStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: collecting stats: %v", ErrStorage, err)
	}
	report.Counts = map[string]int{
		"artifacts":   stats.Artifacts,
		"revisions":   stats.Revisions,
		"chunks":      stats.Chunks,
		"events":      stats.Events,
		"entities":    stats.Entities,
		"mentions":    stats.Mentions,
		"graph_nodes": stats.GraphNodes,
		"graph_edges": stats.GraphEdges,
	}
	report.Jobs = stats.Jobs

	if artifactID != "" {
		drill, err := e.artifactStatus(ctx, artifactID)
		if err != nil {
			return nil, err
		}
		report.Artifact = drill
	}
	return report, nil
}

func (e *Engine) artifactStatus(ctx context.Context, artifactID string) (*ArtifactStatus, error) {
	if _, err := e.store.GetArtifact(ctx, artifactID); errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, artifactID)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	revs, err := e.store.RevisionsByArtifact(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	chunks, err := e.store.ChunksByArtifact(ctx, artifactID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	status := &ArtifactStatus{
		ArtifactID: artifactID,
		Revisions:  len(revs),
		Chunks:     len(chunks),
	}
	for _, rev := range revs {
		events, err := e.store.EventsByRevision(ctx, rev.RevisionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		status.Events += len(events)
		jobs, err := e.store.PendingJobsForRevision(ctx, rev.RevisionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		status.PendingJobs = append(status.PendingJobs, jobs...)
	}
	return status, nil
}

// EventSearch finds events by summary substring, optionally narrowed to
// one category.
func (e *Engine) EventSearch(ctx context.Context, query, category string, limit int) ([]store.Event, error) {
	if category != "" && !graph.ValidCategory(category) {
		return nil, fmt.Errorf("%w: event category %q", ErrValidation, category)
	}
	events, err := e.store.SearchEvents(ctx, query, category, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return events, nil
}

// EventGet retrieves one event with its evidence.
func (e *Engine) EventGet(ctx context.Context, eventID string) (*store.Event, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return ev, nil
}

// EventsForRevision lists a revision's events in document order.
func (e *Engine) EventsForRevision(ctx context.Context, revisionID string) ([]store.Event, error) {
	events, err := e.store.EventsByRevision(ctx, revisionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return events, nil
}

// JobStatusReport is the caller-facing view of a job row.
type JobStatusReport struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// JobStatus reports the state of an extraction or graph-upsert job.
func (e *Engine) JobStatus(ctx context.Context, jobID string) (*JobStatusReport, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &JobStatusReport{
		JobID:     job.JobID,
		Kind:      job.Kind,
		State:     job.State,
		Attempts:  job.Attempts,
		LastError: job.LastError,
	}, nil
}
