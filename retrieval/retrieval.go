// Package retrieval implements the read path: a single query embedding
// fanned out over the content and chunks collections, Reciprocal Rank
// Fusion of the two ranked lists, and optional graph expansion that
// attaches related entities and events to each result.
package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nurgraph/nur/embed"
	"github.com/nurgraph/nur/graph"
	"github.com/nurgraph/nur/store"
)

// kFloor is the per-collection over-fetch floor: each collection is
// queried for max(k, kFloor) hits so fusion has enough overlap to work with.
const kFloor = 20

// Config holds the retrieval defaults, overridable per request.
type Config struct {
	RRFConstant           int
	GraphSeedLimit        int
	GraphBudget           int
	GraphMaxHops          int
	PossiblySameThreshold float64
}

// Request is one recall query.
type Request struct {
	Query           string
	K               int
	Filter          store.Filter
	GraphExpand     bool
	GraphSeedLimit  int
	GraphBudget     int
	GraphFilters    graph.ExpandFilters
	IncludeEvents   bool
	IncludeEntities bool
}

// Result is one fused artifact with its optional attachments.
type Result struct {
	ArtifactID     string         `json:"id"`
	Content        string         `json:"content"`
	Score          float64        `json:"score"`
	Title          string         `json:"title,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
	Sensitivity    string         `json:"sensitivity,omitempty"`
	BestChunkID    string         `json:"best_chunk_id,omitempty"`
	BestChunkIndex int            `json:"best_chunk_index,omitempty"`
	Events         []store.Event  `json:"events,omitempty"`
	Entities       []store.Entity `json:"entities,omitempty"`
	RelatedContext []graph.Node   `json:"related_context,omitempty"`
}

// Response carries the fused results plus non-fatal warnings, such as a
// degraded graph expansion.
type Response struct {
	Results  []Result `json:"results"`
	Warnings []string `json:"warnings,omitempty"`
}

// Service runs hybrid retrieval over the store.
type Service struct {
	store    *store.Store
	embedder *embed.Service
	cfg      Config
}

// New returns a retrieval Service. Zero config fields fall back to the
// documented defaults.
func New(s *store.Store, embedder *embed.Service, cfg Config) *Service {
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = 60
	}
	if cfg.GraphSeedLimit <= 0 {
		cfg.GraphSeedLimit = 10
	}
	if cfg.GraphBudget <= 0 {
		cfg.GraphBudget = 50
	}
	if cfg.GraphMaxHops <= 0 {
		cfg.GraphMaxHops = 2
	}
	if cfg.PossiblySameThreshold <= 0 {
		cfg.PossiblySameThreshold = 0.75
	}
	return &Service{store: s, embedder: embedder, cfg: cfg}
}

// Search embeds the query once, queries both collections concurrently,
// fuses with RRF, and assembles the result set. Graph expansion failures
// degrade to a warning instead of failing the whole search.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	if req.K <= 0 {
		req.K = 10
	}
	kPrime := req.K
	if kPrime < kFloor {
		kPrime = kFloor
	}

	queryVec, err := s.embedder.EmbedOne(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	type hits struct {
		content []store.ContentHit
		chunks  []store.ChunkHit
		err     error
	}
	contentCh := make(chan hits, 1)
	chunkCh := make(chan hits, 1)

	searchStart := time.Now()
	go func() {
		r, err := s.store.SearchContent(ctx, queryVec, kPrime, req.Filter)
		contentCh <- hits{content: r, err: err}
	}()
	go func() {
		r, err := s.store.SearchChunks(ctx, queryVec, kPrime, req.Filter)
		chunkCh <- hits{chunks: r, err: err}
	}()

	contentRes := <-contentCh
	chunkRes := <-chunkCh
	if contentRes.err != nil {
		return nil, fmt.Errorf("content search: %w", contentRes.err)
	}
	if chunkRes.err != nil {
		return nil, fmt.Errorf("chunk search: %w", chunkRes.err)
	}

	fusedSet := fuseRRF(contentRes.content, chunkRes.chunks, s.cfg.RRFConstant, req.K)
	slog.Debug("retrieval: search complete",
		"content_hits", len(contentRes.content),
		"chunk_hits", len(chunkRes.chunks),
		"fused", len(fusedSet),
		"elapsed", time.Since(searchStart).Round(time.Millisecond))

	resp := &Response{Results: make([]Result, 0, len(fusedSet))}
	for _, f := range fusedSet {
		r := Result{
			ArtifactID:  f.ArtifactID,
			Score:       f.Score,
			Title:       f.Title,
			Timestamp:   f.Timestamp,
			Sensitivity: f.Sensitivity,
		}
		if f.BestChunk != nil {
			r.Content = f.BestChunk.Content
			r.BestChunkID = f.BestChunk.ChunkID
			r.BestChunkIndex = f.BestChunk.ChunkIndex
		} else if rev, err := s.store.LatestRevision(ctx, f.ArtifactID); err == nil {
			r.Content = rev.Content
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loading content for %s: %w", f.ArtifactID, err)
		}
		resp.Results = append(resp.Results, r)
	}

	if req.GraphExpand || req.IncludeEvents || req.IncludeEntities {
		if err := s.attach(ctx, req, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// attach loads events and entities for the fused results and, when
// requested, expands the graph from the top seeds that have events.
func (s *Service) attach(ctx context.Context, req Request, resp *Response) error {
	ids := make([]string, len(resp.Results))
	for i := range resp.Results {
		ids[i] = resp.Results[i].ArtifactID
	}
	eventsByArtifact, err := s.store.EventIDsByArtifacts(ctx, ids)
	if err != nil {
		return fmt.Errorf("mapping artifacts to events: %w", err)
	}

	seedLimit := req.GraphSeedLimit
	if seedLimit <= 0 {
		seedLimit = s.cfg.GraphSeedLimit
	}
	budget := req.GraphBudget
	if budget <= 0 {
		budget = s.cfg.GraphBudget
	}

	seeded := 0
	for i := range resp.Results {
		r := &resp.Results[i]
		eventIDs := eventsByArtifact[r.ArtifactID]
		if len(eventIDs) == 0 {
			continue
		}

		if req.IncludeEvents || req.IncludeEntities {
			events, err := s.store.GetEventsByIDs(ctx, eventIDs)
			if err != nil {
				return fmt.Errorf("loading events for %s: %w", r.ArtifactID, err)
			}
			if req.IncludeEvents {
				r.Events = events
			}
			if req.IncludeEntities {
				entities, err := s.entitiesOf(ctx, events)
				if err != nil {
					return err
				}
				r.Entities = entities
			}
		}

		if req.GraphExpand && seeded < seedLimit {
			seeded++
			nodes, err := graph.Expand(ctx, s.store, eventIDs, s.cfg.GraphMaxHops,
				req.GraphFilters, budget, s.cfg.PossiblySameThreshold)
			if err != nil {
				// Results still stand without related context.
				slog.Warn("retrieval: graph expansion failed", "artifact_id", r.ArtifactID, "error", err)
				resp.Warnings = append(resp.Warnings,
					fmt.Sprintf("graph expansion unavailable for %s", r.ArtifactID))
				continue
			}
			r.RelatedContext = nodes
		}
	}
	return nil
}

// entitiesOf collects the distinct actors and subjects of the events.
func (s *Service) entitiesOf(ctx context.Context, events []store.Event) ([]store.Entity, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, e := range events {
		for _, id := range append(append([]string{}, e.Actors...), e.Subjects...) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	entities, err := s.store.GetEntities(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading entities: %w", err)
	}
	return entities, nil
}
