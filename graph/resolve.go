package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nurgraph/nur/embed"
	"github.com/nurgraph/nur/llm"
	"github.com/nurgraph/nur/store"
)

// Verdicts the confirm prompt may return per candidate.
const (
	VerdictSame      = "same"
	VerdictDifferent = "different"
	VerdictUncertain = "uncertain"
)

// Resolver decisions recorded on mention rows.
const (
	DecisionCreated   = "created"
	DecisionMerged    = "merged"
	DecisionUncertain = "uncertain"
)

// confirmPrompt asks the model to compare one mention against the
// candidate entities found by the embedding search.
const confirmPrompt = `You are an entity resolution engine.
A new mention of an entity was found in remembered content. Decide, for each known candidate entity, whether the mention refers to it.

MENTION:
  surface form: %q
  entity type:  %s
  context clues: %s

CANDIDATES:
%s

Return a JSON object with exactly one key:
  "verdicts" : array of {"entity_id": string, "verdict": "same"|"different"|"uncertain", "score": number}

Rules:
- One verdict per candidate, using its entity_id exactly as given.
- "score" is your confidence in the verdict, between 0.0 and 1.0.
- "same" means the mention and the candidate are the same real-world entity.
- "uncertain" means the evidence is genuinely insufficient either way.
- Do NOT include any text outside the JSON object.`

// ResolverConfig carries the thresholds of the two-phase resolver.
// Distances are cosine; scores come from the confirm prompt.
type ResolverConfig struct {
	CandidateK         int     // top-K nearest entities to consider
	RecallThreshold    float64 // max distance for a candidate to count
	SameThreshold      float64 // merge at or above this confirm score
	UncertainThreshold float64 // lower bound of the uncertain band
}

// Resolution is the outcome for a single mention: the entity it resolved
// to and the mention row recording the decision. Mention rows are
// buffered by the caller and committed together with the events.
type Resolution struct {
	EntityID string
	Mention  store.Mention
}

// Resolver resolves entity mentions to canonical entities. One Resolver
// instance covers one extraction run: identical mentions within the run
// are memoised so they resolve to the same entity.
type Resolver struct {
	store    *store.Store
	embedder *embed.Service
	provider llm.Provider
	model    string
	cfg      ResolverConfig
	memo     map[string]memoized
}

type memoized struct {
	entityID string
	decision string
	score    float64
}

// NewResolver returns a Resolver for one extraction run.
func NewResolver(s *store.Store, embedder *embed.Service, provider llm.Provider, model string, cfg ResolverConfig) *Resolver {
	if cfg.CandidateK <= 0 {
		cfg.CandidateK = 10
	}
	if cfg.RecallThreshold <= 0 {
		cfg.RecallThreshold = 0.25
	}
	if cfg.SameThreshold <= 0 {
		cfg.SameThreshold = 0.85
	}
	return &Resolver{
		store:    s,
		embedder: embedder,
		provider: provider,
		model:    model,
		cfg:      cfg,
		memo:     make(map[string]memoized),
	}
}

// Resolve maps one mention to an entity: embed the enriched surface
// form, search the entity collection, and when candidates pass the
// recall threshold, ask the model to confirm. New entities and
// POSSIBLY_SAME edges are written immediately; the mention row is
// returned for the caller to commit with its event.
func (r *Resolver) Resolve(ctx context.Context, revisionID string, m CandidateMention) (*Resolution, error) {
	if prev, ok := r.memo[memoKey(m)]; ok {
		return r.resolution(revisionID, m, prev.entityID, prev.decision, prev.score), nil
	}

	embedding, err := r.embedder.EmbedOne(ctx, enrich(m))
	if err != nil {
		return nil, fmt.Errorf("embedding mention %q: %w", m.Surface, err)
	}

	hits, err := r.store.SearchEntities(ctx, embedding, r.cfg.CandidateK)
	if err != nil {
		return nil, fmt.Errorf("searching entity candidates: %w", err)
	}
	var candidates []store.EntityHit
	for _, h := range hits {
		if h.Distance <= r.cfg.RecallThreshold {
			candidates = append(candidates, h)
		}
	}

	if len(candidates) == 0 {
		return r.create(ctx, revisionID, m, embedding, 0, nil)
	}

	verdicts, err := r.confirm(ctx, m, candidates)
	if err != nil {
		return nil, err
	}
	return r.decide(ctx, revisionID, m, embedding, candidates, verdicts)
}

// decide applies the decision policy over the confirm verdicts.
// Candidates arrive ordered by ascending distance, so the first
// qualifying candidate is also the tie-break winner on distance;
// equal distances fall back to earliest created_at.
func (r *Resolver) decide(ctx context.Context, revisionID string, m CandidateMention, embedding []float32, candidates []store.EntityHit, verdicts map[string]verdict) (*Resolution, error) {
	var merge *store.EntityHit
	var best *store.EntityHit
	var bestScore float64
	allDifferent := true

	for i := range candidates {
		c := &candidates[i]
		v, ok := verdicts[c.EntityID]
		if !ok {
			continue
		}
		if v.Verdict != VerdictDifferent {
			allDifferent = false
		}
		if v.Verdict == VerdictSame && v.Score >= r.cfg.SameThreshold {
			if merge == nil || betterCandidate(c, merge) {
				merge = c
				bestScore = v.Score
			}
			continue
		}
		if v.Verdict == VerdictUncertain || (v.Verdict == VerdictSame && v.Score >= r.cfg.UncertainThreshold) {
			if best == nil || v.Score > bestScore || (v.Score == bestScore && betterCandidate(c, best)) {
				best = c
				bestScore = v.Score
			}
		}
	}

	switch {
	case merge != nil:
		if err := r.store.MergeEntity(ctx, merge.EntityID, m.Surface, m.Clues, store.Now()); err != nil {
			return nil, fmt.Errorf("merging into entity %s: %w", merge.EntityID, err)
		}
		res := r.resolution(revisionID, m, merge.EntityID, DecisionMerged, bestScore)
		r.memo[memoKey(m)] = memoized{merge.EntityID, DecisionMerged, bestScore}
		return res, nil

	case allDifferent || best == nil:
		return r.create(ctx, revisionID, m, embedding, 0, nil)

	default:
		// Uncertain band: a new entity plus a POSSIBLY_SAME edge to the
		// best candidate, so a later pass can reconcile them.
		return r.create(ctx, revisionID, m, embedding, bestScore, best)
	}
}

// create inserts a new entity seeded with the mention's embedding. When
// possiblySame is set, a directed POSSIBLY_SAME edge links the new
// entity to that candidate.
func (r *Resolver) create(ctx context.Context, revisionID string, m CandidateMention, embedding []float32, score float64, possiblySame *store.EntityHit) (*Resolution, error) {
	now := store.Now()
	entity := &store.Entity{
		EntityID:      "ent_" + uuid.NewString(),
		EntityType:    m.EntityType,
		CanonicalName: m.Surface,
		Aliases:       []string{m.Surface},
		ContextClues:  m.Clues,
		CreatedAt:     now,
		LastSeenAt:    now,
	}
	if err := r.store.CreateEntity(ctx, entity, embedding); err != nil {
		return nil, fmt.Errorf("creating entity for %q: %w", m.Surface, err)
	}

	decision := DecisionCreated
	if possiblySame != nil {
		decision = DecisionUncertain
	}
	res := r.resolution(revisionID, m, entity.EntityID, decision, score)
	r.memo[memoKey(m)] = memoized{entity.EntityID, decision, score}

	if possiblySame != nil {
		if err := r.store.MergePossiblySame(ctx, entity.EntityID, possiblySame.EntityID, score, res.Mention.MentionID); err != nil {
			return nil, fmt.Errorf("recording POSSIBLY_SAME edge: %w", err)
		}
		slog.Debug("resolver: uncertain identity",
			"surface", m.Surface, "new", entity.EntityID,
			"candidate", possiblySame.EntityID, "score", score)
	}
	return res, nil
}

func (r *Resolver) resolution(revisionID string, m CandidateMention, entityID, decision string, score float64) *Resolution {
	return &Resolution{
		EntityID: entityID,
		Mention: store.Mention{
			MentionID:   uuid.NewString(),
			EntityID:    entityID,
			RevisionID:  revisionID,
			SurfaceForm: m.Surface,
			OffsetStart: m.Offset,
			Decision:    decision,
			Score:       score,
			Model:       r.model,
			CreatedAt:   store.Now(),
		},
	}
}

type verdict struct {
	EntityID string  `json:"entity_id"`
	Verdict  string  `json:"verdict"`
	Score    float64 `json:"score"`
}

type verdictEnvelope struct {
	Verdicts []verdict `json:"verdicts"`
}

// confirm runs the confirm-or-reject prompt over all candidates at once
// and returns the usable verdicts keyed by entity id.
func (r *Resolver) confirm(ctx context.Context, m CandidateMention, candidates []store.EntityHit) (map[string]verdict, error) {
	var b strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&b, "- entity_id: %s\n  canonical name: %q\n  type: %s\n  aliases: %s\n  context clues: %s\n",
			c.EntityID, c.CanonicalName, c.EntityType,
			strings.Join(c.Aliases, ", "), strings.Join(c.ContextClues, "; "))
	}
	prompt := fmt.Sprintf(confirmPrompt, m.Surface, m.EntityType, strings.Join(m.Clues, "; "), b.String())

	resp, err := r.provider.Chat(ctx, llm.ChatRequest{
		Model:          r.model,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("confirm prompt for %q: %w", m.Surface, err)
	}

	jsonStr, err := extractJSON(resp.Content)
	if err != nil {
		return nil, &ParseError{Raw: resp.Content, Err: err}
	}
	var envelope verdictEnvelope
	if err := json.Unmarshal([]byte(jsonStr), &envelope); err != nil {
		return nil, &ParseError{Raw: resp.Content, Err: err}
	}

	out := make(map[string]verdict, len(envelope.Verdicts))
	for _, v := range envelope.Verdicts {
		switch v.Verdict {
		case VerdictSame, VerdictDifferent, VerdictUncertain:
		default:
			return nil, fmt.Errorf("confirm verdict %q for %s is not same/different/uncertain", v.Verdict, v.EntityID)
		}
		if v.Score < 0 || v.Score > 1 {
			return nil, fmt.Errorf("confirm score %v for %s outside [0,1]", v.Score, v.EntityID)
		}
		out[v.EntityID] = v
	}
	return out, nil
}

// betterCandidate orders by ascending distance, then earliest created_at.
func betterCandidate(a, b *store.EntityHit) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.CreatedAt < b.CreatedAt
}

// enrich builds the text embedded for candidate search: the surface form
// plus its context clues, which is also what seeds a new entity's
// stored embedding.
func enrich(m CandidateMention) string {
	if len(m.Clues) == 0 {
		return m.Surface
	}
	return m.Surface + " (" + strings.Join(m.Clues, "; ") + ")"
}

func memoKey(m CandidateMention) string {
	return m.Surface + "\x1f" + strings.Join(m.Clues, "\x1f")
}
