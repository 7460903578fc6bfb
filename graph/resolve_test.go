//go:build cgo

package graph

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nurgraph/nur/embed"
	"github.com/nurgraph/nur/llm"
	"github.com/nurgraph/nur/store"
)

// fakeResolverLLM embeds by keyword lookup and answers confirm prompts
// with a fixed verdict for every candidate.
type fakeResolverLLM struct {
	vectors   map[string][]float32 // substring -> vector
	verdict   string
	score     float64
	chatCalls int
}

func (f *fakeResolverLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{0, 0, 0, 1} // far from everything stored
		for key, v := range f.vectors {
			if strings.Contains(t, key) {
				out[i] = v
				break
			}
		}
	}
	return out, nil
}

func (f *fakeResolverLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.chatCalls++
	// Answer with the configured verdict for every candidate id present
	// in the prompt.
	var verdicts []string
	prompt := req.Messages[0].Content
	for _, line := range strings.Split(prompt, "\n") {
		if id, ok := strings.CutPrefix(strings.TrimSpace(line), "- entity_id: "); ok {
			verdicts = append(verdicts,
				fmt.Sprintf(`{"entity_id": %q, "verdict": %q, "score": %v}`, id, f.verdict, f.score))
		}
	}
	return &llm.ChatResponse{
		Content: `{"verdicts": [` + strings.Join(verdicts, ",") + `]}`,
	}, nil
}

func newResolverFixture(t *testing.T, fake *fakeResolverLLM) (*Resolver, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4, "nur")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	embedder := embed.New(fake, 4, 16, 1)
	r := NewResolver(s, embedder, fake, "test-model", ResolverConfig{
		CandidateK:         10,
		RecallThreshold:    0.25,
		SameThreshold:      0.85,
		UncertainThreshold: 0.5,
	})
	return r, s
}

func seedEntity(t *testing.T, s *store.Store, id, name string, embedding []float32) {
	t.Helper()
	e := &store.Entity{
		EntityID: id, EntityType: "person", CanonicalName: name,
		CreatedAt: store.Now(), LastSeenAt: store.Now(),
	}
	if err := s.CreateEntity(context.Background(), e, embedding); err != nil {
		t.Fatalf("seed entity: %v", err)
	}
}

func TestResolveCreatesWhenNoCandidates(t *testing.T) {
	fake := &fakeResolverLLM{vectors: map[string][]float32{"Priya": {1, 0, 0, 0}}}
	r, s := newResolverFixture(t, fake)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "rev1", CandidateMention{
		Surface: "Priya", EntityType: "person", Role: RoleActor, Clues: []string{"approved the plan"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(res.EntityID, "ent_") {
		t.Fatalf("expected new entity id, got %q", res.EntityID)
	}
	if res.Mention.Decision != DecisionCreated {
		t.Fatalf("expected created decision, got %q", res.Mention.Decision)
	}
	if fake.chatCalls != 0 {
		t.Fatalf("no candidates means no confirm call, got %d", fake.chatCalls)
	}

	got, err := s.GetEntity(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("entity not persisted: %v", err)
	}
	if got.CanonicalName != "Priya" {
		t.Fatalf("unexpected canonical name %q", got.CanonicalName)
	}
}

func TestResolveMergesOnConfirmedSame(t *testing.T) {
	fake := &fakeResolverLLM{
		vectors: map[string][]float32{"Priya": {1, 0, 0, 0}},
		verdict: VerdictSame, score: 0.95,
	}
	r, s := newResolverFixture(t, fake)
	ctx := context.Background()
	seedEntity(t, s, "ent_existing", "Priya Sharma", []float32{1, 0, 0, 0})

	res, err := r.Resolve(ctx, "rev1", CandidateMention{
		Surface: "Priya", EntityType: "person", Role: RoleActor, Clues: []string{"storage team"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.EntityID != "ent_existing" {
		t.Fatalf("expected merge into existing entity, got %q", res.EntityID)
	}
	if res.Mention.Decision != DecisionMerged {
		t.Fatalf("expected merged decision, got %q", res.Mention.Decision)
	}

	got, _ := s.GetEntity(ctx, "ent_existing")
	if !contains(got.Aliases, "Priya") {
		t.Fatalf("surface form should join aliases: %+v", got.Aliases)
	}
}

func TestResolveUncertainCreatesPossiblySameEdge(t *testing.T) {
	fake := &fakeResolverLLM{
		vectors: map[string][]float32{"P. Sharma": {1, 0, 0, 0}},
		verdict: VerdictUncertain, score: 0.6,
	}
	r, s := newResolverFixture(t, fake)
	ctx := context.Background()
	seedEntity(t, s, "ent_existing", "Priya Sharma", []float32{1, 0, 0, 0})

	res, err := r.Resolve(ctx, "rev1", CandidateMention{
		Surface: "P. Sharma", EntityType: "person", Role: RoleSubject,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.EntityID == "ent_existing" {
		t.Fatal("uncertain verdict must not merge")
	}
	if res.Mention.Decision != DecisionUncertain {
		t.Fatalf("expected uncertain decision, got %q", res.Mention.Decision)
	}

	edges, err := s.EdgesTouching(ctx, []string{res.EntityID})
	if err != nil {
		t.Fatalf("edges: %v", err)
	}
	if len(edges) != 1 || edges[0].EdgeType != store.EdgePossiblySame {
		t.Fatalf("expected one POSSIBLY_SAME edge, got %+v", edges)
	}
	if edges[0].SrcID != res.EntityID || edges[0].DstID != "ent_existing" {
		t.Fatalf("edge should point new -> candidate, got %+v", edges[0])
	}
	if edges[0].Score != 0.6 {
		t.Fatalf("edge should carry the confirm score, got %v", edges[0].Score)
	}
}

func TestResolveAllDifferentCreates(t *testing.T) {
	fake := &fakeResolverLLM{
		vectors: map[string][]float32{"Priya": {1, 0, 0, 0}},
		verdict: VerdictDifferent, score: 0.9,
	}
	r, s := newResolverFixture(t, fake)
	ctx := context.Background()
	seedEntity(t, s, "ent_existing", "Priya Patel", []float32{1, 0, 0, 0})

	res, err := r.Resolve(ctx, "rev1", CandidateMention{Surface: "Priya", EntityType: "person", Role: RoleActor})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.EntityID == "ent_existing" {
		t.Fatal("different verdict must not merge")
	}
	edges, _ := s.EdgesTouching(ctx, []string{res.EntityID})
	if len(edges) != 0 {
		t.Fatalf("different verdict must not link: %+v", edges)
	}
}

func TestResolveMemoisesWithinRun(t *testing.T) {
	fake := &fakeResolverLLM{
		vectors: map[string][]float32{"Priya": {1, 0, 0, 0}},
		verdict: VerdictSame, score: 0.95,
	}
	r, s := newResolverFixture(t, fake)
	ctx := context.Background()
	seedEntity(t, s, "ent_existing", "Priya Sharma", []float32{1, 0, 0, 0})

	m := CandidateMention{Surface: "Priya", EntityType: "person", Role: RoleActor, Clues: []string{"storage"}}
	first, err := r.Resolve(ctx, "rev1", m)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	calls := fake.chatCalls

	second, err := r.Resolve(ctx, "rev1", m)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if second.EntityID != first.EntityID {
		t.Fatal("identical mention in one run must resolve identically")
	}
	if fake.chatCalls != calls {
		t.Fatalf("memoised resolve should not call the model again (%d -> %d)", calls, fake.chatCalls)
	}
	if second.Mention.MentionID == first.Mention.MentionID {
		t.Fatal("each resolve still gets its own mention row")
	}
	_ = s
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
