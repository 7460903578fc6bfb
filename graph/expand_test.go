//go:build cgo

package graph

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/nurgraph/nur/store"
)

// expandFixture builds a small graph:
//
//	ent_a -ACTED_IN-> evt_1 -ABOUT-> ent_b -POSSIBLY_SAME(0.8)-> ent_c
//	ent_a -ACTED_IN-> evt_2
//
// ent_a and ent_c are persons, ent_b an organization.
func expandFixture(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4, "nur")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	entities := []struct{ id, typ string }{
		{"ent_a", "person"}, {"ent_b", "organization"}, {"ent_c", "person"},
	}
	for _, e := range entities {
		err := s.CreateEntity(ctx, &store.Entity{
			EntityID: e.id, EntityType: e.typ, CanonicalName: e.id,
			CreatedAt: store.Now(), LastSeenAt: store.Now(),
		}, []float32{1, 0, 0, 0})
		if err != nil {
			t.Fatalf("entity %s: %v", e.id, err)
		}
	}

	edges := []store.GraphEdge{
		{EdgeType: store.EdgeActedIn, SrcID: "ent_a", DstID: "evt_1"},
		{EdgeType: store.EdgeAbout, SrcID: "evt_1", DstID: "ent_b"},
		{EdgeType: store.EdgeActedIn, SrcID: "ent_a", DstID: "evt_2"},
	}
	if err := s.MergeGraph(ctx, []string{"ent_a", "ent_b", "ent_c"}, []string{"evt_1", "evt_2"}, edges); err != nil {
		t.Fatalf("merge graph: %v", err)
	}
	if err := s.MergePossiblySame(ctx, "ent_b", "ent_c", 0.8, ""); err != nil {
		t.Fatalf("possibly same: %v", err)
	}
	return s
}

func nodeIDs(nodes []Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func findNode(t *testing.T, nodes []Node, id string) Node {
	t.Helper()
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %s not in %v", id, nodeIDs(nodes))
	return Node{}
}

func TestExpandTwoHopsWithHalfHopEdge(t *testing.T) {
	s := expandFixture(t)
	nodes, err := Expand(context.Background(), s, []string{"evt_1"}, 2, ExpandFilters{}, 50, 0.75)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}

	ids := nodeIDs(nodes)
	for _, want := range []string{"ent_a", "ent_b", "ent_c", "evt_2"} {
		if !slices.Contains(ids, want) {
			t.Fatalf("missing %s in %v", want, ids)
		}
	}
	if slices.Contains(ids, "evt_1") {
		t.Fatal("seeds must not be returned")
	}

	if n := findNode(t, nodes, "ent_a"); n.Hops != 1 || n.Type != "entity" {
		t.Fatalf("ent_a: %+v", n)
	}
	if n := findNode(t, nodes, "evt_2"); n.Hops != 2 || n.Type != "event" {
		t.Fatalf("evt_2: %+v", n)
	}
	// POSSIBLY_SAME costs half a hop.
	n := findNode(t, nodes, "ent_c")
	if n.Hops != 1.5 {
		t.Fatalf("ent_c should be 1.5 hops away, got %v", n.Hops)
	}
	if !slices.Equal(n.Path, []string{"evt_1", "ent_b", "ent_c"}) {
		t.Fatalf("unexpected path: %v", n.Path)
	}
}

func TestExpandHonorsMaxHops(t *testing.T) {
	s := expandFixture(t)
	nodes, err := Expand(context.Background(), s, []string{"evt_1"}, 1, ExpandFilters{}, 50, 0.75)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	ids := nodeIDs(nodes)
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"ent_a", "ent_b"}) {
		t.Fatalf("one hop should reach only direct entities, got %v", ids)
	}
}

func TestExpandGatesPossiblySameByScore(t *testing.T) {
	s := expandFixture(t)
	nodes, err := Expand(context.Background(), s, []string{"evt_1"}, 2, ExpandFilters{}, 50, 0.9)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if slices.Contains(nodeIDs(nodes), "ent_c") {
		t.Fatal("edge score 0.8 must not pass threshold 0.9")
	}
}

func TestExpandBudget(t *testing.T) {
	s := expandFixture(t)
	nodes, err := Expand(context.Background(), s, []string{"evt_1"}, 2, ExpandFilters{}, 2, 0.75)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("budget 2 should cap results, got %d", len(nodes))
	}
}

func TestExpandEntityTypeFilter(t *testing.T) {
	s := expandFixture(t)
	nodes, err := Expand(context.Background(), s, []string{"evt_1"}, 2,
		ExpandFilters{EntityTypes: []string{"person"}}, 50, 0.75)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	ids := nodeIDs(nodes)
	if slices.Contains(ids, "ent_b") {
		t.Fatal("organization should be filtered out")
	}
	// ent_c is a person but only reachable through ent_b.
	if slices.Contains(ids, "ent_c") {
		t.Fatal("nodes behind a filtered node are unreachable")
	}
	if !slices.Contains(ids, "ent_a") {
		t.Fatalf("person ent_a should survive the filter, got %v", ids)
	}
}

func TestExpandEmptySeeds(t *testing.T) {
	s := expandFixture(t)
	nodes, err := Expand(context.Background(), s, nil, 2, ExpandFilters{}, 50, 0.75)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if nodes != nil {
		t.Fatalf("expected nil for empty seeds, got %v", nodes)
	}
}
