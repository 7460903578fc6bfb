package retrieval

import (
	"math"
	"testing"

	"github.com/nurgraph/nur/store"
)

func contentHit(id string, ts string) store.ContentHit {
	return store.ContentHit{ArtifactID: id, Timestamp: ts, Sensitivity: "normal"}
}

func chunkHit(artifactID, chunkID string, index int) store.ChunkHit {
	return store.ChunkHit{ArtifactID: artifactID, ChunkID: chunkID, ChunkIndex: index, Content: "chunk " + chunkID, Sensitivity: "normal"}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestFuseRRFSumsRanksAcrossLists(t *testing.T) {
	c := 60
	content := []store.ContentHit{contentHit("art_1", ""), contentHit("art_2", "")}
	chunks := []store.ChunkHit{chunkHit("art_2", "ch1", 0), chunkHit("art_1", "ch2", 3)}

	fused := fuseRRF(content, chunks, c, 10)
	if len(fused) != 2 {
		t.Fatalf("expected 2 fused artifacts, got %d", len(fused))
	}

	// art_1: rank 1 in content, rank 2 in chunks. art_2: rank 2 and 1.
	// Equal totals; the tie breaks by artifact id ascending.
	want := 1/float64(c+1) + 1/float64(c+2)
	if !approx(fused[0].Score, want) || !approx(fused[1].Score, want) {
		t.Fatalf("scores %v and %v, want both %v", fused[0].Score, fused[1].Score, want)
	}
	if fused[0].ArtifactID != "art_1" {
		t.Fatalf("tie should break on id, got %s first", fused[0].ArtifactID)
	}
}

func TestFuseRRFSingleListScore(t *testing.T) {
	c := 60
	fused := fuseRRF([]store.ContentHit{contentHit("art_only", "")}, nil, c, 10)
	if len(fused) != 1 {
		t.Fatalf("expected 1 result, got %d", len(fused))
	}
	// Rank 1 in one list, absent from the other: exactly 1/(c+1).
	if want := 1 / float64(c+1); !approx(fused[0].Score, want) {
		t.Fatalf("score %v, want %v", fused[0].Score, want)
	}
	if fused[0].BestChunk != nil {
		t.Fatal("content-only hit has no best chunk")
	}
}

func TestFuseRRFFoldsChunksIntoParent(t *testing.T) {
	c := 60
	// Three chunks of one artifact; only the best rank counts.
	chunks := []store.ChunkHit{
		chunkHit("art_p", "best", 2),
		chunkHit("art_p", "mid", 0),
		chunkHit("art_p", "worst", 5),
	}
	fused := fuseRRF(nil, chunks, c, 10)
	if len(fused) != 1 {
		t.Fatalf("chunks of one parent must fold into one result, got %d", len(fused))
	}
	if want := 1 / float64(c+1); !approx(fused[0].Score, want) {
		t.Fatalf("only the best chunk rank should count: %v, want %v", fused[0].Score, want)
	}
	if fused[0].BestChunk == nil || fused[0].BestChunk.ChunkID != "best" {
		t.Fatalf("best chunk should be the highest ranked, got %+v", fused[0].BestChunk)
	}
}

func TestFuseRRFTieBreaksByTimestampThenID(t *testing.T) {
	content := []store.ContentHit{
		contentHit("art_old", "2024-01-01T00:00:00Z"),
	}
	chunks := []store.ChunkHit{
		{ArtifactID: "art_new", ChunkID: "c", Timestamp: "2026-01-01T00:00:00Z", Sensitivity: "normal"},
	}
	// Both rank 1 in their list: same score, newer timestamp wins.
	fused := fuseRRF(content, chunks, 60, 10)
	if fused[0].ArtifactID != "art_new" {
		t.Fatalf("recency should win the tie, got %s", fused[0].ArtifactID)
	}
}

func TestFuseRRFTruncatesToK(t *testing.T) {
	var content []store.ContentHit
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		content = append(content, contentHit("art_"+id, ""))
	}
	fused := fuseRRF(content, nil, 60, 2)
	if len(fused) != 2 {
		t.Fatalf("expected truncation to k=2, got %d", len(fused))
	}
	if fused[0].ArtifactID != "art_a" || fused[1].ArtifactID != "art_b" {
		t.Fatalf("top ranks should survive truncation: %s, %s", fused[0].ArtifactID, fused[1].ArtifactID)
	}
}

func TestFuseRRFEmpty(t *testing.T) {
	if got := fuseRRF(nil, nil, 60, 10); len(got) != 0 {
		t.Fatalf("expected empty fusion, got %+v", got)
	}
}
