package retrieval

import (
	"sort"

	"github.com/nurgraph/nur/store"
)

// rankedArtifact is one artifact's standing in a single ranked list.
// Chunk hits are folded into their parent artifact before fusion, each
// parent keeping its best (lowest) chunk rank.
type rankedArtifact struct {
	artifactID string
	rank       int // 1-based
}

// fused is an artifact's combined standing across collections.
type fused struct {
	ArtifactID  string
	Score       float64
	Title       string
	Timestamp   string
	Sensitivity string
	BestChunk   *store.ChunkHit // nil when only the content collection matched
}

// fuseRRF combines the content and chunk result lists with Reciprocal
// Rank Fusion: score(d) = sum over lists of 1/(c + rank). A document
// absent from a list simply contributes nothing for it. Results come
// back sorted by score descending, ties broken by recency of timestamp,
// then lexicographic artifact id.
func fuseRRF(contentHits []store.ContentHit, chunkHits []store.ChunkHit, c, k int) []fused {
	byArtifact := make(map[string]*fused)

	get := func(id string) *fused {
		f, ok := byArtifact[id]
		if !ok {
			f = &fused{ArtifactID: id}
			byArtifact[id] = f
		}
		return f
	}

	for i := range contentHits {
		h := &contentHits[i]
		f := get(h.ArtifactID)
		f.Score += 1 / float64(c+i+1)
		f.Title = h.Title
		f.Timestamp = h.Timestamp
		f.Sensitivity = h.Sensitivity
	}

	// Chunk ranks are inherited by the parent artifact; only the best
	// chunk per parent counts.
	seenParent := make(map[string]bool)
	for i := range chunkHits {
		h := &chunkHits[i]
		f := get(h.ArtifactID)
		if !seenParent[h.ArtifactID] {
			seenParent[h.ArtifactID] = true
			f.Score += 1 / float64(c+i+1)
			f.BestChunk = h
		}
		if f.Timestamp == "" {
			f.Timestamp = h.Timestamp
		}
		if f.Sensitivity == "" {
			f.Sensitivity = h.Sensitivity
		}
	}

	out := make([]fused, 0, len(byArtifact))
	for _, f := range byArtifact {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ArtifactID < out[j].ArtifactID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
