package chunker

import (
	"fmt"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Core chunker tests
// ---------------------------------------------------------------------------

func TestSplitEmpty(t *testing.T) {
	c := New(Config{MaxTokens: 100, Overlap: 10})

	if got := c.Split(""); len(got) != 0 {
		t.Errorf("Split(\"\") = %d chunks, want 0", len(got))
	}
	if got := c.Split("   \n\t  \n"); len(got) != 0 {
		t.Errorf("Split(whitespace) = %d chunks, want 0", len(got))
	}
}

func TestSplitFitsInOneChunk(t *testing.T) {
	c := New(Config{MaxTokens: 100, Overlap: 10})
	text := "A short note that easily fits within the token budget."

	chunks := c.Split(text)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}

	ch := chunks[0]
	if ch.Index != 0 {
		t.Errorf("Index = %d, want 0", ch.Index)
	}
	if ch.Content != text {
		t.Errorf("Content = %q, want full text", ch.Content)
	}
	if ch.StartChar != 0 || ch.EndChar != len(text) {
		t.Errorf("span = [%d,%d), want [0,%d)", ch.StartChar, ch.EndChar, len(text))
	}
	if ch.TokenCount != EstimateTokens(text) {
		t.Errorf("TokenCount = %d, want %d", ch.TokenCount, EstimateTokens(text))
	}
	if len(ch.ContentHash) != 64 {
		t.Errorf("ContentHash length = %d, want 64", len(ch.ContentHash))
	}
}

func TestSplitLongContent(t *testing.T) {
	c := New(Config{MaxTokens: 20, Overlap: 4})

	var sb strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&sb, "word%03d ", i)
	}
	text := sb.String()

	chunks := c.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk[%d].Index = %d, want %d", i, ch.Index, i)
		}
		if ch.TokenCount > 20 {
			t.Errorf("chunk[%d].TokenCount = %d, exceeds MaxTokens 20", i, ch.TokenCount)
		}
		if ch.Content == "" {
			t.Errorf("chunk[%d] has empty content", i)
		}
		if ch.Content != text[ch.StartChar:ch.EndChar] {
			t.Errorf("chunk[%d].Content does not equal its [StartChar,EndChar) slice", i)
		}
	}

	// Consecutive chunks overlap: each begins before its predecessor ends.
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartChar >= chunks[i-1].EndChar {
			t.Errorf("chunk[%d] starts at %d, after chunk[%d] ends at %d; expected head overlap",
				i, chunks[i].StartChar, i-1, chunks[i-1].EndChar)
		}
		if chunks[i].StartChar <= chunks[i-1].StartChar {
			t.Errorf("chunk[%d].StartChar = %d, not past chunk[%d].StartChar = %d",
				i, chunks[i].StartChar, i-1, chunks[i-1].StartChar)
		}
	}

	// Coverage: first chunk starts at the first word, last ends at the last.
	if chunks[0].StartChar != 0 {
		t.Errorf("first chunk StartChar = %d, want 0", chunks[0].StartChar)
	}
	last := chunks[len(chunks)-1]
	if !strings.HasSuffix(text[:last.EndChar], "word099") {
		t.Error("last chunk should end at the final word")
	}
}

func TestSplitDeterministic(t *testing.T) {
	c := New(Config{MaxTokens: 50, Overlap: 10})

	var sb strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&sb, "token%d ", i)
	}
	text := sb.String()

	first := c.Split(text)
	second := c.Split(text)

	if len(first) != len(second) {
		t.Fatalf("run lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk[%d] differs between runs:\n  %+v\n  %+v", i, first[i], second[i])
		}
	}
}

// A 9000-token document with a 1000-token budget and 100-token overlap
// walks in strides of 900 effective tokens: ten chunks.
func TestSplitStrideCount(t *testing.T) {
	// 6923 words estimate to ceil(6923 * 1.3) = 9000 tokens.
	var sb strings.Builder
	for i := 0; i < 6923; i++ {
		fmt.Fprintf(&sb, "w%04d ", i)
	}
	text := sb.String()
	if got := EstimateTokens(text); got != 9000 {
		t.Fatalf("fixture estimates %d tokens, want 9000", got)
	}

	c := New(Config{MaxTokens: 1000, Overlap: 100})
	chunks := c.Split(text)

	if len(chunks) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.TokenCount > 1000 {
			t.Errorf("chunk[%d].TokenCount = %d, exceeds 1000", i, ch.TokenCount)
		}
	}

	// The second chunk repeats the tail of the first.
	if chunks[1].StartChar >= chunks[0].EndChar {
		t.Error("chunk 1 should begin inside chunk 0's span")
	}
	overlapText := text[chunks[1].StartChar:chunks[0].EndChar]
	if got := EstimateTokens(overlapText); got < 90 || got > 110 {
		t.Errorf("overlap region estimates %d tokens, want ~100", got)
	}
}

func TestSplitPrefersSentenceBoundary(t *testing.T) {
	// 26-token budget = 20-word windows; a sentence ending at word 19
	// falls in the snap tail and should take the cut.
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		if i == 18 {
			sb.WriteString("end. ")
			continue
		}
		fmt.Fprintf(&sb, "word%02d ", i)
	}
	text := sb.String()

	c := New(Config{MaxTokens: 26, Overlap: 0})
	chunks := c.Split(text)

	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0].Content, "end.") {
		t.Errorf("chunk[0] should cut at the sentence boundary, got tail %q",
			chunks[0].Content[max(0, len(chunks[0].Content)-20):])
	}
}

func TestSplitNoBoundaryInTail(t *testing.T) {
	// A sentence boundary early in the window is outside the snap tail
	// and must not shrink the chunk.
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		if i == 2 {
			sb.WriteString("early. ")
			continue
		}
		fmt.Fprintf(&sb, "word%02d ", i)
	}

	c := New(Config{MaxTokens: 26, Overlap: 0})
	chunks := c.Split(sb.String())

	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if strings.HasSuffix(chunks[0].Content, "early.") {
		t.Error("chunk[0] cut at a boundary outside the snap tail")
	}
	if EstimateTokens(chunks[0].Content) > 26 {
		t.Errorf("chunk[0] over budget: %d tokens", EstimateTokens(chunks[0].Content))
	}
}

func TestSplitProgressWithTinyBudget(t *testing.T) {
	c := New(Config{MaxTokens: 2, Overlap: 1})

	chunks := c.Split("one two three four five")
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartChar <= chunks[i-1].StartChar {
			t.Fatalf("walk stalled at chunk %d", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Helper tests
// ---------------------------------------------------------------------------

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single_word", "hello", 2},              // ceil(1 * 1.3) = 2
		{"two_words", "hello world", 3},          // ceil(2 * 1.3) = 3
		{"ten_words", "a b c d e f g h i j", 13}, // ceil(10 * 1.3) = 13
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.text)
			if got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEndsSentence(t *testing.T) {
	tests := []struct {
		word string
		want bool
	}{
		{"done.", true},
		{"what?", true},
		{"now!", true},
		{"quoted.\"", true},
		{"bracketed.)", true},
		{"plain", false},
		{"v1.2", false}, // digit after the period keeps it inside the word
		{"", false},
	}

	for _, tt := range tests {
		if got := endsSentence(tt.word); got != tt.want {
			t.Errorf("endsSentence(%q) = %v, want %v", tt.word, got, tt.want)
		}
	}
}

func TestScanWords(t *testing.T) {
	text := "  alpha \n beta\tgamma "
	words := scanWords(text)
	if len(words) != 3 {
		t.Fatalf("expected 3 words, got %d", len(words))
	}
	wants := []string{"alpha", "beta", "gamma"}
	for i, w := range words {
		if got := text[w.start:w.end]; got != wants[i] {
			t.Errorf("word[%d] = %q, want %q", i, got, wants[i])
		}
	}
}

func TestHash(t *testing.T) {
	hash1 := Hash("hello world")
	hash2 := Hash("hello world")
	hash3 := Hash("different content")

	if hash1 != hash2 {
		t.Error("identical content should produce identical hashes")
	}
	if hash1 == hash3 {
		t.Error("different content should produce different hashes")
	}
	if len(hash1) != 64 {
		t.Errorf("SHA-256 hex digest should be 64 chars, got %d", len(hash1))
	}
}

// ---------------------------------------------------------------------------
// Default config tests
// ---------------------------------------------------------------------------

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	if c.cfg.MaxTokens != 1000 {
		t.Errorf("default MaxTokens = %d, want 1000", c.cfg.MaxTokens)
	}
	if c.cfg.Overlap != 0 {
		t.Errorf("default Overlap = %d, want 0", c.cfg.Overlap)
	}
}

func TestNewClampsOverlap(t *testing.T) {
	c := New(Config{MaxTokens: 100, Overlap: 100})
	if c.cfg.Overlap != 50 {
		t.Errorf("Overlap = %d, want clamped to 50", c.cfg.Overlap)
	}

	c = New(Config{MaxTokens: 100, Overlap: -5})
	if c.cfg.Overlap != 0 {
		t.Errorf("Overlap = %d, want 0 for negative input", c.cfg.Overlap)
	}
}
