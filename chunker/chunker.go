// Package chunker splits canonical artifact content into bounded,
// overlapping windows for vector indexing. Splitting is deterministic:
// the same content and configuration always produce identical chunks,
// so re-ingesting an unchanged artifact is a pure no-op upstream.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"unicode"
)

// tokensPerWord is the token estimate ratio: a text of N words is
// estimated at ceil(N * 1.3) tokens.
const tokensPerWord = 1.3

// snapWindow is the tail fraction of a chunk window in which a sentence
// boundary is preferred over a hard word cut.
const snapWindow = 0.15

// Config controls the chunking behaviour.
type Config struct {
	MaxTokens int // Maximum estimated tokens per chunk.
	Overlap   int // Estimated tokens repeated at the head of each following chunk.
}

// Chunk is one contiguous window of the source text. Content is exactly
// the slice [StartChar, EndChar) of the input, so offsets of downstream
// evidence can be mapped back without re-tokenising.
type Chunk struct {
	Index       int
	Content     string
	StartChar   int
	EndChar     int
	TokenCount  int
	ContentHash string
}

// Chunker splits text into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.MaxTokens {
		cfg.Overlap = cfg.MaxTokens / 2
	}
	return &Chunker{cfg: cfg}
}

// word is a maximal run of non-space characters with its byte offsets.
type word struct {
	start, end int
}

// Split breaks text into chunks of at most MaxTokens estimated tokens.
// Empty or whitespace-only text yields no chunks; text that fits the
// budget yields exactly one. Each chunk after the first begins with
// roughly Overlap tokens repeated from the tail of its predecessor, and
// cuts prefer sentence boundaries when one falls near the window's end.
func (c *Chunker) Split(text string) []Chunk {
	words := scanWords(text)
	if len(words) == 0 {
		return nil
	}
	if EstimateTokens(text) <= c.cfg.MaxTokens {
		return []Chunk{c.emit(text, words, 0, len(words), 0)}
	}

	maxWords := int(float64(c.cfg.MaxTokens) / tokensPerWord)
	if maxWords < 1 {
		maxWords = 1
	}
	overlapWords := int(float64(c.cfg.Overlap) / tokensPerWord)

	var chunks []Chunk
	start := 0
	for {
		end := start + maxWords
		if end >= len(words) {
			chunks = append(chunks, c.emit(text, words, start, len(words), len(chunks)))
			break
		}
		end = snapToSentence(text, words, start, end)
		chunks = append(chunks, c.emit(text, words, start, end, len(chunks)))

		next := end - overlapWords
		if next <= start {
			// Overlap must never stall the walk.
			next = start + 1
		}
		start = next
	}
	return chunks
}

// emit builds the chunk covering words[from:to].
func (c *Chunker) emit(text string, words []word, from, to, index int) Chunk {
	startChar := words[from].start
	endChar := words[to-1].end
	content := text[startChar:endChar]
	return Chunk{
		Index:       index,
		Content:     content,
		StartChar:   startChar,
		EndChar:     endChar,
		TokenCount:  EstimateTokens(content),
		ContentHash: Hash(content),
	}
}

// snapToSentence walks back from the hard cut looking for a word that
// ends a sentence, but only within the tail of the window; a boundary
// further back would waste too much of the budget.
func snapToSentence(text string, words []word, start, end int) int {
	floor := end - int(math.Ceil(float64(end-start)*snapWindow))
	if floor <= start {
		floor = start + 1
	}
	for i := end - 1; i >= floor; i-- {
		if endsSentence(text[words[i].start:words[i].end]) {
			return i + 1
		}
	}
	return end
}

// endsSentence reports whether a word ends with terminal punctuation,
// ignoring trailing quotes and brackets.
func endsSentence(w string) bool {
	w = strings.TrimRightFunc(w, func(r rune) bool {
		switch r {
		case '"', '\'', ')', ']', '}', '»':
			return true
		}
		return false
	})
	if w == "" {
		return false
	}
	switch w[len(w)-1] {
	case '.', '?', '!':
		return true
	}
	return false
}

// scanWords records the byte span of every whitespace-delimited word.
func scanWords(text string) []word {
	var words []word
	inWord := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, word{start, i})
				inWord = false
			}
		} else if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		words = append(words, word{start, len(text)})
	}
	return words
}

// EstimateTokens approximates the token count of text using a simple
// word-based heuristic: tokens ~ words * 1.3.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * tokensPerWord))
}

// Hash returns the SHA-256 hex digest of text.
func Hash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
