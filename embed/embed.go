// Package embed generates embeddings in bounded batches on top of an
// llm.Provider, with retry and dimension verification for the vector
// store. All vectors for one store must come from the same model; the
// dimension check catches a misconfigured provider before bad vectors
// reach an index.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nurgraph/nur/llm"
)

// maxEmbedChars is the maximum character length for a single text sent to
// the embedding model. Most embedding models have a context window of 8192
// tokens; using ~24000 chars (~6000 tokens) leaves headroom for varied
// tokenisers and languages where token/char ratios differ from English.
const maxEmbedChars = 24000

// Service batches texts to the provider and retries transient failures
// with exponential backoff.
type Service struct {
	provider    llm.Provider
	dim         int
	batchSize   int
	maxAttempts int
	baseDelay   time.Duration
}

// New returns a Service for the given provider. dim is the expected
// embedding dimension; zero disables the check. Zero batchSize and
// maxAttempts fall back to 32 and 5.
func New(provider llm.Provider, dim, batchSize, maxAttempts int) *Service {
	if batchSize <= 0 {
		batchSize = 32
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		provider:    provider,
		dim:         dim,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		baseDelay:   500 * time.Millisecond,
	}
}

// Dim returns the expected embedding dimension.
func (s *Service) Dim() int { return s.dim }

// Embed returns one vector per input text, in input order. Texts are sent
// in batches of at most batchSize; a failed batch is retried up to
// maxAttempts times before the whole call fails.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += s.batchSize {
		end := i + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := make([]string, end-i)
		for j := i; j < end; j++ {
			batch[j-i] = truncateForEmbed(texts[j])
		}
		vecs, err := s.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *Service) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.baseDelay << (attempt - 2) // 500ms, 1s, 2s, 4s
			slog.Warn("embed: retrying batch",
				"attempt", attempt,
				"batch_size", len(batch),
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vecs, err := s.provider.Embed(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		// A malformed response shape is deterministic; retrying the same
		// request cannot fix it.
		if err := s.verify(batch, vecs); err != nil {
			return nil, err
		}
		return vecs, nil
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Service) verify(batch []string, vecs [][]float32) error {
	if len(vecs) != len(batch) {
		return fmt.Errorf("provider returned %d embeddings for %d texts", len(vecs), len(batch))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("empty embedding at index %d", i)
		}
		if s.dim > 0 && len(v) != s.dim {
			return fmt.Errorf("embedding at index %d has dimension %d, want %d", i, len(v), s.dim)
		}
	}
	return nil
}

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	// Cut at the last space before the limit to avoid splitting a word.
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}
