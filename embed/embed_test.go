package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nurgraph/nur/llm"
)

// fakeProvider returns canned embeddings and records every batch it is
// asked to embed. failures > 0 makes the first N calls fail.
type fakeProvider struct {
	dim      int
	failures int
	calls    [][]string
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transient provider error")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(len(texts[i])) // distinguishable per input
		out[i] = v
	}
	return out, nil
}

func newTestService(p llm.Provider, dim, batchSize, maxAttempts int) *Service {
	s := New(p, dim, batchSize, maxAttempts)
	s.baseDelay = 0 // no sleeping in tests
	return s
}

func TestEmbedEmpty(t *testing.T) {
	p := &fakeProvider{dim: 4}
	s := newTestService(p, 4, 32, 5)

	vecs, err := s.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed(nil): %v", err)
	}
	if len(vecs) != 0 {
		t.Errorf("expected no vectors, got %d", len(vecs))
	}
	if len(p.calls) != 0 {
		t.Errorf("provider called %d times for empty input", len(p.calls))
	}
}

func TestEmbedBatching(t *testing.T) {
	p := &fakeProvider{dim: 4}
	s := newTestService(p, 4, 3, 5)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "g"}
	vecs, err := s.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	if len(p.calls) != 3 {
		t.Fatalf("expected 3 batches for 7 texts at size 3, got %d", len(p.calls))
	}
	wantSizes := []int{3, 3, 1}
	for i, call := range p.calls {
		if len(call) != wantSizes[i] {
			t.Errorf("batch[%d] size = %d, want %d", i, len(call), wantSizes[i])
		}
	}

	// Order preserved: the marker dimension is the input length.
	for i, v := range vecs {
		if v[0] != float32(len(texts[i])) {
			t.Errorf("vector[%d] marker = %v, want %d", i, v[0], len(texts[i]))
		}
	}
}

func TestEmbedRetriesThenSucceeds(t *testing.T) {
	p := &fakeProvider{dim: 4, failures: 2}
	s := newTestService(p, 4, 32, 5)

	vecs, err := s.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Embed should succeed after retries: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vecs))
	}
	if len(p.calls) != 3 {
		t.Errorf("expected 3 attempts (2 failures + success), got %d", len(p.calls))
	}
}

func TestEmbedExhaustsAttempts(t *testing.T) {
	p := &fakeProvider{dim: 4, failures: 100}
	s := newTestService(p, 4, 32, 3)

	_, err := s.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if len(p.calls) != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", len(p.calls))
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error should mention attempt count, got %q", err)
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	p := &fakeProvider{dim: 8} // provider emits 8-dim vectors
	s := newTestService(p, 4, 32, 5)

	_, err := s.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if !strings.Contains(err.Error(), "dimension 8, want 4") {
		t.Errorf("unexpected error: %v", err)
	}
	// Shape errors are deterministic and must not burn retries.
	if len(p.calls) != 1 {
		t.Errorf("expected 1 attempt for dimension mismatch, got %d", len(p.calls))
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	p := &shortProvider{}
	s := newTestService(p, 0, 32, 5)

	_, err := s.Embed(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Fatal("expected count mismatch error")
	}
	if !strings.Contains(err.Error(), "returned 1 embeddings for 2 texts") {
		t.Errorf("unexpected error: %v", err)
	}
}

// shortProvider always returns one fewer embedding than requested.
type shortProvider struct{}

func (p *shortProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *shortProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts)-1)
	for i := 0; i < len(texts)-1; i++ {
		out = append(out, []float32{1})
	}
	return out, nil
}

func TestEmbedOne(t *testing.T) {
	p := &fakeProvider{dim: 4}
	s := newTestService(p, 4, 32, 5)

	vec, err := s.EmbedOne(context.Background(), "hello")
	if err != nil {
		t.Fatalf("EmbedOne: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("vector dimension = %d, want 4", len(vec))
	}
}

func TestEmbedCancelledContext(t *testing.T) {
	p := &fakeProvider{dim: 4, failures: 100}
	s := newTestService(p, 4, 32, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Embed(ctx, []string{"hello"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTruncateForEmbed(t *testing.T) {
	short := "short text"
	if got := truncateForEmbed(short); got != short {
		t.Errorf("short text should pass through unchanged")
	}

	long := strings.Repeat("word ", 10000) // 50000 chars
	got := truncateForEmbed(long)
	if len(got) > maxEmbedChars {
		t.Errorf("truncated length = %d, want <= %d", len(got), maxEmbedChars)
	}
	if strings.HasSuffix(got, " ") {
		t.Error("truncation should cut at a word boundary, not leave trailing space")
	}
	if !strings.HasSuffix(got, "word") {
		t.Errorf("truncation should end on a whole word, got tail %q", got[len(got)-10:])
	}
}

func TestNewDefaults(t *testing.T) {
	s := New(&fakeProvider{dim: 4}, 4, 0, 0)
	if s.batchSize != 32 {
		t.Errorf("default batchSize = %d, want 32", s.batchSize)
	}
	if s.maxAttempts != 5 {
		t.Errorf("default maxAttempts = %d, want 5", s.maxAttempts)
	}
}

func TestEmbedTruncatesBatchTexts(t *testing.T) {
	p := &fakeProvider{dim: 4}
	s := newTestService(p, 4, 32, 5)

	long := strings.Repeat("x ", 20000) // 40000 chars
	if _, err := s.Embed(context.Background(), []string{long}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	sent := p.calls[0][0]
	if len(sent) > maxEmbedChars {
		t.Errorf("sent text length = %d, want <= %d", len(sent), maxEmbedChars)
	}
}

func ExampleService_Embed() {
	p := &fakeProvider{dim: 2}
	s := New(p, 2, 32, 5)
	vecs, _ := s.Embed(context.Background(), []string{"alpha", "beta"})
	fmt.Println(len(vecs))
	// Output: 2
}
