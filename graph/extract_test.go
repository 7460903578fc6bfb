package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nurgraph/nur/llm"
)

// fakeChat replays canned responses for successive Chat calls.
type fakeChat struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return &llm.ChatResponse{Content: f.responses[i]}, nil
}

func (f *fakeChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not an embedding provider")
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"bare object", `{"events": []}`, `{"events": []}`, false},
		{"fenced", "```json\n{\"events\": []}\n```", `{"events": []}`, false},
		{"fenced no lang", "```\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose around", `Here you go: {"events": []} hope that helps`, `{"events": []}`, false},
		{"no object", "sorry, I cannot do that", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractRunsBothPrompts(t *testing.T) {
	first := `{"events": [{"summary": "raw summary", "category": "decision", "confidence": 0.9,
		"evidence": [{"quote": "q", "offset": 0}],
		"mentions": [{"surface": "Alice", "entity_type": "person", "role": "actor", "offset": 0}]}]}`
	second := `{"events": [{"summary": "Canonical summary.", "category": "decision", "confidence": 0.9,
		"evidence": [{"quote": "q", "offset": 0}],
		"mentions": [{"surface": "Alice", "entity_type": "person", "role": "actor", "offset": 0}]}]}`
	fake := &fakeChat{responses: []string{first, second}}

	got, err := NewExtractor(fake, "test-model").Extract(context.Background(), "q and more")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if fake.calls != 2 {
		t.Fatalf("expected extract then canonicalize, got %d calls", fake.calls)
	}
	if len(got) != 1 || got[0].Summary != "Canonical summary." {
		t.Fatalf("expected canonicalised output, got %+v", got)
	}
}

func TestExtractEmptySkipsCanonicalize(t *testing.T) {
	fake := &fakeChat{responses: []string{`{"events": []}`}}
	got, err := NewExtractor(fake, "m").Extract(context.Background(), "nothing happens here")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
	if fake.calls != 1 {
		t.Fatalf("canonicalize should be skipped for zero events, got %d calls", fake.calls)
	}
}

func TestExtractParseErrorCarriesRaw(t *testing.T) {
	fake := &fakeChat{responses: []string{"I refuse to emit JSON"}}
	_, err := NewExtractor(fake, "m").Extract(context.Background(), "text")
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %T: %v", err, err)
	}
	if pe.Raw != "I refuse to emit JSON" {
		t.Fatalf("raw response not preserved: %q", pe.Raw)
	}
}

func TestValidateGate(t *testing.T) {
	content := "Priya approved the storage migration plan. Marcus owns the rollout."
	mention := func(surface, role string) CandidateMention {
		return CandidateMention{Surface: surface, EntityType: "person", Role: role, Offset: strings.Index(content, surface)}
	}
	good := func() CandidateEvent {
		return CandidateEvent{
			Summary:    "Priya approved the migration plan",
			Category:   "decision",
			Confidence: 0.9,
			Evidence:   []CandidateEvidence{{Quote: "Priya approved the storage migration plan.", Offset: 0}},
			Mentions:   []CandidateMention{mention("Priya", RoleActor)},
		}
	}

	tests := []struct {
		name   string
		mutate func(*CandidateEvent)
		reason string
	}{
		{"valid", func(c *CandidateEvent) {}, ""},
		{"empty summary", func(c *CandidateEvent) { c.Summary = "  " }, "empty summary"},
		{"bad category", func(c *CandidateEvent) { c.Category = "gossip" }, "closed set"},
		{"confidence out of range", func(c *CandidateEvent) { c.Confidence = 1.5 }, "outside [0,1]"},
		{"no evidence", func(c *CandidateEvent) { c.Evidence = nil }, "no evidence"},
		{"no mentions", func(c *CandidateEvent) { c.Mentions = nil }, "no entity mentions"},
		{"fabricated quote", func(c *CandidateEvent) {
			c.Evidence[0].Quote = "Priya rejected the plan"
		}, "not a substring"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := good()
			tt.mutate(&c)
			valid, dropped := Validate(content, []CandidateEvent{c})
			if tt.reason == "" {
				if len(valid) != 1 || len(dropped) != 0 {
					t.Fatalf("expected pass, got valid=%d dropped=%+v", len(valid), dropped)
				}
				return
			}
			if len(valid) != 0 || len(dropped) != 1 {
				t.Fatalf("expected drop, got valid=%+v", valid)
			}
			if !strings.Contains(dropped[0].Reason, tt.reason) {
				t.Fatalf("reason %q does not mention %q", dropped[0].Reason, tt.reason)
			}
		})
	}
}

func TestValidateFixesOffsets(t *testing.T) {
	content := "Alpha. Marcus owns the rollout."
	c := CandidateEvent{
		Summary:    "Marcus owns the rollout",
		Category:   "commitment",
		Confidence: 0.8,
		// Model claimed the wrong offset; the quote is still verbatim.
		Evidence: []CandidateEvidence{{Quote: "Marcus owns the rollout.", Offset: 3}},
		Mentions: []CandidateMention{{Surface: "Marcus", EntityType: "human", Role: "driver", Offset: 99}},
	}
	valid, dropped := Validate(content, []CandidateEvent{c})
	if len(dropped) != 0 {
		t.Fatalf("unexpected drop: %+v", dropped)
	}
	if got := valid[0].Evidence[0].Offset; got != 7 {
		t.Fatalf("evidence offset not re-derived, got %d", got)
	}
	m := valid[0].Mentions[0]
	if m.Offset != 7 {
		t.Fatalf("mention offset not re-derived, got %d", m.Offset)
	}
	if m.EntityType != "other" {
		t.Fatalf("unknown entity type should normalise to other, got %q", m.EntityType)
	}
	if m.Role != RoleSubject {
		t.Fatalf("unknown role should normalise to subject, got %q", m.Role)
	}
}

func TestValidateOrdersByFirstOffset(t *testing.T) {
	content := "first thing happened. second thing happened."
	late := CandidateEvent{
		Summary: "second", Category: "observation", Confidence: 1,
		Evidence: []CandidateEvidence{{Quote: "second thing happened.", Offset: 22}},
		Mentions: []CandidateMention{{Surface: "second thing", EntityType: "concept", Role: RoleSubject, Offset: 22}},
	}
	early := CandidateEvent{
		Summary: "first", Category: "observation", Confidence: 1,
		Evidence: []CandidateEvidence{{Quote: "first thing happened.", Offset: 0}},
		Mentions: []CandidateMention{{Surface: "first thing", EntityType: "concept", Role: RoleSubject, Offset: 0}},
	}
	valid, _ := Validate(content, []CandidateEvent{late, early})
	if len(valid) != 2 || valid[0].Summary != "first" {
		t.Fatalf("expected document order, got %+v", valid)
	}
}
