package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nurgraph/nur/llm"
)

// extractPrompt is the first extraction call: find candidate events and
// their entity mentions in the revision content. The closed category and
// entity-type sets are spelled out so small models do not invent values.
const extractPrompt = `You are an event extraction engine for a long-lived memory system.
Given a piece of remembered content (a document, message, or note), extract the salient events.

EVENT CATEGORIES (use exactly these values):
- decision    : a choice that was made
- commitment  : a promise or obligation someone took on
- question    : an open question that was raised
- answer      : an answer given to a question
- observation : a notable fact or state that was reported
- plan        : an intended future course of action
- risk        : a danger, concern, or potential problem
- reference   : a pointer to an external resource or document

ENTITY TYPES (use exactly these values):
person, organization, project, product, location, concept, other

MENTION ROLES (use exactly these values):
- actor   : the entity performed or drove the event
- subject : the event is about the entity

Return a JSON object with exactly one key:
  "events" : array of {
      "summary": string (one sentence),
      "category": string,
      "occurred_at": string (ISO-8601 date if the text states one, else omit),
      "confidence": number between 0.0 and 1.0,
      "evidence": array of {"quote": string, "offset": number},
      "mentions": array of {"surface": string, "entity_type": string, "role": string, "clues": array of strings, "offset": number}
  }

Rules:
- Every evidence quote must be copied VERBATIM from the text, character for character.
- "offset" is the character position where the quote or surface form starts in the text.
- "clues" are short context fragments near the mention (roles, affiliations, dates) that help identify the entity.
- Every event needs at least one mention.
- Only include events clearly supported by the text.
- If there are none, return an empty array.
- Do NOT include any text outside the JSON object.

EXAMPLE:

Input: "Alice decided to ship v2 on 2025-03-01. Bob raised concerns about the migration."
Output:
{"events": [{"summary": "Alice decided to ship v2 on 2025-03-01.", "category": "decision", "occurred_at": "2025-03-01", "confidence": 0.95, "evidence": [{"quote": "Alice decided to ship v2 on 2025-03-01.", "offset": 0}], "mentions": [{"surface": "Alice", "entity_type": "person", "role": "actor", "clues": ["decided to ship v2"], "offset": 0}, {"surface": "v2", "entity_type": "product", "role": "subject", "clues": ["shipping 2025-03-01"], "offset": 26}]}, {"summary": "Bob raised concerns about the migration.", "category": "risk", "confidence": 0.85, "evidence": [{"quote": "Bob raised concerns about the migration.", "offset": 40}], "mentions": [{"surface": "Bob", "entity_type": "person", "role": "actor", "clues": ["raised migration concerns"], "offset": 40}]}]}

TEXT:
%s`

// canonicalizePrompt is the second call: given the candidate events, it
// normalises summaries and merges near-duplicates within the revision.
// The entity set is already fixed, which keeps this call simple.
const canonicalizePrompt = `You are an event canonicalisation engine.
Given candidate events extracted from one piece of content, produce the final event list:
- Merge events that describe the same underlying fact (keep the union of their evidence and mentions).
- Normalise each summary to a single clear sentence.
- Keep categories, offsets, evidence quotes, and mentions exactly as given; never invent new ones.
- Keep confidence as the maximum of any merged candidates.

Return a JSON object with exactly one key, "events", in the same shape as the input.
Do NOT include any text outside the JSON object.

CANDIDATE EVENTS:
%s`

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds a JSON object in the LLM response text, tolerating
// markdown code blocks and stray prose before or after the object.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}

// ParseError carries the raw model response alongside the parse failure,
// so the caller can record it on the job before nacking.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string { return "parsing extraction response: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Extractor runs the two-prompt event extraction pipeline.
type Extractor struct {
	provider llm.Provider
	model    string
}

// NewExtractor returns an Extractor using the given provider and model.
func NewExtractor(provider llm.Provider, model string) *Extractor {
	return &Extractor{provider: provider, model: model}
}

// Model returns the model name recorded on extracted events.
func (x *Extractor) Model() string { return x.model }

type eventsEnvelope struct {
	Events []CandidateEvent `json:"events"`
}

// Extract runs both prompts over the revision content and returns the
// canonicalised candidate events, unvalidated. A provider failure or an
// unparseable response fails the whole call; the enclosing job decides
// whether to retry.
func (x *Extractor) Extract(ctx context.Context, content string) ([]CandidateEvent, error) {
	candidates, err := x.call(ctx, fmt.Sprintf(extractPrompt, content))
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	encoded, err := json.Marshal(eventsEnvelope{Events: candidates})
	if err != nil {
		return nil, fmt.Errorf("encoding candidates: %w", err)
	}
	final, err := x.call(ctx, fmt.Sprintf(canonicalizePrompt, string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return final, nil
}

func (x *Extractor) call(ctx context.Context, prompt string) ([]CandidateEvent, error) {
	resp, err := x.provider.Chat(ctx, llm.ChatRequest{
		Model:          x.model,
		Messages:       []llm.Message{{Role: "user", Content: prompt}},
		Temperature:    0.0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, err
	}

	jsonStr, err := extractJSON(resp.Content)
	if err != nil {
		return nil, &ParseError{Raw: resp.Content, Err: err}
	}
	var envelope eventsEnvelope
	if err := json.Unmarshal([]byte(jsonStr), &envelope); err != nil {
		return nil, &ParseError{Raw: resp.Content, Err: err}
	}
	return envelope.Events, nil
}

// Validate applies the post-extraction gate against the revision content.
// Events that fail any check are dropped with a reason; they never fail
// the job. Evidence offsets are re-derived from the content, so a wrong
// model offset is corrected silently. Surviving events come back ordered
// by the position of their first evidence quote.
func Validate(content string, candidates []CandidateEvent) (valid []CandidateEvent, dropped []DroppedEvent) {
	for _, c := range candidates {
		if reason := check(content, &c); reason != "" {
			dropped = append(dropped, DroppedEvent{Event: c, Reason: reason})
			continue
		}
		valid = append(valid, c)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return firstOffset(valid[i]) < firstOffset(valid[j])
	})
	return valid, dropped
}

// check validates one candidate in place, fixing evidence offsets.
// Returns a non-empty reason on rejection.
func check(content string, c *CandidateEvent) string {
	if strings.TrimSpace(c.Summary) == "" {
		return "empty summary"
	}
	if !ValidCategory(c.Category) {
		return fmt.Sprintf("category %q not in closed set", c.Category)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Sprintf("confidence %v outside [0,1]", c.Confidence)
	}
	if len(c.Evidence) == 0 {
		return "no evidence"
	}
	if len(c.Mentions) == 0 {
		return "no entity mentions"
	}
	for i := range c.Evidence {
		ev := &c.Evidence[i]
		if ev.Quote == "" {
			return "empty evidence quote"
		}
		// Trust the model's offset only if the quote is really there;
		// otherwise search for it.
		if !offsetMatches(content, ev.Quote, ev.Offset) {
			idx := strings.Index(content, ev.Quote)
			if idx < 0 {
				return fmt.Sprintf("evidence quote %q is not a substring of the revision", ev.Quote)
			}
			ev.Offset = idx
		}
	}
	for i := range c.Mentions {
		m := &c.Mentions[i]
		if strings.TrimSpace(m.Surface) == "" {
			return "empty mention surface form"
		}
		if m.Role != RoleActor && m.Role != RoleSubject {
			m.Role = RoleSubject
		}
		m.EntityType = NormalizeEntityType(m.EntityType)
		if !offsetMatches(content, m.Surface, m.Offset) {
			if idx := strings.Index(content, m.Surface); idx >= 0 {
				m.Offset = idx
			}
		}
	}
	return ""
}

func offsetMatches(content, sub string, offset int) bool {
	return offset >= 0 && offset+len(sub) <= len(content) && content[offset:offset+len(sub)] == sub
}

func firstOffset(c CandidateEvent) int {
	min := c.Evidence[0].Offset
	for _, ev := range c.Evidence[1:] {
		if ev.Offset < min {
			min = ev.Offset
		}
	}
	return min
}
