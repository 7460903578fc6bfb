// Package graph holds the LLM-facing half of the memory pipeline: event
// extraction from revision content, entity resolution against the stored
// entity collection, materialisation of the entity/event graph, and the
// bounded traversal that feeds retrieval's related-context expansion.
package graph

import "slices"

// Event categories form a closed set; anything else is dropped by the
// validation gate.
var EventCategories = []string{
	"decision", "commitment", "question", "answer",
	"observation", "plan", "risk", "reference",
}

// Entity types form a closed set; unknown types fall back to "other".
var EntityTypes = []string{
	"person", "organization", "project", "product",
	"location", "concept", "other",
}

// Mention roles relative to the containing event.
const (
	RoleActor   = "actor"
	RoleSubject = "subject"
)

// ValidCategory reports whether c is in the closed category set.
func ValidCategory(c string) bool {
	return slices.Contains(EventCategories, c)
}

// NormalizeEntityType maps an extracted type onto the closed set.
func NormalizeEntityType(t string) string {
	if slices.Contains(EntityTypes, t) {
		return t
	}
	return "other"
}

// CandidateEvent is one event as returned by the extraction prompts,
// before validation and entity resolution.
type CandidateEvent struct {
	Summary    string              `json:"summary"`
	Category   string              `json:"category"`
	OccurredAt string              `json:"occurred_at,omitempty"`
	Confidence float64             `json:"confidence"`
	Evidence   []CandidateEvidence `json:"evidence"`
	Mentions   []CandidateMention  `json:"mentions"`
}

// CandidateEvidence is a verbatim quote with the model's claimed offset.
// Offsets are re-derived against the revision during validation, so a
// wrong offset from the model is corrected rather than fatal.
type CandidateEvidence struct {
	Quote  string `json:"quote"`
	Offset int    `json:"offset"`
}

// CandidateMention is an entity reference inside a candidate event.
type CandidateMention struct {
	Surface    string   `json:"surface"`
	EntityType string   `json:"entity_type"`
	Role       string   `json:"role"`
	Clues      []string `json:"clues,omitempty"`
	Offset     int      `json:"offset"`
}

// DroppedEvent records why the validation gate rejected a candidate.
type DroppedEvent struct {
	Event  CandidateEvent
	Reason string
}
