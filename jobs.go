package nur

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nurgraph/nur/graph"
	"github.com/nurgraph/nur/store"
)

// jobPayload is the JSON body shared by both job kinds. extract_events
// carries revision_id and artifact_id; graph_upsert carries revision_id
// and event_ids.
type jobPayload struct {
	RevisionID string   `json:"revision_id"`
	ArtifactID string   `json:"artifact_id,omitempty"`
	EventIDs   []string `json:"event_ids,omitempty"`
}

// rawErrorLimit bounds how much of an unparseable LLM response is kept
// on the job row for diagnosis.
const rawErrorLimit = 2000

// JobKinds lists the job kinds this engine can handle, in the order the
// worker should prefer them.
func (e *Engine) JobKinds() []string {
	return []string{store.JobExtractEvents, store.JobGraphUpsert}
}

// HandleJob dispatches one claimed job. A nil return means the job is
// done; the caller acks it (CommitExtraction acks from inside its own
// transaction, which the worker tolerates).
func (e *Engine) HandleJob(ctx context.Context, job *store.Job) error {
	switch job.Kind {
	case store.JobExtractEvents:
		return e.handleExtractEvents(ctx, job)
	case store.JobGraphUpsert:
		return e.handleGraphUpsert(ctx, job)
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrValidation, job.Kind)
	}
}

// handleExtractEvents runs the extraction pipeline for one revision:
// two-prompt LLM extraction, the validation gate, per-mention entity
// resolution, then a single transaction committing events, evidence,
// mentions, the job ack, and the follow-up graph_upsert job.
func (e *Engine) handleExtractEvents(ctx context.Context, job *store.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("%w: decoding payload of job %s: %v", ErrValidation, job.JobID, err)
	}

	rev, err := e.store.GetRevision(ctx, payload.RevisionID)
	if errors.Is(err, sql.ErrNoRows) {
		// The artifact was forgotten after the job was enqueued.
		slog.Info("extract: revision gone, skipping",
			"job_id", job.JobID, "revision_id", payload.RevisionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: loading revision %s: %v", ErrStorage, payload.RevisionID, err)
	}

	candidates, err := e.extractor.Extract(ctx, rev.Content)
	if err != nil {
		var pe *graph.ParseError
		if errors.As(err, &pe) {
			raw := pe.Raw
			if len(raw) > rawErrorLimit {
				raw = raw[:rawErrorLimit]
			}
			if serr := e.store.SetJobLastError(ctx, job.JobID, "unparseable response: "+raw); serr != nil {
				slog.Warn("extract: recording raw response failed", "job_id", job.JobID, "error", serr)
			}
		}
		return fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	valid, dropped := graph.Validate(rev.Content, candidates)
	for _, d := range dropped {
		slog.Warn("extract: dropped candidate event",
			"job_id", job.JobID, "summary", d.Event.Summary, "reason", d.Reason)
	}

	resolver := graph.NewResolver(e.store, e.embedder, e.entityLLM, e.cfg.EntityModel.Model, graph.ResolverConfig{
		CandidateK:         e.cfg.CandidateK,
		RecallThreshold:    e.cfg.RecallThreshold,
		SameThreshold:      e.cfg.SameThreshold,
		UncertainThreshold: e.cfg.UncertainThreshold,
	})

	var events []store.Event
	var mentions []store.Mention
	for _, c := range valid {
		ev, evMentions, err := e.buildEvent(ctx, resolver, rev, c)
		if err != nil {
			// One event's resolution failing does not discard the rest.
			slog.Warn("extract: dropping event, resolution failed",
				"job_id", job.JobID, "summary", c.Summary, "error", err)
			continue
		}
		events = append(events, *ev)
		mentions = append(mentions, evMentions...)
	}

	var graphJob *store.Job
	if len(events) > 0 {
		eventIDs := make([]string, len(events))
		for i := range events {
			eventIDs[i] = events[i].EventID
		}
		gp, _ := json.Marshal(jobPayload{RevisionID: rev.RevisionID, EventIDs: eventIDs})
		graphJob = &store.Job{
			JobID:       uuid.NewString(),
			Kind:        store.JobGraphUpsert,
			Payload:     string(gp),
			MaxAttempts: e.cfg.JobMaxAttempts,
		}
	}

	if err := e.store.CommitExtraction(ctx, job.JobID, events, mentions, graphJob); err != nil {
		return fmt.Errorf("%w: committing extraction of %s: %v", ErrStorage, rev.RevisionID, err)
	}
	slog.Info("extract: committed",
		"job_id", job.JobID, "revision_id", rev.RevisionID,
		"events", len(events), "dropped", len(dropped)+len(valid)-len(events))
	return nil
}

// buildEvent resolves a validated candidate's mentions and assembles the
// event row. Actors and subjects are deduplicated per role.
func (e *Engine) buildEvent(ctx context.Context, resolver *graph.Resolver, rev *store.Revision, c graph.CandidateEvent) (*store.Event, []store.Mention, error) {
	ev := &store.Event{
		EventID:     "evt_" + uuid.NewString(),
		RevisionID:  rev.RevisionID,
		Category:    c.Category,
		Summary:     c.Summary,
		OccurredAt:  c.OccurredAt,
		ExtractedAt: store.Now(),
		Model:       e.extractor.Model(),
		Confidence:  c.Confidence,
	}
	for _, q := range c.Evidence {
		ev.Evidence = append(ev.Evidence, store.Evidence{
			Quote:       q.Quote,
			OffsetStart: q.Offset,
			OffsetEnd:   q.Offset + len(q.Quote),
		})
	}

	seen := make(map[string]bool)
	var mentions []store.Mention
	for _, m := range c.Mentions {
		res, err := resolver.Resolve(ctx, rev.RevisionID, m)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving %q: %w", m.Surface, err)
		}
		roleKey := m.Role + "\x1f" + res.EntityID
		if !seen[roleKey] {
			seen[roleKey] = true
			if m.Role == graph.RoleActor {
				ev.Actors = append(ev.Actors, res.EntityID)
			} else {
				ev.Subjects = append(ev.Subjects, res.EntityID)
			}
		}
		mentions = append(mentions, res.Mention)
	}
	return ev, mentions, nil
}

// handleGraphUpsert materialises the graph rows for the events a
// committed extraction produced. Events already forgotten are skipped.
func (e *Engine) handleGraphUpsert(ctx context.Context, job *store.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("%w: decoding payload of job %s: %v", ErrValidation, job.JobID, err)
	}
	events, err := e.store.GetEventsByIDs(ctx, payload.EventIDs)
	if err != nil {
		return fmt.Errorf("%w: loading events: %v", ErrStorage, err)
	}
	if len(events) == 0 {
		slog.Info("graph upsert: no surviving events", "job_id", job.JobID)
		return nil
	}
	if err := graph.Upsert(ctx, e.store, events); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	slog.Info("graph upsert: merged", "job_id", job.JobID, "events", len(events))
	return nil
}
