package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CommitExtraction applies the outcome of an extract_events job in one
// transaction: events with their evidence spans, the resolver's mention
// rows, the job's transition to succeeded, and the follow-up graph_upsert
// job. Either everything lands or the job stays claimable.
func (s *Store) CommitExtraction(ctx context.Context, jobID string, events []Event, mentions []Mention, graphJob *Job) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		evStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO event (event_id, revision_id, category, summary, actors, subjects,
				occurred_at, extracted_at, model, confidence, first_offset)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer evStmt.Close()
		quoteStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO event_evidence (event_id, idx, quote, offset_start, offset_end)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer quoteStmt.Close()

		for i := range events {
			e := &events[i]
			if _, err := evStmt.ExecContext(ctx, e.EventID, e.RevisionID, e.Category, e.Summary,
				marshalStrings(e.Actors), marshalStrings(e.Subjects),
				nullable(e.OccurredAt), e.ExtractedAt, e.Model, e.Confidence, e.FirstOffset()); err != nil {
				return fmt.Errorf("inserting event %s: %w", e.EventID, err)
			}
			for j, ev := range e.Evidence {
				if _, err := quoteStmt.ExecContext(ctx, e.EventID, j, ev.Quote, ev.OffsetStart, ev.OffsetEnd); err != nil {
					return fmt.Errorf("inserting evidence for %s: %w", e.EventID, err)
				}
			}
		}

		for i := range mentions {
			m := &mentions[i]
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entity_mention (mention_id, entity_id, revision_id, surface_form,
					offset_start, decision, score, model, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, m.MentionID, m.EntityID, m.RevisionID, m.SurfaceForm,
				m.OffsetStart, m.Decision, m.Score, m.Model, m.CreatedAt); err != nil {
				return fmt.Errorf("inserting mention %s: %w", m.MentionID, err)
			}
		}

		detail := fmt.Sprintf("extracted %d events, %d mentions", len(events), len(mentions))
		if err := ackJobTx(ctx, tx, jobID, detail); err != nil {
			return err
		}
		if graphJob != nil {
			if err := insertJobTx(ctx, tx, graphJob, "enqueued by extraction"); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEvent retrieves an event with its evidence spans. Returns
// sql.ErrNoRows when unknown.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	e, err := s.scanEventRow(s.db.QueryRowContext(ctx, `
		SELECT id, event_id, revision_id, category, summary, actors, subjects,
			occurred_at, extracted_at, model, confidence
		FROM event WHERE event_id = ?
	`, eventID))
	if err != nil {
		return nil, err
	}
	if err := s.attachEvidence(ctx, []*Event{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// EventsByRevision returns a revision's events in document order, the
// position of each event's first evidence span.
func (s *Store) EventsByRevision(ctx context.Context, revisionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, revision_id, category, summary, actors, subjects,
			occurred_at, extracted_at, model, confidence
		FROM event WHERE revision_id = ?
		ORDER BY first_offset, event_id
	`, revisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(ctx, rows)
}

// GetEventsByIDs retrieves events in bulk. Missing ids are skipped.
func (s *Store) GetEventsByIDs(ctx context.Context, eventIDs []string) ([]Event, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, revision_id, category, summary, actors, subjects,
			occurred_at, extracted_at, model, confidence
		FROM event WHERE event_id IN (?`+repeatPlaceholders(len(eventIDs)-1)+`)
	`, toArgs(eventIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(ctx, rows)
}

// SearchEvents finds events whose summary contains the query substring,
// optionally narrowed to one category. Matching is case-insensitive.
func (s *Store) SearchEvents(ctx context.Context, query, category string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
		SELECT id, event_id, revision_id, category, summary, actors, subjects,
			occurred_at, extracted_at, model, confidence
		FROM event WHERE summary LIKE ? ESCAPE '\'
	`
	args := []any{"%" + escapeLike(query) + "%"}
	if category != "" {
		q += " AND category = ?"
		args = append(args, category)
	}
	q += " ORDER BY extracted_at DESC, event_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(ctx, rows)
}

// EventIDsByArtifacts maps each artifact to the events extracted from any
// of its revisions. Used to seed graph expansion from retrieval results.
func (s *Store) EventIDsByArtifacts(ctx context.Context, artifactIDs []string) (map[string][]string, error) {
	if len(artifactIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.artifact_id, e.event_id
		FROM event e
		JOIN revision r ON r.revision_id = e.revision_id
		WHERE r.artifact_id IN (?`+repeatPlaceholders(len(artifactIDs)-1)+`)
		ORDER BY e.first_offset, e.event_id
	`, toArgs(artifactIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byArtifact := make(map[string][]string)
	for rows.Next() {
		var artifactID, eventID string
		if err := rows.Scan(&artifactID, &eventID); err != nil {
			return nil, err
		}
		byArtifact[artifactID] = append(byArtifact[artifactID], eventID)
	}
	return byArtifact, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanEventRow(row rowScanner) (*Event, error) {
	e := &Event{}
	var actors, subjects string
	var occurredAt sql.NullString
	err := row.Scan(&e.Seq, &e.EventID, &e.RevisionID, &e.Category, &e.Summary,
		&actors, &subjects, &occurredAt, &e.ExtractedAt, &e.Model, &e.Confidence)
	if err != nil {
		return nil, err
	}
	e.Actors = unmarshalStrings(actors)
	e.Subjects = unmarshalStrings(subjects)
	e.OccurredAt = occurredAt.String
	return e, nil
}

func (s *Store) collectEvents(ctx context.Context, rows *sql.Rows) ([]Event, error) {
	var events []Event
	var ptrs []*Event
	for rows.Next() {
		e, err := s.scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range events {
		ptrs = append(ptrs, &events[i])
	}
	if err := s.attachEvidence(ctx, ptrs); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) attachEvidence(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	byID := make(map[string]*Event, len(events))
	ids := make([]string, 0, len(events))
	for _, e := range events {
		byID[e.EventID] = e
		ids = append(ids, e.EventID)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, quote, offset_start, offset_end
		FROM event_evidence
		WHERE event_id IN (?`+repeatPlaceholders(len(ids)-1)+`)
		ORDER BY event_id, idx
	`, toArgs(ids)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var eventID string
		var ev Evidence
		if err := rows.Scan(&eventID, &ev.Quote, &ev.OffsetStart, &ev.OffsetEnd); err != nil {
			return err
		}
		if e, ok := byID[eventID]; ok {
			e.Evidence = append(e.Evidence, ev)
		}
	}
	return rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
