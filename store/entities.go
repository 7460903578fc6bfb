package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
)

// CreateEntity inserts an entity row and its embedding atomically. The
// canonical name is always included in aliases. The stored embedding is
// written once here and never refreshed by later merges, keeping
// resolution stable.
func (s *Store) CreateEntity(ctx context.Context, e *Entity, embedding []float32) error {
	if !slices.Contains(e.Aliases, e.CanonicalName) {
		e.Aliases = append([]string{e.CanonicalName}, e.Aliases...)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO entity (entity_id, entity_type, canonical_name, aliases, context_clues, created_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.EntityID, e.EntityType, e.CanonicalName, marshalStrings(e.Aliases),
			marshalStrings(e.ContextClues), e.CreatedAt, e.LastSeenAt)
		if err != nil {
			return fmt.Errorf("inserting entity: %w", err)
		}
		if e.Seq, err = res.LastInsertId(); err != nil {
			return err
		}
		if len(embedding) > 0 {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO vec_entities (entity_seq, embedding) VALUES (?, ?)",
				e.Seq, serializeFloat32(embedding)); err != nil {
				return fmt.Errorf("inserting entity embedding: %w", err)
			}
		}
		return nil
	})
}

// GetEntity retrieves an entity by id. Returns sql.ErrNoRows when unknown.
func (s *Store) GetEntity(ctx context.Context, entityID string) (*Entity, error) {
	e := &Entity{}
	var aliases, clues string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, entity_type, canonical_name, aliases, context_clues, created_at, last_seen_at
		FROM entity WHERE entity_id = ?
	`, entityID).Scan(&e.Seq, &e.EntityID, &e.EntityType, &e.CanonicalName,
		&aliases, &clues, &e.CreatedAt, &e.LastSeenAt)
	if err != nil {
		return nil, err
	}
	e.Aliases = unmarshalStrings(aliases)
	e.ContextClues = unmarshalStrings(clues)
	return e, nil
}

// GetEntities retrieves entities for the given ids. Missing ids are skipped.
func (s *Store) GetEntities(ctx context.Context, entityIDs []string) ([]Entity, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, entity_type, canonical_name, aliases, context_clues, created_at, last_seen_at
		FROM entity WHERE entity_id IN (?`+repeatPlaceholders(len(entityIDs)-1)+`)
	`, toArgs(entityIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		var aliases, clues string
		if err := rows.Scan(&e.Seq, &e.EntityID, &e.EntityType, &e.CanonicalName,
			&aliases, &clues, &e.CreatedAt, &e.LastSeenAt); err != nil {
			return nil, err
		}
		e.Aliases = unmarshalStrings(aliases)
		e.ContextClues = unmarshalStrings(clues)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// MergeEntity folds a new mention into an existing entity: the surface form
// joins the alias set, context clues are unioned, and last_seen_at advances.
// The entity's embedding is deliberately left untouched.
func (s *Store) MergeEntity(ctx context.Context, entityID, alias string, clues []string, lastSeenAt string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var aliasesRaw, cluesRaw string
		err := tx.QueryRowContext(ctx,
			"SELECT aliases, context_clues FROM entity WHERE entity_id = ?", entityID).
			Scan(&aliasesRaw, &cluesRaw)
		if err != nil {
			return err
		}

		aliases := unmarshalStrings(aliasesRaw)
		if alias != "" && !slices.Contains(aliases, alias) {
			aliases = append(aliases, alias)
		}
		merged := unmarshalStrings(cluesRaw)
		for _, c := range clues {
			if c != "" && !slices.Contains(merged, c) {
				merged = append(merged, c)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE entity SET aliases = ?, context_clues = ?, last_seen_at = ?
			WHERE entity_id = ?
		`, marshalStrings(aliases), marshalStrings(merged), lastSeenAt, entityID)
		return err
	})
}

// EntityHit is one candidate from a KNN search over entity embeddings.
type EntityHit struct {
	Entity
	Distance float64 `json:"distance"`
}

// SearchEntities performs a KNN search over the entities collection,
// returning candidates ordered by ascending cosine distance.
func (s *Store) SearchEntities(ctx context.Context, embedding []float32, k int) ([]EntityHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.entity_id, e.entity_type, e.canonical_name, e.aliases, e.context_clues,
			e.created_at, e.last_seen_at, v.distance
		FROM vec_entities v
		JOIN entity e ON e.id = v.entity_seq
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(embedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []EntityHit
	for rows.Next() {
		var h EntityHit
		var aliases, clues string
		if err := rows.Scan(&h.Seq, &h.EntityID, &h.EntityType, &h.CanonicalName,
			&aliases, &clues, &h.CreatedAt, &h.LastSeenAt, &h.Distance); err != nil {
			return nil, err
		}
		h.Aliases = unmarshalStrings(aliases)
		h.ContextClues = unmarshalStrings(clues)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// MentionsByRevision returns the resolver's decisions for a revision.
func (s *Store) MentionsByRevision(ctx context.Context, revisionID string) ([]Mention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mention_id, entity_id, revision_id, surface_form, offset_start, decision, score, model, created_at
		FROM entity_mention WHERE revision_id = ? ORDER BY offset_start, mention_id
	`, revisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMentions(rows)
}

// MentionsByEntity returns the evidence trail of an entity.
func (s *Store) MentionsByEntity(ctx context.Context, entityID string) ([]Mention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mention_id, entity_id, revision_id, surface_form, offset_start, decision, score, model, created_at
		FROM entity_mention WHERE entity_id = ? ORDER BY created_at, mention_id
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMentions(rows)
}

func scanMentions(rows *sql.Rows) ([]Mention, error) {
	var mentions []Mention
	for rows.Next() {
		var m Mention
		if err := rows.Scan(&m.MentionID, &m.EntityID, &m.RevisionID, &m.SurfaceForm,
			&m.OffsetStart, &m.Decision, &m.Score, &m.Model, &m.CreatedAt); err != nil {
			return nil, err
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}
