package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetArtifact retrieves an artifact by its content-addressed id.
// Returns sql.ErrNoRows when the id is unknown.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*Artifact, error) {
	a := &Artifact{}
	var participants string
	var sourceID, sourceURL, ts sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, artifact_id, artifact_type, source_system, source_id, source_url, ts,
			title, author, participants, content_hash, token_count, is_chunked, num_chunks,
			sensitivity, visibility_scope, retention_policy,
			embedding_provider, embedding_model, embedding_dimensions, ingested_at
		FROM artifact WHERE artifact_id = ?
	`, artifactID).Scan(&a.Seq, &a.ArtifactID, &a.ArtifactType, &a.SourceSystem,
		&sourceID, &sourceURL, &ts, &a.Title, &a.Author, &participants,
		&a.ContentHash, &a.TokenCount, &a.IsChunked, &a.NumChunks,
		&a.Sensitivity, &a.VisibilityScope, &a.RetentionPolicy,
		&a.EmbeddingProvider, &a.EmbeddingModel, &a.EmbeddingDimensions, &a.IngestedAt)
	if err != nil {
		return nil, err
	}
	a.SourceID = sourceID.String
	a.SourceURL = sourceURL.String
	a.Timestamp = ts.String
	a.Participants = unmarshalStrings(participants)
	return a, nil
}

// ArtifactExists reports whether an artifact row with the given id and
// content hash is already present. Drives ingest dedup.
func (s *Store) ArtifactExists(ctx context.Context, artifactID, contentHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM artifact WHERE artifact_id = ? AND content_hash = ?",
		artifactID, contentHash).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IngestArtifact writes an artifact, its revision, its chunks, their vector
// rows, and the follow-up extraction job in a single transaction. The job row
// riding the same commit is what guarantees extraction is never lost once the
// caller sees success.
func (s *Store) IngestArtifact(ctx context.Context, a *Artifact, rev *Revision, chunks []Chunk, chunkEmbeddings [][]float32, contentEmbedding []float32, job *Job) error {
	if len(chunks) != len(chunkEmbeddings) {
		return fmt.Errorf("chunk count %d does not match embedding count %d", len(chunks), len(chunkEmbeddings))
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artifact (artifact_id, artifact_type, source_system, source_id, source_url, ts,
				title, author, participants, content_hash, token_count, is_chunked, num_chunks,
				sensitivity, visibility_scope, retention_policy,
				embedding_provider, embedding_model, embedding_dimensions, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(artifact_id) DO UPDATE SET
				artifact_type = excluded.artifact_type,
				source_system = excluded.source_system,
				source_id = excluded.source_id,
				source_url = excluded.source_url,
				ts = excluded.ts,
				title = excluded.title,
				author = excluded.author,
				participants = excluded.participants,
				ingested_at = excluded.ingested_at
		`, a.ArtifactID, a.ArtifactType, a.SourceSystem, nullable(a.SourceID), nullable(a.SourceURL),
			nullable(a.Timestamp), a.Title, a.Author, marshalStrings(a.Participants),
			a.ContentHash, a.TokenCount, a.IsChunked, a.NumChunks,
			a.Sensitivity, a.VisibilityScope, a.RetentionPolicy,
			a.EmbeddingProvider, a.EmbeddingModel, a.EmbeddingDimensions, a.IngestedAt)
		if err != nil {
			return fmt.Errorf("inserting artifact: %w", err)
		}
		// LastInsertId is stale when the UPSERT took the UPDATE branch; read
		// the rowid back so vec_content always attaches to the right row.
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM artifact WHERE artifact_id = ?", a.ArtifactID).Scan(&a.Seq); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO revision (revision_id, artifact_id, content, created_at) VALUES (?, ?, ?, ?)",
			rev.RevisionID, rev.ArtifactID, rev.Content, rev.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting revision: %w", err)
		}
		if rev.Seq, err = res.LastInsertId(); err != nil {
			return err
		}

		if len(chunks) > 0 {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO chunk (chunk_id, artifact_id, revision_id, chunk_index, content,
					start_char, end_char, token_count, content_hash)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			vecStmt, err := tx.PrepareContext(ctx,
				"INSERT OR REPLACE INTO vec_chunks (chunk_seq, embedding) VALUES (?, ?)")
			if err != nil {
				return err
			}
			defer vecStmt.Close()

			for i := range chunks {
				c := &chunks[i]
				res, err := stmt.ExecContext(ctx, c.ChunkID, c.ArtifactID, c.RevisionID,
					c.Index, c.Content, c.StartChar, c.EndChar, c.TokenCount, c.ContentHash)
				if err != nil {
					return fmt.Errorf("inserting chunk %d: %w", c.Index, err)
				}
				if c.Seq, err = res.LastInsertId(); err != nil {
					return err
				}
				if _, err := vecStmt.ExecContext(ctx, c.Seq, serializeFloat32(chunkEmbeddings[i])); err != nil {
					return fmt.Errorf("inserting chunk embedding %d: %w", c.Index, err)
				}
			}
		}

		if len(contentEmbedding) > 0 {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO vec_content (artifact_seq, embedding) VALUES (?, ?)",
				a.Seq, serializeFloat32(contentEmbedding)); err != nil {
				return fmt.Errorf("inserting content embedding: %w", err)
			}
		}

		if job != nil {
			if err := insertJobTx(ctx, tx, job, "enqueued at ingest"); err != nil {
				return fmt.Errorf("enqueueing extraction job: %w", err)
			}
		}
		return nil
	})
}

// GetRevision retrieves a revision by id, including its content.
func (s *Store) GetRevision(ctx context.Context, revisionID string) (*Revision, error) {
	r := &Revision{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, revision_id, artifact_id, content, created_at FROM revision WHERE revision_id = ?",
		revisionID).Scan(&r.Seq, &r.RevisionID, &r.ArtifactID, &r.Content, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LatestRevision returns the most recent revision of an artifact.
func (s *Store) LatestRevision(ctx context.Context, artifactID string) (*Revision, error) {
	r := &Revision{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, revision_id, artifact_id, content, created_at
		FROM revision WHERE artifact_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, artifactID).Scan(&r.Seq, &r.RevisionID, &r.ArtifactID, &r.Content, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RevisionsByArtifact returns all revisions of an artifact, oldest first.
func (s *Store) RevisionsByArtifact(ctx context.Context, artifactID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, revision_id, artifact_id, content, created_at
		FROM revision WHERE artifact_id = ? ORDER BY created_at, id
	`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revs []Revision
	for rows.Next() {
		var r Revision
		if err := rows.Scan(&r.Seq, &r.RevisionID, &r.ArtifactID, &r.Content, &r.CreatedAt); err != nil {
			return nil, err
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

// ChunksByArtifact returns all chunks for an artifact ordered by chunk_index.
func (s *Store) ChunksByArtifact(ctx context.Context, artifactID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chunk_id, artifact_id, revision_id, chunk_index, content,
			start_char, end_char, token_count, content_hash
		FROM chunk WHERE artifact_id = ? ORDER BY chunk_index
	`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.Seq, &c.ChunkID, &c.ArtifactID, &c.RevisionID, &c.Index,
			&c.Content, &c.StartChar, &c.EndChar, &c.TokenCount, &c.ContentHash); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CascadeCounts reports what a forget removed.
type CascadeCounts struct {
	Chunks    int `json:"chunks"`
	Events    int `json:"events"`
	Mentions  int `json:"mentions"`
	Revisions int `json:"revisions"`
	Jobs      int `json:"jobs"`
}

// DeleteArtifact removes an artifact and cascades to chunks, events of its
// revisions, their evidence, mentions, vector rows, graph rows, and pending
// jobs. Entities are never touched. Returns sql.ErrNoRows for unknown ids.
func (s *Store) DeleteArtifact(ctx context.Context, artifactID string) (*CascadeCounts, error) {
	counts := &CascadeCounts{}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM artifact WHERE artifact_id = ?", artifactID).Scan(&seq); err != nil {
			return err
		}

		revIDs, err := stringColumn(ctx, tx,
			"SELECT revision_id FROM revision WHERE artifact_id = ?", artifactID)
		if err != nil {
			return err
		}
		counts.Revisions = len(revIDs)

		var eventIDs []string
		if len(revIDs) > 0 {
			args := toArgs(revIDs)
			in := "(?" + repeatPlaceholders(len(revIDs)-1) + ")"
			eventIDs, err = stringColumn(ctx, tx,
				"SELECT event_id FROM event WHERE revision_id IN "+in, args...)
			if err != nil {
				return err
			}

			if err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM entity_mention WHERE revision_id IN "+in, args...).
				Scan(&counts.Mentions); err != nil {
				return err
			}
		}
		counts.Events = len(eventIDs)

		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM chunk WHERE artifact_id = ?", artifactID).Scan(&counts.Chunks); err != nil {
			return err
		}

		// Vector rows first, while the owning rows still exist.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_chunks WHERE chunk_seq IN (SELECT id FROM chunk WHERE artifact_id = ?)",
			artifactID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_content WHERE artifact_seq = ?", seq); err != nil {
			return err
		}

		if len(eventIDs) > 0 {
			eargs := toArgs(eventIDs)
			ein := "(?" + repeatPlaceholders(len(eventIDs)-1) + ")"
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM graph_edge WHERE graph = ? AND (src_id IN "+ein+" OR dst_id IN "+ein+")",
				append(append([]any{s.graph}, eargs...), eargs...)...); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM graph_node WHERE graph = ? AND label = 'Event' AND node_id IN "+ein,
				append([]any{s.graph}, eargs...)...); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM event_evidence WHERE event_id IN "+ein, eargs...); err != nil {
				return err
			}
		}

		if len(revIDs) > 0 {
			args := toArgs(revIDs)
			in := "(?" + repeatPlaceholders(len(revIDs)-1) + ")"
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM event WHERE revision_id IN "+in, args...); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM entity_mention WHERE revision_id IN "+in, args...); err != nil {
				return err
			}

			// Prune jobs that have not started; running ones discover the
			// missing revision and succeed as no-ops.
			jobIDs, err := stringColumn(ctx, tx,
				"SELECT job_id FROM job WHERE state = 'pending' AND json_extract(payload, '$.revision_id') IN "+in,
				args...)
			if err != nil {
				return err
			}
			for _, id := range jobIDs {
				if err := appendJobEventTx(ctx, tx, id, JobPending, JobCancelled, "cancelled by forget"); err != nil {
					return err
				}
			}
			if len(jobIDs) > 0 {
				jargs := toArgs(jobIDs)
				if _, err := tx.ExecContext(ctx,
					"DELETE FROM job WHERE job_id IN (?"+repeatPlaceholders(len(jobIDs)-1)+")",
					jargs...); err != nil {
					return err
				}
			}
			counts.Jobs = len(jobIDs)
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunk WHERE artifact_id = ?", artifactID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM revision WHERE artifact_id = ?", artifactID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM artifact WHERE artifact_id = ?", artifactID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// ContentHit is one result of a KNN search over the content collection.
type ContentHit struct {
	ArtifactID  string  `json:"artifact_id"`
	Distance    float64 `json:"distance"`
	Title       string  `json:"title,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
	Sensitivity string  `json:"sensitivity"`
}

// ChunkHit is one result of a KNN search over the chunks collection.
type ChunkHit struct {
	ChunkID     string  `json:"chunk_id"`
	ArtifactID  string  `json:"artifact_id"`
	RevisionID  string  `json:"revision_id"`
	ChunkIndex  int     `json:"chunk_index"`
	Content     string  `json:"content"`
	Distance    float64 `json:"distance"`
	Timestamp   string  `json:"timestamp,omitempty"`
	Sensitivity string  `json:"sensitivity"`
}

// SearchContent performs a KNN search over whole-artifact embeddings.
// Results are ordered by ascending cosine distance; filter predicates are
// applied to the joined artifact row.
func (s *Store) SearchContent(ctx context.Context, embedding []float32, k int, filter Filter) ([]ContentHit, error) {
	where, args, err := filter.whereClause()
	if err != nil {
		return nil, err
	}
	query := `
		SELECT a.artifact_id, v.distance, a.title, COALESCE(a.ts, ''), a.sensitivity
		FROM vec_content v
		JOIN artifact a ON a.id = v.artifact_seq
		WHERE v.embedding MATCH ? AND k = ?` + where + `
		ORDER BY v.distance`
	rows, err := s.db.QueryContext(ctx, query,
		append([]any{serializeFloat32(embedding), k}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ContentHit
	for rows.Next() {
		var h ContentHit
		if err := rows.Scan(&h.ArtifactID, &h.Distance, &h.Title, &h.Timestamp, &h.Sensitivity); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchChunks performs a KNN search over chunk embeddings.
func (s *Store) SearchChunks(ctx context.Context, embedding []float32, k int, filter Filter) ([]ChunkHit, error) {
	where, args, err := filter.whereClause()
	if err != nil {
		return nil, err
	}
	query := `
		SELECT c.chunk_id, c.artifact_id, c.revision_id, c.chunk_index, c.content,
			v.distance, COALESCE(a.ts, ''), a.sensitivity
		FROM vec_chunks v
		JOIN chunk c ON c.id = v.chunk_seq
		JOIN artifact a ON a.artifact_id = c.artifact_id
		WHERE v.embedding MATCH ? AND k = ?` + where + `
		ORDER BY v.distance`
	rows, err := s.db.QueryContext(ctx, query,
		append([]any{serializeFloat32(embedding), k}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var h ChunkHit
		if err := rows.Scan(&h.ChunkID, &h.ArtifactID, &h.RevisionID, &h.ChunkIndex,
			&h.Content, &h.Distance, &h.Timestamp, &h.Sensitivity); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// --- helpers ---

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toArgs(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

func stringColumn(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
