package store

import (
	"context"
	"database/sql"
)

// Node labels and edge types of the memory graph.
const (
	LabelEntity = "Entity"
	LabelEvent  = "Event"

	EdgeActedIn      = "ACTED_IN"
	EdgeAbout        = "ABOUT"
	EdgePossiblySame = "POSSIBLY_SAME"
)

// MergeGraph upserts a revision's subgraph in dependency order: entity
// nodes, then event nodes, then edges. Nodes and edges already present
// are left untouched, so re-running an upsert job is a no-op.
func (s *Store) MergeGraph(ctx context.Context, entityIDs, eventIDs []string, edges []GraphEdge) error {
	now := Now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		nodeStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO graph_node (graph, label, node_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(graph, label, node_id) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer nodeStmt.Close()

		for _, id := range entityIDs {
			if _, err := nodeStmt.ExecContext(ctx, s.graph, LabelEntity, id, now); err != nil {
				return err
			}
		}
		for _, id := range eventIDs {
			if _, err := nodeStmt.ExecContext(ctx, s.graph, LabelEvent, id, now); err != nil {
				return err
			}
		}

		edgeStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO graph_edge (graph, edge_type, src_id, dst_id, score, source_mention_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(graph, edge_type, src_id, dst_id) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer edgeStmt.Close()

		for _, e := range edges {
			if _, err := edgeStmt.ExecContext(ctx, s.graph, e.EdgeType, e.SrcID, e.DstID,
				nullFloat(e.Score), nullable(e.SourceMentionID), now); err != nil {
				return err
			}
		}
		return nil
	})
}

// MergePossiblySame records a directed candidate-identity edge. Repeated
// sightings of the same pair keep the highest score seen.
func (s *Store) MergePossiblySame(ctx context.Context, srcID, dstID string, score float64, sourceMentionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_edge (graph, edge_type, src_id, dst_id, score, source_mention_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(graph, edge_type, src_id, dst_id) DO UPDATE SET
			score = excluded.score,
			source_mention_id = excluded.source_mention_id
		WHERE excluded.score > COALESCE(graph_edge.score, 0)
	`, s.graph, EdgePossiblySame, srcID, dstID, score, nullable(sourceMentionID), Now())
	return err
}

// EdgesTouching returns all edges with any of the given nodes as source
// or destination. Traversal treats POSSIBLY_SAME as navigable from both
// ends, so both directions are fetched.
func (s *Store) EdgesTouching(ctx context.Context, nodeIDs []string) ([]GraphEdge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	ph := "?" + repeatPlaceholders(len(nodeIDs)-1)
	args := make([]any, 0, 2*len(nodeIDs)+1)
	args = append(args, s.graph)
	args = append(args, toArgs(nodeIDs)...)
	args = append(args, toArgs(nodeIDs)...)

	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_type, src_id, dst_id, score, source_mention_id
		FROM graph_edge
		WHERE graph = ? AND (src_id IN (`+ph+`) OR dst_id IN (`+ph+`))
		ORDER BY edge_type, src_id, dst_id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []GraphEdge
	for rows.Next() {
		var e GraphEdge
		var score sql.NullFloat64
		var mention sql.NullString
		if err := rows.Scan(&e.EdgeType, &e.SrcID, &e.DstID, &score, &mention); err != nil {
			return nil, err
		}
		e.Score = score.Float64
		e.SourceMentionID = mention.String
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// EventCategories maps event ids to their category, for traversal filters.
func (s *Store) EventCategories(ctx context.Context, eventIDs []string) (map[string]string, error) {
	return s.idColumn(ctx, "event", "event_id", "category", eventIDs)
}

// EntityTypes maps entity ids to their type, for traversal filters.
func (s *Store) EntityTypes(ctx context.Context, entityIDs []string) (map[string]string, error) {
	return s.idColumn(ctx, "entity", "entity_id", "entity_type", entityIDs)
}

func (s *Store) idColumn(ctx context.Context, table, idCol, valCol string, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+idCol+", "+valCol+" FROM "+table+
			" WHERE "+idCol+" IN (?"+repeatPlaceholders(len(ids)-1)+")",
		toArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string, len(ids))
	for rows.Next() {
		var id, val string
		if err := rows.Scan(&id, &val); err != nil {
			return nil, err
		}
		out[id] = val
	}
	return out, rows.Err()
}

// GraphCounts reports node and edge totals for the status surface.
func (s *Store) GraphCounts(ctx context.Context) (nodes, edges int, err error) {
	if err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM graph_node WHERE graph = ?", s.graph).Scan(&nodes); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM graph_edge WHERE graph = ?", s.graph).Scan(&edges); err != nil {
		return 0, 0, err
	}
	return nodes, edges, nil
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}
