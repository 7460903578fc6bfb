package graph

import (
	"context"
	"fmt"

	"github.com/nurgraph/nur/store"
)

// Upsert materialises the subgraph of the given events: entity nodes
// first so edges resolve, then event nodes, then ACTED_IN (actor to
// event) and ABOUT (event to subject) edges. Everything merges, so the
// graph_upsert job can be retried freely.
func Upsert(ctx context.Context, s *store.Store, events []store.Event) error {
	if len(events) == 0 {
		return nil
	}

	entitySet := make(map[string]bool)
	eventIDs := make([]string, 0, len(events))
	var edges []store.GraphEdge

	for _, e := range events {
		eventIDs = append(eventIDs, e.EventID)
		for _, actor := range e.Actors {
			entitySet[actor] = true
			edges = append(edges, store.GraphEdge{
				EdgeType: store.EdgeActedIn,
				SrcID:    actor,
				DstID:    e.EventID,
			})
		}
		for _, subject := range e.Subjects {
			entitySet[subject] = true
			edges = append(edges, store.GraphEdge{
				EdgeType: store.EdgeAbout,
				SrcID:    e.EventID,
				DstID:    subject,
			})
		}
	}

	entityIDs := make([]string, 0, len(entitySet))
	for id := range entitySet {
		entityIDs = append(entityIDs, id)
	}

	if err := s.MergeGraph(ctx, entityIDs, eventIDs, edges); err != nil {
		return fmt.Errorf("merging subgraph of %d events: %w", len(events), err)
	}
	return nil
}
