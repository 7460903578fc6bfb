package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/nurgraph/nur/store"
)

// ExpandFilters narrow a traversal to events of the given categories and
// entities of the given types. Empty slices mean no restriction.
type ExpandFilters struct {
	EventCategories []string `json:"event_categories,omitempty"`
	EntityTypes     []string `json:"entity_types,omitempty"`
}

// Node is one item of an expansion result. Hops is fractional because a
// POSSIBLY_SAME traversal counts as half a hop. Path lists node ids from
// the seed to this node, both ends included.
type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"` // "entity" or "event"
	Hops float64  `json:"hops"`
	Path []string `json:"path"`
}

// frontierItem is a node awaiting expansion.
type frontierItem struct {
	id    string
	label string
	hops  float64
	path  []string
}

// Expand walks the graph outward from seed events: one hop to linked
// entities over ACTED_IN/ABOUT in either direction, another hop to other
// events of those entities. POSSIBLY_SAME edges cost half a hop and are
// only followed at or above psThreshold. Traversal is breadth-first by
// hop count and stops after budget nodes; seeds are not returned.
func Expand(ctx context.Context, s *store.Store, seedEventIDs []string, maxHops int, filters ExpandFilters, budget int, psThreshold float64) ([]Node, error) {
	if len(seedEventIDs) == 0 || budget <= 0 {
		return nil, nil
	}
	if maxHops <= 0 {
		maxHops = 2
	}

	visited := make(map[string]bool, len(seedEventIDs))
	var queue []frontierItem
	for _, id := range seedEventIDs {
		if visited[id] {
			continue
		}
		visited[id] = true
		queue = append(queue, frontierItem{id: id, label: store.LabelEvent, hops: 0, path: []string{id}})
	}

	var results []Node
	for len(queue) > 0 && len(results) < budget {
		cur := popNearest(&queue)
		if cur.hops >= float64(maxHops) {
			continue
		}

		edges, err := s.EdgesTouching(ctx, []string{cur.id})
		if err != nil {
			return nil, fmt.Errorf("expanding from %s: %w", cur.id, err)
		}

		var entityIDs, eventIDs []string
		type candidate struct {
			id    string
			label string
			cost  float64
		}
		var candidates []candidate
		for _, e := range edges {
			switch e.EdgeType {
			case store.EdgeActedIn:
				// Entity -> Event; navigable both ways.
				if e.DstID == cur.id && cur.label == store.LabelEvent {
					candidates = append(candidates, candidate{e.SrcID, store.LabelEntity, 1})
				} else if e.SrcID == cur.id && cur.label == store.LabelEntity {
					candidates = append(candidates, candidate{e.DstID, store.LabelEvent, 1})
				}
			case store.EdgeAbout:
				// Event -> Entity; navigable both ways.
				if e.SrcID == cur.id && cur.label == store.LabelEvent {
					candidates = append(candidates, candidate{e.DstID, store.LabelEntity, 1})
				} else if e.DstID == cur.id && cur.label == store.LabelEntity {
					candidates = append(candidates, candidate{e.SrcID, store.LabelEvent, 1})
				}
			case store.EdgePossiblySame:
				// Symmetric on read, half a hop, score-gated.
				if cur.label != store.LabelEntity || e.Score < psThreshold {
					continue
				}
				if e.SrcID == cur.id {
					candidates = append(candidates, candidate{e.DstID, store.LabelEntity, 0.5})
				} else if e.DstID == cur.id {
					candidates = append(candidates, candidate{e.SrcID, store.LabelEntity, 0.5})
				}
			}
		}

		for _, c := range candidates {
			if visited[c.id] || cur.hops+c.cost > float64(maxHops) {
				continue
			}
			if c.label == store.LabelEntity {
				entityIDs = append(entityIDs, c.id)
			} else {
				eventIDs = append(eventIDs, c.id)
			}
		}

		categories, err := s.EventCategories(ctx, eventIDs)
		if err != nil {
			return nil, err
		}
		types, err := s.EntityTypes(ctx, entityIDs)
		if err != nil {
			return nil, err
		}

		for _, c := range candidates {
			if len(results) >= budget {
				break
			}
			if visited[c.id] || cur.hops+c.cost > float64(maxHops) {
				continue
			}
			if c.label == store.LabelEvent && !allowed(filters.EventCategories, categories[c.id]) {
				continue
			}
			if c.label == store.LabelEntity && !allowed(filters.EntityTypes, types[c.id]) {
				continue
			}
			visited[c.id] = true

			path := append(slices.Clone(cur.path), c.id)
			next := frontierItem{id: c.id, label: c.label, hops: cur.hops + c.cost, path: path}
			queue = append(queue, next)

			nodeType := "event"
			if c.label == store.LabelEntity {
				nodeType = "entity"
			}
			results = append(results, Node{ID: c.id, Type: nodeType, Hops: next.hops, Path: path})
		}
	}
	return results, nil
}

// popNearest removes and returns the queued item with the fewest hops,
// keeping insertion order on ties so traversal stays breadth-first.
func popNearest(queue *[]frontierItem) frontierItem {
	q := *queue
	best := 0
	for i := 1; i < len(q); i++ {
		if q[i].hops < q[best].hops {
			best = i
		}
	}
	item := q[best]
	*queue = append(q[:best], q[best+1:]...)
	return item
}

// allowed reports whether value passes an allow-list filter; an empty
// list allows everything.
func allowed(allow []string, value string) bool {
	return len(allow) == 0 || slices.Contains(allow, value)
}
