package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/engram/internal/log"
	"github.com/lazypower/engram/internal/store"
)

// ErrInvalidLinkProposal is returned for a link that can never be written:
// a self link, an unknown or empty type, or a confidence outside [0,1].
var ErrInvalidLinkProposal = errors.New("invalid link proposal")

// LinkRequest describes one directed link to write.
type LinkRequest struct {
	SourceID   string
	TargetID   string
	Type       store.LinkType
	Confidence float64
	Reasoning  string
}

func (r LinkRequest) validate() error {
	switch {
	case r.SourceID == "" || r.TargetID == "":
		return fmt.Errorf("%w: missing endpoint", ErrInvalidLinkProposal)
	case r.SourceID == r.TargetID:
		return fmt.Errorf("%w: self link on %s", ErrInvalidLinkProposal, r.SourceID)
	case r.Type.IsZero():
		return fmt.Errorf("%w: no link type", ErrInvalidLinkProposal)
	case r.Type.Kind == store.KindSharesEntity && r.Type.Entity == "":
		return fmt.Errorf("%w: shares_entity without entity", ErrInvalidLinkProposal)
	case !r.Type.Kind.Structural() && (r.Confidence < 0 || r.Confidence > 1):
		return fmt.Errorf("%w: confidence %.3f out of range", ErrInvalidLinkProposal, r.Confidence)
	}
	return nil
}

// Hit is a memory reached by traversal.
type Hit struct {
	Memory store.Memory
	Depth  int
	// From is the memory whose outbound link reached this one.
	From string
	Via  store.Link
}

// Graph reads and writes the bidirectional link arrays.
type Graph struct {
	db      *store.DB
	metrics *Metrics
}

// NewGraph creates a Graph.
func NewGraph(db *store.DB, metrics *Metrics) *Graph {
	return &Graph{db: db, metrics: metrics}
}

// Link writes the outbound entry on the source and the inbound entry on the
// target. Writing a link that already exists is a no-op. Structural links
// carry no confidence.
func (g *Graph) Link(ctx context.Context, userID string, req LinkRequest) error {
	req.Type = canonicalType(req.Type)
	if err := req.validate(); err != nil {
		log.FromCtx(ctx).Warn().Err(err).Str("user_id", userID).Msg("link rejected")
		g.metrics.linkRejected("invalid")
		return err
	}

	confidence := req.Confidence
	if req.Type.Kind.Structural() {
		confidence = 0
	}

	created, err := g.db.AddLinkPair(ctx, userID, req.SourceID, req.TargetID, req.Type, confidence, req.Reasoning)
	if err != nil {
		return err
	}
	if created {
		g.metrics.linkCreated(req.Type.Kind.String())
	}
	return nil
}

// Unlink removes a link from both endpoints.
func (g *Graph) Unlink(ctx context.Context, userID, sourceID, targetID string, t store.LinkType) error {
	_, err := g.db.RemoveLinkPair(ctx, userID, sourceID, targetID, canonicalType(t))
	return err
}

// canonicalType folds shares_entity names so every writer stores one tag per entity.
func canonicalType(t store.LinkType) store.LinkType {
	if t.Kind == store.KindSharesEntity {
		t.Entity = normalizeEntity(t.Entity)
	}
	return t
}

// Traverse walks outbound links breadth first from startID, up to maxDepth
// hops, fetching each level in one batch. The start memory is not a hit.
// Links whose target no longer exists are removed from every memory of the
// user before returning; a failed repair is logged and retried on a later
// traversal. If ctx ends mid-walk the hits gathered so far are returned
// with ctx's error.
func (g *Graph) Traverse(ctx context.Context, userID, startID string, maxDepth int) ([]Hit, error) {
	start, err := g.db.GetMemory(ctx, userID, startID)
	if err != nil {
		return nil, err
	}

	type edge struct {
		from string
		link store.Link
	}

	visited := map[string]bool{startID: true}
	frontier := []store.Memory{*start}
	var hits []Hit
	var dead []string
	deadSeen := map[string]bool{}

	defer func() {
		g.repair(ctx, userID, dead)
	}()

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return hits, err
		}

		var ids []string
		via := map[string]edge{}
		for _, m := range frontier {
			for _, l := range m.OutboundLinks {
				if visited[l.TargetID] {
					continue
				}
				visited[l.TargetID] = true
				ids = append(ids, l.TargetID)
				via[l.TargetID] = edge{from: m.ID, link: l}
			}
		}
		if len(ids) == 0 {
			break
		}

		found, err := g.db.GetMemories(ctx, userID, ids)
		if err != nil {
			return hits, err
		}

		byID := make(map[string]store.Memory, len(found))
		for _, m := range found {
			byID[m.ID] = m
		}

		frontier = frontier[:0:0]
		for _, id := range ids {
			m, ok := byID[id]
			if !ok {
				if !deadSeen[id] {
					deadSeen[id] = true
					dead = append(dead, id)
				}
				continue
			}
			e := via[id]
			hits = append(hits, Hit{Memory: m, Depth: depth, From: e.from, Via: e.link})
			frontier = append(frontier, m)
		}
	}
	return hits, nil
}

func (g *Graph) repair(ctx context.Context, userID string, dead []string) {
	if len(dead) == 0 {
		return
	}
	// Repair is independent of the caller's deadline.
	n, err := g.db.RemoveDeadLinks(context.WithoutCancel(ctx), userID, dead)
	if err != nil {
		log.FromCtx(ctx).Warn().Err(err).
			Str("user_id", userID).
			Strs("dead_ids", dead).
			Msg("dead link repair failed")
		return
	}
	g.metrics.repaired(n)
	log.FromCtx(ctx).Info().
		Str("user_id", userID).
		Int("dead", len(dead)).
		Int("repaired", n).
		Msg("removed dead links")
}
