package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lazypower/engram/internal/log"
	"github.com/lazypower/engram/internal/store"
)

// SearchRequest controls a search.
type SearchRequest struct {
	Embedding     []float64
	MinImportance float64
	MaxResults    int // 0 uses the configured default
	// SimilarityFloor is passed to the index. 0 uses the configured default.
	SimilarityFloor float64
}

// Result is one ranked search result.
type Result struct {
	Memory store.Memory `json:"memory"`
	Direct bool         `json:"direct"`
	// Similarity is set for direct hits.
	Similarity float64 `json:"similarity,omitempty"`
	// Expansion hits record how they were reached.
	Depth int        `json:"depth,omitempty"`
	From  string     `json:"from,omitempty"`
	Via   store.Link `json:"via,omitzero"`
	Rank  float64    `json:"rank"`
}

// SearchResult is the outcome of a search. A search that could not reach
// the similarity index is Degraded with no results and a nil error.
type SearchResult struct {
	Results           []Result `json:"results"`
	Degraded          bool     `json:"degraded,omitempty"`
	IndexError        error    `json:"-"`
	ExpansionTimedOut bool     `json:"expansion_timed_out,omitempty"`
}

// Retriever answers similarity queries, expands them through the link graph,
// ranks, and reinforces what it returns.
type Retriever struct {
	db       *store.DB
	index    SimilarityIndex
	graph    *Graph
	archiver *Archiver
	metrics  *Metrics
	opts     Options
	now      func() time.Time
}

// NewRetriever creates a Retriever.
func NewRetriever(db *store.DB, index SimilarityIndex, graph *Graph, archiver *Archiver, metrics *Metrics, opts Options) *Retriever {
	return &Retriever{
		db:       db,
		index:    index,
		graph:    graph,
		archiver: archiver,
		metrics:  metrics,
		opts:     opts,
		now:      time.Now,
	}
}

// Search runs a ranked retrieval for userID.
func (r *Retriever) Search(ctx context.Context, userID string, req SearchRequest) (*SearchResult, error) {
	start := r.now()
	res, err := r.search(ctx, userID, req)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res.Degraded:
		outcome = "degraded"
	case res.ExpansionTimedOut:
		outcome = "expansion_timeout"
	}
	r.metrics.search(outcome, r.now().Sub(start))
	return res, err
}

func (r *Retriever) search(ctx context.Context, userID string, req SearchRequest) (*SearchResult, error) {
	logger := log.FromCtx(ctx)

	floor := req.SimilarityFloor
	if floor == 0 {
		floor = r.opts.SimilarityFloor
	}
	limit := req.MaxResults
	if limit <= 0 {
		limit = r.opts.MaxResults
	}

	matches, err := r.index.Query(ctx, userID, req.Embedding, floor)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("similarity index unavailable")
		return &SearchResult{Degraded: true, IndexError: err}, nil
	}
	if len(matches) == 0 {
		return &SearchResult{}, nil
	}

	day, err := r.db.CurrentActivityDay(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.MemoryID
	}
	found, err := r.db.GetMemories(ctx, userID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Memory, len(found))
	for i := range found {
		byID[found[i].ID] = &found[i]
	}

	res := &SearchResult{}
	best := map[string]Result{}

	var direct []*store.Memory
	for _, match := range matches {
		m, ok := byID[match.MemoryID]
		if !ok {
			continue
		}
		keep, err := r.eligible(ctx, m, day, req.MinImportance)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		direct = append(direct, m)
		best[m.ID] = Result{
			Memory:     *m,
			Direct:     true,
			Similarity: match.Similarity,
			Rank:       r.rank(typePriorityDirect, match.Similarity, m.ImportanceScore),
		}
	}

	expanded, timedOut, err := r.expand(ctx, userID, direct, day, req.MinImportance)
	if err != nil {
		return nil, err
	}
	if timedOut {
		res.ExpansionTimedOut = true
		logger.Warn().Str("user_id", userID).Dur("timeout", r.opts.ExpansionTimeout).
			Msg("graph expansion timed out, returning direct hits")
	} else {
		for _, e := range expanded {
			if cur, ok := best[e.Memory.ID]; ok && (cur.Direct || cur.Rank >= e.Rank) {
				continue
			}
			best[e.Memory.ID] = e
		}
	}

	results := make([]Result, 0, len(best))
	for _, v := range best {
		results = append(results, v)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Rank != results[j].Rank {
			return results[i].Rank > results[j].Rank
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	// Retrieval is the reinforcement signal.
	touched := results[:0]
	for _, v := range results {
		m, _, err := r.archiver.Touch(ctx, userID, v.Memory.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("touch %s: %w", v.Memory.ID, err)
		}
		v.Memory = *m
		touched = append(touched, v)
	}
	res.Results = touched
	return res, nil
}

// eligible brings a stale score up to date and reports whether m may be
// returned.
func (r *Retriever) eligible(ctx context.Context, m *store.Memory, day int64, minImportance float64) (bool, error) {
	if m.Archived {
		return false, nil
	}
	if r.stale(m, day) {
		if _, err := r.archiver.Rescore(ctx, m, day, triggerStale); err != nil {
			return false, err
		}
	}
	if m.Archived || m.ImportanceScore <= ArchiveThreshold {
		return false, nil
	}
	return m.ImportanceScore >= minImportance, nil
}

// stale reports whether m's stored score predates the current activity day,
// or predates TemporalRefresh for a memory whose score moves with the clock.
func (r *Retriever) stale(m *store.Memory, day int64) bool {
	if m.ScoredActivityDay < day {
		return true
	}
	if m.HappensAt == nil && m.ExpiresAt == nil {
		return false
	}
	return m.ScoredAt == nil || r.now().Sub(*m.ScoredAt) > r.opts.TemporalRefresh
}

// expand traverses from each direct hit under ExpansionTimeout. On timeout
// the partial expansion is discarded.
func (r *Retriever) expand(ctx context.Context, userID string, direct []*store.Memory, day int64, minImportance float64) ([]Result, bool, error) {
	if r.opts.ExpansionDepth <= 0 || len(direct) == 0 {
		return nil, false, nil
	}

	expCtx, cancel := context.WithTimeout(ctx, r.opts.ExpansionTimeout)
	defer cancel()

	var out []Result
	for _, d := range direct {
		hits, err := r.graph.Traverse(expCtx, userID, d.ID, r.opts.ExpansionDepth)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			if expCtx.Err() != nil {
				return nil, true, nil
			}
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, false, err
		}

		for _, h := range hits {
			m := h.Memory
			keep, err := r.eligible(expCtx, &m, day, minImportance)
			if err != nil {
				if expCtx.Err() != nil && ctx.Err() == nil {
					return nil, true, nil
				}
				return nil, false, err
			}
			if !keep {
				continue
			}
			out = append(out, Result{
				Memory: m,
				Depth:  h.Depth,
				From:   h.From,
				Via:    h.Via,
				Rank:   r.rank(typePriority(h.Via.Type), confidenceTerm(h.Via), m.ImportanceScore),
			})
		}
	}
	if expCtx.Err() != nil && ctx.Err() == nil {
		return nil, true, nil
	}
	return out, false, nil
}

func (r *Retriever) rank(priority, confidence, importance float64) float64 {
	w := r.opts.Weights
	return w.Type*priority + w.Confidence*confidence + w.Importance*importance
}

const typePriorityDirect = 1.0

// typePriority orders link kinds for reranking.
func typePriority(t store.LinkType) float64 {
	switch t.Kind {
	case store.KindConflicts, store.KindInvalidatedBy:
		return 0.9
	case store.KindSupersedes:
		return 0.75
	case store.KindCauses, store.KindMotivatedBy:
		return 0.6
	case store.KindInstanceOf, store.KindWasContextFor:
		return 0.45
	case store.KindSharesEntity:
		return 0.3
	default:
		return 0
	}
}

// confidenceTerm is the classifier confidence for classified links. Structural
// links carry none and count as certain.
func confidenceTerm(l store.Link) float64 {
	if l.Type.Kind.Structural() {
		return 1.0
	}
	return l.Confidence
}
