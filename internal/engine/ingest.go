package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/engram/internal/log"
	"github.com/lazypower/engram/internal/store"
)

// ErrEmptyText is returned when an extraction carries no text.
var ErrEmptyText = errors.New("memory text is empty")

// LinkProposal is a link suggested by the extractor. Type is the raw tag;
// an empty or "null" tag means no link. The new memory is always the source.
type LinkProposal struct {
	TargetID   string  `json:"target_id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Extraction is one memory as delivered by the extractor.
type Extraction struct {
	Text                 string         `json:"text"`
	Embedding            []float64      `json:"embedding,omitempty"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	HappensAt            *time.Time     `json:"happens_at,omitempty"`
	Links                []LinkProposal `json:"links,omitempty"`
	ConsolidationTargets []string       `json:"consolidation_targets,omitempty"`
}

// RejectedLink is a proposal that could not be written.
type RejectedLink struct {
	Proposal LinkProposal
	Err      error
}

// IngestResult reports what CreateMemory did with an extraction.
type IngestResult struct {
	Memory       *store.Memory
	Linked       int
	Dropped      int
	Rejected     []RejectedLink
	Consolidated *store.ConsolidateResult
}

// Ingest materializes extractions: the memory, its proposed links, and any
// consolidation it absorbs.
type Ingest struct {
	db       *store.DB
	graph    *Graph
	embedder Embedder
	metrics  *Metrics
	opts     Options
}

// NewIngest creates an Ingest. embedder may be nil.
func NewIngest(db *store.DB, graph *Graph, embedder Embedder, metrics *Metrics, opts Options) *Ingest {
	return &Ingest{db: db, graph: graph, embedder: embedder, metrics: metrics, opts: opts}
}

// CreateMemory stores the extraction as a new memory for userID. Bad link
// proposals never prevent the memory from being created; they are logged
// and listed in the result.
func (in *Ingest) CreateMemory(ctx context.Context, userID string, ex Extraction) (*IngestResult, error) {
	logger := log.FromCtx(ctx)

	ex, truncated, err := normalizeExtraction(ex)
	if err != nil {
		return nil, err
	}
	if truncated {
		logger.Info().Str("user_id", userID).Int("max_chars", maxTextChars).Msg("truncated memory text")
	}
	text := ex.Text

	embedding := ex.Embedding
	if len(embedding) == 0 && in.embedder != nil {
		vec, err := in.embedder.Embed(ctx, text)
		if err != nil {
			logger.Warn().Err(err).Str("user_id", userID).Msg("embed failed, storing without vector")
		} else {
			embedding = vec
		}
	}

	m, err := in.db.CreateMemory(ctx, store.NewMemory{
		UserID:    userID,
		Text:      text,
		Embedding: embedding,
		ExpiresAt: ex.ExpiresAt,
		HappensAt: ex.HappensAt,
	})
	if err != nil {
		return nil, err
	}
	res := &IngestResult{Memory: m}

	for _, p := range ex.Links {
		req, keep, err := in.materialize(m.ID, p)
		if err == nil && keep {
			err = in.graph.Link(ctx, userID, req)
		}
		switch {
		case err != nil:
			if errors.Is(err, store.ErrNotFound) {
				in.metrics.linkRejected("unknown_target")
			} else if !errors.Is(err, ErrInvalidLinkProposal) {
				return res, fmt.Errorf("link %s -> %s: %w", m.ID, p.TargetID, err)
			}
			logger.Warn().Err(err).
				Str("user_id", userID).
				Str("memory_id", m.ID).
				Str("target_id", p.TargetID).
				Str("type", p.Type).
				Msg("link proposal rejected")
			res.Rejected = append(res.Rejected, RejectedLink{Proposal: p, Err: err})
		case !keep:
			logger.Debug().
				Str("memory_id", m.ID).
				Str("target_id", p.TargetID).
				Str("type", p.Type).
				Float64("confidence", p.Confidence).
				Msg("link proposal dropped")
			res.Dropped++
		default:
			res.Linked++
		}
	}

	if len(ex.ConsolidationTargets) > 0 {
		cr, err := in.db.Consolidate(ctx, userID, m.ID, ex.ConsolidationTargets, text)
		if err != nil {
			return res, err
		}
		res.Consolidated = cr
		res.Memory = cr.Target
		logger.Info().
			Str("user_id", userID).
			Str("memory_id", m.ID).
			Strs("absorbed", cr.Removed).
			Int("links_moved", cr.LinksMoved).
			Msg("consolidated")
	} else if len(ex.Links) > 0 {
		if m, err = in.db.GetMemory(ctx, userID, m.ID); err != nil {
			return res, err
		}
		res.Memory = m
	}
	return res, nil
}

// materialize turns a proposal into a link request. keep is false for
// proposals that are dropped silently: a null type, or a classified type
// below the confidence floor.
func (in *Ingest) materialize(sourceID string, p LinkProposal) (LinkRequest, bool, error) {
	t, err := store.ParseLinkType(p.Type)
	if err != nil {
		in.metrics.linkRejected("invalid")
		return LinkRequest{}, false, fmt.Errorf("%w: %v", ErrInvalidLinkProposal, err)
	}
	if t.IsZero() {
		return LinkRequest{}, false, nil
	}

	req := LinkRequest{
		SourceID:   sourceID,
		TargetID:   p.TargetID,
		Type:       t,
		Confidence: p.Confidence,
		Reasoning:  p.Reasoning,
	}
	if err := req.validate(); err != nil {
		in.metrics.linkRejected("invalid")
		return LinkRequest{}, false, err
	}
	if !t.Kind.Structural() && p.Confidence < in.opts.MinLinkConfidence {
		in.metrics.linkRejected("low_confidence")
		return LinkRequest{}, false, nil
	}
	return req, true, nil
}
