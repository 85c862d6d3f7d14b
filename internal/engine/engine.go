package engine

import (
	"context"
	"time"

	"github.com/lazypower/engram/internal/store"
)

// RankWeights combine the reranking terms.
type RankWeights struct {
	Type       float64
	Confidence float64
	Importance float64
}

// Options tunes the engine. Zero fields are not defaulted; start from
// DefaultOptions.
type Options struct {
	SweepInterval     time.Duration
	SweepIdleDays     int64
	SweepConcurrency  int
	TemporalRefresh   time.Duration
	MinLinkConfidence float64
	ExpansionDepth    int
	ExpansionTimeout  time.Duration
	SimilarityFloor   float64
	MaxResults        int
	Weights           RankWeights
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		SweepInterval:     24 * time.Hour,
		SweepIdleDays:     7,
		SweepConcurrency:  4,
		TemporalRefresh:   time.Hour,
		MinLinkConfidence: 0.7,
		ExpansionDepth:    2,
		ExpansionTimeout:  250 * time.Millisecond,
		SimilarityFloor:   0.3,
		MaxResults:        10,
		Weights:           RankWeights{Type: 0.4, Confidence: 0.2, Importance: 0.4},
	}
}

// Engine composes the scoring, archival, graph, retrieval and ingest
// components over one store.
type Engine struct {
	DB        *store.DB
	Archiver  *Archiver
	Graph     *Graph
	Retriever *Retriever
	Ingest    *Ingest
	Metrics   *Metrics
}

// Deps are the collaborators an Engine is built from. Index defaults to a
// CosineIndex over the store; Embedder and Metrics may be nil.
type Deps struct {
	Index    SimilarityIndex
	Embedder Embedder
	Metrics  *Metrics
}

// New creates an Engine.
func New(db *store.DB, deps Deps, opts Options) *Engine {
	index := deps.Index
	if index == nil {
		index = NewCosineIndex(db)
	}

	archiver := NewArchiver(db, deps.Metrics, opts)
	graph := NewGraph(db, deps.Metrics)
	return &Engine{
		DB:        db,
		Archiver:  archiver,
		Graph:     graph,
		Retriever: NewRetriever(db, index, graph, archiver, deps.Metrics, opts),
		Ingest:    NewIngest(db, graph, deps.Embedder, deps.Metrics, opts),
		Metrics:   deps.Metrics,
	}
}

// RecordActivity marks the user active on at's calendar date.
func (e *Engine) RecordActivity(ctx context.Context, userID string, at time.Time) (int64, error) {
	return e.DB.RecordActivity(ctx, userID, at)
}

// CreateMemory ingests one extraction.
func (e *Engine) CreateMemory(ctx context.Context, userID string, ex Extraction) (*IngestResult, error) {
	return e.Ingest.CreateMemory(ctx, userID, ex)
}

// Touch records a direct access to id, reviving it if archived. Unknown ids
// return store.ErrNotFound.
func (e *Engine) Touch(ctx context.Context, userID, id string) (*store.Memory, error) {
	m, _, err := e.Archiver.Touch(ctx, userID, id)
	return m, err
}

// Search runs a ranked retrieval.
func (e *Engine) Search(ctx context.Context, userID string, req SearchRequest) (*SearchResult, error) {
	return e.Retriever.Search(ctx, userID, req)
}

// Consolidate merges sources into target under mergedText.
func (e *Engine) Consolidate(ctx context.Context, userID, targetID string, sourceIDs []string, mergedText string) (*store.ConsolidateResult, error) {
	return e.DB.Consolidate(ctx, userID, targetID, sourceIDs, mergedText)
}

// Link writes a validated link.
func (e *Engine) Link(ctx context.Context, userID string, req LinkRequest) error {
	return e.Graph.Link(ctx, userID, req)
}

// Traverse walks outbound links from startID.
func (e *Engine) Traverse(ctx context.Context, userID, startID string, maxDepth int) ([]Hit, error) {
	return e.Graph.Traverse(ctx, userID, startID, maxDepth)
}

// Archive moves a memory out of the active set regardless of its score.
func (e *Engine) Archive(ctx context.Context, userID, id string) error {
	return e.DB.Archive(ctx, userID, id)
}

// Restore returns an archived memory to the active set without counting an
// access.
func (e *Engine) Restore(ctx context.Context, userID, id string) (*store.Memory, error) {
	day, err := e.DB.CurrentActivityDay(ctx, userID)
	if err != nil {
		return nil, err
	}
	m, err := e.DB.Restore(ctx, userID, id, day)
	if err != nil {
		return nil, err
	}
	e.Metrics.revive()
	return m, nil
}

// Inspect returns a memory and the score it would have now, without
// recording an access or persisting anything.
func (e *Engine) Inspect(ctx context.Context, userID, id string) (*store.Memory, ScoreBreakdown, error) {
	m, err := e.DB.GetMemory(ctx, userID, id)
	if err != nil {
		return nil, ScoreBreakdown{}, err
	}
	day, err := e.DB.CurrentActivityDay(ctx, userID)
	if err != nil {
		return nil, ScoreBreakdown{}, err
	}
	return m, Score(scoreInput(m, day, time.Now())), nil
}

// SweepAll rescores every user's idle and temporal memories once.
func (e *Engine) SweepAll(ctx context.Context) ([]SweepReport, error) {
	return e.Archiver.SweepAll(ctx)
}

// SweepUser rescores one user's idle and temporal memories once.
func (e *Engine) SweepUser(ctx context.Context, userID string) (SweepReport, error) {
	return e.Archiver.SweepUser(ctx, userID)
}

// Start begins scheduled sweeps.
func (e *Engine) Start(ctx context.Context) {
	e.Archiver.Start(ctx)
}

// Stop shuts down the engine's background goroutines.
func (e *Engine) Stop() {
	e.Archiver.Stop()
}
