package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/engram/internal/store"
)

var (
	east  = []float64{1, 0}
	north = []float64{0, 1}
)

type failingIndex struct{ err error }

func (f failingIndex) Query(context.Context, string, []float64, float64) ([]Match, error) {
	return nil, f.err
}

func resultIDs(rs []Result) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.Memory.ID
	}
	return ids
}

func TestSearchDirectAndExpanded(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	activeUntil(t, e, "u1", 1)
	a := mustIngest(t, e, "u1", Extraction{Text: "postgres is slow", Embedding: east})
	b := mustIngest(t, e, "u1", Extraction{Text: "missing index on orders", Embedding: north})
	mustLink(t, e, "u1", a.ID, b.ID, store.Causes, 0.9)

	res, err := e.Search(ctx, "u1", SearchRequest{Embedding: east})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Degraded)
	assert.False(t, res.ExpansionTimedOut)

	direct, expanded := res.Results[0], res.Results[1]
	assert.Equal(t, a.ID, direct.Memory.ID)
	assert.True(t, direct.Direct)
	assert.InDelta(t, 1.0, direct.Similarity, 1e-12)
	assert.InDelta(t, 0.4+0.2+0.4*0.5, direct.Rank, 1e-9)

	assert.Equal(t, b.ID, expanded.Memory.ID)
	assert.False(t, expanded.Direct)
	assert.Equal(t, 1, expanded.Depth)
	assert.Equal(t, a.ID, expanded.From)
	assert.Equal(t, store.Causes, expanded.Via.Type)
	assert.InDelta(t, 0.4*0.6+0.2*0.9+0.4*0.5, expanded.Rank, 1e-9)

	for _, r := range res.Results {
		assert.Equal(t, 1, r.Memory.AccessCount, "returned memories are touched")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.searches.WithLabelValues("ok")))
}

func TestSearchExcludesArchivedAndExpired(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	live := mustIngest(t, e, "u1", Extraction{Text: "live", Embedding: east})
	parked := mustIngest(t, e, "u1", Extraction{Text: "parked", Embedding: east})
	require.NoError(t, e.Archive(ctx, "u1", parked.ID))
	gone := mustIngest(t, e, "u1", Extraction{Text: "gone", Embedding: east, ExpiresAt: daysAgo(10)})

	res, err := e.Search(ctx, "u1", SearchRequest{Embedding: east})
	require.NoError(t, err)
	assert.Equal(t, []string{live.ID}, resultIDs(res.Results))

	got, err := e.DB.GetMemory(ctx, "u1", gone.ID)
	require.NoError(t, err)
	assert.Equal(t, store.Archived, got.Lifecycle(), "stale expired memory archived on read")
	assert.Zero(t, got.AccessCount)
}

func TestSearchRefreshesStaleScores(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	activeUntil(t, e, "u1", 1)
	old := mustIngest(t, e, "u1", Extraction{Text: "old", Embedding: east})
	activeUntil(t, e, "u1", 5)
	fresh := mustIngest(t, e, "u1", Extraction{Text: "fresh", Embedding: east})

	res, err := e.Search(ctx, "u1", SearchRequest{Embedding: east, MinImportance: 0.3})
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, resultIDs(res.Results))

	got, err := e.DB.GetMemory(ctx, "u1", old.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.ScoredActivityDay)
	assert.Less(t, got.ImportanceScore, 0.3)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.rescores.WithLabelValues(triggerStale)))
}

func TestSearchDegradedWithoutIndex(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	boom := errors.New("index offline")
	e := New(testDB(t), Deps{Index: failingIndex{err: boom}, Metrics: metrics}, DefaultOptions())
	mustIngest(t, e, "u1", Extraction{Text: "unreachable", Embedding: east})

	res, err := e.Search(context.Background(), "u1", SearchRequest{Embedding: east})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.ErrorIs(t, res.IndexError, boom)
	assert.Empty(t, res.Results)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.searches.WithLabelValues("degraded")))
}

func TestSearchEmptyEmbeddingIsDegraded(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Search(context.Background(), "u1", SearchRequest{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}

func TestSearchExpansionTimeout(t *testing.T) {
	e := newTestEngine(t, func(o *Options) { o.ExpansionTimeout = -1 })
	ctx := context.Background()
	a := mustIngest(t, e, "u1", Extraction{Text: "a", Embedding: east})
	b := mustIngest(t, e, "u1", Extraction{Text: "b", Embedding: north})
	mustLink(t, e, "u1", a.ID, b.ID, store.Causes, 0.9)

	res, err := e.Search(ctx, "u1", SearchRequest{Embedding: east})
	require.NoError(t, err)
	assert.True(t, res.ExpansionTimedOut)
	assert.Equal(t, []string{a.ID}, resultIDs(res.Results))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics.searches.WithLabelValues("expansion_timeout")))

	got, err := e.DB.GetMemory(ctx, "u1", b.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AccessCount, "discarded expansion is not touched")
}

func TestSearchRanksByLinkType(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustIngest(t, e, "u1", Extraction{Text: "a", Embedding: east})
	b := mustIngest(t, e, "u1", Extraction{Text: "b", Embedding: north})
	c := mustIngest(t, e, "u1", Extraction{Text: "c", Embedding: north})
	mustLink(t, e, "u1", a.ID, c.ID, store.SharesEntity("postgres"), 0)
	mustLink(t, e, "u1", a.ID, b.ID, store.Conflicts, 0.8)

	res, err := e.Search(ctx, "u1", SearchRequest{Embedding: east})
	require.NoError(t, err)
	require.Equal(t, []string{a.ID, b.ID, c.ID}, resultIDs(res.Results))
	assert.InDelta(t, 0.4*0.9+0.2*0.8+0.4*0.5, res.Results[1].Rank, 1e-9)
	assert.InDelta(t, 0.4*0.3+0.2*1.0+0.4*0.5, res.Results[2].Rank, 1e-9)
}

func TestSearchDirectBeatsExpansion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	a := mustIngest(t, e, "u1", Extraction{Text: "a", Embedding: east})
	b := mustIngest(t, e, "u1", Extraction{Text: "b", Embedding: []float64{0.9, 0.1}})
	mustLink(t, e, "u1", a.ID, b.ID, store.Conflicts, 1.0)

	res, err := e.Search(ctx, "u1", SearchRequest{Embedding: east})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		assert.True(t, r.Direct, r.Memory.Text)
		assert.Equal(t, 1, r.Memory.AccessCount, "touched once")
	}
}

func TestSearchMaxResults(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	best := mustIngest(t, e, "u1", Extraction{Text: "best", Embedding: east})
	good := mustIngest(t, e, "u1", Extraction{Text: "good", Embedding: []float64{0.9, 0.2}})
	ok := mustIngest(t, e, "u1", Extraction{Text: "ok", Embedding: []float64{0.7, 0.5}})

	res, err := e.Search(ctx, "u1", SearchRequest{Embedding: east, MaxResults: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{best.ID, good.ID}, resultIDs(res.Results))

	got, err := e.DB.GetMemory(ctx, "u1", ok.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AccessCount, "truncated results are not reinforced")
}

func TestSearchIsPerUser(t *testing.T) {
	e := newTestEngine(t)
	mustIngest(t, e, "alice", Extraction{Text: "private", Embedding: east})

	res, err := e.Search(context.Background(), "bob", SearchRequest{Embedding: east})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestTypePriority(t *testing.T) {
	tests := []struct {
		t    store.LinkType
		want float64
	}{
		{store.Conflicts, 0.9},
		{store.InvalidatedBy, 0.9},
		{store.Supersedes, 0.75},
		{store.Causes, 0.6},
		{store.MotivatedBy, 0.6},
		{store.InstanceOf, 0.45},
		{store.WasContextFor, 0.45},
		{store.SharesEntity("go"), 0.3},
		{store.LinkType{}, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, typePriority(tt.t), tt.t.Kind.String())
		assert.Less(t, typePriority(tt.t), typePriorityDirect)
	}
}

func TestConfidenceTerm(t *testing.T) {
	assert.Equal(t, 0.8, confidenceTerm(store.Link{Type: store.Causes, Confidence: 0.8}))
	assert.Equal(t, 1.0, confidenceTerm(store.Link{Type: store.SharesEntity("go")}))
	assert.Equal(t, 1.0, confidenceTerm(store.Link{Type: store.WasContextFor}))
}
