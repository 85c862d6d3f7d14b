package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var scoringNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := scoringNow.Add(d)
	return &t
}

func TestScoreUntouchedMemory(t *testing.T) {
	b := Score(ScoreInput{CurrentDay: 3, CreatedDay: 3, LastAccessDay: 3, Now: scoringNow})

	assert.Zero(t, b.Value)
	assert.Zero(t, b.Hub)
	assert.Equal(t, 1.0, b.Recency)
	assert.Equal(t, 1.0, b.Temporal)
	assert.Equal(t, 0.119, b.Score)
	assert.False(t, b.Clamped)
}

func TestScoreDecay(t *testing.T) {
	b := Score(ScoreInput{
		AccessCount:   1,
		CreatedDay:    0,
		LastAccessDay: 0,
		CurrentDay:    60,
		Now:           scoringNow,
	})

	wantValue := math.Log(1+(math.Pow(0.95, 60)/60)/0.02) * 0.8
	assert.InDelta(t, wantValue, b.Value, 1e-12)
	assert.Less(t, b.Value, 0.05)
	assert.InDelta(t, 1/(1+60*0.03), b.Recency, 1e-12)
	assert.Less(t, b.Score, 0.3)
}

func TestScoreActiveMemoryRanksHigher(t *testing.T) {
	idle := Score(ScoreInput{AccessCount: 3, CreatedDay: 0, LastAccessDay: 0, CurrentDay: 30, Now: scoringNow})
	busy := Score(ScoreInput{AccessCount: 30, CreatedDay: 0, LastAccessDay: 29, CurrentDay: 30, Inbound: 4, Now: scoringNow})
	assert.Greater(t, busy.Score, idle.Score)
}

func TestScoreExpired(t *testing.T) {
	b := Score(ScoreInput{
		AccessCount:   500,
		CurrentDay:    10,
		CreatedDay:    9,
		LastAccessDay: 10,
		Inbound:       50,
		HappensAt:     at(2 * time.Hour),
		ExpiresAt:     at(-10 * 24 * time.Hour),
		Now:           scoringNow,
	})
	assert.Equal(t, 0.0, b.Score)
	assert.True(t, b.Expired)
}

func TestScoreExpiryGraceWindow(t *testing.T) {
	base := ScoreInput{AccessCount: 20, CurrentDay: 5, CreatedDay: 0, LastAccessDay: 5, Now: scoringNow}
	full := Score(base)

	base.ExpiresAt = at(-1 * time.Hour)
	justExpired := Score(base)

	base.ExpiresAt = at(-4*24*time.Hour - 23*time.Hour)
	almostGone := Score(base)

	assert.LessOrEqual(t, justExpired.Score, full.Score)
	assert.Less(t, almostGone.Score, justExpired.Score)
	assert.LessOrEqual(t, almostGone.Score, 0.01)
	assert.False(t, almostGone.Expired)

	base.ExpiresAt = at(24 * time.Hour)
	assert.Equal(t, full.Score, Score(base).Score, "future expiry has no effect")
}

func TestHubScore(t *testing.T) {
	assert.Zero(t, hubScore(0))
	assert.InDelta(t, 0.04, hubScore(1), 1e-12)
	assert.InDelta(t, 0.4, hubScore(10), 1e-12)
	assert.InDelta(t, 0.4+0.02/1.05, hubScore(11), 1e-12)

	// Diminishing returns past ten links.
	assert.Less(t, hubScore(11)-hubScore(10), hubScore(2)-hubScore(1))
	assert.Less(t, hubScore(50), 5*hubScore(5))
}

func TestHubScoreSaturation(t *testing.T) {
	in := ScoreInput{AccessCount: 2, CurrentDay: 4, Now: scoringNow}
	in.Inbound = 5
	five := Score(in)
	in.Inbound = 50
	fifty := Score(in)

	assert.Less(t, fifty.Hub, 5*five.Hub)
	assert.Greater(t, fifty.Score, five.Score)
}

func TestRecencyBoost(t *testing.T) {
	assert.Equal(t, 1.0, recencyBoost(0))
	assert.Greater(t, recencyBoost(10000), 0.0)
	assert.Less(t, recencyBoost(31), recencyBoost(30))
}

func TestTemporalMultiplier(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		name      string
		happensAt *time.Time
		want      float64
	}{
		{"none", nil, 1.0},
		{"in an hour", at(time.Hour), 2.0},
		{"exactly one day", at(day), 2.0},
		{"in three days", at(3 * day), 1.5},
		{"in ten days", at(10 * day), 1.2},
		{"in a month", at(30 * day), 1.0},
		{"just happened", at(0), 2.0},
		{"seven days ago", at(-7 * day), 0.8*0.5 + 0.1},
		{"fourteen days ago", at(-14 * day), 0.1},
		{"long ago", at(-100 * day), 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, temporalMultiplier(tt.happensAt, scoringNow), 1e-9)
		})
	}
}

func TestScoreUpcomingEventBoost(t *testing.T) {
	in := ScoreInput{AccessCount: 1, CurrentDay: 20, CreatedDay: 10, LastAccessDay: 10, Now: scoringNow}
	plain := Score(in)
	in.HappensAt = at(12 * time.Hour)
	soon := Score(in)
	assert.Greater(t, soon.Score, plain.Score)
}

func TestScoreNegativeDeltasClamped(t *testing.T) {
	// A snapshot ahead of the clock is treated as zero elapsed days.
	b := Score(ScoreInput{AccessCount: 1, CurrentDay: 2, CreatedDay: 5, LastAccessDay: 5, Now: scoringNow})
	assert.Equal(t, 1.0, b.Recency)
}

func TestScoreOutOfRangeClamped(t *testing.T) {
	b := Score(ScoreInput{AccessCount: -100, Now: scoringNow})
	assert.True(t, b.Clamped)
	assert.Equal(t, 0.0, b.Score)
}

func TestPropertyScoreInRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		current := rapid.Int64Range(0, 5000).Draw(rt, "current")
		created := rapid.Int64Range(0, current).Draw(rt, "created")
		accessed := rapid.Int64Range(created, current).Draw(rt, "accessed")
		in := ScoreInput{
			AccessCount:   rapid.IntRange(0, 1_000_000).Draw(rt, "accessCount"),
			CreatedDay:    created,
			LastAccessDay: accessed,
			CurrentDay:    current,
			Inbound:       rapid.IntRange(0, 10_000).Draw(rt, "inbound"),
			Now:           scoringNow,
		}
		if rapid.Bool().Draw(rt, "hasHappens") {
			in.HappensAt = at(time.Duration(rapid.Int64Range(-400, 400).Draw(rt, "happensHours")) * time.Hour)
		}
		if rapid.Bool().Draw(rt, "hasExpires") {
			in.ExpiresAt = at(time.Duration(rapid.Int64Range(-400, 400).Draw(rt, "expiresHours")) * time.Hour)
		}

		b := Score(in)
		if b.Score < 0 || b.Score > 1 || math.IsNaN(b.Score) {
			rt.Fatalf("score %v out of range for %+v", b.Score, in)
		}
		if b.Clamped {
			rt.Fatalf("valid input clamped: %+v", in)
		}
		if again := Score(in); again != b {
			rt.Fatalf("not idempotent: %+v then %+v", b, again)
		}
	})
}

func TestPropertyHubMonotone(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 100_000).Draw(rt, "n")
		if hubScore(n+1) < hubScore(n) {
			rt.Fatalf("hub(%d)=%v < hub(%d)=%v", n+1, hubScore(n+1), n, hubScore(n))
		}
		if n >= 10 && hubScore(n+1)-hubScore(n) >= 0.04 {
			rt.Fatalf("no diminishing return at %d", n)
		}
	})
}

func TestPropertyOnlyExpiryArchives(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		current := rapid.Int64Range(0, 100_000).Draw(rt, "current")
		in := ScoreInput{
			AccessCount: rapid.IntRange(0, 1000).Draw(rt, "accessCount"),
			CurrentDay:  current,
			Inbound:     rapid.IntRange(0, 1000).Draw(rt, "inbound"),
			Now:         scoringNow,
		}
		if b := Score(in); b.Score <= ArchiveThreshold {
			rt.Fatalf("non-expiring memory reached archive threshold: %+v", b)
		}
	})
}
