package engine

import (
	"math"
	"time"
)

// Scoring constants.
const (
	// ArchiveThreshold is the score at or below which a memory leaves the
	// active set.
	ArchiveThreshold = 0.001

	// ExpiryGrace is how long past expires_at a memory keeps a nonzero score.
	ExpiryGrace = 5 * 24 * time.Hour

	accessDecayPerDay = 0.95
	minRateWindowDays = 7.0
	rateScale         = 0.02
	valueWeight       = 0.8
	recencyPerDay     = 0.03
	sigmoidOffset     = 2.0
)

// ScoreInput is everything the importance formula reads. The caller supplies
// the current activity day and wall-clock time, so the formula itself holds
// no state.
type ScoreInput struct {
	AccessCount   int
	CreatedDay    int64
	LastAccessDay int64
	CurrentDay    int64
	Inbound       int
	HappensAt     *time.Time
	ExpiresAt     *time.Time
	Now           time.Time
}

// ScoreBreakdown is the result of Score with every intermediate term.
type ScoreBreakdown struct {
	Value    float64 `json:"value"`
	Hub      float64 `json:"hub"`
	Recency  float64 `json:"recency"`
	Temporal float64 `json:"temporal"`
	Ceiling  float64 `json:"ceiling"`
	Raw      float64 `json:"raw"`
	Score    float64 `json:"score"`
	Expired  bool    `json:"expired,omitempty"`
	// Clamped is set when the formula produced a value outside [0,1] and
	// Score was forced back into range.
	Clamped bool `json:"clamped,omitempty"`
}

// Score computes a memory's importance.
func Score(in ScoreInput) ScoreBreakdown {
	ceiling := expiryCeiling(in.ExpiresAt, in.Now)
	if ceiling == 0 {
		return ScoreBreakdown{Expired: true}
	}

	sinceAccess := nonNegative(in.CurrentDay - in.LastAccessDay)
	sinceCreate := nonNegative(in.CurrentDay - in.CreatedDay)

	b := ScoreBreakdown{
		Value:    valueScore(in.AccessCount, sinceAccess, sinceCreate),
		Hub:      hubScore(in.Inbound),
		Recency:  recencyBoost(sinceAccess),
		Temporal: temporalMultiplier(in.HappensAt, in.Now),
		Ceiling:  ceiling,
	}
	b.Raw = (b.Value + b.Hub) * b.Recency * b.Temporal

	s := round3(sigmoid(b.Raw-sigmoidOffset) * ceiling)
	if math.IsNaN(s) || s < 0 || s > 1 {
		b.Clamped = true
		switch {
		case math.IsNaN(s), s < 0:
			s = 0
		default:
			s = 1
		}
	}
	b.Score = s
	return b
}

// valueScore is access momentum: accesses decay 5% per idle activity day and
// are spread over at least a week of the memory's life.
func valueScore(accessCount int, sinceAccess, sinceCreate float64) float64 {
	effective := float64(accessCount) * math.Pow(accessDecayPerDay, sinceAccess)
	rate := effective / math.Max(minRateWindowDays, sinceCreate)
	return math.Log1p(rate/rateScale) * valueWeight
}

// hubScore rewards inbound links linearly up to ten, with diminishing
// returns beyond.
func hubScore(inbound int) float64 {
	switch {
	case inbound <= 0:
		return 0
	case inbound <= 10:
		return float64(inbound) * 0.04
	default:
		extra := float64(inbound - 10)
		return 0.4 + extra*0.02/(1+extra*0.05)
	}
}

// recencyBoost approaches zero as a memory goes unaccessed but never reaches it.
func recencyBoost(sinceAccess float64) float64 {
	return 1 / (1 + sinceAccess*recencyPerDay)
}

// temporalMultiplier boosts upcoming events and fades past ones, on calendar
// time.
func temporalMultiplier(happensAt *time.Time, now time.Time) float64 {
	if happensAt == nil {
		return 1.0
	}
	if !happensAt.Before(now) {
		until := happensAt.Sub(now).Hours() / 24
		switch {
		case until <= 1:
			return 2.0
		case until <= 7:
			return 1.5
		case until <= 14:
			return 1.2
		default:
			return 1.0
		}
	}
	since := now.Sub(*happensAt).Hours() / 24
	if since <= 14 {
		return 0.8*(1-since/14) + 0.1
	}
	return 0.1
}

// expiryCeiling is 1 until expires_at, then falls linearly to 0 across the
// grace window. Zero means the memory is expired outright.
func expiryCeiling(expiresAt *time.Time, now time.Time) float64 {
	if expiresAt == nil || !now.After(*expiresAt) {
		return 1.0
	}
	since := now.Sub(*expiresAt)
	if since >= ExpiryGrace {
		return 0
	}
	return 1 - float64(since)/float64(ExpiryGrace)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

func nonNegative(d int64) float64 {
	if d < 0 {
		return 0
	}
	return float64(d)
}
