package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/engram/internal/log"
	"github.com/lazypower/engram/internal/store"
)

// Rescore triggers, used as the metrics label.
const (
	triggerAccess = "access"
	triggerSweep  = "sweep"
	triggerStale  = "stale"
)

// Outcome is the result of rescoring one memory.
type Outcome struct {
	Breakdown ScoreBreakdown
	Archived  bool
}

// SweepReport summarizes one user's rescoring pass.
type SweepReport struct {
	UserID   string `json:"user_id"`
	Scanned  int    `json:"scanned"`
	Archived int    `json:"archived"`
	Err      error  `json:"-"`
}

// Archiver recomputes scores and moves memories whose score has decayed to
// the threshold out of the active set.
type Archiver struct {
	db      *store.DB
	metrics *Metrics
	opts    Options
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewArchiver creates an Archiver.
func NewArchiver(db *store.DB, metrics *Metrics, opts Options) *Archiver {
	return &Archiver{
		db:      db,
		metrics: metrics,
		opts:    opts,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Rescore recomputes m against currentDay, persists the score, and archives
// m if it fell to the threshold. m is updated in place.
func (a *Archiver) Rescore(ctx context.Context, m *store.Memory, currentDay int64, trigger string) (Outcome, error) {
	return a.rescore(ctx, m, currentDay, trigger, true)
}

// Touch records an access to an explicitly requested memory and rescores it.
// An archived memory is restored first; it is not re-archived by this call
// even if its score is still at the threshold, leaving that to the next
// sweep.
func (a *Archiver) Touch(ctx context.Context, userID, id string) (*store.Memory, Outcome, error) {
	day, err := a.db.CurrentActivityDay(ctx, userID)
	if err != nil {
		return nil, Outcome{}, err
	}
	m, err := a.db.GetMemory(ctx, userID, id)
	if err != nil {
		return nil, Outcome{}, err
	}

	revived := m.Archived
	if revived {
		if _, err := a.db.Restore(ctx, userID, id, day); err != nil {
			return nil, Outcome{}, err
		}
		a.metrics.revive()
		log.FromCtx(ctx).Info().Str("user_id", userID).Str("memory_id", id).Msg("revived")
	}

	m, err = a.db.RecordAccess(ctx, userID, id, day)
	if err != nil {
		return nil, Outcome{}, err
	}
	out, err := a.rescore(ctx, m, day, triggerAccess, !revived)
	if err != nil {
		return nil, Outcome{}, err
	}
	return m, out, nil
}

func (a *Archiver) rescore(ctx context.Context, m *store.Memory, currentDay int64, trigger string, allowArchive bool) (Outcome, error) {
	now := a.now()
	b := Score(scoreInput(m, currentDay, now))
	a.metrics.rescored(trigger, b)
	if b.Clamped {
		log.FromCtx(ctx).Warn().
			Str("user_id", m.UserID).
			Str("memory_id", m.ID).
			Float64("raw", b.Raw).
			Msg("score out of range, clamped")
	}

	if err := a.db.UpdateScore(ctx, m.UserID, m.ID, b.Score, currentDay, now); err != nil {
		return Outcome{}, err
	}
	m.ImportanceScore = b.Score
	m.ScoredActivityDay = currentDay
	m.ScoredAt = &now

	out := Outcome{Breakdown: b}
	if !allowArchive || m.Archived || b.Score > ArchiveThreshold {
		return out, nil
	}

	archived, err := a.db.ArchiveIfBelow(ctx, m.UserID, m.ID, ArchiveThreshold)
	if err != nil {
		return out, err
	}
	if archived {
		m.Archived = true
		m.ArchivedAt = &now
		out.Archived = true
		a.metrics.archive()
		log.FromCtx(ctx).Info().
			Str("user_id", m.UserID).
			Str("memory_id", m.ID).
			Bool("expired", b.Expired).
			Msg("archived")
	}
	return out, nil
}

// SweepUser rescores the user's memories that have gone idle for
// SweepIdleDays or carry a temporal field. Each rescore stands alone, so a
// cancelled sweep leaves consistent state and the next one picks up the rest.
func (a *Archiver) SweepUser(ctx context.Context, userID string) (SweepReport, error) {
	report := SweepReport{UserID: userID}

	day, err := a.db.CurrentActivityDay(ctx, userID)
	if err != nil {
		return report, err
	}
	candidates, err := a.db.ListSweepCandidates(ctx, userID, day, a.opts.SweepIdleDays)
	if err != nil {
		return report, err
	}

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		out, err := a.Rescore(ctx, &candidates[i], day, triggerSweep)
		if err != nil {
			return report, fmt.Errorf("sweep %s: %w", userID, err)
		}
		report.Scanned++
		if out.Archived {
			report.Archived++
		}
	}
	return report, nil
}

// SweepAll sweeps every user, SweepConcurrency at a time. A failing user is
// logged and reported; it does not stop the others.
func (a *Archiver) SweepAll(ctx context.Context) ([]SweepReport, error) {
	start := a.now()
	users, err := a.db.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]SweepReport, len(users))
	var g errgroup.Group
	g.SetLimit(max(1, a.opts.SweepConcurrency))
	for i, userID := range users {
		g.Go(func() error {
			r, err := a.SweepUser(ctx, userID)
			if err != nil {
				r.Err = err
				log.FromCtx(ctx).Error().Err(err).Str("user_id", userID).Msg("sweep failed")
			}
			reports[i] = r
			return nil
		})
	}
	g.Wait()

	a.metrics.sweep(a.now().Sub(start))
	return reports, ctx.Err()
}

// Start runs a sweep immediately and then every SweepInterval until Stop or
// ctx is done.
func (a *Archiver) Start(ctx context.Context) {
	a.runSweep(ctx)

	go func() {
		ticker := time.NewTicker(a.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.runSweep(ctx)
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the scheduled sweeps.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Archiver) runSweep(ctx context.Context) {
	reports, err := a.SweepAll(ctx)
	if err != nil {
		log.FromCtx(ctx).Warn().Err(err).Msg("sweep interrupted")
		return
	}
	scanned, archived := 0, 0
	for _, r := range reports {
		scanned += r.Scanned
		archived += r.Archived
	}
	if scanned > 0 {
		log.FromCtx(ctx).Info().
			Int("users", len(reports)).
			Int("rescored", scanned).
			Int("archived", archived).
			Msg("sweep complete")
	}
}

func scoreInput(m *store.Memory, currentDay int64, now time.Time) ScoreInput {
	return ScoreInput{
		AccessCount:   m.AccessCount,
		CreatedDay:    m.CreatedActivityDay,
		LastAccessDay: m.LastAccessedActivityDay,
		CurrentDay:    currentDay,
		Inbound:       len(m.InboundLinks),
		HappensAt:     m.HappensAt,
		ExpiresAt:     m.ExpiresAt,
		Now:           now,
	}
}
