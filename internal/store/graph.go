package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AddLinkPair writes the outbound entry on source and the matching inbound
// entry on target in one transaction. An entry with the same peer and type
// already present on a side is left alone; created reports whether either
// side changed.
func (db *DB) AddLinkPair(ctx context.Context, userID, sourceID, targetID string, t LinkType, confidence float64, reasoning string) (created bool, err error) {
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		src, err := getMemory(ctx, tx, userID, sourceID)
		if err != nil {
			return err
		}
		tgt, err := getMemory(ctx, tx, userID, targetID)
		if err != nil {
			return err
		}

		var addedOut, addedIn bool
		src.OutboundLinks, addedOut = appendLink(src.OutboundLinks, Link{
			TargetID: targetID, Type: t, Confidence: confidence, Reasoning: reasoning,
		})
		tgt.InboundLinks, addedIn = appendLink(tgt.InboundLinks, Link{
			TargetID: sourceID, Type: t, Confidence: confidence, Reasoning: reasoning,
		})

		if addedOut {
			if err := writeLinks(ctx, tx, src); err != nil {
				return err
			}
		}
		if addedIn {
			if err := writeLinks(ctx, tx, tgt); err != nil {
				return err
			}
		}
		created = addedOut || addedIn
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("add link %s -> %s: %w", sourceID, targetID, err)
	}
	return created, nil
}

// RemoveLinkPair deletes the outbound entry on source and the inbound entry
// on target. Either side may already be gone.
func (db *DB) RemoveLinkPair(ctx context.Context, userID, sourceID, targetID string, t LinkType) (removed bool, err error) {
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		for _, side := range []struct {
			id, peer string
			out      bool
		}{{sourceID, targetID, true}, {targetID, sourceID, false}} {
			m, err := getMemory(ctx, tx, userID, side.id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var changed bool
			if side.out {
				m.OutboundLinks, changed = removeEdge(m.OutboundLinks, side.peer, t)
			} else {
				m.InboundLinks, changed = removeEdge(m.InboundLinks, side.peer, t)
			}
			if changed {
				removed = true
				if err := writeLinks(ctx, tx, m); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove link %s -> %s: %w", sourceID, targetID, err)
	}
	return removed, nil
}

// RemoveDeadLinks strips every entry that references one of deadIDs from the
// link arrays of the user's memories, in one transaction. Returns the number
// of entries removed.
func (db *DB) RemoveDeadLinks(ctx context.Context, userID string, deadIDs []string) (int, error) {
	if len(deadIDs) == 0 {
		return 0, nil
	}

	dead := make(map[string]bool, len(deadIDs))
	for _, id := range deadIDs {
		dead[id] = true
	}

	removed := 0
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		ph := placeholders(len(deadIDs))
		args := make([]any, 0, 2*len(deadIDs)+1)
		args = append(args, userID)
		for i := 0; i < 2; i++ {
			for _, id := range deadIDs {
				args = append(args, id)
			}
		}

		rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
			SELECT `+memoryColumns+` FROM memories m
			WHERE m.user_id = ? AND (
				EXISTS (SELECT 1 FROM json_each(m.outbound_links) WHERE json_extract(value, '$.target_id') IN (%s))
				OR EXISTS (SELECT 1 FROM json_each(m.inbound_links) WHERE json_extract(value, '$.target_id') IN (%s))
			)
		`, ph, ph), args...)
		if err != nil {
			return fmt.Errorf("find referencing memories: %w", err)
		}
		affected, err := scanMemories(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for i := range affected {
			m := &affected[i]
			var nOut, nIn int
			m.OutboundLinks, nOut = removeLinksTo(m.OutboundLinks, dead)
			m.InboundLinks, nIn = removeLinksTo(m.InboundLinks, dead)
			if nOut+nIn == 0 {
				continue
			}
			if err := writeLinks(ctx, tx, m); err != nil {
				return err
			}
			removed += nOut + nIn
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove dead links: %w", err)
	}
	return removed, nil
}

// ConsolidateResult describes a completed consolidation.
type ConsolidateResult struct {
	Target       *Memory
	Removed      []string
	LinksMoved   int
	LinksDropped int
}

// Consolidate merges sourceIDs into targetID: the target takes mergedText,
// inherits every link of every source (deduplicated by peer and type, with
// the peer side rewritten to point at the target), and the sources are
// deleted. Links among the merged set would become self links and are
// dropped, as are links to peers that no longer exist. Unknown source ids
// are skipped.
func (db *DB) Consolidate(ctx context.Context, userID, targetID string, sourceIDs []string, mergedText string) (*ConsolidateResult, error) {
	result := &ConsolidateResult{}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		target, err := getMemory(ctx, tx, userID, targetID)
		if err != nil {
			return err
		}

		var wanted []string
		seen := map[string]bool{targetID: true}
		for _, id := range sourceIDs {
			if !seen[id] {
				seen[id] = true
				wanted = append(wanted, id)
			}
		}
		sources, err := getMemories(ctx, tx, userID, wanted)
		if err != nil {
			return err
		}

		merged := map[string]bool{targetID: true}
		for _, s := range sources {
			merged[s.ID] = true
		}

		peers := map[string]*Memory{}
		dirty := map[string]bool{}
		loadPeer := func(id string) (*Memory, error) {
			if p, ok := peers[id]; ok {
				return p, nil
			}
			p, err := getMemory(ctx, tx, userID, id)
			if errors.Is(err, ErrNotFound) {
				peers[id] = nil
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			peers[id] = p
			return p, nil
		}

		target.OutboundLinks, _ = removeLinksTo(target.OutboundLinks, merged)
		target.InboundLinks, _ = removeLinksTo(target.InboundLinks, merged)

		for _, src := range sources {
			for _, l := range src.OutboundLinks {
				if merged[l.TargetID] {
					continue
				}
				peer, err := loadPeer(l.TargetID)
				if err != nil {
					return err
				}
				if peer == nil {
					result.LinksDropped++
					continue
				}
				target.OutboundLinks, _ = appendLink(target.OutboundLinks, Link{
					TargetID: peer.ID, Type: l.Type, Confidence: l.Confidence, Reasoning: l.Reasoning,
				})
				peer.InboundLinks, _ = removeEdge(peer.InboundLinks, src.ID, l.Type)
				peer.InboundLinks, _ = appendLink(peer.InboundLinks, Link{
					TargetID: targetID, Type: l.Type, Confidence: l.Confidence, Reasoning: l.Reasoning,
				})
				dirty[peer.ID] = true
				result.LinksMoved++
			}

			for _, l := range src.InboundLinks {
				if merged[l.TargetID] {
					continue
				}
				peer, err := loadPeer(l.TargetID)
				if err != nil {
					return err
				}
				if peer == nil {
					result.LinksDropped++
					continue
				}
				target.InboundLinks, _ = appendLink(target.InboundLinks, Link{
					TargetID: peer.ID, Type: l.Type, Confidence: l.Confidence, Reasoning: l.Reasoning,
				})
				peer.OutboundLinks, _ = removeEdge(peer.OutboundLinks, src.ID, l.Type)
				peer.OutboundLinks, _ = appendLink(peer.OutboundLinks, Link{
					TargetID: targetID, Type: l.Type, Confidence: l.Confidence, Reasoning: l.Reasoning,
				})
				dirty[peer.ID] = true
				result.LinksMoved++
			}

			target.AccessCount += src.AccessCount
			if src.CreatedActivityDay < target.CreatedActivityDay {
				target.CreatedActivityDay = src.CreatedActivityDay
			}
			if src.LastAccessedActivityDay > target.LastAccessedActivityDay {
				target.LastAccessedActivityDay = src.LastAccessedActivityDay
			}
		}

		target.Text = mergedText
		if err := writeConsolidatedTarget(ctx, tx, target); err != nil {
			return err
		}
		for id := range dirty {
			if err := writeLinks(ctx, tx, peers[id]); err != nil {
				return err
			}
		}
		for _, src := range sources {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM memories WHERE user_id = ? AND id = ?`, userID, src.ID); err != nil {
				return fmt.Errorf("delete source %s: %w", src.ID, err)
			}
			result.Removed = append(result.Removed, src.ID)
		}

		result.Target = target
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("consolidate into %s: %w", targetID, err)
	}
	return result, nil
}

func writeConsolidatedTarget(ctx context.Context, tx *sql.Tx, m *Memory) error {
	out, err := encodeLinks(m.OutboundLinks)
	if err != nil {
		return err
	}
	in, err := encodeLinks(m.InboundLinks)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		UPDATE memories SET text = ?, access_count = ?, created_activity_day = ?,
			last_accessed_activity_day = ?, outbound_links = ?, inbound_links = ?, updated_at = ?
		WHERE user_id = ? AND id = ?
	`, m.Text, m.AccessCount, m.CreatedActivityDay, m.LastAccessedActivityDay,
		out, in, now.UnixMilli(), m.UserID, m.ID)
	if err != nil {
		return fmt.Errorf("write consolidated target %s: %w", m.ID, err)
	}
	m.UpdatedAt = time.UnixMilli(now.UnixMilli())
	return nil
}

func writeLinks(ctx context.Context, q querier, m *Memory) error {
	out, err := encodeLinks(m.OutboundLinks)
	if err != nil {
		return err
	}
	in, err := encodeLinks(m.InboundLinks)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE memories SET outbound_links = ?, inbound_links = ?, updated_at = ?
		WHERE user_id = ? AND id = ?
	`, out, in, time.Now().UnixMilli(), m.UserID, m.ID)
	if err != nil {
		return fmt.Errorf("write links %s: %w", m.ID, err)
	}
	return nil
}
