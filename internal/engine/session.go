/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import "github.com/friendsincode/cliploop/internal/models"

// session is the frozen view of the collection for one loop: a snapshot of
// clips, a playback order of snapshot indices, and a cursor into that order.
//
// The snapshot is never replaced mid-loop. External mutations are folded in
// by reconcile, which keeps every order index valid for the (possibly shrunk
// or grown) snapshot.
type session struct {
	clips  []models.Clip
	order  []int
	cursor int
}

// newSession freezes clips and builds the identity playback order.
func newSession(clips []models.Clip) *session {
	order := make([]int, len(clips))
	for i := range order {
		order[i] = i
	}
	return &session{clips: clips, order: order}
}

func (s *session) empty() bool { return len(s.order) == 0 }

// exhausted reports whether the cursor ran past the end of the order.
func (s *session) exhausted() bool { return s.cursor >= len(s.order) }

// lastPosition reports whether the cursor sits on the final order entry.
func (s *session) lastPosition() bool { return s.cursor == len(s.order)-1 }

// currentClip returns the clip under the cursor, or nil when exhausted.
func (s *session) currentClip() *models.Clip {
	return s.clipAt(s.cursor)
}

// followingClip returns the clip one position past the cursor, or nil.
func (s *session) followingClip() *models.Clip {
	return s.clipAt(s.cursor + 1)
}

func (s *session) clipAt(pos int) *models.Clip {
	if pos < 0 || pos >= len(s.order) {
		return nil
	}
	return &s.clips[s.order[pos]]
}

// reconcileResult describes what a reconcile pass changed.
type reconcileResult struct {
	currentRemoved bool          // the clip under the cursor was deleted
	removed        int
	added          int
	orderRebuilt   bool          // a pure reorder re-sequenced the loop
	metaChanged    []models.Clip // clips whose loudness changed (new values)
}

// reconcile folds a freshly fetched collection into the live session without
// replacing the snapshot. Passes run in a fixed order: deletions, insertions,
// reorders, then metadata. The cursor keeps pointing at the playing clip
// (found by identity); when that clip was deleted the cursor ends up on the
// entry that followed it and currentRemoved is set.
func (s *session) reconcile(fresh []models.Clip) reconcileResult {
	var res reconcileResult

	freshByID := make(map[string]int, len(fresh))
	for i, fc := range fresh {
		freshByID[fc.ID] = i
	}

	// Deletions. Walk the snapshot backwards so index shifting stays local.
	for i := len(s.clips) - 1; i >= 0; i-- {
		if _, ok := freshByID[s.clips[i].ID]; ok {
			continue
		}
		s.removeSnapshotIndex(i, &res)
		res.removed++
	}

	// Insertions: appended to snapshot and order, played later this loop.
	snapIDs := make(map[string]int, len(s.clips))
	for i, c := range s.clips {
		snapIDs[c.ID] = i
	}
	for _, fc := range fresh {
		if _, ok := snapIDs[fc.ID]; ok {
			continue
		}
		s.clips = append(s.clips, fc)
		snapIDs[fc.ID] = len(s.clips) - 1
		s.order = append(s.order, len(s.clips)-1)
		res.added++
	}

	// Reorders apply only when the identity set is unchanged this cycle.
	if res.added == 0 && res.removed == 0 {
		s.rebuildOrderIfMoved(fresh, snapIDs, &res)
	}

	// Metadata: loudness (and duration refinements) never touch the order.
	for i := range s.clips {
		fi, ok := freshByID[s.clips[i].ID]
		if !ok {
			continue
		}
		fc := fresh[fi]
		if !loudnessEqual(s.clips[i].Loudness, fc.Loudness) {
			s.clips[i].Loudness = fc.Loudness
			res.metaChanged = append(res.metaChanged, s.clips[i])
		}
		if fc.DurationSeconds > 0 {
			s.clips[i].DurationSeconds = fc.DurationSeconds
		}
		s.clips[i].Title = fc.Title
	}

	if s.cursor > len(s.order) {
		s.cursor = len(s.order)
	}

	return res
}

// removeSnapshotIndex drops snapshot index idx and its order entry, shifting
// the remaining order indices so they stay contiguous with the shrunk
// snapshot.
func (s *session) removeSnapshotIndex(idx int, res *reconcileResult) {
	s.clips = append(s.clips[:idx], s.clips[idx+1:]...)

	pos := -1
	for p, oi := range s.order {
		if oi == idx {
			pos = p
			break
		}
	}
	if pos >= 0 {
		s.order = append(s.order[:pos], s.order[pos+1:]...)
		if pos < s.cursor {
			s.cursor--
		} else if pos == s.cursor {
			res.currentRemoved = true
		}
	}

	for p, oi := range s.order {
		if oi > idx {
			s.order[p] = oi - 1
		}
	}
}

// rebuildOrderIfMoved rebuilds the order to match the fresh collection order
// when the same identities appear in a different sequence, preserving the
// cursor by the playing clip's identity.
func (s *session) rebuildOrderIfMoved(fresh []models.Clip, snapIDs map[string]int, res *reconcileResult) {
	desired := make([]int, 0, len(fresh))
	for _, fc := range fresh {
		if si, ok := snapIDs[fc.ID]; ok {
			desired = append(desired, si)
		}
	}
	if len(desired) != len(s.order) {
		return
	}

	moved := false
	for i := range desired {
		if desired[i] != s.order[i] {
			moved = true
			break
		}
	}
	if !moved {
		return
	}

	var curID string
	if cur := s.currentClip(); cur != nil {
		curID = cur.ID
	}

	s.order = desired
	res.orderRebuilt = true

	if curID == "" {
		return
	}
	for p := range s.order {
		if s.clips[s.order[p]].ID == curID {
			s.cursor = p
			return
		}
	}
}

func loudnessEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
