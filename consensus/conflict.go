package consensus

import "github.com/qrledger/core/dag"

// ResolvePreference derives the local node's published preference for
// querying id, per spec §4.3 "Conflict resolution": if any conflict-set
// sibling is final, prefer reject for the others; otherwise prefer the
// member with the highest confidence, breaking ties by lowest id
// (byte-lexicographic). siblings excludes id itself. snapshotOf looks up
// a sibling's current Snapshot.
func ResolvePreference(id dag.ID, siblings []dag.ID, snapshotOf func(dag.ID) (Snapshot, bool)) Preference {
	if len(siblings) == 0 {
		return PreferAccept
	}

	for _, sib := range siblings {
		snap, ok := snapshotOf(sib)
		if ok && snap.Status == dag.StatusFinal {
			return PreferReject
		}
	}

	self, ok := snapshotOf(id)
	selfConfidence := 0.0
	if ok {
		selfConfidence = self.Confidence
	}

	best := id
	bestConfidence := selfConfidence
	for _, sib := range siblings {
		snap, ok := snapshotOf(sib)
		if !ok {
			continue
		}
		switch {
		case snap.Confidence > bestConfidence:
			best, bestConfidence = sib, snap.Confidence
		case snap.Confidence == bestConfidence && sib.Less(best):
			best = sib
		}
	}

	if best == id {
		return PreferAccept
	}
	return PreferReject
}
