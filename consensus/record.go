package consensus

import (
	"sync"
	"time"

	"github.com/qrledger/core/dag"
)

// Preference is a vertex's current binary preference in conflict
// resolution: accept (include it) or reject (exclude it in favor of a
// conflict-set sibling).
type Preference uint8

const (
	PreferAccept Preference = iota
	PreferReject
)

// Record is the per-vertex consensus state spec.md §3 "Consensus record"
// describes: confidence, the accept/reject counters, status, preference,
// and the last round this vertex was queried in. One Record guards its
// own fields with its own mutex so that, per spec §5, "a single vertex's
// state machine transitions are serialized" without serializing unrelated
// vertices against each other — the same per-slot ownership dag.Store
// uses for vertex entries.
type Record struct {
	mu sync.Mutex

	confidence     float64
	acceptCounter  int
	rejectCounter  int
	status         dag.Status
	preference     Preference
	lastQueryRound uint64
	lastQueryAt    time.Time
	startedAt      time.Time
}

// NewRecord returns a fresh consensus record for a newly admitted
// (pending) vertex.
func NewRecord() *Record {
	now := time.Now()
	return &Record{status: dag.StatusPending, preference: PreferAccept, startedAt: now, lastQueryAt: now}
}

// Snapshot is a point-in-time, lock-free copy of a Record's fields, safe
// to read after the call returns without holding any lock.
type Snapshot struct {
	Confidence     float64
	AcceptCounter  int
	RejectCounter  int
	Status         dag.Status
	Preference     Preference
	LastQueryRound uint64
	LastQueryAt    time.Time
	StartedAt      time.Time
}

// Snapshot returns a consistent copy of r's current state.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Confidence:     r.confidence,
		AcceptCounter:  r.acceptCounter,
		RejectCounter:  r.rejectCounter,
		Status:         r.status,
		Preference:     r.preference,
		LastQueryRound: r.lastQueryRound,
		LastQueryAt:    r.lastQueryAt,
		StartedAt:      r.startedAt,
	}
}

// Stalled reports whether the vertex has not progressed in over
// finalityTimeout since its consensus record was created, the liveness
// bound from spec §4.3's round procedure.
func (s Snapshot) Stalled(now time.Time, finalityTimeout time.Duration) bool {
	if s.Status.Terminal() {
		return false
	}
	return now.Sub(s.StartedAt) > finalityTimeout
}

// RecordPoll applies one round's tally to r, following spec §4.3's round
// procedure steps 4-7: acceptCount and rejectCount are explicit responses
// out of k total peers queried (missing responses count as neither).
// round is the monotonic round number being recorded; it is stored as
// LastQueryRound, alongside LastQueryAt. Stalled does not read either: it
// measures from StartedAt.
func (r *Record) RecordPoll(k, acceptCount, rejectCount int, params Parameters, round uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastQueryRound = round
	r.lastQueryAt = time.Now()
	if r.status.Terminal() {
		return
	}

	acceptFrac := float64(acceptCount) / float64(k)
	rejectFrac := float64(rejectCount) / float64(k)

	switch {
	case acceptFrac >= params.Alpha:
		r.acceptCounter++
		r.rejectCounter = 0
		r.confidence = min(1.0, r.confidence+1.0/float64(params.Beta2))
		r.preference = PreferAccept
	case rejectFrac >= params.Alpha:
		r.rejectCounter++
		r.acceptCounter = 0
		r.confidence = min(1.0, r.confidence+1.0/float64(params.Beta2))
		r.preference = PreferReject
	default:
		r.acceptCounter = 0
		r.rejectCounter = 0
	}

	r.advance(params)
}

// ForceReject drives r straight to rejected, used when a conflict-set
// sibling reaches final (spec §4.3: "pending -> rejected ... OR
// conflict-set sibling reaches final"). It is a no-op once r is terminal.
func (r *Record) ForceReject() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.status = dag.StatusRejected
	r.preference = PreferReject
}

// advance applies the threshold checks (spec §4.3 step 7). Caller must
// hold r.mu.
func (r *Record) advance(params Parameters) {
	switch r.status {
	case dag.StatusPending:
		if r.acceptCounter >= params.Beta1 {
			r.status = dag.StatusAccepted
		} else if r.rejectCounter >= params.Beta1 {
			r.status = dag.StatusRejected
		}
	case dag.StatusAccepted:
		if r.acceptCounter >= params.Beta2 {
			r.status = dag.StatusFinal
		}
	}
}
