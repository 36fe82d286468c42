package dag

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// entry is a single vertex's slot: one RWMutex per vertex so unrelated
// vertices make progress independently, per spec §5 ("writes are
// per-vertex slot"). The store's own lock only guards the index maps and
// the tip set, which spec §5 calls out as the one intentional
// serialization point.
type entry struct {
	mu       sync.RWMutex
	vertex   *Vertex
	status   Status
	children map[ID]struct{}
	rejectedAt time.Time
}

// ConflictSlot identifies a logical resource multiple vertices may
// compete over (e.g. an account nonce). Vertices sharing a ConflictSlot
// form a conflict set: spec §3 promises at most one of them reaches
// final.
type ConflictSlot [32]byte

// Store is the content-addressed vertex store described in spec §4.2.
type Store struct {
	mu sync.RWMutex

	vertices map[ID]*entry
	tips     map[ID]struct{}
	tipOrder []ID // insertion order, for biased sampling

	conflictOf map[ID]ConflictSlot
	conflicts  map[ConflictSlot]map[ID]struct{}

	retention time.Duration // how long rejected vertices stay queryable before GC
	rng       *rand.Rand
	rngMu     sync.Mutex

	witness *WitnessCache
}

// defaultWitnessCacheBytes bounds the store's witness chunk cache; it
// exists to let light clients verify payload inclusion without refetching
// whole vertices, not to serve full historical replay.
const defaultWitnessCacheBytes = 64 << 20

// NewStore creates an empty vertex store. retention bounds how long a
// rejected vertex is kept around so in-flight peer queries still see a
// consistent answer, per spec §4.2.
func NewStore(retention time.Duration) *Store {
	return &Store{
		vertices:   make(map[ID]*entry),
		tips:       make(map[ID]struct{}),
		conflictOf: make(map[ID]ConflictSlot),
		conflicts:  make(map[ConflictSlot]map[ID]struct{}),
		retention:  retention,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		witness:    NewWitnessCache(defaultWitnessCacheBytes),
	}
}

// VerifyWitness reports whether payload is the payload admitted under id,
// without requiring the caller to hold the full Vertex.
func (s *Store) VerifyWitness(id ID, payload []byte) bool {
	return s.witness.Verify(id, payload)
}

// WitnessChunk returns the index'th cached payload chunk for id, letting a
// light client reconstruct a payload one onion cell at a time.
func (s *Store) WitnessChunk(id ID, index uint16) ([]byte, bool) {
	return s.witness.Chunk(id, index)
}

// VerifyWitnessChunks confirms id's first chunkCount cached chunks hash,
// fed incrementally, to the root recorded at admission, without ever
// holding the full reconstructed payload in memory.
func (s *Store) VerifyWitnessChunks(id ID, chunkCount uint16) bool {
	return s.witness.VerifyChunks(id, chunkCount)
}

// Put admits v into the store. Requires every parent already present,
// a verifying signature and a matching id. genesis, when true, allows a
// zero-parent vertex (spec §3: "0 only for the designated genesis").
func (s *Store) Put(v *Vertex, genesis bool) error {
	if v == nil {
		return fmt.Errorf("%w: nil vertex", ErrMalformedVertex)
	}

	var verr error
	if genesis {
		verr = v.VerifyGenesis()
	} else {
		verr = v.Verify()
	}
	if verr != nil {
		return verr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vertices[v.id]; exists {
		return ErrDuplicateID
	}
	for _, p := range v.parents {
		if _, ok := s.vertices[p]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParent, p)
		}
	}

	e := &entry{
		vertex:   v,
		status:   StatusPending,
		children: make(map[ID]struct{}),
	}
	s.vertices[v.id] = e

	for _, p := range v.parents {
		parentEntry := s.vertices[p]
		parentEntry.mu.Lock()
		parentEntry.children[v.id] = struct{}{}
		parentEntry.mu.Unlock()
		delete(s.tips, p)
	}
	s.tips[v.id] = struct{}{}
	s.tipOrder = append(s.tipOrder, v.id)
	s.witness.RecordVertex(v)

	return nil
}

// PutConflict additionally registers v as a member of the conflict set
// identified by slot. Call this instead of tracking conflict sets
// separately in the coordinator: the store feeds this index straight to
// consensus's conflict resolution (spec §4.3).
func (s *Store) PutConflict(v *Vertex, genesis bool, slot ConflictSlot) error {
	if err := s.Put(v, genesis); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflictOf[v.id] = slot
	if s.conflicts[slot] == nil {
		s.conflicts[slot] = make(map[ID]struct{})
	}
	s.conflicts[slot][v.id] = struct{}{}
	return nil
}

// ConflictSet returns the other members of id's conflict set (excluding
// id itself), or nil if id is not in any conflict set.
func (s *Store) ConflictSet(id ID) []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.conflictOf[id]
	if !ok {
		return nil
	}
	members := s.conflicts[slot]
	out := make([]ID, 0, len(members)-1)
	for m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

// Get returns the vertex with the given id.
func (s *Store) Get(id ID) (*Vertex, bool) {
	s.mu.RLock()
	e, ok := s.vertices[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vertex, true
}

// Status returns the current lifecycle status of id.
func (s *Store) Status(id ID) (Status, bool) {
	s.mu.RLock()
	e, ok := s.vertices[id]
	s.mu.RUnlock()
	if !ok {
		return StatusPending, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status, true
}

// All returns every vertex currently held and its status, for a
// coordinator to hand to an external Snapshotter at shutdown (spec
// §4.5's "persist snapshot" step).
func (s *Store) All() ([]*Vertex, map[ID]Status) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vertices := make([]*Vertex, 0, len(s.vertices))
	statuses := make(map[ID]Status, len(s.vertices))
	for id, e := range s.vertices {
		e.mu.RLock()
		vertices = append(vertices, e.vertex)
		statuses[id] = e.status
		e.mu.RUnlock()
	}
	return vertices, statuses
}

// PendingIDs returns every admitted vertex still in StatusPending, for a
// coordinator to resume driving after a restart or directory reload.
func (s *Store) PendingIDs() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ID, 0, len(s.vertices))
	for id, e := range s.vertices {
		e.mu.RLock()
		pending := e.status == StatusPending
		e.mu.RUnlock()
		if pending {
			out = append(out, id)
		}
	}
	return out
}

// ParentsOf returns id's declared parents, O(deg).
func (s *Store) ParentsOf(id ID) ([]ID, bool) {
	v, ok := s.Get(id)
	if !ok {
		return nil, false
	}
	return v.Parents(), true
}

// ChildrenOf returns the ids of vertices that declare id as a parent,
// O(deg).
func (s *Store) ChildrenOf(id ID) ([]ID, bool) {
	s.mu.RLock()
	e, ok := s.vertices[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ID, 0, len(e.children))
	for c := range e.children {
		out = append(out, c)
	}
	return out, true
}

// Tips returns the current tip set: admitted vertices with no known
// children.
func (s *Store) Tips() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ID, 0, len(s.tips))
	for id := range s.tips {
		out = append(out, id)
	}
	return out
}

// SampleParents returns 1..k tip ids for constructing a new vertex,
// biased toward recently admitted, higher-confidence tips. confidence
// looks up a vertex's current confidence score (from the consensus
// package); callers with no consensus engine wired up yet may pass nil
// for pure-recency sampling.
func (s *Store) SampleParents(k int, confidence func(ID) float64) []ID {
	s.mu.RLock()
	candidates := make([]ID, 0, len(s.tips))
	for id := range s.tips {
		candidates = append(candidates, id)
	}
	// recency scores each tip by its admission position in tipOrder, in
	// (0, 1], the most recently admitted tip highest.
	recency := make(map[ID]float64, len(s.tips))
	for i, id := range s.tipOrder {
		if _, ok := s.tips[id]; ok {
			recency[id] = float64(i+1) / float64(len(s.tipOrder))
		}
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}
	if k > MaxParents {
		k = MaxParents
	}

	type scored struct {
		id    ID
		score float64
	}
	scoredList := make([]scored, len(candidates))
	for i, id := range candidates {
		sc := 1.0 + recency[id]
		if confidence != nil {
			sc += confidence(id)
		}
		scoredList[i] = scored{id: id, score: sc}
	}

	s.rngMu.Lock()
	s.rng.Shuffle(len(scoredList), func(i, j int) {
		scoredList[i], scoredList[j] = scoredList[j], scoredList[i]
	})
	s.rngMu.Unlock()

	// Weighted partial selection: walk the shuffled list, picking k
	// highest-scored without replacement. A full weighted sampler is
	// overkill for a bounded parent set; shuffle-then-top-k gives the
	// recency/confidence bias spec §4.2 asks for without it.
	for i := 0; i < len(scoredList); i++ {
		for j := i + 1; j < len(scoredList); j++ {
			if scoredList[j].score > scoredList[i].score {
				scoredList[i], scoredList[j] = scoredList[j], scoredList[i]
			}
		}
	}

	out := make([]ID, k)
	for i := 0; i < k; i++ {
		out[i] = scoredList[i].id
	}
	return out
}

// MarkStatus transitions id to next. It is idempotent when next == the
// current status, and rejects any edge Status.CanTransition disallows.
func (s *Store) MarkStatus(id ID, next Status) error {
	s.mu.RLock()
	e, ok := s.vertices[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == next {
		return nil // idempotent
	}
	if !e.status.CanTransition(next) {
		if e.status.Terminal() {
			return ErrAlreadyFinal
		}
		return fmt.Errorf("dag: illegal transition %s -> %s", e.status, next)
	}
	e.status = next
	if next == StatusRejected {
		e.rejectedAt = time.Now()
		s.mu.Lock()
		delete(s.tips, id)
		s.mu.Unlock()
	}
	return nil
}

// GC removes rejected vertices whose retention window has elapsed. It
// never removes pending, accepted, or final vertices: those are kept
// forever by this in-memory store (eviction to a snapshot is the
// external storage interface's job, per spec §4.5 shutdown sequence).
func (s *Store) GC(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.vertices {
		e.mu.RLock()
		eligible := e.status == StatusRejected && now.Sub(e.rejectedAt) > s.retention
		e.mu.RUnlock()
		if eligible {
			delete(s.vertices, id)
			delete(s.conflictOf, id)
			removed++
		}
	}
	return removed
}

// Ancestors performs a depth-limited BFS over id's ancestors. It returns
// ErrCycle when id turns out to be its own ancestor, even though Put's
// parent-presence check should prevent that in practice: spec §4.2 calls
// this out as a defensive check against a DAG loaded from untrusted
// snapshot data. A cycle among id's ancestors that does not pass through
// id is not reported; the visited set only keeps the walk from looping.
func (s *Store) Ancestors(ctx context.Context, id ID, maxDepth int) ([]ID, error) {
	type item struct {
		id    ID
		depth int
	}

	visited := map[ID]struct{}{id: {}}
	queue := []item{{id: id, depth: 0}}
	var out []ID

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		parents, ok := s.ParentsOf(cur.id)
		if !ok {
			continue
		}
		for _, p := range parents {
			if p == id {
				// id is reachable from its own parents: a cycle through id.
				return nil, ErrCycle
			}
			if _, seen := visited[p]; seen {
				// A repeat visit to an already-visited ancestor along a
				// different path is normal DAG diamond shape. The
				// visited set also stops a cycle that does not pass
				// through id from looping, without reporting it.
				continue
			}
			visited[p] = struct{}{}
			out = append(out, p)
			queue = append(queue, item{id: p, depth: cur.depth + 1})
		}
	}
	return out, nil
}
