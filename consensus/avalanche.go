package consensus

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qrledger/core/dag"
)

// QueryTransport delivers a Query to peer and waits for its Reply. It is
// the seam between the consensus engine and the onion-routed transport:
// the engine never constructs circuits or touches wire cells directly,
// matching spec §4.3's framing of "query" as an abstract network
// operation. Implementations must respect ctx's deadline.
type QueryTransport interface {
	Query(ctx context.Context, peer PeerID, q Query) (Reply, error)
}

// Engine runs QR-Avalanche rounds over the vertices held in a dag.Store,
// per spec §4.3. One Engine serves one node.
type Engine struct {
	store     *dag.Store
	params    Parameters
	peers     *PeerSet
	transport QueryTransport
	log       *zap.Logger
	metrics   *Metrics

	mu      sync.Mutex
	records map[dag.ID]*Record
	polls   *Set

	rounds   sync.Map // dag.ID -> *uint64, monotonic per-vertex round counter
	querying sync.Map // dag.ID -> struct{}, held while a round is in flight for that vertex
}

// NewEngine constructs an engine over store, drawing peers from peers and
// sending queries over transport. log may be zap.NewNop() in tests.
func NewEngine(store *dag.Store, params Parameters, peers *PeerSet, transport QueryTransport, log *zap.Logger) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:     store,
		params:    params,
		peers:     peers,
		transport: transport,
		log:       log,
		records:   make(map[dag.ID]*Record),
		polls:     NewSet(),
	}, nil
}

// SetMetrics attaches m so subsequent rounds report through it. Passing
// nil disables instrumentation again.
func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
}

// Admit registers v with the store and starts tracking its consensus
// record. genesis vertices are admitted with no parent checks, per
// dag.Store.PutConflict/Put semantics.
func (e *Engine) Admit(v *dag.Vertex, genesis bool, conflictSlot *dag.ConflictSlot) error {
	var err error
	if conflictSlot != nil {
		err = e.store.PutConflict(v, genesis, *conflictSlot)
	} else {
		err = e.store.Put(v, genesis)
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, ok := e.records[v.ID()]; !ok {
		e.records[v.ID()] = NewRecord()
	}
	e.mu.Unlock()
	return nil
}

// recordFor returns the tracked Record for id, or ErrUnknownVertex.
func (e *Engine) recordFor(id dag.ID) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[id]
	if !ok {
		return nil, ErrUnknownVertex
	}
	return r, nil
}

// Snapshot returns id's current consensus snapshot.
func (e *Engine) Snapshot(id dag.ID) (Snapshot, bool) {
	r, err := e.recordFor(id)
	if err != nil {
		return Snapshot{}, false
	}
	return r.Snapshot(), true
}

// nextRound returns the next monotonic round number for id.
func (e *Engine) nextRound(id dag.ID) uint64 {
	v, _ := e.rounds.LoadOrStore(id, new(uint64))
	ctr := v.(*uint64)
	*ctr++
	return *ctr
}

// OnQuery answers an incoming query from a remote peer using this node's
// own view of q.Vertex, per spec §4.3. Unknown vertices answer with no
// preference rather than an error, since "we haven't heard of it yet" is
// itself informative to the querying peer.
func (e *Engine) OnQuery(q Query) Reply {
	snap, ok := e.Snapshot(q.Vertex)
	if !ok {
		return Reply{Token: q.Token, Preference: RespNoPreference}
	}
	switch snap.Status {
	case dag.StatusRejected:
		return Reply{Token: q.Token, Preference: RespReject}
	case dag.StatusFinal:
		return Reply{Token: q.Token, Preference: RespAccept}
	}

	if siblings := e.store.ConflictSet(q.Vertex); len(siblings) > 0 {
		if ResolvePreference(q.Vertex, siblings, e.Snapshot) == PreferReject {
			return Reply{Token: q.Token, Preference: RespReject}
		}
		return Reply{Token: q.Token, Preference: RespAccept}
	}

	if snap.Preference == PreferReject {
		return Reply{Token: q.Token, Preference: RespReject}
	}
	return Reply{Token: q.Token, Preference: RespAccept}
}

// RunRound executes one sample-query-tally-advance round for id, per
// spec §4.3 steps 1-7. It returns the post-round snapshot.
func (e *Engine) RunRound(ctx context.Context, id dag.ID) (Snapshot, error) {
	record, err := e.recordFor(id)
	if err != nil {
		return Snapshot{}, err
	}
	if record.Snapshot().Status.Terminal() {
		return record.Snapshot(), nil
	}

	if _, inFlight := e.querying.LoadOrStore(id, struct{}{}); inFlight {
		return record.Snapshot(), fmt.Errorf("consensus: round already in flight for %s", id)
	}
	defer e.querying.Delete(id)

	round := e.nextRound(id)
	sampled := e.peers.Sample(e.params.K)
	if len(sampled) == 0 {
		return record.Snapshot(), fmt.Errorf("consensus: no peers available to query %s", id)
	}

	token, err := newReplyToken()
	if err != nil {
		return Snapshot{}, err
	}
	q := Query{Vertex: id, Round: round, Token: token}

	qctx, cancel := context.WithTimeout(ctx, e.params.QueryTimeout)
	defer cancel()

	p := e.polls.Start(id, round, len(sampled))
	defer e.polls.Remove(id)
	e.metrics.pollStarted()
	defer e.metrics.pollEnded()
	e.metrics.observeRound()

	var wg sync.WaitGroup
	for _, peer := range sampled {
		wg.Add(1)
		go func(peer PeerID) {
			defer wg.Done()
			reply, err := e.transport.Query(qctx, peer, q)
			if err != nil {
				e.peers.OnTimeout(peer)
				return
			}
			e.peers.OnSuccess(peer)
			p.Record(string(peer), reply.Preference)
		}(peer)
	}
	wg.Wait()
	p.Close()

	accept, reject := p.Tally()
	record.RecordPoll(len(sampled), accept, reject, e.params, round)
	snap := record.Snapshot()

	if err := e.applyTransition(id, snap); err != nil {
		return snap, err
	}
	if snap.Status.Stalled(time.Now(), e.params.FinalityTimeout) {
		e.log.Warn("vertex stalled", zap.String("vertex", id.String()), zap.Uint64("round", round))
	}
	return snap, nil
}

// applyTransition pushes record's status to the store and, on
// finalization, forces conflict-set siblings to reject per spec §4.3
// ("conflict-set sibling reaches final").
func (e *Engine) applyTransition(id dag.ID, snap Snapshot) error {
	current, ok := e.store.Status(id)
	if !ok {
		return dag.ErrNotFound
	}
	if current == snap.Status {
		return nil
	}
	if err := e.store.MarkStatus(id, snap.Status); err != nil {
		return err
	}
	e.metrics.observeStatus(snap.Status)
	if snap.Status != dag.StatusFinal {
		return nil
	}

	for _, sib := range e.store.ConflictSet(id) {
		if sib == id {
			continue
		}
		sibRecord, err := e.recordFor(sib)
		if err != nil {
			continue
		}
		sibRecord.ForceReject()
		_ = e.store.MarkStatus(sib, dag.StatusRejected)
	}
	return nil
}

// Drive repeatedly runs rounds for id, spaced by params.QueryTimeout,
// until it reaches a terminal status or ctx is canceled.
func (e *Engine) Drive(ctx context.Context, id dag.ID) (Snapshot, error) {
	for {
		snap, err := e.RunRound(ctx, id)
		if err != nil {
			return snap, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-time.After(e.params.QueryTimeout):
		}
	}
}

func newReplyToken() (ReplyToken, error) {
	var t ReplyToken
	if _, err := rand.Read(t[:]); err != nil {
		return t, fmt.Errorf("consensus: generating reply token: %w", err)
	}
	return t, nil
}
