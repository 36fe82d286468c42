package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qrledger/core/consensus"
	"github.com/qrledger/core/crypto/pq"
	"github.com/qrledger/core/dag"
)

// Node coordinates one participant's store, consensus engine, and
// validator directory, per spec §4.5. It is the top-level object an
// embedder constructs to join the network.
type Node struct {
	params Parameters

	store  *dag.Store
	peers  *consensus.PeerSet
	engine *consensus.Engine
	log    *zap.Logger

	sigPK *pq.SigPublicKey
	sigSK *pq.SigSecretKey

	directory atomic.Pointer[Directory]

	sem     chan struct{}
	wg      sync.WaitGroup
	rootCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	finished    map[dag.ID]chan struct{}
	snapshotter Snapshotter

	started atomic.Bool
}

// Parameters bundles a Node's consensus parameters with the ambient
// operational settings spec §4.5 calls out: store retention and
// directory staleness bound.
type Parameters struct {
	Consensus       consensus.Parameters
	StoreRetention  time.Duration
	StalenessBound  time.Duration
}

// DefaultParameters returns Parameters suited to a production deployment.
func DefaultParameters() Parameters {
	return Parameters{
		Consensus:      consensus.Mainnet(),
		StoreRetention: time.Hour,
		StalenessBound: DefaultStalenessBound,
	}
}

// New constructs a Node with its own signing identity and vertex store,
// ready for Start. transport delivers this node's outbound consensus
// queries; log may be nil.
func New(params Parameters, sigPK *pq.SigPublicKey, sigSK *pq.SigSecretKey, transport consensus.QueryTransport, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := params.Consensus.Validate(); err != nil {
		return nil, err
	}
	// Fail closed before committing to this node's startup ceremony, per
	// spec §4.1: a starved CSPRNG must surface here, not as a silently
	// weak key generated later under load.
	if err := pq.CheckEntropy(pq.SystemEntropy, pq.HashSize); err != nil {
		return nil, err
	}

	store := dag.NewStore(params.StoreRetention)
	n := &Node{
		params:   params,
		store:    store,
		log:      log,
		sigPK:    sigPK,
		sigSK:    sigSK,
		sem:      make(chan struct{}, params.Consensus.MaxConcurrentQueries),
		finished: make(map[dag.ID]chan struct{}),
	}

	peers := consensus.NewPeerSet(nil, 1)
	engine, err := consensus.NewEngine(store, params.Consensus, peers, transport, log)
	if err != nil {
		return nil, err
	}
	n.peers = peers
	n.engine = engine
	return n, nil
}

// Start admits dir as the node's initial validator directory and begins
// accepting Submit calls. dir must verify and must not already be stale,
// per spec §4.5's startup sequence.
func (n *Node) Start(ctx context.Context, dir *Directory, genesis *dag.Vertex) error {
	if n.started.Load() {
		return ErrAlreadyStarted
	}
	if err := n.LoadDirectory(dir); err != nil {
		return err
	}

	rootCtx, cancel := context.WithCancel(ctx)
	n.rootCtx = rootCtx
	n.cancel = cancel
	n.started.Store(true)

	if genesis != nil {
		// The genesis vertex is the axiomatic trust root: it has no
		// parents to dispute and needs no consensus rounds, so it is
		// admitted and immediately walked to final rather than left
		// pending for the startup sweep below to pick up.
		if err := n.engine.Admit(genesis, true, nil); err != nil {
			return fmt.Errorf("node: admitting genesis: %w", err)
		}
		if err := n.store.MarkStatus(genesis.ID(), dag.StatusAccepted); err != nil {
			return fmt.Errorf("node: accepting genesis: %w", err)
		}
		if err := n.store.MarkStatus(genesis.ID(), dag.StatusFinal); err != nil {
			return fmt.Errorf("node: finalizing genesis: %w", err)
		}
	}

	// spec §4.5's startup sequence ends with "begin querying all pending
	// vertices" — resume driving anything already admitted (e.g. a store
	// reopened after a restart) rather than leaving it stalled forever.
	for _, id := range n.store.PendingIDs() {
		n.startDriver(id)
	}

	n.log.Info("node started", zap.Uint64("directory_epoch", dir.Epoch), zap.Int("members", len(dir.Members)))
	return nil
}

// LoadDirectory verifies and swaps in a new directory snapshot, updating
// the peer set consensus samples from.
func (n *Node) LoadDirectory(dir *Directory) error {
	if err := dir.Verify(); err != nil {
		return err
	}
	if dir.Stale(time.Now(), n.params.StalenessBound) {
		return ErrDirectoryStale
	}
	n.directory.Store(dir)
	n.peers.Update(dir.PeerIDs())
	return nil
}

// Directory returns the currently loaded directory snapshot.
func (n *Node) Directory() *Directory {
	return n.directory.Load()
}

// SetSnapshotter wires in the external storage seam Shutdown persists a
// snapshot to, per spec §4.5. Safe to call any time before Shutdown; nil
// (the default) makes Shutdown skip the persist step entirely.
func (n *Node) SetSnapshotter(s Snapshotter) {
	n.mu.Lock()
	n.snapshotter = s
	n.mu.Unlock()
}

// Submit builds, signs, and admits a new vertex carrying payload, parented
// on parents (or, if parents is nil, a store-sampled tip set), then begins
// driving it through consensus in the background. It returns as soon as
// the vertex is admitted; use AwaitFinal to block for a terminal status.
func (n *Node) Submit(ctx context.Context, parents []dag.ID, payload []byte) (*dag.Vertex, error) {
	if !n.started.Load() {
		return nil, ErrNotStarted
	}
	if parents == nil {
		parents = n.store.SampleParents(dag.MaxParents, n.confidenceOf)
	}

	v, err := dag.NewUnsignedVertex(parents, payload, dag.NowMs(), n.sigPK)
	if err != nil {
		return nil, err
	}
	if err := v.Sign(n.sigSK); err != nil {
		return nil, err
	}
	if err := n.admitAndDrive(v, nil); err != nil {
		return nil, err
	}
	return v, nil
}

// Observe admits a vertex received from the network (e.g. via gossip) and
// begins driving it through this node's own consensus engine, exactly as
// Submit/SubmitVertex do: spec §4.3 requires every pending vertex to be
// driven to a terminal status by every node that holds it, not just its
// author, or peers that never locally run a round for it stay pending
// forever.
func (n *Node) Observe(v *dag.Vertex, slot *dag.ConflictSlot) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	return n.admitAndDrive(v, slot)
}

// SubmitVertex admits a pre-built, pre-signed vertex (e.g. one authored
// elsewhere and received over gossip) and begins driving it through this
// node's consensus engine, optionally as a member of the given conflict
// slot.
func (n *Node) SubmitVertex(v *dag.Vertex, slot *dag.ConflictSlot) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	return n.admitAndDrive(v, slot)
}

func (n *Node) admitAndDrive(v *dag.Vertex, slot *dag.ConflictSlot) error {
	if err := n.engine.Admit(v, false, slot); err != nil {
		return err
	}
	n.startDriver(v.ID())
	return nil
}

// startDriver registers id's completion channel and spawns its background
// driver goroutine. Safe to call for a vertex already tracked by the
// engine but not yet being driven by this node (e.g. the Start-time sweep
// over already-admitted pending vertices).
func (n *Node) startDriver(id dag.ID) {
	done := make(chan struct{})
	n.mu.Lock()
	n.finished[id] = done
	n.mu.Unlock()

	n.wg.Add(1)
	go n.drive(n.rootCtx, id, done)
}

// confidenceOf adapts the engine's consensus snapshot into the score
// function dag.Store.SampleParents expects.
func (n *Node) confidenceOf(id dag.ID) float64 {
	snap, ok := n.engine.Snapshot(id)
	if !ok {
		return 0
	}
	return snap.Confidence
}

func (n *Node) drive(ctx context.Context, id dag.ID, done chan struct{}) {
	defer n.wg.Done()
	defer close(done)

	n.sem <- struct{}{}
	defer func() { <-n.sem }()

	if _, err := n.engine.Drive(ctx, id); err != nil {
		n.log.Warn("round driving stopped", zap.String("vertex", id.String()), zap.Error(err))
	}
}

// Status returns id's current DAG lifecycle status.
func (n *Node) Status(id dag.ID) (dag.Status, bool) {
	return n.store.Status(id)
}

// AwaitFinal blocks until id reaches a terminal status or ctx is
// canceled, per spec §4.5's await_final operation.
func (n *Node) AwaitFinal(ctx context.Context, id dag.ID) (consensus.Snapshot, error) {
	n.mu.Lock()
	done, tracked := n.finished[id]
	n.mu.Unlock()

	if tracked {
		select {
		case <-done:
		case <-ctx.Done():
			return consensus.Snapshot{}, ctx.Err()
		}
	}

	snap, ok := n.engine.Snapshot(id)
	if !ok {
		return consensus.Snapshot{}, ErrNotStarted
	}
	return snap, nil
}

// OnQuery answers a remote peer's consensus query using this node's local
// state, per spec §4.5's on_query operation.
func (n *Node) OnQuery(q consensus.Query) consensus.Reply {
	return n.engine.OnQuery(q)
}

// Shutdown stops accepting new work, waits for in-flight rounds to drain,
// and — if a Snapshotter is wired in — persists the store's current
// vertex set, per spec §4.5's shutdown sequence.
func (n *Node) Shutdown(ctx context.Context) error {
	n.started.Store(false)
	if n.cancel != nil {
		n.cancel()
	}
	waitDone := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		return ErrShuttingDown
	}

	n.mu.Lock()
	snapshotter := n.snapshotter
	n.mu.Unlock()
	if snapshotter == nil {
		return nil
	}

	vertices, statuses := n.store.All()
	snap := StoreSnapshot{Directory: n.Directory(), Vertices: vertices, Statuses: statuses}
	if err := snapshotter.SaveSnapshot(ctx, snap); err != nil {
		n.log.Warn("snapshot persist failed", zap.Error(err))
		return fmt.Errorf("node: persisting snapshot: %w", err)
	}
	return nil
}
