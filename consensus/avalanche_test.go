package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qrledger/core/consensus"
	"github.com/qrledger/core/crypto/pq"
	"github.com/qrledger/core/dag"
)

func newSignedVertex(t *testing.T, parents []dag.ID, payload []byte) *dag.Vertex {
	t.Helper()
	pk, sk, err := pq.SigGenerate()
	require.NoError(t, err)
	v, err := dag.NewUnsignedVertex(parents, payload, dag.NowMs(), pk)
	require.NoError(t, err)
	require.NoError(t, v.Sign(sk))
	return v
}

// fixedTransport answers every query with the same preference, regardless
// of peer or vertex, standing in for a remote peer population that agrees.
type fixedTransport struct {
	resp consensus.QueryResponse
}

func (f fixedTransport) Query(_ context.Context, _ consensus.PeerID, q consensus.Query) (consensus.Reply, error) {
	return consensus.Reply{Token: q.Token, Preference: f.resp}, nil
}

func localPeers(n int) *consensus.PeerSet {
	ids := make([]consensus.PeerID, n)
	for i := range ids {
		ids[i] = consensus.PeerID(string(rune('a' + i)))
	}
	return consensus.NewPeerSet(ids, 1)
}

func TestEngineDrivesVertexToFinal(t *testing.T) {
	store := dag.NewStore(time.Minute)
	genesis := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))

	child := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("a"))

	params := consensus.Local()
	engine, err := consensus.NewEngine(store, params, localPeers(params.K), fixedTransport{resp: consensus.RespAccept}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, engine.Admit(child, false, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := engine.Drive(ctx, child.ID())
	require.NoError(t, err)
	require.Equal(t, dag.StatusFinal, snap.Status)

	status, ok := store.Status(child.ID())
	require.True(t, ok)
	require.Equal(t, dag.StatusFinal, status)
}

func TestEngineDrivesVertexToRejected(t *testing.T) {
	store := dag.NewStore(time.Minute)
	genesis := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))

	child := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("a"))

	params := consensus.Local()
	engine, err := consensus.NewEngine(store, params, localPeers(params.K), fixedTransport{resp: consensus.RespReject}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, engine.Admit(child, false, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := engine.Drive(ctx, child.ID())
	require.NoError(t, err)
	require.Equal(t, dag.StatusRejected, snap.Status)
}

func TestEngineForcesConflictSiblingReject(t *testing.T) {
	store := dag.NewStore(time.Minute)
	genesis := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))

	winner := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("winner"))
	loser := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("loser"))

	params := consensus.Local()
	engine, err := consensus.NewEngine(store, params, localPeers(params.K), fixedTransport{resp: consensus.RespAccept}, zap.NewNop())
	require.NoError(t, err)

	var slot dag.ConflictSlot
	slot[0] = 0x01
	require.NoError(t, engine.Admit(winner, false, &slot))
	require.NoError(t, engine.Admit(loser, false, &slot))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := engine.Drive(ctx, winner.ID())
	require.NoError(t, err)
	require.Equal(t, dag.StatusFinal, snap.Status)

	loserStatus, ok := store.Status(loser.ID())
	require.True(t, ok)
	require.Equal(t, dag.StatusRejected, loserStatus)
}

func TestEngineOnQueryUnknownVertex(t *testing.T) {
	store := dag.NewStore(time.Minute)
	params := consensus.Local()
	engine, err := consensus.NewEngine(store, params, localPeers(params.K), fixedTransport{resp: consensus.RespAccept}, zap.NewNop())
	require.NoError(t, err)

	reply := engine.OnQuery(consensus.Query{Vertex: dag.ID{9, 9}})
	require.Equal(t, consensus.RespNoPreference, reply.Preference)
}

func TestEngineRunRoundUnknownVertexErrors(t *testing.T) {
	store := dag.NewStore(time.Minute)
	params := consensus.Local()
	engine, err := consensus.NewEngine(store, params, localPeers(params.K), fixedTransport{resp: consensus.RespAccept}, zap.NewNop())
	require.NoError(t, err)

	_, err = engine.RunRound(context.Background(), dag.ID{1})
	require.ErrorIs(t, err, consensus.ErrUnknownVertex)
}
