package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qrledger/core/consensus"
	"github.com/qrledger/core/crypto/pq"
	"github.com/qrledger/core/dag"
	"github.com/qrledger/core/node"
)

type fixedTransport struct{ resp consensus.QueryResponse }

func (f fixedTransport) Query(_ context.Context, _ consensus.PeerID, q consensus.Query) (consensus.Reply, error) {
	return consensus.Reply{Token: q.Token, Preference: f.resp}, nil
}

func signedGenesis(t *testing.T) *dag.Vertex {
	t.Helper()
	pk, sk, err := pq.SigGenerate()
	require.NoError(t, err)
	v, err := dag.NewUnsignedVertex(nil, []byte("genesis"), dag.NowMs(), pk)
	require.NoError(t, err)
	require.NoError(t, v.Sign(sk))
	return v
}

func testDirectory(t *testing.T, n int) *node.Directory {
	t.Helper()
	pk, sk, err := pq.SigGenerate()
	require.NoError(t, err)

	members := make([]node.Member, n)
	for i := range members {
		members[i] = node.Member{PeerID: consensus.PeerID(string(rune('a' + i))), SigKey: pk}
	}
	dir, err := node.SignDirectory(1, members, pk, sk)
	require.NoError(t, err)
	return dir
}

func TestNodeSubmitReachesFinal(t *testing.T) {
	pk, sk, err := pq.SigGenerate()
	require.NoError(t, err)

	params := node.DefaultParameters()
	params.Consensus = consensus.Local()

	n, err := node.New(params, pk, sk, fixedTransport{resp: consensus.RespAccept}, zap.NewNop())
	require.NoError(t, err)

	genesis := signedGenesis(t)
	require.NoError(t, n.Start(context.Background(), testDirectory(t, params.Consensus.K), genesis))

	v, err := n.Submit(context.Background(), []dag.ID{genesis.ID()}, []byte("hello"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := n.AwaitFinal(ctx, v.ID())
	require.NoError(t, err)
	require.Equal(t, dag.StatusFinal, snap.Status)

	require.NoError(t, n.Shutdown(context.Background()))
}

func TestNodeStartRejectsStaleDirectory(t *testing.T) {
	pk, sk, err := pq.SigGenerate()
	require.NoError(t, err)

	params := node.DefaultParameters()
	params.StalenessBound = time.Millisecond

	n, err := node.New(params, pk, sk, fixedTransport{resp: consensus.RespAccept}, zap.NewNop())
	require.NoError(t, err)

	dir := testDirectory(t, 3)
	time.Sleep(5 * time.Millisecond)

	err = n.Start(context.Background(), dir, nil)
	require.ErrorIs(t, err, node.ErrDirectoryStale)
}

type captureSnapshotter struct {
	saved *node.StoreSnapshot
}

func (c *captureSnapshotter) SaveSnapshot(_ context.Context, snap node.StoreSnapshot) error {
	c.saved = &snap
	return nil
}

func TestNodeShutdownPersistsSnapshot(t *testing.T) {
	pk, sk, err := pq.SigGenerate()
	require.NoError(t, err)

	params := node.DefaultParameters()
	params.Consensus = consensus.Local()

	n, err := node.New(params, pk, sk, fixedTransport{resp: consensus.RespAccept}, zap.NewNop())
	require.NoError(t, err)

	genesis := signedGenesis(t)
	require.NoError(t, n.Start(context.Background(), testDirectory(t, params.Consensus.K), genesis))

	v, err := n.Submit(context.Background(), []dag.ID{genesis.ID()}, []byte("snapshot me"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = n.AwaitFinal(ctx, v.ID())
	require.NoError(t, err)

	snapshotter := &captureSnapshotter{}
	n.SetSnapshotter(snapshotter)
	require.NoError(t, n.Shutdown(context.Background()))

	require.NotNil(t, snapshotter.saved)
	require.Contains(t, snapshotter.saved.Statuses, v.ID())
	require.Equal(t, dag.StatusFinal, snapshotter.saved.Statuses[v.ID()])
}

func TestNodeSubmitBeforeStartFails(t *testing.T) {
	pk, sk, err := pq.SigGenerate()
	require.NoError(t, err)
	n, err := node.New(node.DefaultParameters(), pk, sk, fixedTransport{resp: consensus.RespAccept}, zap.NewNop())
	require.NoError(t, err)

	_, err = n.Submit(context.Background(), nil, []byte("x"))
	require.ErrorIs(t, err, node.ErrNotStarted)
}
