package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/qrledger/core/consensus"
	"github.com/qrledger/core/dag"
)

func TestEngineQueriesEverySampledPeer(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := NewMockQueryTransport(ctrl)

	store := dag.NewStore(time.Minute)
	genesis := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))
	child := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("a"))

	params := consensus.Local()
	transport.EXPECT().
		Query(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ consensus.PeerID, q consensus.Query) (consensus.Reply, error) {
			return consensus.Reply{Token: q.Token, Preference: consensus.RespAccept}, nil
		}).
		Times(params.K)

	engine, err := consensus.NewEngine(store, params, localPeers(params.K), transport, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, engine.Admit(child, false, nil))

	snap, err := engine.RunRound(context.Background(), child.ID())
	require.NoError(t, err)
	require.Equal(t, 1, snap.AcceptCounter)
}
