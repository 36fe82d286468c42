package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/qrledger/core/consensus"
	"github.com/qrledger/core/dag"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := consensus.NewMetrics(reg)
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestNewMetricsRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := consensus.NewMetrics(reg)
	require.NoError(t, err)

	_, err = consensus.NewMetrics(reg)
	require.Error(t, err)
}

func TestEngineRunsWithInstrumentationAttached(t *testing.T) {
	store := dag.NewStore(time.Minute)
	genesis := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))
	child := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("a"))

	params := consensus.Local()
	engine, err := consensus.NewEngine(store, params, localPeers(params.K), fixedTransport{resp: consensus.RespAccept}, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Admit(child, false, nil))

	m, err := consensus.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	engine.SetMetrics(m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := engine.Drive(ctx, child.ID())
	require.NoError(t, err)
	require.Equal(t, dag.StatusFinal, snap.Status)
}
