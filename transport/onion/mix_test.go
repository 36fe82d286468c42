package onion_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qrledger/core/transport/onion"
)

func TestMixBatchFlushesOnBufferFull(t *testing.T) {
	m := onion.NewMixBatch(2, time.Hour)
	defer m.Close()

	m.Add(onion.NewCoverCell())
	m.Add(onion.NewCoverCell())

	select {
	case batch := <-m.Out():
		require.Len(t, batch, 2)
	case <-time.After(time.Second):
		t.Fatal("expected a flush once the buffer filled")
	}
}

func TestMixBatchFlushesOnTimer(t *testing.T) {
	m := onion.NewMixBatch(100, 20*time.Millisecond)
	defer m.Close()

	m.Add(onion.NewCoverCell())

	select {
	case batch := <-m.Out():
		require.Len(t, batch, 100) // padded with cover cells up to bufferSize
	case <-time.After(2 * time.Second):
		t.Fatal("expected a timer-driven flush")
	}
}
