package consensus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qrledger/core/consensus"
	"github.com/qrledger/core/dag"
)

func TestQueryWireRoundTrip(t *testing.T) {
	q := consensus.Query{Vertex: dag.ID{1, 2, 3}, Round: 42}
	q.Token[0] = 0xAB

	encoded := consensus.EncodeQuery(q)
	require.Len(t, encoded, 57)

	decoded, err := consensus.DecodeQuery(encoded)
	require.NoError(t, err)
	require.Equal(t, q, decoded)
}

func TestDecodeQueryRejectsWrongOpcode(t *testing.T) {
	encoded := consensus.EncodeQuery(consensus.Query{})
	encoded[0] = 0xFF
	_, err := consensus.DecodeQuery(encoded)
	require.Error(t, err)
}

func TestDecodeQueryRejectsShortInput(t *testing.T) {
	_, err := consensus.DecodeQuery([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestReplyWireRoundTrip(t *testing.T) {
	r := consensus.Reply{Preference: consensus.RespAccept}
	r.Token[0] = 0xCD

	encoded := consensus.EncodeReply(r)
	require.Len(t, encoded, 18)

	decoded, err := consensus.DecodeReply(encoded)
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}

func TestDecodeReplyRejectsUnknownPreference(t *testing.T) {
	encoded := consensus.EncodeReply(consensus.Reply{Preference: consensus.RespAccept})
	encoded[17] = 0x7F
	_, err := consensus.DecodeReply(encoded)
	require.Error(t, err)
}
