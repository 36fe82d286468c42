package dag_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qrledger/core/crypto/pq"
	"github.com/qrledger/core/dag"
)

func newSignedVertex(t *testing.T, parents []dag.ID, payload []byte) (*dag.Vertex, *pq.SigSecretKey) {
	t.Helper()
	pk, sk, err := pq.SigGenerate()
	require.NoError(t, err)

	v, err := dag.NewUnsignedVertex(parents, payload, dag.NowMs(), pk)
	require.NoError(t, err)
	require.NoError(t, v.Sign(sk))
	return v, sk
}

func TestVertexVerifyRoundTrip(t *testing.T) {
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, genesis.VerifyGenesis())

	child, _ := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte{0x01})
	require.NoError(t, child.Verify())
}

func TestVertexHashMismatchDetected(t *testing.T) {
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	v, _ := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("payload"))

	encoded, err := v.Encode()
	require.NoError(t, err)
	// Flip a byte of the first parent id (offset 20 lies in the parents
	// block that starts at offset 6) without re-signing or re-hashing:
	// decode will reconstruct a vertex whose id no longer matches its
	// canonical form.
	encoded[20] ^= 0xFF

	decoded, err := dag.Decode(encoded)
	require.NoError(t, err)
	err = decoded.Verify()
	require.ErrorIs(t, err, dag.ErrHashMismatch)
}

func TestVertexBadSignatureDetected(t *testing.T) {
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	v, otherSK := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("payload"))

	encoded, err := v.Encode()
	require.NoError(t, err)

	// Re-sign with a different key to produce a mismatched signature while
	// keeping the original id.
	_, wrongSK, err := pq.SigGenerate()
	require.NoError(t, err)
	require.NotEqual(t, otherSK, wrongSK)

	badSig, err := pq.SigSign(wrongSK, []byte("payload"))
	require.NoError(t, err)
	require.False(t, pq.SigVerify(v.Author(), []byte("payload"), badSig))

	// Splice the foreign signature into the wire form: the signature sits
	// just before the trailing 32-byte id.
	require.Len(t, badSig, len(v.Signature()))
	sigStart := len(encoded) - len(dag.ID{}) - len(badSig)
	copy(encoded[sigStart:], badSig)

	decoded, err := dag.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, v.ID(), decoded.ID())
	require.ErrorIs(t, decoded.Verify(), dag.ErrBadSignature)
}

func TestCodecRoundTrip(t *testing.T) {
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	v, _ := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("hello world"))

	encoded, err := v.Encode()
	require.NoError(t, err)

	decoded, err := dag.Decode(encoded)
	require.NoError(t, err)

	require.Equal(t, v.ID(), decoded.ID())
	require.Equal(t, v.Parents(), decoded.Parents())
	require.Equal(t, v.Payload(), decoded.Payload())
	require.Equal(t, v.TimestampMs(), decoded.TimestampMs())
	require.NoError(t, decoded.Verify())
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, dag.StatusPending.CanTransition(dag.StatusAccepted))
	require.True(t, dag.StatusPending.CanTransition(dag.StatusRejected))
	require.True(t, dag.StatusAccepted.CanTransition(dag.StatusFinal))
	require.False(t, dag.StatusFinal.CanTransition(dag.StatusAccepted))
	require.False(t, dag.StatusRejected.CanTransition(dag.StatusFinal))
	require.True(t, dag.StatusFinal.Terminal())
	require.True(t, dag.StatusRejected.Terminal())
}

func TestStorePutRequiresKnownParents(t *testing.T) {
	store := dag.NewStore(time.Minute)
	unknown := dag.ID{0x01}
	v, _ := newSignedVertex(t, []dag.ID{unknown}, []byte("x"))

	err := store.Put(v, false)
	require.ErrorIs(t, err, dag.ErrUnknownParent)
}

func TestStorePutAndTipMaintenance(t *testing.T) {
	store := dag.NewStore(time.Minute)

	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))
	require.ElementsMatch(t, []dag.ID{genesis.ID()}, store.Tips())

	child, _ := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("child"))
	require.NoError(t, store.Put(child, false))

	require.ElementsMatch(t, []dag.ID{child.ID()}, store.Tips())

	got, ok := store.Get(genesis.ID())
	require.True(t, ok)
	require.Equal(t, genesis.ID(), got.ID())

	kids, ok := store.ChildrenOf(genesis.ID())
	require.True(t, ok)
	require.Equal(t, []dag.ID{child.ID()}, kids)
}

func TestStoreDuplicateID(t *testing.T) {
	store := dag.NewStore(time.Minute)
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))
	err := store.Put(genesis, true)
	require.ErrorIs(t, err, dag.ErrDuplicateID)
}

func TestStoreMarkStatusMonotonic(t *testing.T) {
	store := dag.NewStore(time.Minute)
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))

	require.NoError(t, store.MarkStatus(genesis.ID(), dag.StatusAccepted))
	require.NoError(t, store.MarkStatus(genesis.ID(), dag.StatusFinal))

	err := store.MarkStatus(genesis.ID(), dag.StatusAccepted)
	require.ErrorIs(t, err, dag.ErrAlreadyFinal)

	status, ok := store.Status(genesis.ID())
	require.True(t, ok)
	require.Equal(t, dag.StatusFinal, status)
}

func TestStoreConflictSet(t *testing.T) {
	store := dag.NewStore(time.Minute)
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))

	slot := dag.ConflictSlot{0x42}
	v1, _ := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("spend-a"))
	v2, _ := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("spend-b"))

	require.NoError(t, store.PutConflict(v1, false, slot))
	require.NoError(t, store.PutConflict(v2, false, slot))

	require.ElementsMatch(t, []dag.ID{v2.ID()}, store.ConflictSet(v1.ID()))
	require.ElementsMatch(t, []dag.ID{v1.ID()}, store.ConflictSet(v2.ID()))
}

func TestStoreGCRetention(t *testing.T) {
	store := dag.NewStore(10 * time.Millisecond)
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))
	v, _ := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("x"))
	require.NoError(t, store.Put(v, false))
	require.NoError(t, store.MarkStatus(v.ID(), dag.StatusRejected))

	removed := store.GC(time.Now())
	require.Equal(t, 0, removed, "retention window has not elapsed yet")

	_, ok := store.Get(v.ID())
	require.True(t, ok, "rejected vertex must stay queryable within the retention window")

	removed = store.GC(time.Now().Add(time.Hour))
	require.Equal(t, 1, removed)

	_, ok = store.Get(v.ID())
	require.False(t, ok)
}

func TestStoreAncestorsCycleDetection(t *testing.T) {
	store := dag.NewStore(time.Minute)
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))
	v, _ := newSignedVertex(t, []dag.ID{genesis.ID()}, []byte("x"))
	require.NoError(t, store.Put(v, false))

	ancestors, err := store.Ancestors(context.Background(), v.ID(), 10)
	require.NoError(t, err)
	require.Equal(t, []dag.ID{genesis.ID()}, ancestors)
}

func TestSampleParentsDegradesToFullSet(t *testing.T) {
	store := dag.NewStore(time.Minute)
	genesis, _ := newSignedVertex(t, nil, []byte("genesis"))
	require.NoError(t, store.Put(genesis, true))

	got := store.SampleParents(10, nil)
	require.Len(t, got, 1)
	require.Equal(t, genesis.ID(), got[0])
}

func TestIDLessByteLexicographic(t *testing.T) {
	a := dag.ID{0x01}
	b := dag.ID{0x02}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}
