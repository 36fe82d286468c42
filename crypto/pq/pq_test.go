package pq_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qrledger/core/crypto/pq"
)

func TestKEMRoundTrip(t *testing.T) {
	require := require.New(t)

	pk, sk, err := pq.KEMGenerate()
	require.NoError(err)
	defer sk.Destroy()

	ct, ss, err := pq.KEMEncapsulate(pk)
	require.NoError(err)
	require.Len(ct, pq.KEMCiphertextSize)
	require.Len(ss, pq.KEMSharedSecretSize)

	got, err := pq.KEMDecapsulate(sk, ct)
	require.NoError(err)
	require.True(pq.CtEq(ss, got))
}

func TestKEMTamperedCiphertext(t *testing.T) {
	require := require.New(t)

	pk, sk, err := pq.KEMGenerate()
	require.NoError(err)
	defer sk.Destroy()

	ct, _, err := pq.KEMEncapsulate(pk)
	require.NoError(err)

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0x01

	_, err = pq.KEMDecapsulate(sk, tampered)
	require.Error(err)
}

func TestKEMInvalidPublicKey(t *testing.T) {
	_, err := pq.ParseKEMPublicKey([]byte("too short"))
	require.ErrorIs(t, err, pq.ErrInvalidKey)
}

func TestSigRoundTrip(t *testing.T) {
	require := require.New(t)

	pk, sk, err := pq.SigGenerate()
	require.NoError(err)
	defer sk.Destroy()

	msg := []byte("qr-avalanche vertex canonical bytes")
	sig, err := pq.SigSign(sk, msg)
	require.NoError(err)
	require.Len(sig, pq.SignatureSize)
	require.True(pq.SigVerify(pk, msg, sig))
}

func TestSigRejectsWrongMessage(t *testing.T) {
	require := require.New(t)

	pk, sk, err := pq.SigGenerate()
	require.NoError(err)
	defer sk.Destroy()

	sig, err := pq.SigSign(sk, []byte("original"))
	require.NoError(err)
	require.False(pq.SigVerify(pk, []byte("tampered"), sig))
}

func TestHashDeterministic(t *testing.T) {
	a := pq.Hash([]byte("vertex bytes"))
	b := pq.Hash([]byte("vertex bytes"))
	require.Equal(t, a, b)

	c := pq.Hash([]byte("different bytes"))
	require.NotEqual(t, a, c)
}

func TestChunkedHasherMatchesHash(t *testing.T) {
	data := []byte("this payload arrives in more than one chunk of bytes")
	want := pq.Hash(data)

	h := pq.NewChunkedHasher()
	_, err := h.Write(data[:10])
	require.NoError(t, err)
	_, err = h.Write(data[10:])
	require.NoError(t, err)

	require.Equal(t, want, h.Sum())
}

func TestCtEq(t *testing.T) {
	require.True(t, pq.CtEq([]byte("abc"), []byte("abc")))
	require.False(t, pq.CtEq([]byte("abc"), []byte("abd")))
	require.False(t, pq.CtEq([]byte("abc"), []byte("ab")))
}

func TestEntropyCheck(t *testing.T) {
	require.NoError(t, pq.CheckEntropy(pq.SystemEntropy, 32))
}
