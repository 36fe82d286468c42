package pq

import (
	circlsign "github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
)

// sigScheme is resolved once; ML-DSA-65 is the only signature algorithm
// this module speaks, per spec's fixed sig_algorithm configuration
// option.
var sigScheme = schemes.ByName("ML-DSA-65")

// Published sizes from the NIST FIPS 204 parameter set.
const (
	SigPublicKeySize = 1952
	SigSecretKeySize = 4032
	SignatureSize    = 3293
)

// SigPublicKey is an ML-DSA-65 verification key; it also serves as the
// vertex "author" field in the data model.
type SigPublicKey struct {
	pk circlsign.PublicKey
}

// SigSecretKey is an ML-DSA-65 signing key.
type SigSecretKey struct {
	sk  circlsign.PrivateKey
	raw []byte
}

// SigGenerate creates a fresh ML-DSA-65 key pair. It fails closed rather
// than generating from a starved entropy pool, per spec §4.1.
func SigGenerate() (*SigPublicKey, *SigSecretKey, error) {
	if err := CheckEntropy(SystemEntropy, HashSize); err != nil {
		return nil, nil, err
	}
	pk, sk, err := sigScheme.GenerateKey()
	if err != nil {
		return nil, nil, newCryptoError(ErrEntropyUnavailable)
	}
	raw, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, newCryptoError(ErrInvalidKey)
	}
	return &SigPublicKey{pk: pk}, &SigSecretKey{sk: sk, raw: raw}, nil
}

// Bytes returns the wire encoding of the verification key.
func (k *SigPublicKey) Bytes() ([]byte, error) {
	b, err := k.pk.MarshalBinary()
	if err != nil {
		return nil, newCryptoError(ErrInvalidKey)
	}
	return b, nil
}

// Equal reports whether two public keys are the same key.
func (k *SigPublicKey) Equal(other *SigPublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	a, errA := k.Bytes()
	b, errB := other.Bytes()
	if errA != nil || errB != nil {
		return false
	}
	return CtEq(a, b)
}

// ParseSigPublicKey decodes a wire-format ML-DSA-65 verification key.
func ParseSigPublicKey(b []byte) (*SigPublicKey, error) {
	if len(b) != SigPublicKeySize {
		return nil, newCryptoError(ErrInvalidKey)
	}
	pk, err := sigScheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, newCryptoError(ErrInvalidKey)
	}
	return &SigPublicKey{pk: pk}, nil
}

// Destroy overwrites the secret key material. The key must not be used
// afterward.
func (k *SigSecretKey) Destroy() {
	for i := range k.raw {
		k.raw[i] = 0
	}
	k.sk = nil
}

// SigSign signs msg with sk, returning a detached ML-DSA-65 signature.
func SigSign(sk *SigSecretKey, msg []byte) ([]byte, error) {
	if sk == nil || sk.sk == nil {
		return nil, newCryptoError(ErrInvalidKey)
	}
	return sigScheme.Sign(sk.sk, msg, nil), nil
}

// SigVerify reports whether sig is a valid ML-DSA-65 signature over msg
// under pk.
func SigVerify(pk *SigPublicKey, msg, sig []byte) bool {
	if pk == nil || pk.pk == nil {
		return false
	}
	return sigScheme.Verify(pk.pk, msg, sig, nil)
}
