package pq

import (
	circlkem "github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/schemes"
)

// kemScheme is resolved once; ML-KEM-768 is the only KEM algorithm this
// module speaks, per spec's fixed kem_algorithm configuration option.
var kemScheme = schemes.ByName("ML-KEM-768")

// Published sizes from the NIST FIPS 203 parameter set. Callers may rely
// on these instead of querying the scheme at runtime.
const (
	KEMPublicKeySize  = 1184
	KEMSecretKeySize  = 2400
	KEMCiphertextSize = 1088
	KEMSharedSecretSize = 32
)

// KEMPublicKey is an ML-KEM-768 encapsulation key.
type KEMPublicKey struct {
	pk circlkem.PublicKey
}

// KEMSecretKey is an ML-KEM-768 decapsulation key. Destroy must be called
// once the key is no longer needed so the backing material is erased.
type KEMSecretKey struct {
	sk  circlkem.PrivateKey
	raw []byte
}

// KEMGenerate creates a fresh ML-KEM-768 key pair using the platform CSPRNG.
// It fails closed rather than generating from a starved entropy pool: spec
// §4.1 requires key generation to surface ErrEntropyUnavailable instead of
// silently producing a weak key.
func KEMGenerate() (*KEMPublicKey, *KEMSecretKey, error) {
	if err := CheckEntropy(SystemEntropy, KEMSharedSecretSize); err != nil {
		return nil, nil, err
	}
	pk, sk, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, newCryptoError(ErrEntropyUnavailable)
	}
	raw, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, newCryptoError(ErrInvalidKey)
	}
	return &KEMPublicKey{pk: pk}, &KEMSecretKey{sk: sk, raw: raw}, nil
}

// Bytes returns the wire encoding of the public key.
func (k *KEMPublicKey) Bytes() ([]byte, error) {
	b, err := k.pk.MarshalBinary()
	if err != nil {
		return nil, newCryptoError(ErrInvalidKey)
	}
	return b, nil
}

// ParseKEMPublicKey decodes a wire-format ML-KEM-768 public key.
func ParseKEMPublicKey(b []byte) (*KEMPublicKey, error) {
	if len(b) != KEMPublicKeySize {
		return nil, newCryptoError(ErrInvalidKey)
	}
	pk, err := kemScheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, newCryptoError(ErrInvalidKey)
	}
	return &KEMPublicKey{pk: pk}, nil
}

// Destroy overwrites the secret key material. The key must not be used
// afterward.
func (k *KEMSecretKey) Destroy() {
	for i := range k.raw {
		k.raw[i] = 0
	}
	k.sk = nil
}

// KEMEncapsulate generates a fresh shared secret encapsulated to pk.
func KEMEncapsulate(pk *KEMPublicKey) (ciphertext, sharedSecret []byte, err error) {
	if pk == nil || pk.pk == nil {
		return nil, nil, newCryptoError(ErrInvalidKey)
	}
	ct, ss, err := kemScheme.Encapsulate(pk.pk)
	if err != nil {
		return nil, nil, newCryptoError(ErrInvalidKey)
	}
	return ct, ss, nil
}

// KEMDecapsulate recovers the shared secret from a ciphertext produced by
// KEMEncapsulate for the matching public key.
func KEMDecapsulate(sk *KEMSecretKey, ciphertext []byte) ([]byte, error) {
	if sk == nil || sk.sk == nil {
		return nil, newCryptoError(ErrInvalidKey)
	}
	if len(ciphertext) != KEMCiphertextSize {
		return nil, newCryptoError(ErrInvalidCiphertext)
	}
	ss, err := kemScheme.Decapsulate(sk.sk, ciphertext)
	if err != nil {
		return nil, newCryptoError(ErrInvalidCiphertext)
	}
	return ss, nil
}
