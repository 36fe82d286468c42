// Package node wires a dag.Store, a consensus.Engine, and a relay
// directory into one running participant, per spec.md §4.5.
package node

import (
	"fmt"
	"time"

	"github.com/qrledger/core/consensus"
	"github.com/qrledger/core/crypto/pq"
)

// DefaultStalenessBound is how old a Directory snapshot may be before a
// node must refuse to start new consensus rounds against it, per spec
// §4.5.
const DefaultStalenessBound = 24 * time.Hour

// Member describes one validator/relay entry in a Directory.
type Member struct {
	PeerID    consensus.PeerID
	SigKey    *pq.SigPublicKey
	RelayAddr string // onion relay network address, empty if not a relay
}

// Directory is a signed, epoch-snapshotted view of the validator/relay
// set, grounded on the "readers never block writers" shared-resource
// model spec §5 describes: a node swaps in a new *Directory atomically
// rather than mutating one in place.
type Directory struct {
	Epoch     uint64
	Members   []Member
	SignedAt  time.Time
	Signature []byte
	signer    *pq.SigPublicKey
}

// canonical returns the bytes the directory's signature covers: every
// field except the signature itself.
func (d *Directory) canonical() []byte {
	var buf []byte
	var epoch [8]byte
	for i := 0; i < 8; i++ {
		epoch[i] = byte(d.Epoch >> (8 * i))
	}
	buf = append(buf, epoch[:]...)
	for _, m := range d.Members {
		pkBytes, _ := m.SigKey.Bytes()
		buf = append(buf, pkBytes...)
		buf = append(buf, []byte(m.PeerID)...)
		buf = append(buf, []byte(m.RelayAddr)...)
	}
	ts := d.SignedAt.UnixMilli()
	var tb [8]byte
	for i := 0; i < 8; i++ {
		tb[i] = byte(ts >> (8 * i))
	}
	return append(buf, tb[:]...)
}

// SignDirectory builds and signs a fresh directory snapshot.
func SignDirectory(epoch uint64, members []Member, signer *pq.SigPublicKey, sk *pq.SigSecretKey) (*Directory, error) {
	d := &Directory{Epoch: epoch, Members: members, SignedAt: time.Now(), signer: signer}
	sig, err := pq.SigSign(sk, d.canonical())
	if err != nil {
		return nil, fmt.Errorf("node: signing directory: %w", err)
	}
	d.Signature = sig
	return d, nil
}

// Verify checks d's signature against its claimed signer.
func (d *Directory) Verify() error {
	if !pq.SigVerify(d.signer, d.canonical(), d.Signature) {
		return ErrDirectoryBadSignature
	}
	return nil
}

// Stale reports whether d is older than bound as of now.
func (d *Directory) Stale(now time.Time, bound time.Duration) bool {
	return now.Sub(d.SignedAt) > bound
}

// PeerIDs returns every member's consensus peer id, for seeding a
// consensus.PeerSet.
func (d *Directory) PeerIDs() []consensus.PeerID {
	out := make([]consensus.PeerID, len(d.Members))
	for i, m := range d.Members {
		out[i] = m.PeerID
	}
	return out
}
