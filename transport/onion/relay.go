package onion

import (
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/qrledger/core/crypto/pq"
)

// ReplayTable records nonces seen on one circuit hop within a sliding
// window, rejecting any repeat — the relay-side defense against a
// replayed cell (spec §8 Scenario C). Entries older than window are
// pruned lazily on Check.
type ReplayTable struct {
	mu     sync.Mutex
	seen   map[[chacha20poly1305.NonceSize]byte]time.Time
	window time.Duration
}

// NewReplayTable returns an empty replay table with the given retention
// window.
func NewReplayTable(window time.Duration) *ReplayTable {
	return &ReplayTable{
		seen:   make(map[[chacha20poly1305.NonceSize]byte]time.Time),
		window: window,
	}
}

// Check returns true if nonce has not been seen within the window (and
// records it), false if it's a replay.
func (rt *ReplayTable) Check(nonce [chacha20poly1305.NonceSize]byte) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	if seenAt, ok := rt.seen[nonce]; ok && now.Sub(seenAt) < rt.window {
		return false
	}
	rt.seen[nonce] = now
	if len(rt.seen)%256 == 0 {
		rt.prune(now)
	}
	return true
}

func (rt *ReplayTable) prune(now time.Time) {
	for n, t := range rt.seen {
		if now.Sub(t) > rt.window {
			delete(rt.seen, n)
		}
	}
}

// Relay is the server side of one mix-net node: it holds a long-lived
// ML-KEM identity keypair and, for each circuit routed through it, the
// hop keys derived from that circuit's setup ticket.
type Relay struct {
	id   string
	pk   *pq.KEMPublicKey
	sk   *pq.KEMSecretKey

	mu    sync.Mutex
	hops  map[CircuitID]*hopKeys
}

// NewRelay generates a fresh ML-KEM identity for a relay named id.
func NewRelay(id string) (*Relay, error) {
	pk, sk, err := pq.KEMGenerate()
	if err != nil {
		return nil, err
	}
	return &Relay{id: id, pk: pk, sk: sk, hops: make(map[CircuitID]*hopKeys)}, nil
}

// PublicKey returns the relay's ML-KEM public key, published in the
// validator/relay directory.
func (r *Relay) PublicKey() *pq.KEMPublicKey { return r.pk }

// ID returns the relay's identifier.
func (r *Relay) ID() string { return r.id }

// AcceptTicket decapsulates a client's HopTicket to establish this
// relay's share of a circuit, registering its hop keys for later cell
// processing.
func (r *Relay) AcceptTicket(id CircuitID, ticket HopTicket) error {
	secret, err := pq.KEMDecapsulate(r.sk, ticket.Ciphertext)
	if err != nil {
		return err
	}
	hop, err := AcceptHop(r.id, secret, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.hops[id] = hop
	r.mu.Unlock()
	return nil
}

// Process decrypts one layer of a cell addressed to this relay on
// circuit id, returning what to do with the remainder: forward it to
// NextHop, or deliver it locally.
func (r *Relay) Process(id CircuitID, payload []byte) (PeelResult, error) {
	r.mu.Lock()
	hop, ok := r.hops[id]
	r.mu.Unlock()
	if !ok {
		return PeelResult{}, ErrUnknownHop
	}
	return PeelLayer(hop, id, payload)
}

// Forget drops a circuit's hop state, called when the circuit is torn
// down or rotated out (spec §4.4).
func (r *Relay) Forget(id CircuitID) {
	r.mu.Lock()
	delete(r.hops, id)
	r.mu.Unlock()
}
