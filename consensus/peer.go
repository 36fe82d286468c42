package consensus

import (
	"math/rand"
	"sync"
)

// PeerID identifies a validator/peer for sampling and response bookkeeping.
type PeerID string

// reliabilityDecay and reliabilityRecover tune how fast a peer's sampling
// weight falls after a timeout and climbs back after a success. Values
// chosen so a peer needs several consecutive timeouts to be effectively
// excluded, and several successes to fully recover — avoiding one slow
// round flapping a peer in and out of the sample.
const (
	reliabilityDecay   = 0.7
	reliabilityRecover = 0.05
	reliabilityFloor   = 0.01 // never quite zero: a recovered peer can still be sampled
)

// PeerSet tracks the known validator set and each peer's responsiveness,
// used to weight sampling per spec §4.3 ("weighted by recent
// responsiveness") and to implement the failure semantics of spec §4.3 /
// §7 ("a burst of errors from one peer reduces its sampling weight").
type PeerSet struct {
	mu      sync.Mutex
	weights map[PeerID]float64
	rng     *rand.Rand
}

// NewPeerSet creates a peer set from an initial validator list, all
// starting at full reliability.
func NewPeerSet(peers []PeerID, seed int64) *PeerSet {
	ps := &PeerSet{
		weights: make(map[PeerID]float64, len(peers)),
		rng:     rand.New(rand.NewSource(seed)),
	}
	for _, p := range peers {
		ps.weights[p] = 1.0
	}
	return ps
}

// Update adds or removes peers to match the current validator directory.
func (ps *PeerSet) Update(peers []PeerID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	next := make(map[PeerID]float64, len(peers))
	for _, p := range peers {
		if w, ok := ps.weights[p]; ok {
			next[p] = w
		} else {
			next[p] = 1.0
		}
	}
	ps.weights = next
}

// OnTimeout decays peer's sampling weight after a missed or errored
// response.
func (ps *PeerSet) OnTimeout(peer PeerID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	w, ok := ps.weights[peer]
	if !ok {
		return
	}
	w *= reliabilityDecay
	if w < reliabilityFloor {
		w = reliabilityFloor
	}
	ps.weights[peer] = w
}

// OnSuccess nudges peer's sampling weight back toward 1.0 after a timely
// response.
func (ps *PeerSet) OnSuccess(peer PeerID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	w, ok := ps.weights[peer]
	if !ok {
		return
	}
	w += reliabilityRecover
	if w > 1.0 {
		w = 1.0
	}
	ps.weights[peer] = w
}

// Sample draws k distinct peers, weighted by reliability, without
// replacement within this call — spec §4.3 step 1. If k exceeds the
// known peer count it degrades gracefully to the full set (spec §8
// boundary behavior).
func (ps *PeerSet) Sample(k int) []PeerID {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ids := make([]PeerID, 0, len(ps.weights))
	w := make([]float64, 0, len(ps.weights))
	for p, weight := range ps.weights {
		ids = append(ids, p)
		w = append(w, weight)
	}
	if k >= len(ids) {
		out := make([]PeerID, len(ids))
		copy(out, ids)
		return out
	}

	out := make([]PeerID, 0, k)
	for len(out) < k && len(ids) > 0 {
		total := 0.0
		for _, weight := range w {
			total += weight
		}
		if total <= 0 {
			break
		}
		r := ps.rng.Float64() * total
		idx := 0
		cum := 0.0
		for i, weight := range w {
			cum += weight
			if r < cum {
				idx = i
				break
			}
		}
		out = append(out, ids[idx])
		ids = append(ids[:idx], ids[idx+1:]...)
		w = append(w[:idx], w[idx+1:]...)
	}
	return out
}

// Len returns the number of known peers.
func (ps *PeerSet) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.weights)
}
