package consensus

import (
	"sync"

	"github.com/qrledger/core/dag"
)

// QueryResponse is one peer's answer to a consensus query, per the wire
// format in spec §6: reject, accept, or no-preference (used for both a
// genuine "no preference" answer and a missing/timed-out response).
type QueryResponse uint8

const (
	RespReject QueryResponse = iota
	RespAccept
	RespNoPreference
)

// Poll collects the responses to a single in-flight query round for one
// vertex, from a fixed set of sampled peers. It mirrors the teacher's
// poll.Poll shape (Vote + Finished), specialized to three-way consensus
// responses instead of an ids.Bag of raw votes.
type Poll struct {
	mu        sync.Mutex
	vertex    dag.ID
	round     uint64
	k         int
	responses map[string]QueryResponse // keyed by peer id string
	done      bool
}

// NewPoll starts a poll for vertex over k sampled peers.
func NewPoll(vertex dag.ID, round uint64, k int) *Poll {
	return &Poll{
		vertex:    vertex,
		round:     round,
		k:         k,
		responses: make(map[string]QueryResponse, k),
	}
}

// Record stores peer's response. A peer responding twice in the same
// round only counts once (spec §4.3 step 1: "no peer sampled twice in
// one round" — Record enforces the response side of that guarantee).
func (p *Poll) Record(peer string, resp QueryResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.responses[peer] = resp
	if len(p.responses) >= p.k {
		p.done = true
	}
}

// Finished reports whether every sampled peer has responded.
func (p *Poll) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Close marks the poll finished regardless of response count, called
// when query_timeout elapses (spec §4.3 step 3).
func (p *Poll) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
}

// Tally returns the explicit accept and reject counts. Responses absent
// from the map (never arrived) and RespNoPreference responses both count
// as "no preference", per spec §4.3 step 3.
func (p *Poll) Tally() (acceptCount, rejectCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.responses {
		switch r {
		case RespAccept:
			acceptCount++
		case RespReject:
			rejectCount++
		}
	}
	return acceptCount, rejectCount
}

// Set tracks the polls currently in flight, keyed by vertex (one poll per
// vertex at a time; the round number lives on the Poll itself),
// mirroring the teacher's poll.Set. Rounds for different vertices run
// concurrently; each entry is independent.
type Set struct {
	mu    sync.Mutex
	polls map[dag.ID]*Poll
}

// NewSet returns an empty poll set.
func NewSet() *Set {
	return &Set{polls: make(map[dag.ID]*Poll)}
}

// Start registers a new poll for vertex, replacing any prior poll for the
// same vertex (a vertex is only ever queried by one round at a time).
func (s *Set) Start(vertex dag.ID, round uint64, k int) *Poll {
	p := NewPoll(vertex, round, k)
	s.mu.Lock()
	s.polls[vertex] = p
	s.mu.Unlock()
	return p
}

// Get returns the in-flight poll for vertex, if any.
func (s *Set) Get(vertex dag.ID) (*Poll, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[vertex]
	return p, ok
}

// Remove drops the tracked poll for vertex once its round has been
// applied to the vertex's Record.
func (s *Set) Remove(vertex dag.ID) {
	s.mu.Lock()
	delete(s.polls, vertex)
	s.mu.Unlock()
}

// Len reports how many polls are currently in flight.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.polls)
}
