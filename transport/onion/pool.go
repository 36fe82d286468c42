package onion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qrledger/core/crypto/pq"
)

// RelaySource supplies hopCount distinct relays for a fresh circuit, in
// hop order, per spec §4.4's circuit construction step 1.
type RelaySource interface {
	SampleRelays(hopCount int) (ids []string, keys []*pq.KEMPublicKey, err error)
}

// TicketSender delivers one hop's HopTicket to its relay during circuit
// construction: the network half of circuit setup that BuildCircuit
// itself does not perform (BuildCircuit only does the local ML-KEM
// encapsulation). Implementations bound each send to ctx's deadline.
type TicketSender interface {
	SendTicket(ctx context.Context, relay string, id CircuitID, ticket HopTicket) error
}

// PoolConfig configures a Pool's target size, circuit length, and
// per-circuit rotation thresholds, per spec §4.4/§6.
type PoolConfig struct {
	Hops      int
	MinActive int
	Limits    CircuitLimits
}

// DefaultPoolConfig returns spec §4.4's defaults: 3-hop circuits, a pool
// of at least 3 active circuits, default rotation thresholds.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Hops: MinHops, MinActive: 3, Limits: CircuitLimits{}.withDefaults()}
}

// Pool maintains a set of pre-built circuits so a send never blocks on a
// fresh build, per spec §4.4: "a node maintains a pool of >= 3 active
// circuits ... a fresh circuit is built in advance so throughput never
// drops to zero." Pool membership changes (build, evict) only happen
// inside Refill, serialized by mu — the single writer; Best and Send
// only ever Load the current circuit slice, a lock-free snapshot reads
// never block behind a build in progress, matching spec §4.5's stated
// concurrency model ("single writer on build/close, many readers on
// send").
type Pool struct {
	cfg    PoolConfig
	source RelaySource
	sender TicketSender
	log    *zap.Logger

	mu       sync.Mutex
	circuits atomic.Pointer[[]*Circuit]
}

// NewPool constructs a Pool with no circuits yet; call Refill before the
// first Send (or rely on Send's own ErrNoUsableCircuit until it has).
func NewPool(cfg PoolConfig, source RelaySource, sender TicketSender, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Hops <= 0 {
		cfg.Hops = MinHops
	}
	if cfg.MinActive <= 0 {
		cfg.MinActive = 3
	}
	cfg.Limits = cfg.Limits.withDefaults()

	p := &Pool{cfg: cfg, source: source, sender: sender, log: log}
	empty := []*Circuit{}
	p.circuits.Store(&empty)
	return p
}

func (p *Pool) snapshot() []*Circuit {
	return *p.circuits.Load()
}

// ActiveCount reports how many pooled circuits are currently active.
func (p *Pool) ActiveCount() int {
	n := 0
	for _, c := range p.snapshot() {
		if c.Status() == CircuitActive {
			n++
		}
	}
	return n
}

// Refill evicts any circuit that now needs rotation and builds fresh
// ones until at least MinActive are active, per spec §4.4's build-ahead
// requirement. Call it after every Send (or on a timer) so the pool
// never runs dry. It is the pool's single writer: concurrent Refill
// calls serialize on mu, and Best/Send never block behind one.
func (p *Pool) Refill(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := make([]*Circuit, 0, len(p.snapshot()))
	active := 0
	for _, c := range p.snapshot() {
		if c.NeedsRotation() {
			c.Close()
		}
		if c.Status() == CircuitClosed {
			continue
		}
		kept = append(kept, c)
		if c.Status() == CircuitActive {
			active++
		}
	}

	for active < p.cfg.MinActive {
		c, err := p.build(ctx)
		if err != nil {
			p.circuits.Store(&kept)
			return err
		}
		kept = append(kept, c)
		active++
	}

	p.circuits.Store(&kept)
	return nil
}

func (p *Pool) build(ctx context.Context) (*Circuit, error) {
	buildCtx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	ids, keys, err := p.source.SampleRelays(p.cfg.Hops)
	if err != nil {
		return nil, fmt.Errorf("%w: sampling relays: %v", ErrCircuitBuildFailed, err)
	}
	id, err := NewCircuitID()
	if err != nil {
		return nil, err
	}
	circuit, tickets, err := BuildCircuitWithLimits(id, ids, keys, p.cfg.Limits)
	if err != nil {
		return nil, err
	}

	for i, ticket := range tickets {
		hopCtx, hopCancel := context.WithTimeout(buildCtx, hopBuildTimeout)
		err := p.sender.SendTicket(hopCtx, ids[i], id, ticket)
		hopCancel()
		if err != nil {
			return nil, fmt.Errorf("%w: hop %d (%s): %v", ErrCircuitBuildFailed, i, ids[i], err)
		}
	}

	circuit.MarkActive()
	p.log.Debug("circuit built", zap.Int("hops", len(ids)))
	return circuit, nil
}

// Best returns the highest-quality active circuit not in exclude.
func (p *Pool) Best(exclude map[CircuitID]bool) (*Circuit, error) {
	var best *Circuit
	bestQ := -1.0
	for _, c := range p.snapshot() {
		if c.Status() != CircuitActive || exclude[c.ID()] {
			continue
		}
		if q := c.Quality(); q > bestQ {
			bestQ, best = q, c
		}
	}
	if best == nil {
		return nil, ErrNoUsableCircuit
	}
	return best, nil
}

// maxSendAlternates bounds how many distinct circuits one Send call will
// try, per spec §7's propagation policy: "retries circuit selection (not
// the message) ... up to 3 alternates."
const maxSendAlternates = 3

// Send picks the pool's best available circuit and invokes fn with it,
// recording the round-trip outcome for rotation and quality bookkeeping.
// On failure it retries with up to maxSendAlternates-1 other circuits —
// the circuit choice changes, fn's payload does not — before giving up
// with ErrPeerUnreachable. n is the payload length in bytes, charged
// against the chosen circuit's byte budget.
func (p *Pool) Send(ctx context.Context, n int, fn func(*Circuit) error) error {
	tried := make(map[CircuitID]bool, maxSendAlternates)
	var lastErr error

	for attempt := 0; attempt < maxSendAlternates; attempt++ {
		c, err := p.Best(tried)
		if err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %v", ErrPeerUnreachable, lastErr)
			}
			return err
		}
		tried[c.ID()] = true

		start := time.Now()
		sendErr := fn(c)
		c.RecordSend(n)
		c.RecordOutcome(sendErr == nil, time.Since(start))
		if c.NeedsRotation() {
			c.Close()
		}

		if sendErr == nil {
			return nil
		}
		lastErr = sendErr
	}
	return fmt.Errorf("%w: exhausted %d circuit alternates: %v", ErrPeerUnreachable, maxSendAlternates, lastErr)
}
