package onion

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/qrledger/core/crypto/pq"
)

const (
	// MinHops and MaxHops bound circuit length, per spec §4.4.
	MinHops = 3
	MaxHops = 7

	// CellSize is the normalized on-wire cell length: every cell, real or
	// cover, is padded to exactly this many bytes so an observer cannot
	// distinguish traffic by size.
	CellSize = 1024

	// Circuit rotation thresholds/defaults, per spec §4.4's closure
	// conditions; all three are overridable per circuit via CircuitLimits
	// (spec §6's max_circuit_bytes/max_circuit_age_s config keys).
	MaxMessagesPerCircuit = 1 << 16
	MaxBytesPerCircuit    = 100 << 20 // 100 MB default max_circuit_bytes
	MaxCircuitAge         = time.Hour // default max_circuit_age
	MaxFailuresPerCircuit = 3         // default max_failures

	// hopBuildTimeout and buildTimeout bound circuit construction, per spec
	// §4.4: "fail CircuitBuildFailed if any hop does not respond within the
	// per-hop timeout (2s), or if the cumulative build time exceeds 10s."
	hopBuildTimeout = 2 * time.Second
	buildTimeout    = 10 * time.Second
)

const (
	opForward byte = 1
	opDeliver byte = 2
)

// CircuitID identifies a circuit to every relay along its path.
type CircuitID [16]byte

// NewCircuitID draws a fresh random circuit identifier.
func NewCircuitID() (CircuitID, error) {
	var id CircuitID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return CircuitID{}, fmt.Errorf("%w: circuit id: %v", ErrCircuitBuildFailed, err)
	}
	return id, nil
}

// CircuitStatus is a circuit's lifecycle stage, per spec §3.
type CircuitStatus uint8

const (
	CircuitBuilding CircuitStatus = iota
	CircuitActive
	CircuitDegraded
	CircuitClosed
)

func (s CircuitStatus) String() string {
	switch s {
	case CircuitBuilding:
		return "building"
	case CircuitActive:
		return "active"
	case CircuitDegraded:
		return "degraded"
	case CircuitClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CircuitLimits bounds one circuit's lifetime before rotation, per spec
// §4.4/§6. Zero fields fall back to the package defaults.
type CircuitLimits struct {
	MaxBytes    uint64
	MaxAge      time.Duration
	MaxFailures int
}

func (l CircuitLimits) withDefaults() CircuitLimits {
	if l.MaxBytes == 0 {
		l.MaxBytes = MaxBytesPerCircuit
	}
	if l.MaxAge == 0 {
		l.MaxAge = MaxCircuitAge
	}
	if l.MaxFailures == 0 {
		l.MaxFailures = MaxFailuresPerCircuit
	}
	return l
}

// hopKeys holds the derived send/receive AEAD ciphers for one hop.
type hopKeys struct {
	relay string
	send  cipher.AEAD
	recv  cipher.AEAD

	sendNonce uint64
	recvSeen *ReplayTable
}

// Circuit is a client-built path through MinHops..MaxHops relays, each
// hop's symmetric keys derived from an ML-KEM-768 encapsulation to that
// relay's public key, per spec §4.4.
type Circuit struct {
	mu sync.Mutex

	id     CircuitID
	hops   []*hopKeys
	status CircuitStatus
	limits CircuitLimits

	createdAt time.Time
	msgCount  uint64
	byteCount uint64

	successes int
	failures  int
	rttEWMA   time.Duration
}

// HopTicket is the per-hop key-establishment material a client sends
// along when building a circuit: the ML-KEM ciphertext encapsulated to
// that hop's public key. The relay decapsulates it to derive the same
// send/recv keys the client derived.
type HopTicket struct {
	Relay      string
	Ciphertext []byte
}

// BuildCircuit encapsulates a fresh shared secret to each relay's public
// key in order and derives per-hop ChaCha20-Poly1305 keys from it via
// HKDF, returning both the client-side Circuit and the tickets to send to
// each relay during circuit setup. The returned circuit uses the package's
// default rotation thresholds; use BuildCircuitWithLimits to override them.
func BuildCircuit(id CircuitID, relayIDs []string, relayKeys []*pq.KEMPublicKey) (*Circuit, []HopTicket, error) {
	return BuildCircuitWithLimits(id, relayIDs, relayKeys, CircuitLimits{})
}

// BuildCircuitWithLimits is BuildCircuit with an explicit CircuitLimits,
// for callers (the circuit pool, tests exercising non-default rotation
// thresholds) that need bounds other than the package defaults.
func BuildCircuitWithLimits(id CircuitID, relayIDs []string, relayKeys []*pq.KEMPublicKey, limits CircuitLimits) (*Circuit, []HopTicket, error) {
	if len(relayIDs) != len(relayKeys) {
		return nil, nil, fmt.Errorf("%w: relay id/key count mismatch", ErrCircuitBuildFailed)
	}
	if len(relayIDs) < MinHops {
		return nil, nil, ErrTooFewHops
	}
	if len(relayIDs) > MaxHops {
		return nil, nil, ErrTooManyHops
	}

	c := &Circuit{id: id, createdAt: time.Now(), status: CircuitBuilding, limits: limits.withDefaults()}
	tickets := make([]HopTicket, 0, len(relayIDs))

	for i, pk := range relayKeys {
		ct, secret, err := pq.KEMEncapsulate(pk)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: hop %d: %v", ErrCircuitBuildFailed, i, err)
		}
		hop, err := deriveHop(relayIDs[i], secret, id, false)
		if err != nil {
			return nil, nil, err
		}
		c.hops = append(c.hops, hop)
		tickets = append(tickets, HopTicket{Relay: relayIDs[i], Ciphertext: ct})
	}
	return c, tickets, nil
}

// AcceptHop is the relay side of circuit setup: given the shared secret
// recovered by decapsulating a client's HopTicket, derive this hop's
// send/recv keys. isRelay flips the HKDF info labels so the relay's send
// key matches the client's recv key and vice versa.
func AcceptHop(relay string, secret []byte, id CircuitID) (*hopKeys, error) {
	return deriveHop(relay, secret, id, true)
}

func deriveHop(relay string, secret []byte, id CircuitID, isRelay bool) (*hopKeys, error) {
	c2rInfo, r2cInfo := []byte("onion-c2r"), []byte("onion-r2c")
	sendInfo, recvInfo := c2rInfo, r2cInfo
	if isRelay {
		sendInfo, recvInfo = r2cInfo, c2rInfo
	}

	sendKey, err := hkdfExpand(secret, id[:], sendInfo)
	if err != nil {
		return nil, err
	}
	recvKey, err := hkdfExpand(secret, id[:], recvInfo)
	if err != nil {
		return nil, err
	}

	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCircuitBuildFailed, err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCircuitBuildFailed, err)
	}

	return &hopKeys{
		relay:    relay,
		send:     sendAEAD,
		recv:     recvAEAD,
		recvSeen: NewReplayTable(5 * time.Minute),
	}, nil
}

func hkdfExpand(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrCircuitBuildFailed, err)
	}
	return key, nil
}

// NeedsRotation reports whether c has crossed one of the message, byte,
// age, or failure thresholds and should be torn down and rebuilt, per spec
// §4.4's closure conditions (generalizing qzmq's per-session key rotation
// thresholds to circuit lifetime).
func (c *Circuit) NeedsRotation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == CircuitClosed ||
		c.msgCount >= MaxMessagesPerCircuit ||
		c.byteCount > c.limits.MaxBytes ||
		time.Since(c.createdAt) > c.limits.MaxAge ||
		c.failures > c.limits.MaxFailures
}

// Status returns c's current lifecycle stage.
func (c *Circuit) Status() CircuitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// MarkActive transitions a building circuit to active once every hop has
// acknowledged its ticket. No-op once c is closed: per spec §3 a closed
// circuit is never reactivated.
func (c *Circuit) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == CircuitClosed {
		return
	}
	c.status = CircuitActive
}

// MarkDegraded flags c as still usable but deprioritized, without tearing
// it down outright. No-op once c is closed.
func (c *Circuit) MarkDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == CircuitClosed {
		return
	}
	c.status = CircuitDegraded
}

// Close transitions c to closed. Idempotent; per spec §3 a closed circuit
// is never reactivated, so every other status method refuses to move it
// back out of CircuitClosed.
func (c *Circuit) Close() {
	c.mu.Lock()
	c.status = CircuitClosed
	c.mu.Unlock()
}

// RecordSend accounts for one cell sent over c, for rotation bookkeeping.
func (c *Circuit) RecordSend(n int) {
	c.mu.Lock()
	c.msgCount++
	c.byteCount += uint64(n)
	c.mu.Unlock()
}

// RecordOutcome feeds a query round-trip result into c's quality score:
// ok reports whether the circuit delivered successfully, rtt is the
// observed round trip time.
func (c *Circuit) RecordOutcome(ok bool, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.successes++
	} else {
		c.failures++
	}
	if c.rttEWMA == 0 {
		c.rttEWMA = rtt
	} else {
		c.rttEWMA = (c.rttEWMA*4 + rtt) / 5
	}
}

// Quality scores c for circuit selection: a weighted blend of success
// ratio, remaining bandwidth (one minus the share of the circuit's byte
// budget, limits.MaxBytes, already sent), and latency, per spec §4.4's
// scoring formula.
func (c *Circuit) Quality() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.successes + c.failures
	successRatio := 1.0
	if total > 0 {
		successRatio = float64(c.successes) / float64(total)
	}

	bandwidthNorm := 1.0 - clamp01(float64(c.byteCount)/float64(c.limits.MaxBytes))

	// An unmeasured circuit gets no latency credit: crediting it as if it
	// had already proven a perfect round trip let a single real (if fast)
	// measurement lower a circuit's score relative to one nobody has ever
	// queried yet, the opposite of what Quality is meant to reward.
	rttNorm := 0.0
	if c.rttEWMA > 0 {
		rttNorm = clamp01(1.0 - float64(c.rttEWMA)/float64(time.Second))
	}

	return 0.5*successRatio + 0.3*bandwidthNorm + 0.2*rttNorm
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// ID returns the circuit's identifier.
func (c *Circuit) ID() CircuitID { return c.id }

// Len returns the number of hops in c.
func (c *Circuit) Len() int { return len(c.hops) }
