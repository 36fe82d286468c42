// Package onion implements the layered mix-net transport described in
// spec.md §4.4: ML-KEM-keyed circuits, per-hop ChaCha20-Poly1305 cells,
// mix batching with cover traffic, and nonce-replay defense at each relay
// hop.
package onion

import "errors"

var (
	ErrTooFewHops         = errors.New("transport: circuit needs at least MinHops relays")
	ErrTooManyHops        = errors.New("transport: circuit exceeds MaxHops relays")
	ErrCircuitBuildFailed = errors.New("transport: circuit build failed")
	ErrMalformedCell      = errors.New("transport: malformed cell")
	ErrLayerAuthFailed    = errors.New("transport: layer authentication failed")
	ErrReplayedNonce      = errors.New("transport: nonce already seen on this hop")
	ErrCircuitExhausted   = errors.New("transport: circuit key material exhausted, rotation required")
	ErrUnknownHop         = errors.New("transport: no key material for this hop")

	// ErrNoUsableCircuit is returned when the pool holds no active circuit
	// to send over, per spec §7's transport error kinds.
	ErrNoUsableCircuit = errors.New("transport: no usable circuit in pool")
	// ErrPeerUnreachable is returned when every circuit alternate the pool
	// tried for one send failed, per spec §7's transport error kinds and
	// §7's "retries circuit selection ... up to 3 alternates" policy.
	ErrPeerUnreachable = errors.New("transport: peer unreachable over any circuit")
)
