package onion

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// wireVersion is the on-wire cell format version, per spec §6.
const wireVersion byte = 1

// Cell is the outermost frame carried between adjacent hops:
// version(1) || circuit_id(16) || layered_payload. layered_payload is
// itself nonce(12) || ciphertext, the outermost hop's AEAD-sealed layer.
type Cell struct {
	Version   byte
	CircuitID CircuitID
	Payload   []byte
}

// Encode serializes c for the wire.
func (c Cell) Encode() []byte {
	buf := make([]byte, 1+16+len(c.Payload))
	buf[0] = c.Version
	copy(buf[1:17], c.CircuitID[:])
	copy(buf[17:], c.Payload)
	return padToCellSize(buf)
}

// padToCellSize pads buf with random bytes up to CellSize, prefixed by a
// 2-byte little-endian length so the real content can be recovered, so
// real and cover cells are indistinguishable by size on the wire (spec
// §4.4 / §8 Scenario C).
func padToCellSize(buf []byte) []byte {
	out := make([]byte, CellSize)
	binary.LittleEndian.PutUint16(out[:2], uint16(len(buf)))
	copy(out[2:], buf)
	if len(buf)+2 < CellSize {
		rand.Read(out[2+len(buf):])
	}
	return out
}

// DecodeCell parses a padded wire cell back into its logical form.
func DecodeCell(wire []byte) (Cell, error) {
	if len(wire) != CellSize {
		return Cell{}, fmt.Errorf("%w: cell is not CellSize bytes", ErrMalformedCell)
	}
	n := int(binary.LittleEndian.Uint16(wire[:2]))
	if n < 17 || n > CellSize-2 {
		return Cell{}, fmt.Errorf("%w: invalid embedded length", ErrMalformedCell)
	}
	body := wire[2 : 2+n]
	var c Cell
	c.Version = body[0]
	copy(c.CircuitID[:], body[1:17])
	c.Payload = append([]byte(nil), body[17:]...)
	return c, nil
}

// IsCover reports whether wire decodes to a cover cell: cover cells carry
// a zero-length embedded payload by construction (see NewCoverCell).
func IsCover(wire []byte) bool {
	if len(wire) != CellSize {
		return false
	}
	return binary.LittleEndian.Uint16(wire[:2]) == 0
}

// NewCoverCell returns a randomly-filled cell of exactly CellSize bytes
// whose embedded length is zero, marking it as cover traffic to be
// dropped at the first relay that recognizes it, per spec §4.4.
func NewCoverCell() []byte {
	out := make([]byte, CellSize)
	rand.Read(out)
	binary.LittleEndian.PutUint16(out[:2], 0)
	return out
}

// encodeNextHop length-prefixes a relay id for embedding in a layer's
// plaintext: len(1) || id.
func encodeNextHop(id string) []byte {
	out := make([]byte, 1+len(id))
	out[0] = byte(len(id))
	copy(out[1:], id)
	return out
}

// Wrap builds the fully layered cell for delivering payload through c,
// innermost hop first, per spec §4.4: each layer is
// opcode(1) || [next_hop_len(1) || next_hop_id] || inner, sealed under
// that hop's send key with a fresh random nonce and the circuit id as
// associated data.
func Wrap(c *Circuit, payload []byte) (Cell, error) {
	c.mu.Lock()
	hops := make([]*hopKeys, len(c.hops))
	copy(hops, c.hops)
	id := c.id
	c.mu.Unlock()

	current := payload
	for i := len(hops) - 1; i >= 0; i-- {
		var plaintext []byte
		if i == len(hops)-1 {
			plaintext = append([]byte{opDeliver}, current...)
		} else {
			plaintext = append([]byte{opForward}, encodeNextHop(hops[i+1].relay)...)
			plaintext = append(plaintext, current...)
		}

		nonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return Cell{}, fmt.Errorf("%w: nonce: %v", ErrCircuitBuildFailed, err)
		}
		sealed := hops[i].send.Seal(nil, nonce, plaintext, id[:])
		current = append(append([]byte(nil), nonce...), sealed...)
	}

	c.RecordSend(CellSize)
	return Cell{Version: wireVersion, CircuitID: id, Payload: current}, nil
}

// PeelResult is the outcome of decrypting one hop's layer.
type PeelResult struct {
	Deliver bool   // true if this hop is the final destination
	NextHop string // set when !Deliver
	Inner   []byte // payload to deliver, or to forward to NextHop
}

// PeelLayer decrypts one layer of cell using hop's receive key, rejecting
// replayed nonces per spec §8 Scenario C.
func PeelLayer(hop *hopKeys, circuitID CircuitID, payload []byte) (PeelResult, error) {
	if len(payload) < chacha20poly1305.NonceSize {
		return PeelResult{}, fmt.Errorf("%w: short layer", ErrMalformedCell)
	}
	nonce := payload[:chacha20poly1305.NonceSize]
	ciphertext := payload[chacha20poly1305.NonceSize:]

	var nb [chacha20poly1305.NonceSize]byte
	copy(nb[:], nonce)
	if !hop.recvSeen.Check(nb) {
		return PeelResult{}, ErrReplayedNonce
	}

	plaintext, err := hop.recv.Open(nil, nonce, ciphertext, circuitID[:])
	if err != nil {
		return PeelResult{}, ErrLayerAuthFailed
	}
	if len(plaintext) < 1 {
		return PeelResult{}, fmt.Errorf("%w: empty layer plaintext", ErrMalformedCell)
	}

	switch plaintext[0] {
	case opDeliver:
		return PeelResult{Deliver: true, Inner: plaintext[1:]}, nil
	case opForward:
		if len(plaintext) < 2 {
			return PeelResult{}, fmt.Errorf("%w: missing next-hop length", ErrMalformedCell)
		}
		n := int(plaintext[1])
		if len(plaintext) < 2+n {
			return PeelResult{}, fmt.Errorf("%w: truncated next-hop id", ErrMalformedCell)
		}
		return PeelResult{
			NextHop: string(plaintext[2 : 2+n]),
			Inner:   plaintext[2+n:],
		}, nil
	default:
		return PeelResult{}, fmt.Errorf("%w: unknown opcode", ErrMalformedCell)
	}
}
