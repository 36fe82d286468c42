package dag

import (
	"encoding/binary"
	"fmt"

	"github.com/qrledger/core/crypto/pq"
)

// Wire format constants from spec.md §6.
var magic = [4]byte{'Q', 'R', 'D', 'G'}

const wireVersion = 1

// canonical returns the bytes that are hashed for the vertex id and signed
// for the vertex signature: everything in the wire format except the
// trailing signature_len/signature/id fields.
func (v *Vertex) canonical() ([]byte, error) {
	if len(v.parents) > 255 {
		return nil, fmt.Errorf("%w: parent count overflows u8", ErrMalformedVertex)
	}
	authorBytes, err := v.author.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVertex, err)
	}
	if len(authorBytes) > 1<<16-1 {
		return nil, fmt.Errorf("%w: author key overflows u16 length", ErrMalformedVertex)
	}

	buf := make([]byte, 0, 4+1+1+len(v.parents)*32+4+len(v.payload)+8+2+len(authorBytes))
	buf = append(buf, magic[:]...)
	buf = append(buf, wireVersion)
	buf = append(buf, byte(len(v.parents)))
	for _, p := range v.parents {
		buf = append(buf, p[:]...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint32(lenBuf[:4], uint32(len(v.payload)))
	buf = append(buf, lenBuf[:4]...)
	buf = append(buf, v.payload...)

	binary.LittleEndian.PutUint64(lenBuf[:8], v.timestamp)
	buf = append(buf, lenBuf[:8]...)

	binary.LittleEndian.PutUint16(lenBuf[:2], uint16(len(authorBytes)))
	buf = append(buf, lenBuf[:2]...)
	buf = append(buf, authorBytes...)

	return buf, nil
}

// Encode produces the full on-wire form of v: canonical bytes followed by
// signature_len/signature/id, per spec §6.
func (v *Vertex) Encode() ([]byte, error) {
	canon, err := v.canonical()
	if err != nil {
		return nil, err
	}
	if len(v.signature) > 1<<16-1 {
		return nil, fmt.Errorf("%w: signature overflows u16 length", ErrMalformedVertex)
	}
	out := make([]byte, 0, len(canon)+2+len(v.signature)+32)
	out = append(out, canon...)
	var sigLen [2]byte
	binary.LittleEndian.PutUint16(sigLen[:], uint16(len(v.signature)))
	out = append(out, sigLen[:]...)
	out = append(out, v.signature...)
	out = append(out, v.id[:]...)
	return out, nil
}

// Decode parses the full on-wire form produced by Encode. It does not
// verify the signature or hash — callers must call Verify afterward
// before admitting the vertex to a Store.
func Decode(b []byte) (*Vertex, error) {
	if len(b) < 4+1+1 {
		return nil, fmt.Errorf("%w: short buffer", ErrMalformedVertex)
	}
	if [4]byte(b[:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedVertex)
	}
	off := 4
	version := b[off]
	off++
	if version != wireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedVertex, version)
	}
	parentCount := int(b[off])
	off++
	if parentCount > MaxParents {
		return nil, fmt.Errorf("%w: too many parents", ErrMalformedVertex)
	}
	if len(b) < off+parentCount*32 {
		return nil, fmt.Errorf("%w: truncated parents", ErrMalformedVertex)
	}
	parents := make([]ID, parentCount)
	for i := 0; i < parentCount; i++ {
		copy(parents[i][:], b[off:off+32])
		off += 32
	}

	if len(b) < off+4 {
		return nil, fmt.Errorf("%w: truncated payload length", ErrMalformedVertex)
	}
	payloadLen := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	if uint64(len(b)) < uint64(off)+uint64(payloadLen) {
		return nil, fmt.Errorf("%w: truncated payload", ErrMalformedVertex)
	}
	payload := append([]byte(nil), b[off:off+int(payloadLen)]...)
	off += int(payloadLen)

	if len(b) < off+8 {
		return nil, fmt.Errorf("%w: truncated timestamp", ErrMalformedVertex)
	}
	timestamp := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8

	if len(b) < off+2 {
		return nil, fmt.Errorf("%w: truncated author length", ErrMalformedVertex)
	}
	authorLen := int(binary.LittleEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+authorLen {
		return nil, fmt.Errorf("%w: truncated author", ErrMalformedVertex)
	}
	author, err := pq.ParseSigPublicKey(b[off : off+authorLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVertex, err)
	}
	off += authorLen

	if len(b) < off+2 {
		return nil, fmt.Errorf("%w: truncated signature length", ErrMalformedVertex)
	}
	sigLen := int(binary.LittleEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+sigLen {
		return nil, fmt.Errorf("%w: truncated signature", ErrMalformedVertex)
	}
	signature := append([]byte(nil), b[off:off+sigLen]...)
	off += sigLen

	if len(b) < off+32 {
		return nil, fmt.Errorf("%w: truncated id", ErrMalformedVertex)
	}
	var id ID
	copy(id[:], b[off:off+32])
	off += 32

	if off != len(b) {
		return nil, fmt.Errorf("%w: trailing bytes after id", ErrMalformedVertex)
	}

	return &Vertex{
		id:        id,
		parents:   parents,
		payload:   payload,
		timestamp: timestamp,
		author:    author,
		signature: signature,
	}, nil
}
