package consensus

import (
	"encoding/binary"
	"fmt"

	"github.com/qrledger/core/dag"
)

// Wire opcodes for the query/response protocol, per spec §6.
const (
	opQuery byte = 1
	opReply byte = 2
)

// ReplyToken correlates a Reply to the Query that prompted it.
type ReplyToken [16]byte

// Query is one peer query for a single vertex in a single round, encoded
// on the wire as opcode(1) || vertex_id(32) || round(8 LE) || token(16).
type Query struct {
	Vertex dag.ID
	Round  uint64
	Token  ReplyToken
}

// EncodeQuery serializes q per spec §6.
func EncodeQuery(q Query) []byte {
	buf := make([]byte, 1+32+8+16)
	buf[0] = opQuery
	copy(buf[1:33], q.Vertex[:])
	binary.LittleEndian.PutUint64(buf[33:41], q.Round)
	copy(buf[41:57], q.Token[:])
	return buf
}

// DecodeQuery parses a wire query message.
func DecodeQuery(b []byte) (Query, error) {
	if len(b) != 57 {
		return Query{}, fmt.Errorf("%w: query length", dag.ErrMalformedVertex)
	}
	if b[0] != opQuery {
		return Query{}, fmt.Errorf("%w: not a query opcode", dag.ErrMalformedVertex)
	}
	var q Query
	copy(q.Vertex[:], b[1:33])
	q.Round = binary.LittleEndian.Uint64(b[33:41])
	copy(q.Token[:], b[41:57])
	return q, nil
}

// Reply is a peer's answer to a Query, encoded as
// opcode(1) || token(16) || preference(1).
type Reply struct {
	Token      ReplyToken
	Preference QueryResponse
}

// EncodeReply serializes r per spec §6.
func EncodeReply(r Reply) []byte {
	buf := make([]byte, 1+16+1)
	buf[0] = opReply
	copy(buf[1:17], r.Token[:])
	buf[17] = byte(r.Preference)
	return buf
}

// DecodeReply parses a wire reply message.
func DecodeReply(b []byte) (Reply, error) {
	if len(b) != 18 {
		return Reply{}, fmt.Errorf("%w: reply length", dag.ErrMalformedVertex)
	}
	if b[0] != opReply {
		return Reply{}, fmt.Errorf("%w: not a reply opcode", dag.ErrMalformedVertex)
	}
	pref := b[17]
	if pref != byte(RespReject) && pref != byte(RespAccept) && pref != byte(RespNoPreference) {
		return Reply{}, fmt.Errorf("%w: unknown preference byte", dag.ErrMalformedVertex)
	}
	var r Reply
	copy(r.Token[:], b[1:17])
	r.Preference = QueryResponse(pref)
	return r, nil
}
