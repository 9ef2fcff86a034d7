// Package icmp implements ICMP echo request/reply encoding per RFC
// 792: an inbound echo-request is answered with an echo-reply
// carrying the identical payload.
package icmp

import (
	"encoding/binary"
	"errors"

	"lyrekernel/internal/inet"
)

const (
	TypeEchoRequest uint8 = 8
	TypeEchoReply   uint8 = 0

	HeaderLen = 8 // type, code, checksum, identifier, sequence
)

/// Message_t is a decoded ICMP echo message.
type Message_t struct {
	Type     uint8
	Code     uint8
	ID       uint16
	Sequence uint16
	Data     []byte
}

func (m Message_t) Marshal() []byte {
	out := make([]byte, HeaderLen+len(m.Data))
	out[0] = m.Type
	out[1] = m.Code
	binary.BigEndian.PutUint16(out[4:6], m.ID)
	binary.BigEndian.PutUint16(out[6:8], m.Sequence)
	copy(out[8:], m.Data)
	sum := inet.Checksum(out)
	binary.BigEndian.PutUint16(out[2:4], sum)
	return out
}

func Unmarshal(raw []byte) (Message_t, error) {
	if len(raw) < HeaderLen {
		return Message_t{}, errors.New("icmp: message too short")
	}
	if inet.Checksum(raw) != 0 {
		return Message_t{}, errors.New("icmp: checksum mismatch")
	}
	return Message_t{
		Type:     raw[0],
		Code:     raw[1],
		ID:       binary.BigEndian.Uint16(raw[4:6]),
		Sequence: binary.BigEndian.Uint16(raw[6:8]),
		Data:     raw[8:],
	}, nil
}

/// Reply builds the echo reply for req, matching a standard ping
/// responder: same identifier/sequence/data, type flipped to 0.
func Reply(req Message_t) Message_t {
	return Message_t{Type: TypeEchoReply, Code: 0, ID: req.ID, Sequence: req.Sequence, Data: req.Data}
}
