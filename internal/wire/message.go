// Package wire defines the Message type and the length-prefixed batch codec
// used both over the peer wire (/swarms/push/v1, /swarms/push_batch/v1) and
// as the Message Store's unit of storage (spec §3 Message, §6 Batch wire
// format). Grounded on the framing style of the teacher's deleted
// internal/proto/envelope.go (length-prefixed fields, one Encode*/Decode*
// pair per wire shape) generalized away from that package's payment/invite
// fields to the fields spec.md §3 and §6 actually name.
package wire

import (
	"encoding/binary"
	"errors"
)

// MaxDataSize is the maximum decoded client body size (spec §5 Resource
// bounds): 3,100 bytes.
const MaxDataSize = 3100

// Message is the unit stored and gossiped (spec §3 Message).
type Message struct {
	Recipient   string // UserPubkey hex
	Data        []byte
	Hash        string
	TTLMillis   uint64
	TimestampMs uint64
	Nonce       string
}

var (
	ErrDataTooLarge  = errors.New("wire: message data exceeds MaxDataSize")
	ErrTruncated     = errors.New("wire: truncated message frame")
	ErrFieldTooLarge = errors.New("wire: field length exceeds bound")
)

// maxFieldLen bounds any single length-prefixed field to guard against a
// corrupt or hostile length prefix causing an enormous allocation.
const maxFieldLen = 1 << 20

func putField(buf []byte, field []byte) []byte {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(field)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, field...)
	return buf
}

func getField(buf []byte) (field []byte, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if n > maxFieldLen {
		return nil, nil, ErrFieldTooLarge
	}
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, ErrTruncated
	}
	return buf[:n], buf[n:], nil
}

func putUint64Field(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return putField(buf, b[:])
}

func getUint64Field(buf []byte) (uint64, []byte, error) {
	field, rest, err := getField(buf)
	if err != nil {
		return 0, nil, err
	}
	if len(field) != 8 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint64(field), rest, nil
}

// EncodeMessage serializes a single message as
// [recipient_pubkey, data, hash, ttl_ms, timestamp_ms, nonce], each a
// length-prefixed field, per spec §6's batch wire format.
func EncodeMessage(m Message) []byte {
	buf := make([]byte, 0, len(m.Data)+128)
	buf = putField(buf, []byte(m.Recipient))
	buf = putField(buf, m.Data)
	buf = putField(buf, []byte(m.Hash))
	buf = putUint64Field(buf, m.TTLMillis)
	buf = putUint64Field(buf, m.TimestampMs)
	buf = putField(buf, []byte(m.Nonce))
	return buf
}

// DecodeMessage parses one message frame and returns the unconsumed
// remainder of buf, so callers can decode a sequence back to back.
func DecodeMessage(buf []byte) (Message, []byte, error) {
	recipient, rest, err := getField(buf)
	if err != nil {
		return Message{}, nil, err
	}
	data, rest, err := getField(rest)
	if err != nil {
		return Message{}, nil, err
	}
	if len(data) > MaxDataSize {
		return Message{}, nil, ErrDataTooLarge
	}
	hash, rest, err := getField(rest)
	if err != nil {
		return Message{}, nil, err
	}
	ttl, rest, err := getUint64Field(rest)
	if err != nil {
		return Message{}, nil, err
	}
	ts, rest, err := getUint64Field(rest)
	if err != nil {
		return Message{}, nil, err
	}
	nonce, rest, err := getField(rest)
	if err != nil {
		return Message{}, nil, err
	}
	return Message{
		Recipient:   string(recipient),
		Data:        append([]byte(nil), data...),
		Hash:        string(hash),
		TTLMillis:   ttl,
		TimestampMs: ts,
		Nonce:       string(nonce),
	}, rest, nil
}

// EncodeBatch concatenates the wire encoding of each message; readers stop
// at buffer end (spec §6).
func EncodeBatch(msgs []Message) []byte {
	var buf []byte
	for _, m := range msgs {
		buf = append(buf, EncodeMessage(m)...)
	}
	return buf
}

// DecodeBatch decodes a full batch, returning every message it can parse.
// A malformed frame stops decoding: the messages decoded before it are
// returned together with the error, and the bytes after it are not decoded.
func DecodeBatch(buf []byte) ([]Message, error) {
	var out []Message
	for len(buf) > 0 {
		m, rest, err := DecodeMessage(buf)
		if err != nil {
			return out, err
		}
		out = append(out, m)
		buf = rest
	}
	return out, nil
}
