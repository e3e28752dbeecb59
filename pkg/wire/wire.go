// Package wire encodes raft log commands and lease-store RPC messages with the
// protobuf wire format. Messages are hand-laid out with protowire so the raft log
// and the gRPC transport share one compact, forward compatible encoding.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/pixperk/leaselock/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("malformed wire message")

// field numbers shared by commands and requests
const (
	fieldType      protowire.Number = 1
	fieldName      protowire.Number = 2
	fieldOwner     protowire.Number = 3
	fieldTTL       protowire.Number = 4
	fieldNow       protowire.Number = 5
	fieldExpiresAt protowire.Number = 5 //inside an encoded lease
)

type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

// walks every field in b, fn returns the number of bytes it consumed or a negative protowire error
func readFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendUint(b, num, protowire.EncodeBool(v))
}

// durations and instants travel as signed nanoseconds
func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendInt(b, num, t.UnixNano())
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return -1
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeUint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return -1
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) int {
	var v uint64
	n := consumeUint(typ, b, &v)
	*dst = protowire.DecodeBool(v)
	return n
}

func consumeInt(typ protowire.Type, b []byte, dst *int64) int {
	var v uint64
	n := consumeUint(typ, b, &v)
	*dst = protowire.DecodeZigZag(v)
	return n
}

func consumeDuration(typ protowire.Type, b []byte, dst *time.Duration) int {
	var v int64
	n := consumeInt(typ, b, &v)
	*dst = time.Duration(v)
	return n
}

func consumeTime(typ protowire.Type, b []byte, dst *time.Time) int {
	var v int64
	n := consumeInt(typ, b, &v)
	if n >= 0 && v != 0 {
		*dst = time.Unix(0, v)
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return -1
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

// EncodeLease serializes a lease record.
func EncodeLease(l *types.Lease) []byte {
	var b []byte
	b = appendString(b, fieldName, l.Name)
	b = appendString(b, fieldOwner, l.Owner)
	b = appendInt(b, fieldTTL, int64(l.TTL))
	b = appendTime(b, fieldExpiresAt, l.ExpiresAt)
	return b
}

// DecodeLease parses a record produced by EncodeLease.
func DecodeLease(b []byte) (*types.Lease, error) {
	l := &types.Lease{}
	err := readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldName:
			return consumeString(typ, b, &l.Name)
		case fieldOwner:
			return consumeString(typ, b, &l.Owner)
		case fieldTTL:
			return consumeDuration(typ, b, &l.TTL)
		case fieldExpiresAt:
			return consumeTime(typ, b, &l.ExpiresAt)
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}
