package wire

import (
	"fmt"
	"time"

	"github.com/pixperk/leaselock/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// implemented by every message that crosses the lease-store transport
type Message interface {
	MarshalWire() []byte
	UnmarshalWire(b []byte) error
}

// one request shape serves all four lease operations
// Inspect uses Name only, Release uses Name and Owner
type Request struct {
	Name  string
	Owner string
	TTL   time.Duration
}

func (r *Request) MarshalWire() []byte {
	var b []byte
	b = appendString(b, fieldName, r.Name)
	b = appendString(b, fieldOwner, r.Owner)
	b = appendInt(b, fieldTTL, int64(r.TTL))
	return b
}

func (r *Request) UnmarshalWire(b []byte) error {
	*r = Request{}
	return readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldName:
			return consumeString(typ, b, &r.Name)
		case fieldOwner:
			return consumeString(typ, b, &r.Owner)
		case fieldTTL:
			return consumeDuration(typ, b, &r.TTL)
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
}

// Applied reports whether a conditional write took effect
// Found and Lease carry the current row for inspect and for a refused acquire
type Response struct {
	Applied bool
	Found   bool
	Lease   *types.Lease
}

func (r *Response) MarshalWire() []byte {
	var b []byte
	b = appendBool(b, 1, r.Applied)
	b = appendBool(b, 2, r.Found)
	if r.Lease != nil {
		b = appendMessage(b, 3, EncodeLease(r.Lease))
	}
	return b
}

func (r *Response) UnmarshalWire(b []byte) error {
	*r = Response{}
	var leaseBytes []byte
	err := readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeBool(typ, b, &r.Applied)
		case 2:
			return consumeBool(typ, b, &r.Found)
		case 3:
			return consumeBytes(typ, b, &leaseBytes)
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	if err != nil {
		return err
	}
	if leaseBytes != nil {
		lease, err := DecodeLease(leaseBytes)
		if err != nil {
			return err
		}
		r.Lease = lease
	}
	return nil
}

type StatusRequest struct{}

func (r *StatusRequest) MarshalWire() []byte { return nil }

func (r *StatusRequest) UnmarshalWire(b []byte) error {
	return readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		return protowire.ConsumeFieldValue(num, typ, b)
	})
}

// node view returned by the Status rpc
type StatusResponse struct {
	NodeID        string
	Namespace     string
	IsLeader      bool
	LeaderAddress string
	State         string
	Leases        uint64
}

func (r *StatusResponse) MarshalWire() []byte {
	var b []byte
	b = appendString(b, 1, r.NodeID)
	b = appendString(b, 2, r.Namespace)
	b = appendBool(b, 3, r.IsLeader)
	b = appendString(b, 4, r.LeaderAddress)
	b = appendString(b, 5, r.State)
	b = appendUint(b, 6, r.Leases)
	return b
}

func (r *StatusResponse) UnmarshalWire(b []byte) error {
	*r = StatusResponse{}
	return readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &r.NodeID)
		case 2:
			return consumeString(typ, b, &r.Namespace)
		case 3:
			return consumeBool(typ, b, &r.IsLeader)
		case 4:
			return consumeString(typ, b, &r.LeaderAddress)
		case 5:
			return consumeString(typ, b, &r.State)
		case 6:
			return consumeUint(typ, b, &r.Leases)
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
}

// Codec plugs the wire messages into grpc in place of generated protobuf types.
type Codec struct{}

const CodecName = "leaselock"

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return m.MarshalWire(), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}
