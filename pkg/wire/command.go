package wire

import (
	"fmt"
	"time"

	"github.com/pixperk/leaselock/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// flattened command, every command type is a subset of these fields
type commandFields struct {
	kind  uint64
	name  string
	owner string
	ttl   time.Duration
	now   time.Time
}

// EncodeCommand serializes an FSM command for the raft log.
func EncodeCommand(cmd types.Command) ([]byte, error) {
	var f commandFields

	switch c := cmd.(type) {
	case types.AcquireCmd:
		f = commandFields{name: c.Name, owner: c.Owner, ttl: c.TTL, now: c.Now}
	case types.InspectCmd:
		f = commandFields{name: c.Name, now: c.Now}
	case types.ReleaseCmd:
		f = commandFields{name: c.Name, owner: c.Owner, now: c.Now}
	case types.RenewCmd:
		f = commandFields{name: c.Name, owner: c.Owner, ttl: c.TTL, now: c.Now}
	case types.SweepCmd:
		f = commandFields{now: c.Now}
	case types.PurgeCmd:
		f = commandFields{name: c.Name}
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
	f.kind = uint64(cmd.Type())

	var b []byte
	b = appendUint(b, fieldType, f.kind)
	b = appendString(b, fieldName, f.name)
	b = appendString(b, fieldOwner, f.owner)
	b = appendInt(b, fieldTTL, int64(f.ttl))
	b = appendTime(b, fieldNow, f.now)
	return b, nil
}

// DecodeCommand parses a raft log entry back into an FSM command.
func DecodeCommand(b []byte) (types.Command, error) {
	var f commandFields
	err := readFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldType:
			return consumeUint(typ, b, &f.kind)
		case fieldName:
			return consumeString(typ, b, &f.name)
		case fieldOwner:
			return consumeString(typ, b, &f.owner)
		case fieldTTL:
			return consumeDuration(typ, b, &f.ttl)
		case fieldNow:
			return consumeTime(typ, b, &f.now)
		default:
			return protowire.ConsumeFieldValue(num, typ, b)
		}
	})
	if err != nil {
		return nil, err
	}

	switch types.CommandType(f.kind) {
	case types.CommandTypeAcquire:
		return types.AcquireCmd{Name: f.name, Owner: f.owner, TTL: f.ttl, Now: f.now}, nil
	case types.CommandTypeInspect:
		return types.InspectCmd{Name: f.name, Now: f.now}, nil
	case types.CommandTypeRelease:
		return types.ReleaseCmd{Name: f.name, Owner: f.owner, Now: f.now}, nil
	case types.CommandTypeRenew:
		return types.RenewCmd{Name: f.name, Owner: f.owner, TTL: f.ttl, Now: f.now}, nil
	case types.CommandTypeSweep:
		return types.SweepCmd{Now: f.now}, nil
	case types.CommandTypePurge:
		return types.PurgeCmd{Name: f.name}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command type %d", ErrMalformed, f.kind)
	}
}
