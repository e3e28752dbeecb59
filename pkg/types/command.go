package types

import "time"

// type of FSM command
type CommandType uint

const (
	CommandTypeAcquire CommandType = iota + 1
	CommandTypeInspect
	CommandTypeRelease
	CommandTypeRenew
	CommandTypeSweep
	CommandTypePurge
)

// interface all FSM commands implement
// Now is stamped by the proposer so every replica applies the same expiry decision
type Command interface {
	Type() CommandType
}

// inserts a lease if the name is free or its record has expired
type AcquireCmd struct {
	Name  string
	Owner string
	TTL   time.Duration
	Now   time.Time
}

func (c AcquireCmd) Type() CommandType { return CommandTypeAcquire }

// reads a lease through the log
type InspectCmd struct {
	Name string
	Now  time.Time
}

func (c InspectCmd) Type() CommandType { return CommandTypeInspect }

// deletes a lease if the owner matches
type ReleaseCmd struct {
	Name  string
	Owner string
	Now   time.Time
}

func (c ReleaseCmd) Type() CommandType { return CommandTypeRelease }

// re-stamps ttl and owner if the owner matches
type RenewCmd struct {
	Name  string
	Owner string
	TTL   time.Duration
	Now   time.Time
}

func (c RenewCmd) Type() CommandType { return CommandTypeRenew }

// drops every expired lease (internal)
type SweepCmd struct {
	Now time.Time
}

func (c SweepCmd) Type() CommandType { return CommandTypeSweep }

// removes a lease regardless of owner (operator action)
type PurgeCmd struct {
	Name string
}

func (c PurgeCmd) Type() CommandType { return CommandTypePurge }
