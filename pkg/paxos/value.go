package paxos

import (
	"bytes"
	"fmt"
)

// Value is what gets chosen for one instance: the identity of the leader for
// that sequence plus an optional opaque payload.
type Value struct {
	Owner    string `json:"owner"`
	Sequence int64  `json:"sequence"`
	Payload  []byte `json:"payload"`
}

func NewValue(owner string, sequence int64, payload []byte) Value {
	return Value{Owner: owner, Sequence: sequence, Payload: payload}
}

// Equal reports whether both values carry the same owner, sequence and
// payload. A nil payload differs from an empty one.
func (v Value) Equal(other Value) bool {
	if v.Owner != other.Owner || v.Sequence != other.Sequence {
		return false
	}
	if (v.Payload == nil) != (other.Payload == nil) {
		return false
	}
	return bytes.Equal(v.Payload, other.Payload)
}

func (v Value) String() string {
	return fmt.Sprintf("(owner=%s, sequence=%d, payload=%d bytes)", v.Owner, v.Sequence, len(v.Payload))
}

func valuePtr(v Value) *Value {
	return &v
}
