// Package statelog persists per-sequence acceptor state. Rounds are stored
// under zero padded keys so that key order is sequence order; the greatest
// sequence ever written and the truncation cutoff are kept in marker keys
// and never need a scan.
package statelog

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/trusch/timelock/pkg/paxos"
)

const (
	roundsPrefix = "rounds/"
	greatestKey  = "meta/greatest"
	cutoffKey    = "meta/cutoff"
)

func roundKey(seq int64) string {
	return fmt.Sprintf("%s%020d", roundsPrefix, seq)
}

func encodeState(state paxos.AcceptorState) ([]byte, error) {
	return json.Marshal(state)
}

func decodeState(seq int64, bs []byte) (paxos.AcceptorState, error) {
	var state paxos.AcceptorState
	if err := json.Unmarshal(bs, &state); err != nil {
		return state, fmt.Errorf("%w: sequence %d: %v", paxos.ErrCorrupt, seq, err)
	}
	if state.LastAcceptedID != nil && state.LastPromisedID != nil &&
		state.LastPromisedID.Less(*state.LastAcceptedID) {
		return state, fmt.Errorf("%w: sequence %d: accepted %v above promised %v",
			paxos.ErrCorrupt, seq, state.LastAcceptedID, state.LastPromisedID)
	}
	return state, nil
}

func encodeMarker(seq int64) []byte {
	return []byte(strconv.FormatInt(seq, 10))
}

func decodeMarker(key string, bs []byte) (int64, error) {
	seq, err := strconv.ParseInt(string(bs), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: marker %s: %v", paxos.ErrCorrupt, key, err)
	}
	return seq, nil
}

func checkSequence(seq int64) error {
	if seq < 0 {
		return fmt.Errorf("invalid sequence %d", seq)
	}
	return nil
}
