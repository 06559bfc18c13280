package paxos

import (
	"context"
	"errors"
)

var (
	// ErrNoRound is returned by a StateLog for a sequence that was never written.
	ErrNoRound = errors.New("no round logged for sequence")
	// ErrTruncated is returned for sequences at or below the truncation cutoff.
	ErrTruncated = errors.New("sequence is at or below the log cutoff")
	// ErrCorrupt is returned when a logged round cannot be decoded.
	ErrCorrupt = errors.New("logged round is corrupt")
)

// StateLog persists acceptor state per sequence. WriteRound must be durable
// when it returns.
type StateLog interface {
	WriteRound(ctx context.Context, seq int64, state AcceptorState) error
	ReadRound(ctx context.Context, seq int64) (AcceptorState, error)
	Truncate(ctx context.Context, cutoff int64) error
	// GreatestLogEntry is the highest sequence ever written, NoSequence if none.
	// It does not go down on truncation.
	GreatestLogEntry(ctx context.Context) (int64, error)
	// Cutoff is the highest truncated sequence, NoSequence if never truncated.
	Cutoff(ctx context.Context) (int64, error)
	Close() error
}
