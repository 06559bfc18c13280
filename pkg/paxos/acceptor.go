package paxos

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/rs/zerolog/log"
)

//go:generate mockgen -destination=mocks/acceptor_mock.go -package=mocks . Acceptor

// Acceptor is the prepare/accept surface proposers talk to. Implementations
// may be local or remote; both calls are idempotent and safe to retry.
type Acceptor interface {
	Prepare(ctx context.Context, req PrepareRequest) (Promise, error)
	Accept(ctx context.Context, req AcceptRequest) (Response, error)
	LatestSequencePreparedOrAccepted(ctx context.Context) (int64, error)
	LatestAccepted(ctx context.Context) (Acceptance, error)
}

// LocalAcceptor owns the acceptor state of this process. Calls for the same
// sequence are linearized, calls for different sequences run concurrently.
// Every state change is written to the StateLog before it is answered.
type LocalAcceptor struct {
	log StateLog

	mu     sync.Mutex
	states *treemap.Map // int64 -> *instance
	cutoff int64

	latestMu sync.Mutex
	greatest int64
	accepted Acceptance
}

type instance struct {
	mu      sync.Mutex
	loaded  bool
	removed bool
	state   AcceptorState
}

func NewAcceptor(ctx context.Context, stateLog StateLog) (*LocalAcceptor, error) {
	cutoff, err := stateLog.Cutoff(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading log cutoff: %w", err)
	}
	greatest, err := stateLog.GreatestLogEntry(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading greatest log entry: %w", err)
	}
	accepted, err := latestAcceptedInLog(ctx, stateLog, greatest, cutoff)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Int64("cutoff", cutoff).
		Int64("greatest", greatest).
		Int64("accepted", accepted.Sequence).
		Msg("recovered acceptor from state log")
	return &LocalAcceptor{
		log:      stateLog,
		states:   treemap.NewWith(utils.Int64Comparator),
		cutoff:   cutoff,
		greatest: greatest,
		accepted: accepted,
	}, nil
}

// latestAcceptedInLog walks down from the greatest logged round to the first
// one holding an accepted value. Rounds above it were only prepared.
func latestAcceptedInLog(ctx context.Context, stateLog StateLog, greatest, cutoff int64) (Acceptance, error) {
	for seq := greatest; seq > cutoff && seq >= 0; seq-- {
		st, err := stateLog.ReadRound(ctx, seq)
		switch {
		case errors.Is(err, ErrNoRound):
			continue
		case errors.Is(err, ErrCorrupt):
			log.Error().Err(err).Int64("sequence", seq).Msg("skipping unreadable round")
			continue
		case err != nil:
			return Acceptance{}, fmt.Errorf("reading round %d: %w", seq, err)
		}
		if st.LastAcceptedValue != nil {
			return Acceptance{Sequence: seq, ID: st.LastAcceptedID, Value: st.LastAcceptedValue}, nil
		}
	}
	return Acceptance{Sequence: NoSequence}, nil
}

func (a *LocalAcceptor) Prepare(ctx context.Context, req PrepareRequest) (Promise, error) {
	if a.belowCutoff(req.Sequence) {
		return RejectPromise(req.ProposalID), nil
	}
	inst, err := a.lockInstance(ctx, req.Sequence)
	if errors.Is(err, ErrTruncated) {
		return RejectPromise(req.ProposalID), nil
	}
	if err != nil {
		return Promise{}, err
	}
	defer inst.mu.Unlock()

	st := inst.state
	if st.LastPromisedID != nil {
		if req.ProposalID.Less(*st.LastPromisedID) {
			log.Debug().
				Int64("sequence", req.Sequence).
				Str("proposal", req.ProposalID.String()).
				Str("promised", st.LastPromisedID.String()).
				Msg("rejecting prepare")
			return RejectPromise(*st.LastPromisedID), nil
		}
		if req.ProposalID.Equal(*st.LastPromisedID) {
			return AcceptPromise(req.ProposalID, st.LastAcceptedID, st.LastAcceptedValue), nil
		}
	}

	next := st.withPromise(req.ProposalID)
	err = a.persist(ctx, req.Sequence, inst, next)
	if errors.Is(err, ErrTruncated) {
		return RejectPromise(req.ProposalID), nil
	}
	if err != nil {
		return Promise{}, err
	}
	return AcceptPromise(req.ProposalID, next.LastAcceptedID, next.LastAcceptedValue), nil
}

func (a *LocalAcceptor) Accept(ctx context.Context, req AcceptRequest) (Response, error) {
	if a.belowCutoff(req.Sequence) {
		return Response{Successful: false}, nil
	}
	inst, err := a.lockInstance(ctx, req.Sequence)
	if errors.Is(err, ErrTruncated) {
		return Response{Successful: false}, nil
	}
	if err != nil {
		return Response{}, err
	}
	defer inst.mu.Unlock()

	id := req.Proposal.ID
	st := inst.state
	if st.LastPromisedID != nil && id.Less(*st.LastPromisedID) {
		log.Debug().
			Int64("sequence", req.Sequence).
			Str("proposal", id.String()).
			Str("promised", st.LastPromisedID.String()).
			Msg("rejecting accept")
		return Response{Successful: false}, nil
	}

	err = a.persist(ctx, req.Sequence, inst, st.withAccepted(id, req.Proposal.Value))
	if errors.Is(err, ErrTruncated) {
		return Response{Successful: false}, nil
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Successful: true}, nil
}

// LatestSequencePreparedOrAccepted starts out as the log's greatest entry and
// follows every round written since.
func (a *LocalAcceptor) LatestSequencePreparedOrAccepted(ctx context.Context) (int64, error) {
	return a.greatestSequence(), nil
}

// LatestAccepted reports the accepted value with the greatest sequence. It
// survives truncation of that sequence.
func (a *LocalAcceptor) LatestAccepted(ctx context.Context) (Acceptance, error) {
	a.latestMu.Lock()
	defer a.latestMu.Unlock()
	return a.accepted, nil
}

// Truncate forgets every instance at or below cutoff, in memory and in the
// log. Those instances reject all further requests.
func (a *LocalAcceptor) Truncate(ctx context.Context, cutoff int64) error {
	if err := a.log.Truncate(ctx, cutoff); err != nil {
		return err
	}
	var removed []*instance
	a.mu.Lock()
	if cutoff > a.cutoff {
		a.cutoff = cutoff
	}
	for {
		k, v := a.states.Min()
		if k == nil || k.(int64) > cutoff {
			break
		}
		removed = append(removed, v.(*instance))
		a.states.Remove(k)
	}
	a.mu.Unlock()

	// calls already holding one of these see ErrTruncated from the log
	for _, inst := range removed {
		inst.mu.Lock()
		inst.removed = true
		inst.mu.Unlock()
	}
	log.Info().
		Int64("cutoff", cutoff).
		Int("instances", len(removed)).
		Msg("truncated acceptor state")
	return nil
}

func (a *LocalAcceptor) Close() error {
	return a.log.Close()
}

func (a *LocalAcceptor) belowCutoff(seq int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return seq <= a.cutoff
}

// lockInstance returns the locked instance for seq, loading it from the log
// on first use. The caller must unlock it.
func (a *LocalAcceptor) lockInstance(ctx context.Context, seq int64) (*instance, error) {
	a.mu.Lock()
	if seq <= a.cutoff {
		a.mu.Unlock()
		return nil, ErrTruncated
	}
	var inst *instance
	if v, ok := a.states.Get(seq); ok {
		inst = v.(*instance)
	} else {
		inst = &instance{}
		a.states.Put(seq, inst)
	}
	a.mu.Unlock()

	inst.mu.Lock()
	if inst.removed {
		inst.mu.Unlock()
		return nil, ErrTruncated
	}
	if inst.loaded {
		return inst, nil
	}
	st, err := a.log.ReadRound(ctx, seq)
	switch {
	case err == nil:
		inst.state = st
	case errors.Is(err, ErrNoRound):
	default:
		inst.mu.Unlock()
		if !errors.Is(err, ErrTruncated) {
			log.Error().Err(err).Int64("sequence", seq).Msg("refusing to answer for unreadable round")
		}
		return nil, fmt.Errorf("loading round %d: %w", seq, err)
	}
	inst.loaded = true
	return inst, nil
}

func (a *LocalAcceptor) persist(ctx context.Context, seq int64, inst *instance, next AcceptorState) error {
	if err := a.log.WriteRound(ctx, seq, next); err != nil {
		if !errors.Is(err, ErrTruncated) {
			log.Error().Err(err).Int64("sequence", seq).Msg("failed to persist acceptor state")
		}
		return fmt.Errorf("writing round %d: %w", seq, err)
	}
	inst.state = next

	a.latestMu.Lock()
	if seq > a.greatest {
		a.greatest = seq
	}
	if next.LastAcceptedValue != nil && seq >= a.accepted.Sequence {
		a.accepted = Acceptance{Sequence: seq, ID: next.LastAcceptedID, Value: next.LastAcceptedValue}
	}
	a.latestMu.Unlock()
	return nil
}

func (a *LocalAcceptor) greatestSequence() int64 {
	a.latestMu.Lock()
	defer a.latestMu.Unlock()
	return a.greatest
}
