package paxos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var (
	// ErrNoQuorum is returned when no quorum of acceptors could be gathered
	// within the configured attempts. It is transient.
	ErrNoQuorum = errors.New("no quorum of acceptors reached")
	// errSuperseded marks an attempt that lost against a higher proposal id.
	errSuperseded = errors.New("superseded by a higher proposal")
)

// Phase is the step a proposal attempt is in.
type Phase int

const (
	PhaseInit Phase = iota
	PhasePreparing
	PhaseAccepting
	PhaseChosen
	PhaseRetry
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePreparing:
		return "preparing"
	case PhaseAccepting:
		return "accepting"
	case PhaseChosen:
		return "chosen"
	case PhaseRetry:
		return "retry"
	case PhaseAborted:
		return "aborted"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Proposer drives prepare/accept rounds against a fixed set of acceptors. It
// keeps no durable state; its rounds only ever increase.
type Proposer struct {
	owner       string
	acceptors   []Acceptor
	rpcTimeout  time.Duration
	maxAttempts int
	backoff     time.Duration
	logger      zerolog.Logger

	mu    sync.Mutex
	round uint64
	rand  *rand.Rand
}

type ProposerOption func(*Proposer)

// WithOwner sets the tie-breaking token of this proposer's ids. It must be
// unique among all proposers.
func WithOwner(owner string) ProposerOption {
	return func(p *Proposer) { p.owner = owner }
}

func WithRPCTimeout(d time.Duration) ProposerOption {
	return func(p *Proposer) { p.rpcTimeout = d }
}

func WithMaxAttempts(n int) ProposerOption {
	return func(p *Proposer) { p.maxAttempts = n }
}

// WithBackoff sets the base of the randomized backoff between attempts.
func WithBackoff(d time.Duration) ProposerOption {
	return func(p *Proposer) { p.backoff = d }
}

func WithLogger(logger zerolog.Logger) ProposerOption {
	return func(p *Proposer) { p.logger = logger }
}

func NewProposer(acceptors []Acceptor, opts ...ProposerOption) *Proposer {
	p := &Proposer{
		owner:       uuid.New().String(),
		acceptors:   acceptors,
		rpcTimeout:  2 * time.Second,
		maxAttempts: 3,
		backoff:     50 * time.Millisecond,
		logger:      log.Logger,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts < 1 {
		p.maxAttempts = 1
	}
	p.logger = p.logger.With().Str("proposer", p.owner).Logger()
	return p
}

func (p *Proposer) Owner() string {
	return p.owner
}

func (p *Proposer) QuorumSize() int {
	return QuorumSize(len(p.acceptors))
}

// Propose tries to get a value chosen for seq. The returned value is the one
// the acceptors settled on, which is not necessarily candidate: a value that
// may already have been chosen always takes precedence.
func (p *Proposer) Propose(ctx context.Context, seq int64, candidate Value) (Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			p.logger.Debug().
				Int64("sequence", seq).
				Int("attempt", attempt).
				Str("phase", PhaseRetry.String()).
				Msg("retrying proposal")
			if err := p.sleep(ctx, attempt); err != nil {
				return Value{}, err
			}
		}
		chosen, err := p.attempt(ctx, seq, candidate)
		if err == nil {
			return chosen, nil
		}
		if ctx.Err() != nil {
			return Value{}, ctx.Err()
		}
		errs = multierr.Append(errs, err)
	}
	p.logger.Warn().
		Int64("sequence", seq).
		Str("phase", PhaseAborted.String()).
		Err(errs).
		Msg("giving up on proposal")
	return Value{}, fmt.Errorf("%w for sequence %d: %v", ErrNoQuorum, seq, errs)
}

func (p *Proposer) attempt(ctx context.Context, seq int64, candidate Value) (Value, error) {
	id := p.nextID()
	q := p.QuorumSize()
	logger := p.logger.With().Int64("sequence", seq).Str("id", id.String()).Logger()

	logger.Debug().Str("phase", PhasePreparing.String()).Msg("sending prepare")
	replies := fanOut(ctx, p.acceptors, p.rpcTimeout,
		func(ctx context.Context, acc Acceptor) (interface{}, error) {
			return acc.Prepare(ctx, PrepareRequest{Sequence: seq, ProposalID: id})
		},
		majority(len(p.acceptors), func(r reply) bool {
			return r.err == nil && r.value.(Promise).Ack
		}),
	)

	var (
		promises []Promise
		errs     error
		rejected bool
	)
	for _, r := range replies {
		if r.err != nil {
			errs = multierr.Append(errs, r.err)
			continue
		}
		promise := r.value.(Promise)
		if !promise.Ack {
			rejected = true
			p.observe(promise.PromisedID)
			continue
		}
		promises = append(promises, promise)
	}
	if len(promises) < q {
		if rejected {
			errs = multierr.Append(errs, errSuperseded)
		}
		return Value{}, fmt.Errorf("prepare %v: %d of %d promises: %v", id, len(promises), q, errs)
	}

	value := selectValue(promises, candidate)
	logger.Debug().
		Str("phase", PhaseAccepting.String()).
		Str("value", value.String()).
		Msg("sending accept")
	replies = fanOut(ctx, p.acceptors, p.rpcTimeout,
		func(ctx context.Context, acc Acceptor) (interface{}, error) {
			return acc.Accept(ctx, AcceptRequest{Sequence: seq, Proposal: Proposal{ID: id, Value: value}})
		},
		majority(len(p.acceptors), func(r reply) bool {
			return r.err == nil && r.value.(Response).Successful
		}),
	)

	accepted := 0
	errs = nil
	for _, r := range replies {
		switch {
		case r.err != nil:
			errs = multierr.Append(errs, r.err)
		case r.value.(Response).Successful:
			accepted++
		default:
			rejected = true
		}
	}
	if accepted < q {
		if rejected {
			errs = multierr.Append(errs, errSuperseded)
		}
		return Value{}, fmt.Errorf("accept %v: %d of %d acceptances: %v", id, accepted, q, errs)
	}

	logger.Debug().Str("phase", PhaseChosen.String()).Str("value", value.String()).Msg("value chosen")
	return value, nil
}

// Observe asks a quorum for the latest value each acceptor has accepted and
// returns the one with the greatest sequence. The result is advisory: it
// need not be chosen yet.
func (p *Proposer) Observe(ctx context.Context) (Acceptance, error) {
	replies := fanOut(ctx, p.acceptors, p.rpcTimeout,
		func(ctx context.Context, acc Acceptor) (interface{}, error) {
			return acc.LatestAccepted(ctx)
		},
		majority(len(p.acceptors), func(r reply) bool { return r.err == nil }),
	)

	latest := Acceptance{Sequence: NoSequence}
	answered := 0
	var errs error
	for _, r := range replies {
		if r.err != nil {
			errs = multierr.Append(errs, r.err)
			continue
		}
		answered++
		a := r.value.(Acceptance)
		if a.Value == nil {
			continue
		}
		if a.Sequence > latest.Sequence ||
			(a.Sequence == latest.Sequence && compareIDs(a.ID, latest.ID) > 0) {
			latest = a
		}
	}
	if answered < p.QuorumSize() {
		if ctx.Err() != nil {
			return Acceptance{}, ctx.Err()
		}
		return Acceptance{}, fmt.Errorf("%w: %d of %d answered: %v", ErrNoQuorum, answered, p.QuorumSize(), errs)
	}
	return latest, nil
}

// selectValue picks the value accepted under the highest id among the
// promises, or candidate if none of them accepted anything.
func selectValue(promises []Promise, candidate Value) Value {
	var highest *ProposalID
	value := candidate
	for _, promise := range promises {
		if promise.LastAcceptedValue == nil || promise.LastAcceptedID == nil {
			continue
		}
		if compareIDs(promise.LastAcceptedID, highest) > 0 {
			highest = promise.LastAcceptedID
			value = *promise.LastAcceptedValue
		}
	}
	return value
}

func (p *Proposer) nextID() ProposalID {
	p.round++
	return ProposalID{Round: p.round, Owner: p.owner}
}

// observe makes sure the next id is strictly above id.
func (p *Proposer) observe(id ProposalID) {
	if id.Round > p.round {
		p.round = id.Round
	}
}

func (p *Proposer) sleep(ctx context.Context, attempt int) error {
	d := p.backoff << uint(attempt-2)
	d = d/2 + time.Duration(p.rand.Int63n(int64(d)+1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
