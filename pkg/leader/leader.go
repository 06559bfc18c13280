// Package leader elects a single leader through Paxos. Every sequence number
// is one leadership term; the leader renews by getting itself chosen for the
// next sequence on every heartbeat, followers watch the sequence advance and
// take over once it stalls for longer than the leader timeout.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/trusch/timelock/pkg/paxos"
)

// Proposer is the part of paxos.Proposer the service needs.
type Proposer interface {
	Owner() string
	Propose(ctx context.Context, seq int64, candidate paxos.Value) (paxos.Value, error)
	Observe(ctx context.Context) (paxos.Acceptance, error)
}

type EventKind int

const (
	Gained EventKind = iota
	Lost
)

func (k EventKind) String() string {
	if k == Gained {
		return "gained"
	}
	return "lost"
}

// Event is a change of local leadership. Leader is the new leader if known.
type Event struct {
	Kind     EventKind
	Leader   string
	Sequence int64
}

type Service struct {
	proposer       Proposer
	heartbeat      time.Duration
	renewalTimeout time.Duration
	leaderTimeout  time.Duration
	clock          clockwork.Clock
	payload        []byte

	tickMu sync.Mutex

	mu           sync.RWMutex
	leading      bool
	leader       string
	sequence     int64
	lastProgress time.Time
	lastRenewed  time.Time
	subscribers  []func(Event)
}

type Option func(*Service)

func WithHeartbeat(d time.Duration) Option {
	return func(s *Service) { s.heartbeat = d }
}

// WithRenewalTimeout bounds a single proposal, both for renewing and for
// taking over.
func WithRenewalTimeout(d time.Duration) Option {
	return func(s *Service) { s.renewalTimeout = d }
}

// WithLeaderTimeout sets how long the chosen sequence may stall before a
// follower tries to take over. A leader considers itself deposed one
// heartbeat earlier unless it renewed in the meantime.
func WithLeaderTimeout(d time.Duration) Option {
	return func(s *Service) { s.leaderTimeout = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithPayload attaches data to every value this node proposes, e.g. its
// advertised address.
func WithPayload(payload []byte) Option {
	return func(s *Service) { s.payload = payload }
}

func New(proposer Proposer, opts ...Option) *Service {
	s := &Service{
		proposer:  proposer,
		heartbeat: time.Second,
		clock:     clockwork.NewRealClock(),
		sequence:  paxos.NoSequence,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.renewalTimeout == 0 {
		s.renewalTimeout = s.heartbeat
	}
	if s.leaderTimeout == 0 {
		s.leaderTimeout = 3 * s.heartbeat
	}
	s.lastProgress = s.clock.Now()
	return s
}

// Run ticks every heartbeat until ctx is done. Leadership is given up on
// return.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.heartbeat)
	defer ticker.Stop()
	s.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stepDown("", "shutting down")
			return ctx.Err()
		case <-ticker.Chan():
			s.tickAndLog(ctx)
		}
	}
}

func (s *Service) tickAndLog(ctx context.Context) {
	if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("id", s.ID()).Msg("leader election tick failed")
	}
}

// Tick runs one round of the election: a leader renews, a follower observes
// and possibly takes over. A leader whose lease ran out steps down and
// follows.
func (s *Service) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.mu.RLock()
	leading := s.leading
	s.mu.RUnlock()
	if leading && s.IsLeader() {
		return s.renew(ctx)
	}
	if leading {
		s.stepDown("", "lease expired")
	}
	return s.follow(ctx)
}

func (s *Service) renew(ctx context.Context) error {
	seq := s.Sequence() + 1
	started := s.clock.Now()
	chosen, err := s.propose(ctx, seq)
	if err != nil {
		s.stepDown("", "renewal failed")
		return err
	}
	if chosen.Owner != s.ID() {
		s.record(seq, chosen.Owner)
		s.stepDown(chosen.Owner, "another node was chosen")
		return nil
	}
	s.record(seq, chosen.Owner)
	s.mu.Lock()
	s.lastRenewed = started
	s.mu.Unlock()
	log.Debug().Int64("sequence", seq).Msg("renewed leadership")
	return nil
}

func (s *Service) follow(ctx context.Context) error {
	latest, err := s.proposer.Observe(ctx)
	if err != nil {
		return err
	}
	if latest.Value == nil {
		// nobody ever led
		return s.acquire(ctx, s.Sequence()+1)
	}

	now := s.clock.Now()
	s.mu.Lock()
	if latest.Sequence > s.sequence {
		s.sequence = latest.Sequence
		s.leader = latest.Value.Owner
		s.lastProgress = now
		s.mu.Unlock()
		return nil
	}
	stalled := now.Sub(s.lastProgress) >= s.leaderTimeout
	seq := s.sequence + 1
	s.mu.Unlock()

	if !stalled {
		return nil
	}
	log.Info().
		Str("leader", latest.Value.Owner).
		Int64("sequence", latest.Sequence).
		Msg("leader stopped making progress, trying to take over")
	return s.acquire(ctx, seq)
}

func (s *Service) acquire(ctx context.Context, seq int64) error {
	started := s.clock.Now()
	chosen, err := s.propose(ctx, seq)
	if err != nil {
		return err
	}
	s.record(seq, chosen.Owner)
	if chosen.Owner != s.ID() {
		log.Info().Str("leader", chosen.Owner).Int64("sequence", seq).Msg("lost leadership race")
		return nil
	}
	s.mu.Lock()
	s.leading = true
	s.lastRenewed = started
	s.mu.Unlock()
	log.Info().Int64("sequence", seq).Msg("gained leadership")
	s.publish(Event{Kind: Gained, Leader: s.ID(), Sequence: seq})
	return nil
}

func (s *Service) propose(ctx context.Context, seq int64) (paxos.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, s.renewalTimeout)
	defer cancel()
	return s.proposer.Propose(ctx, seq, paxos.NewValue(s.ID(), seq, s.payload))
}

// record notes a chosen value. The sequence never moves backwards.
func (s *Service) record(seq int64, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.sequence {
		s.sequence = seq
	}
	s.leader = owner
	s.lastProgress = s.clock.Now()
}

func (s *Service) stepDown(newLeader, reason string) {
	s.mu.Lock()
	if !s.leading {
		s.mu.Unlock()
		return
	}
	s.leading = false
	if newLeader == "" {
		s.leader = ""
	}
	s.lastProgress = s.clock.Now()
	seq := s.sequence
	s.mu.Unlock()

	log.Warn().
		Str("reason", reason).
		Str("leader", newLeader).
		Int64("sequence", seq).
		Msg("stepped down as leader")
	s.publish(Event{Kind: Lost, Leader: newLeader, Sequence: seq})
}

// Abdicate gives up leadership locally right away. Other nodes take over
// once the leader timeout has passed.
func (s *Service) Abdicate() {
	s.stepDown("", "abdicated")
}

// IsLeader reports whether this node won the latest sequence it knows of and
// renewed recently enough that no follower can have taken over yet.
func (s *Service) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leading && s.clock.Now().Sub(s.lastRenewed) < s.leaderTimeout-s.heartbeat
}

// Leader returns the last known leader. Followers learn it by observation,
// so it may be stale.
func (s *Service) Leader() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader, s.leader != ""
}

// Sequence is the latest sequence known to be chosen.
func (s *Service) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}

func (s *Service) ID() string {
	return s.proposer.Owner()
}

// Subscribe registers fn for leadership changes. fn is called synchronously
// and must not block.
func (s *Service) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Service) publish(e Event) {
	s.mu.RLock()
	subscribers := make([]func(Event), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()
	for _, fn := range subscribers {
		fn(e)
	}
}
