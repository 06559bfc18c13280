// Package timestamp hands out strictly increasing timestamps while this node
// leads. The highest timestamp that may have been issued is persisted in a
// fenced bound store ahead of use, so a new leader always starts above
// everything its predecessors handed out.
package timestamp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/trusch/timelock/pkg/bound"
	"github.com/trusch/timelock/pkg/leader"
)

var (
	ErrNotLeader         = errors.New("not the leader")
	ErrTooManyTimestamps = errors.New("invalid number of timestamps requested")
	// ErrOutOfRange is returned when a timestamp or the stored bound is so
	// close to the int64 maximum that the buffer no longer fits above it.
	ErrOutOfRange = errors.New("timestamp out of range")
)

// Leadership is the view of the election the service needs.
type Leadership interface {
	IsLeader() bool
	Abdicate()
}

type BoundStore interface {
	GetUpperLimit(ctx context.Context) (int64, error)
	StoreUpperLimit(ctx context.Context, limit int64) error
	Claim(ctx context.Context) (int64, error)
}

// Range is an inclusive range of timestamps.
type Range struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
}

func (r Range) Size() int64 {
	return r.Upper - r.Lower + 1
}

type Service struct {
	store      BoundStore
	leadership Leadership
	bufferSize int64
	maxGrant   int
	onConflict func(error)

	mu    sync.Mutex
	ready bool
	last  int64
	limit int64
}

type Option func(*Service)

// WithBufferSize sets how far the stored limit runs ahead of the issued
// timestamps.
func WithBufferSize(n int64) Option {
	return func(s *Service) { s.bufferSize = n }
}

func WithMaxGrantSize(n int) Option {
	return func(s *Service) { s.maxGrant = n }
}

// WithConflictHandler is called after the service abdicated because another
// process wrote the bound.
func WithConflictHandler(fn func(error)) Option {
	return func(s *Service) { s.onConflict = fn }
}

func New(store BoundStore, leadership Leadership, opts ...Option) *Service {
	s := &Service{
		store:      store,
		leadership: leadership,
		bufferSize: 1000000,
		maxGrant:   10000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleLeadership forgets the cached bound on every leadership change, so
// the next term starts from the store again.
func (s *Service) HandleLeadership(e leader.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	log.Debug().Str("event", e.Kind.String()).Msg("reset timestamp state")
}

func (s *Service) GetFreshTimestamp(ctx context.Context) (int64, error) {
	r, err := s.GetFreshTimestamps(ctx, 1)
	if err != nil {
		return 0, err
	}
	return r.Lower, nil
}

func (s *Service) GetFreshTimestamps(ctx context.Context, n int) (Range, error) {
	if n < 1 || n > s.maxGrant {
		return Range{}, fmt.Errorf("%w: %d, must be between 1 and %d", ErrTooManyTimestamps, n, s.maxGrant)
	}
	if !s.leadership.IsLeader() {
		return Range{}, ErrNotLeader
	}
	s.mu.Lock()
	r, err := s.grant(ctx, n)
	s.mu.Unlock()
	if err != nil {
		return Range{}, s.fail(err)
	}
	return r, nil
}

// FastForward makes sure every later timestamp is above ts.
func (s *Service) FastForward(ctx context.Context, ts int64) error {
	if ts > s.ceiling() {
		return fmt.Errorf("%w: %d is above %d", ErrOutOfRange, ts, s.ceiling())
	}
	if !s.leadership.IsLeader() {
		return ErrNotLeader
	}
	s.mu.Lock()
	err := s.fastForward(ctx, ts)
	s.mu.Unlock()
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// UpperLimit is the stored limit. It may be read by any node.
func (s *Service) UpperLimit(ctx context.Context) (int64, error) {
	return s.store.GetUpperLimit(ctx)
}

func (s *Service) grant(ctx context.Context, n int) (Range, error) {
	if err := s.prepare(ctx); err != nil {
		return Range{}, err
	}
	if s.last > s.ceiling() {
		return Range{}, fmt.Errorf("%w: bound %d leaves no room below %d", ErrOutOfRange, s.last, s.ceiling())
	}
	r := Range{Lower: s.last + 1, Upper: s.last + int64(n)}
	if err := s.reserve(ctx, r.Upper); err != nil {
		return Range{}, err
	}
	if !s.leadership.IsLeader() {
		return Range{}, ErrNotLeader
	}
	s.last = r.Upper
	return r, nil
}

func (s *Service) fastForward(ctx context.Context, ts int64) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}
	if ts <= s.last {
		return nil
	}
	if err := s.reserve(ctx, ts); err != nil {
		return err
	}
	if !s.leadership.IsLeader() {
		return ErrNotLeader
	}
	log.Info().Int64("from", s.last).Int64("to", ts).Msg("fast forwarded timestamps")
	s.last = ts
	return nil
}

// prepare claims the store once per term and continues above its limit.
// Only a current leader claims, and a claim that outlived the leadership is
// not used.
func (s *Service) prepare(ctx context.Context) error {
	if s.ready {
		return nil
	}
	if !s.leadership.IsLeader() {
		return ErrNotLeader
	}
	limit, err := s.store.Claim(ctx)
	if err != nil {
		return err
	}
	if !s.leadership.IsLeader() {
		return ErrNotLeader
	}
	s.last, s.limit, s.ready = limit, limit, true
	log.Info().Int64("limit", limit).Msg("timestamp service ready")
	return nil
}

// ceiling is the highest timestamp that still leaves room for a full grant
// and the buffer above it.
func (s *Service) ceiling() int64 {
	return math.MaxInt64 - s.bufferSize - int64(s.maxGrant)
}

// reserve extends the stored limit until it covers upTo.
func (s *Service) reserve(ctx context.Context, upTo int64) error {
	if upTo <= s.limit {
		return nil
	}
	if upTo > math.MaxInt64-s.bufferSize {
		return fmt.Errorf("%w: cannot reserve above %d", ErrOutOfRange, upTo)
	}
	next := upTo + s.bufferSize
	if err := s.store.StoreUpperLimit(ctx, next); err != nil {
		return err
	}
	s.limit = next
	return nil
}

func (s *Service) fail(err error) error {
	if !errors.Is(err, bound.ErrMultipleWriters) {
		return err
	}
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	log.Error().Err(err).Msg("giving up leadership, another process writes the timestamp bound")
	s.leadership.Abdicate()
	if s.onConflict != nil {
		s.onConflict(err)
	}
	return err
}
