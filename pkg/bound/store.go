// Package bound keeps the upper limit of issued timestamps in a single
// compare-and-swap cell. Every write is tagged with the writer's owner id, so
// a second process writing the same cell is detected on its next write.
package bound

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// InitialUpperLimit is reported for a store that was never written.
const InitialUpperLimit int64 = 10000

type Store struct {
	cell  Cell
	owner string

	// serializes our own reads-then-swaps
	mu sync.Mutex
}

func NewStore(cell Cell, owner string) *Store {
	return &Store{cell: cell, owner: owner}
}

func (s *Store) OwnerID() string {
	return s.owner
}

// GetUpperLimit returns the stored limit whoever wrote it.
func (s *Store) GetUpperLimit(ctx context.Context) (int64, error) {
	_, rec, exists, err := s.read(ctx)
	if err != nil {
		return 0, err
	}
	if !exists {
		return InitialUpperLimit, nil
	}
	return rec.Limit, nil
}

// StoreUpperLimit replaces the limit if the record is ours, untagged or
// absent. A record owned by anybody else yields a *MultipleWritersError and
// is left untouched.
func (s *Store) StoreUpperLimit(ctx context.Context, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, rec, exists, err := s.read(ctx)
	if err != nil {
		return err
	}
	if exists && !rec.Legacy() && rec.Owner != s.owner {
		return s.conflict(rec)
	}
	next := Record{Owner: s.owner, Limit: limit}
	if err := s.swap(ctx, raw, exists, next); err != nil {
		return err
	}
	log.Debug().
		Str("owner", s.owner).
		Int64("limit", limit).
		Int64("previous", rec.Limit).
		Msg("stored upper limit")
	return nil
}

// Claim takes the record over for this owner without changing the limit and
// returns that limit. A newly elected leader claims the store first, which
// turns any later write by the previous owner into a conflict.
func (s *Store) Claim(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, rec, exists, err := s.read(ctx)
	if err != nil {
		return 0, err
	}
	if !exists {
		rec = Record{Limit: InitialUpperLimit}
	}
	if exists && rec.Owner == s.owner {
		return rec.Limit, nil
	}
	next := Record{Owner: s.owner, Limit: rec.Limit}
	if err := s.swap(ctx, raw, exists, next); err != nil {
		return 0, err
	}
	log.Info().
		Str("owner", s.owner).
		Str("previousOwner", rec.Owner).
		Int64("limit", rec.Limit).
		Msg("claimed bound store")
	return rec.Limit, nil
}

func (s *Store) read(ctx context.Context) ([]byte, Record, bool, error) {
	raw, exists, err := s.cell.Get(ctx)
	if err != nil {
		return nil, Record{}, false, &TransientError{Err: err}
	}
	if !exists {
		return nil, Record{}, false, nil
	}
	rec, err := ParseRecord(raw)
	if err != nil {
		return nil, Record{}, false, err
	}
	return raw, rec, true, nil
}

// swap writes next over raw. A lost race is a conflict if the winner is
// someone else and transient otherwise.
func (s *Store) swap(ctx context.Context, raw []byte, exists bool, next Record) error {
	ok, err := s.cell.CompareAndSwap(ctx, raw, exists, []byte(next.String()))
	if err != nil {
		return &TransientError{Err: err}
	}
	if ok {
		return nil
	}
	_, rec, exists, err := s.read(ctx)
	if err != nil {
		return err
	}
	if exists && !rec.Legacy() && rec.Owner != s.owner {
		return s.conflict(rec)
	}
	return &TransientError{Err: errors.New("bound changed during compare-and-swap")}
}

func (s *Store) conflict(found Record) error {
	log.Error().
		Str("owner", s.owner).
		Str("found", found.String()).
		Msg("another process is writing the timestamp bound")
	return &MultipleWritersError{Owner: s.owner, Found: found}
}
