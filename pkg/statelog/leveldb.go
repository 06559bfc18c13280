package statelog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/trusch/timelock/pkg/config"
	"github.com/trusch/timelock/pkg/paxos"
)

// NewFileLog opens (or creates) a leveldb backed log in the configured
// directory. Every write is synced before it returns.
func NewFileLog(cfg config.StorageConfig) (paxos.StateLog, error) {
	fileCfg, err := cfg.GetFileConfig()
	if err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(fileCfg.File, nil)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("file", fileCfg.File).Msg("opened state log")
	return newLevelLog(db)
}

// NewMemoryLog returns a log that lives in memory only. It shares the code
// path of the file log.
func NewMemoryLog() (paxos.StateLog, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLevelLog(db)
}

type levelLog struct {
	db   *leveldb.DB
	sync *opt.WriteOptions

	mu       sync.Mutex
	greatest int64
	cutoff   int64
}

func newLevelLog(db *leveldb.DB) (*levelLog, error) {
	l := &levelLog{
		db:   db,
		sync: &opt.WriteOptions{Sync: true},
	}
	var err error
	if l.greatest, err = l.readMarker(greatestKey); err != nil {
		db.Close()
		return nil, err
	}
	if l.cutoff, err = l.readMarker(cutoffKey); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *levelLog) readMarker(key string) (int64, error) {
	bs, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return paxos.NoSequence, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeMarker(key, bs)
}

func (l *levelLog) WriteRound(ctx context.Context, seq int64, state paxos.AcceptorState) error {
	if err := checkSequence(seq); err != nil {
		return err
	}
	bs, err := encodeState(state)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if seq <= l.cutoff {
		return paxos.ErrTruncated
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(roundKey(seq)), bs)
	if seq > l.greatest {
		batch.Put([]byte(greatestKey), encodeMarker(seq))
	}
	if err := l.db.Write(batch, l.sync); err != nil {
		return err
	}
	if seq > l.greatest {
		l.greatest = seq
	}
	return nil
}

func (l *levelLog) ReadRound(ctx context.Context, seq int64) (paxos.AcceptorState, error) {
	if err := checkSequence(seq); err != nil {
		return paxos.AcceptorState{}, err
	}
	l.mu.Lock()
	cutoff := l.cutoff
	l.mu.Unlock()
	if seq <= cutoff {
		return paxos.AcceptorState{}, paxos.ErrTruncated
	}
	bs, err := l.db.Get([]byte(roundKey(seq)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return paxos.AcceptorState{}, paxos.ErrNoRound
	}
	if err != nil {
		return paxos.AcceptorState{}, err
	}
	return decodeState(seq, bs)
}

func (l *levelLog) Truncate(ctx context.Context, cutoff int64) error {
	if err := checkSequence(cutoff); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cutoff <= l.cutoff {
		return nil
	}

	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(&util.Range{
		Start: []byte(roundKey(0)),
		Limit: []byte(roundKey(cutoff + 1)),
	}, nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scanning rounds below %d: %w", cutoff, err)
	}
	batch.Put([]byte(cutoffKey), encodeMarker(cutoff))
	if err := l.db.Write(batch, l.sync); err != nil {
		return err
	}
	log.Debug().
		Int64("cutoff", cutoff).
		Int("removed", batch.Len()-1).
		Msg("truncated state log")
	l.cutoff = cutoff
	return nil
}

func (l *levelLog) GreatestLogEntry(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.greatest, nil
}

func (l *levelLog) Cutoff(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cutoff, nil
}

func (l *levelLog) Close() error {
	return l.db.Close()
}
