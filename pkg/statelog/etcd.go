package statelog

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/trusch/timelock/pkg/paxos"
	"go.etcd.io/etcd/clientv3"
)

// NewEtcdLog stores rounds below prefix. Each acceptor needs a prefix of its
// own: the markers are cached and only this process may move them.
func NewEtcdLog(ctx context.Context, cli *clientv3.Client, prefix string) (paxos.StateLog, error) {
	l := &etcdLog{
		client: cli,
		prefix: prefix,
	}
	var err error
	if l.greatest, err = l.readMarker(ctx, greatestKey); err != nil {
		return nil, err
	}
	if l.cutoff, err = l.readMarker(ctx, cutoffKey); err != nil {
		return nil, err
	}
	log.Debug().
		Str("prefix", prefix).
		Int64("greatest", l.greatest).
		Int64("cutoff", l.cutoff).
		Msg("opened etcd state log")
	return l, nil
}

type etcdLog struct {
	client *clientv3.Client
	prefix string

	mu       sync.Mutex
	greatest int64
	cutoff   int64
}

func (l *etcdLog) key(k string) string {
	return path.Join(l.prefix, k)
}

func (l *etcdLog) readMarker(ctx context.Context, key string) (int64, error) {
	resp, err := l.client.KV.Get(ctx, l.key(key))
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 {
		return paxos.NoSequence, nil
	}
	return decodeMarker(key, resp.Kvs[0].Value)
}

func (l *etcdLog) WriteRound(ctx context.Context, seq int64, state paxos.AcceptorState) error {
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
	ops := []clientv3.Op{clientv3.OpPut(l.key(roundKey(seq)), string(bs))}
	if seq > l.greatest {
		ops = append(ops, clientv3.OpPut(l.key(greatestKey), string(encodeMarker(seq))))
	}
	if _, err := l.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return err
	}
	if seq > l.greatest {
		l.greatest = seq
	}
	return nil
}

func (l *etcdLog) ReadRound(ctx context.Context, seq int64) (paxos.AcceptorState, error) {
	if err := checkSequence(seq); err != nil {
		return paxos.AcceptorState{}, err
	}
	l.mu.Lock()
	cutoff := l.cutoff
	l.mu.Unlock()
	if seq <= cutoff {
		return paxos.AcceptorState{}, paxos.ErrTruncated
	}
	resp, err := l.client.KV.Get(ctx, l.key(roundKey(seq)))
	if err != nil {
		return paxos.AcceptorState{}, err
	}
	if len(resp.Kvs) == 0 {
		return paxos.AcceptorState{}, paxos.ErrNoRound
	}
	return decodeState(seq, resp.Kvs[0].Value)
}

func (l *etcdLog) Truncate(ctx context.Context, cutoff int64) error {
	if err := checkSequence(cutoff); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cutoff <= l.cutoff {
		return nil
	}
	resp, err := l.client.Txn(ctx).Then(
		clientv3.OpDelete(l.key(roundKey(0)), clientv3.WithRange(l.key(roundKey(cutoff+1)))),
		clientv3.OpPut(l.key(cutoffKey), string(encodeMarker(cutoff))),
	).Commit()
	if err != nil {
		return fmt.Errorf("truncating rounds up to %d: %w", cutoff, err)
	}
	var removed int64
	if len(resp.Responses) > 0 {
		if del := resp.Responses[0].GetResponseDeleteRange(); del != nil {
			removed = del.Deleted
		}
	}
	log.Debug().
		Str("prefix", l.prefix).
		Int64("cutoff", cutoff).
		Int64("removed", removed).
		Msg("truncated state log")
	l.cutoff = cutoff
	return nil
}

func (l *etcdLog) GreatestLogEntry(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.greatest, nil
}

func (l *etcdLog) Cutoff(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cutoff, nil
}

// Close leaves the client open; it is shared with the bound store.
func (l *etcdLog) Close() error {
	return nil
}
