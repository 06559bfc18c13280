package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/etcd/clientv3"
	"go.etcd.io/etcd/clientv3/concurrency"
	"go.etcd.io/etcd/mvcc/mvccpb"
)

// NewEtcdQueue stores items below prefix so that they survive the node that
// enqueued them. Consumers on different nodes take turns through an etcd
// mutex.
func NewEtcdQueue(ctx context.Context, cli *clientv3.Client, prefix string) (Queue, error) {
	session, err := concurrency.NewSession(cli, concurrency.WithContext(ctx), concurrency.WithTTL(5))
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		session.Close()
	}()
	return &etcdQueue{
		prefix:  prefix,
		cli:     cli,
		session: session,
	}, nil
}

type etcdQueue struct {
	prefix  string
	cli     *clientv3.Client
	session *concurrency.Session
}

func (q *etcdQueue) itemsKey() string {
	return path.Join(q.prefix, "items") + "/"
}

func (q *etcdQueue) Enqueue(ctx context.Context, obj interface{}) error {
	key := fmt.Sprintf("%s%020d", q.itemsKey(), time.Now().UnixNano())
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	log.Debug().Str("key", key).Msg("enqueue notification")
	_, err = q.cli.Put(ctx, key, string(data))
	return err
}

func (q *etcdQueue) Dequeue(ctx context.Context, target interface{}) error {
	mutex := concurrency.NewMutex(q.session, path.Join(q.prefix, "lock"))
	if err := mutex.Lock(ctx); err != nil {
		return err
	}
	defer mutex.Unlock(q.cli.Ctx())

	key := q.itemsKey()
	kv, err := q.first(ctx, key)
	if err != nil {
		return err
	}
	if kv == nil {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		for resp := range q.cli.Watch(watchCtx, key, clientv3.WithPrefix()) {
			for _, ev := range resp.Events {
				if ev.Type == clientv3.EventTypePut {
					kv = ev.Kv
					break
				}
			}
			if kv != nil {
				break
			}
		}
		if kv == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrQueueEmpty
		}
	}
	if err := json.Unmarshal(kv.Value, target); err != nil {
		return err
	}
	_, err = q.cli.KV.Delete(ctx, string(kv.Key))
	return err
}

func (q *etcdQueue) first(ctx context.Context, key string) (*mvccpb.KeyValue, error) {
	resp, err := q.cli.KV.Get(ctx, key, append(clientv3.WithFirstKey(), clientv3.WithPrefix())...)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	return resp.Kvs[0], nil
}
