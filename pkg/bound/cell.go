package bound

import (
	"bytes"
	"context"
	"errors"
	"path"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/trusch/timelock/pkg/config"
	"go.etcd.io/etcd/clientv3"
)

// Cell is a single versioned value that can only be replaced by
// compare-and-swap.
type Cell interface {
	Get(ctx context.Context) (value []byte, exists bool, err error)
	// CompareAndSwap writes next if the cell still holds old, or is still
	// absent when oldExists is false.
	CompareAndSwap(ctx context.Context, old []byte, oldExists bool, next []byte) (bool, error)
}

func NewMemoryCell() Cell {
	return &memoryCell{}
}

type memoryCell struct {
	mu     sync.Mutex
	value  []byte
	exists bool
}

func (c *memoryCell) Get(ctx context.Context) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), c.exists, nil
}

func (c *memoryCell) CompareAndSwap(ctx context.Context, old []byte, oldExists bool, next []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exists != oldExists || (oldExists && !bytes.Equal(c.value, old)) {
		return false, nil
	}
	c.value = append([]byte(nil), next...)
	c.exists = true
	return true, nil
}

const cellKey = "timestamp-bound"

// NewFileCell keeps the bound in a leveldb database. leveldb allows a single
// process per database, so the lock below covers every writer.
func NewFileCell(cfg config.StorageConfig) (*FileCell, error) {
	fileCfg, err := cfg.GetFileConfig()
	if err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(fileCfg.File, nil)
	if err != nil {
		return nil, err
	}
	return &FileCell{db: db}, nil
}

type FileCell struct {
	mu sync.Mutex
	db *leveldb.DB
}

func (c *FileCell) Get(ctx context.Context) ([]byte, bool, error) {
	bs, err := c.db.Get([]byte(cellKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bs, true, nil
}

func (c *FileCell) CompareAndSwap(ctx context.Context, old []byte, oldExists bool, next []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, exists, err := c.Get(ctx)
	if err != nil {
		return false, err
	}
	if exists != oldExists || (oldExists && !bytes.Equal(current, old)) {
		return false, nil
	}
	if err := c.db.Put([]byte(cellKey), next, &opt.WriteOptions{Sync: true}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *FileCell) Close() error {
	return c.db.Close()
}

// NewEtcdCell keeps the bound in a single etcd key below prefix. Swaps are
// etcd transactions, so several processes may share the key.
func NewEtcdCell(cli *clientv3.Client, prefix string) Cell {
	return &etcdCell{
		client: cli,
		key:    path.Join(prefix, cellKey),
	}
}

type etcdCell struct {
	client *clientv3.Client
	key    string
}

func (c *etcdCell) Get(ctx context.Context) ([]byte, bool, error) {
	resp, err := c.client.KV.Get(ctx, c.key)
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (c *etcdCell) CompareAndSwap(ctx context.Context, old []byte, oldExists bool, next []byte) (bool, error) {
	cmp := clientv3.Compare(clientv3.CreateRevision(c.key), "=", 0)
	if oldExists {
		cmp = clientv3.Compare(clientv3.Value(c.key), "=", string(old))
	}
	resp, err := c.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(c.key, string(next))).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}
