package storage

import (
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Reader is the read surface shared by the DB, snapshots and open
// transactions. Iterators opened on a transaction see its pending writes.
type Reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// Writer is a Reader that can stage mutations.
type Writer interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
}

// DB is the single pebble database holding every piece of node state:
// orders, index, escrows, balances, NFT holdings, nonces and events.
type DB struct {
	db *pebble.DB
}

// Open opens a Pebble database at the given path
func Open(path string) (*DB, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(128 << 20), // 128MB cache
		MemTableSize:             64 << 20,                   // 64MB memtable
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// OpenInMemory opens a DB backed by an in-memory filesystem. Used by tests
// and by the devnet when no data directory is configured.
func OpenInMemory() (*DB, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble db: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database
func (d *DB) Close() error { return d.db.Close() }

// Get reads committed state.
func (d *DB) Get(key []byte) ([]byte, io.Closer, error) { return d.db.Get(key) }

// NewIter iterates committed state.
func (d *DB) NewIter(o *pebble.IterOptions) (*pebble.Iterator, error) { return d.db.NewIter(o) }

// Begin starts a write transaction. Nothing is visible to other readers
// until Commit; Discard drops every staged write.
func (d *DB) Begin() *Txn {
	return &Txn{b: d.db.NewIndexedBatch()}
}

// Snapshot returns a consistent point-in-time view. Callers must Close it.
func (d *DB) Snapshot() *Snapshot {
	return &Snapshot{s: d.db.NewSnapshot()}
}

// Txn is an indexed pebble batch: reads see staged writes, and the whole
// batch lands atomically on Commit.
type Txn struct {
	b    *pebble.Batch
	done bool
}

func (t *Txn) Get(key []byte) ([]byte, io.Closer, error) { return t.b.Get(key) }

func (t *Txn) NewIter(o *pebble.IterOptions) (*pebble.Iterator, error) { return t.b.NewIter(o) }

func (t *Txn) Set(key, value []byte) error { return t.b.Set(key, value, nil) }

func (t *Txn) Delete(key []byte) error { return t.b.Delete(key, nil) }

// Commit writes the batch durably. The Txn is closed either way.
func (t *Txn) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	defer t.b.Close()
	if err := t.b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Discard abandons the transaction. Safe to call after Commit.
func (t *Txn) Discard() {
	if t.done {
		return
	}
	t.done = true
	_ = t.b.Close()
}

// Snapshot is a read-only view of the DB.
type Snapshot struct {
	s *pebble.Snapshot
}

func (s *Snapshot) Get(key []byte) ([]byte, io.Closer, error) { return s.s.Get(key) }

func (s *Snapshot) NewIter(o *pebble.IterOptions) (*pebble.Iterator, error) { return s.s.NewIter(o) }

func (s *Snapshot) Close() error { return s.s.Close() }

var (
	_ Reader = (*DB)(nil)
	_ Writer = (*Txn)(nil)
	_ Reader = (*Snapshot)(nil)
)
