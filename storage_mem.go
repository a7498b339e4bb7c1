package docds

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	closed  bool
	writer  bool
}

// newMemStorage returns a transient in-memory storage intended for tests
// and for embedding without a file.
func newMemStorage() *memStorage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	// Readers share the committed buckets. Writers share them too until a
	// bucket is first modified, which gives the writer a private copy.
	snap := s.buckets
	var owned map[string]bool
	if writable {
		snap = maps.Clone(s.buckets)
		if snap == nil {
			snap = make(map[string]*memBucket)
		}
		owned = make(map[string]bool)
	}

	return &memTx{
		writable: writable,
		base:     s,
		buckets:  snap,
		owned:    owned,
	}, nil
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	if s.cond != nil {
		s.cond.Broadcast()
	}
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memBucket
	owned    map[string]bool
	closed   bool
}

// mutableBucket returns a copy of the named bucket private to tx, making one
// on first use.
func (tx *memTx) mutableBucket(name string) *memBucket {
	b := tx.buckets[name]
	if b == nil || tx.owned[name] {
		return b
	}
	b = b.clone()
	tx.buckets[name] = b
	tx.owned[name] = true
	return b
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) Bucket(name string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	if tx.buckets[name] == nil {
		return nil
	}
	return memBucketHandle{tx: tx, name: name}
}

func (tx *memTx) CreateBucket(name string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	if tx.buckets[name] == nil {
		tx.buckets[name] = &memBucket{}
		tx.owned[name] = true
	}
	return memBucketHandle{tx: tx, name: name}, nil
}

func (tx *memTx) DeleteBucket(name string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if tx.buckets[name] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, name)
	delete(tx.owned, name)
	return nil
}

func (tx *memTx) BucketNames() []string {
	return slices.Sorted(maps.Keys(tx.buckets))
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return fmt.Errorf("storage closed")
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 { return 0 }

type memBucket struct {
	items []memKV // sorted by key
}

func (b *memBucket) clone() *memBucket {
	if b == nil {
		return nil
	}
	// keys and values are never modified in place, only replaced
	return &memBucket{items: slices.Clone(b.items)}
}

type memKV struct {
	key   []byte
	value []byte
}

type memBucketHandle struct {
	tx   *memTx
	name string
}

func (b memBucketHandle) items() []memKV {
	if mb := b.tx.buckets[b.name]; mb != nil {
		return mb.items
	}
	return nil
}

func (b memBucketHandle) Get(key []byte) []byte {
	i, ok := b.find(key)
	if !ok {
		return nil
	}
	return b.items()[i].value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	key = slices.Clone(key)
	value = slices.Clone(value)

	mb := b.tx.mutableBucket(b.name)
	if mb == nil {
		return ErrBucketNotFound
	}
	i, ok := b.find(key)
	if ok {
		mb.items[i].value = value
		return nil
	}
	mb.items = slices.Insert(mb.items, i, memKV{key: key, value: value})
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	i, ok := b.find(key)
	if !ok {
		return nil
	}
	mb := b.tx.mutableBucket(b.name)
	mb.items = slices.Delete(mb.items, i, i+1)
	return nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{b: b, pos: -1}
}

func (b memBucketHandle) Stats() bucketStats {
	var inuse int64
	items := b.items()
	for _, kv := range items {
		inuse += int64(len(kv.key) + len(kv.value))
	}
	return bucketStats{
		KeyN:      len(items),
		LeafInuse: inuse,
		LeafAlloc: inuse,
	}
}

func (b memBucketHandle) find(key []byte) (idx int, ok bool) {
	items := b.items()
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

// memCursor reads through its handle so it observes writes made by the same
// transaction.
type memCursor struct {
	b   memBucketHandle
	pos int
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = 0
	items := c.b.items()
	if len(items) == 0 {
		return nil, nil
	}
	kv := items[c.pos]
	return kv.key, kv.value
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	items := c.b.items()
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, seek) >= 0
	})
	c.pos = i
	if i >= len(items) {
		return nil, nil
	}
	kv := items[i]
	return kv.key, kv.value
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < 0 {
		return c.First()
	}
	c.pos++
	items := c.b.items()
	if c.pos >= len(items) {
		return nil, nil
	}
	kv := items[c.pos]
	return kv.key, kv.value
}
