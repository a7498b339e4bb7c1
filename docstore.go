package docds

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
)

// DocumentStore is the untyped backing store: collections of documents
// keyed by their "_id" field, queried with equality and range conditions.
// FindOne returns a nil document when the identifier is absent.
type DocumentStore interface {
	FindOne(ctx context.Context, collection, id string) (Document, error)
	Find(ctx context.Context, q NativeQuery) ([]Document, error)
	InsertOrReplace(ctx context.Context, collection string, doc Document) error
	Remove(ctx context.Context, collection, id string) error

	CreateIndex(ctx context.Context, collection string, idx NativeIndex) error
	DropIndex(ctx context.Context, collection, name string) error
	ListIndexes(ctx context.Context, collection string) ([]NativeIndex, error)

	ListCollections(ctx context.Context) ([]string, error)
	DropCollection(ctx context.Context, collection string) error

	// AtomicIncrement adds delta to an integer field, creating the document
	// and treating the field as 0 if absent, and returns the new value.
	AtomicIncrement(ctx context.Context, collection, id, field string, delta int64) (int64, error)

	// CompareAndSet sets an integer field to newVal iff it currently equals
	// old. An absent document or field counts as 0.
	CompareAndSet(ctx context.Context, collection, id, field string, old, newVal int64) (bool, error)
}

// NativeIndex is a secondary index definition as the store sees it.
// Ancestor indexes are prefixed by the key path.
type NativeIndex struct {
	Name     string      `msgpack:"n"`
	Keys     []SortField `msgpack:"k"`
	Ancestor bool        `msgpack:"a,omitempty"`
}

// ancestorIndexPrefix starts the names of ancestor indexes.
const ancestorIndexPrefix = "ancestor_"

// nativeIndexName names an index after its fields, e.g. "age_1_name_-1".
func nativeIndexName(keys []SortField) string {
	parts := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		dir := 1
		if k.Desc {
			dir = -1
		}
		parts = append(parts, k.Field, strconv.Itoa(dir))
	}
	return strings.Join(parts, "_")
}

const (
	// indexMetaBucket holds NativeIndex records keyed by collection and name.
	indexMetaBucket = "__indexes__"
	indexMetaSep    = "\x00"
)

// KVDocumentStore implements DocumentStore on top of a sorted key-value
// storage: one bucket per collection, documents keyed by identifier and
// msgpack-encoded. Queries scan the collection (narrowed by identifier
// conditions) and evaluate filters and sorts in memory. Index definitions
// are recorded for bookkeeping only.
type KVDocumentStore struct {
	st      storage
	logger  *slog.Logger
	verbose bool
}

func newKVDocumentStore(st storage, opt Options) *KVDocumentStore {
	return &KVDocumentStore{st: st, logger: opt.logger(), verbose: opt.Verbose}
}

// OpenDocumentStore opens a Bolt-backed document store at path.
func OpenDocumentStore(path string, opt Options) (*KVDocumentStore, error) {
	st, err := openBolt(path, opt)
	if err != nil {
		return nil, err
	}
	return newKVDocumentStore(st, opt), nil
}

// NewMemDocumentStore returns a transient in-memory document store.
func NewMemDocumentStore(opt Options) *KVDocumentStore {
	return newKVDocumentStore(newMemStorage(), opt)
}

func (s *KVDocumentStore) Close() error {
	return s.st.Close()
}

func (s *KVDocumentStore) FindOne(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc Document
	err := readTx(s.st, func(stx storageTx) error {
		b := stx.Bucket(collection)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var err error
		doc, err = decodeDocument(raw)
		return err
	})
	return doc, err
}

func (s *KVDocumentStore) Find(ctx context.Context, q NativeQuery) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.verbose {
		s.logger.Debug("db: FIND", "query", q.String())
	}
	var docs []Document
	err := readTx(s.st, func(stx storageTx) error {
		b := stx.Bucket(q.Collection)
		if b == nil {
			return nil
		}
		rang := q.Filter.idRange()
		c := rang.newCursor(b.Cursor(), s.logger)
		// without a sort, identifier order is final and we can stop early
		stopAt := -1
		if len(q.Sort) == 0 && q.Limit > 0 {
			stopAt = q.Skip + q.Limit
		}
		for c.Next() {
			doc, err := decodeDocument(c.Value())
			if err != nil {
				return fmt.Errorf("%s: %w", q.Collection, err)
			}
			if !q.Filter.Match(doc) {
				continue
			}
			docs = append(docs, doc)
			if len(docs) == stopAt {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(q.Sort) > 0 {
		slices.SortStableFunc(docs, q.compareDocs)
	}
	if q.Skip > 0 {
		if q.Skip >= len(docs) {
			return nil, nil
		}
		docs = docs[q.Skip:]
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (s *KVDocumentStore) InsertOrReplace(ctx context.Context, collection string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := doc.ID()
	if id == "" {
		return badRequestf("%s: document has no %s", collection, idField)
	}
	if s.verbose {
		s.logger.Debug("db: PUT", "collection", collection, "id", id)
	}
	data := encodeDocument(doc)
	return writeTx(s.st, func(stx storageTx) error {
		b, err := stx.CreateBucket(collection)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *KVDocumentStore) Remove(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.verbose {
		s.logger.Debug("db: DELETE", "collection", collection, "id", id)
	}
	return writeTx(s.st, func(stx storageTx) error {
		b := stx.Bucket(collection)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

func (s *KVDocumentStore) CreateIndex(ctx context.Context, collection string, idx NativeIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if idx.Name == "" {
		idx.Name = nativeIndexName(idx.Keys)
		if idx.Ancestor {
			idx.Name = ancestorIndexPrefix + idx.Name
		}
	}
	return writeTx(s.st, func(stx storageTx) error {
		if _, err := stx.CreateBucket(collection); err != nil {
			return err
		}
		b, err := stx.CreateBucket(indexMetaBucket)
		if err != nil {
			return err
		}
		k := []byte(collection + indexMetaSep + idx.Name)
		if b.Get(k) != nil {
			return fmt.Errorf("%s.%s: %w", collection, idx.Name, ErrIndexExists)
		}
		return b.Put(k, encodeMsgPack(nil, &idx))
	})
}

func (s *KVDocumentStore) DropIndex(ctx context.Context, collection, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeTx(s.st, func(stx storageTx) error {
		k := []byte(collection + indexMetaSep + name)
		b := stx.Bucket(indexMetaBucket)
		if b == nil || b.Get(k) == nil {
			return fmt.Errorf("%s.%s: %w", collection, name, ErrIndexNotFound)
		}
		return b.Delete(k)
	})
}

func (s *KVDocumentStore) ListIndexes(ctx context.Context, collection string) ([]NativeIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []NativeIndex
	err := readTx(s.st, func(stx storageTx) error {
		b := stx.Bucket(indexMetaBucket)
		if b == nil {
			return nil
		}
		rang := RawPrefix([]byte(collection + indexMetaSep))
		c := rang.newCursor(b.Cursor(), s.logger)
		for c.Next() {
			var idx NativeIndex
			if err := decodeMsgPack(c.Value(), &idx); err != nil {
				return err
			}
			result = append(result, idx)
		}
		return nil
	})
	return result, err
}

func (s *KVDocumentStore) ListCollections(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []string
	err := readTx(s.st, func(stx storageTx) error {
		for _, name := range stx.BucketNames() {
			if name != indexMetaBucket {
				result = append(result, name)
			}
		}
		return nil
	})
	return result, err
}

// DropCollection removes a collection with its documents and indexes.
// Dropping an absent collection is not an error.
func (s *KVDocumentStore) DropCollection(ctx context.Context, collection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.verbose {
		s.logger.Debug("db: DROP", "collection", collection)
	}
	return writeTx(s.st, func(stx storageTx) error {
		if err := stx.DeleteBucket(collection); err != nil && err != ErrBucketNotFound {
			return err
		}
		b := stx.Bucket(indexMetaBucket)
		if b == nil {
			return nil
		}
		prefix := RawPrefix([]byte(collection + indexMetaSep))
		var doomed [][]byte
		c := prefix.newCursor(b.Cursor(), s.logger)
		for c.Next() {
			doomed = append(doomed, slices.Clone(c.Key()))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *KVDocumentStore) AtomicIncrement(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var result int64
	err := s.modifyCounter(collection, id, field, func(cur int64) (int64, bool) {
		result = cur + delta
		return result, true
	})
	return result, err
}

func (s *KVDocumentStore) CompareAndSet(ctx context.Context, collection, id, field string, old, newVal int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var swapped bool
	err := s.modifyCounter(collection, id, field, func(cur int64) (int64, bool) {
		swapped = (cur == old)
		return newVal, swapped
	})
	return swapped, err
}

// modifyCounter runs a read-modify-write of one integer field inside a
// single writable storage transaction.
func (s *KVDocumentStore) modifyCounter(collection, id, field string, f func(cur int64) (int64, bool)) error {
	return writeTx(s.st, func(stx storageTx) error {
		b, err := stx.CreateBucket(collection)
		if err != nil {
			return err
		}
		doc := Document{idField: id}
		if raw := b.Get([]byte(id)); raw != nil {
			doc, err = decodeDocument(raw)
			if err != nil {
				return err
			}
		}
		var cur int64
		switch v := doc[field].(type) {
		case nil:
		case int64:
			cur = v
		case float64:
			cur = int64(v)
		default:
			return fmt.Errorf("%s/%s.%s: counter holds %T", collection, id, field, v)
		}
		newVal, ok := f(cur)
		if !ok {
			return nil
		}
		doc[field] = newVal
		return b.Put([]byte(id), encodeDocument(doc))
	})
}
