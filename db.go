package docds

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyvit/docds/journal"
)

// DB is a typed entity datastore over a DocumentStore. Entities of one
// kind live in one collection; keys are stored as sortable identifiers.
type DB struct {
	store   DocumentStore
	closer  io.Closer
	logger  *slog.Logger
	verbose bool

	requireIndexes bool
	trackTxns      bool

	ids       *idAllocator
	indexes   *indexRegistry
	txc       txCoordinator
	sink      ActionSink
	principal PrincipalResolver
	metrics   *Metrics
	journal   *journal.Journal

	historyLock sync.Mutex
	history     map[uint64][]*QueryHistoryEntry

	ReadCount  atomic.Uint64
	WriteCount atomic.Uint64
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// IsTesting relaxes durability of Bolt files.
	IsTesting bool
	MmapSize  int

	// RequireIndexes rejects queries needing a composite index that has
	// not been created.
	RequireIndexes bool

	// TrackTxns records the stack of BeginTransaction for DescribeOpenTxns.
	TrackTxns bool

	Sink      ActionSink
	Principal PrincipalResolver
	Metrics   *Metrics

	// Journal, when set, receives every committed transaction before it
	// is applied.
	Journal *journal.Journal
}

func (opt Options) logger() *slog.Logger {
	if opt.Logger != nil {
		return opt.Logger
	}
	return slog.Default()
}

// Open opens a DB backed by a Bolt file at path.
func Open(path string, opt Options) (*DB, error) {
	store, err := OpenDocumentStore(path, opt)
	if err != nil {
		return nil, err
	}
	db := New(store, opt)
	db.closer = store
	return db, nil
}

// New returns a DB over an existing document store. The caller keeps
// ownership of store.
func New(store DocumentStore, opt Options) *DB {
	sink := opt.Sink
	if sink == nil {
		sink = discardSink{}
	}
	return &DB{
		store:          store,
		logger:         opt.logger(),
		verbose:        opt.Verbose,
		requireIndexes: opt.RequireIndexes,
		trackTxns:      opt.TrackTxns,
		ids:            newIDAllocator(store),
		indexes:        &indexRegistry{store: store},
		sink:           sink,
		principal:      opt.Principal,
		metrics:        opt.Metrics,
		journal:        opt.Journal,
		history:        make(map[uint64][]*QueryHistoryEntry),
	}
}

func (db *DB) Store() DocumentStore {
	return db.store
}

func (db *DB) Close() error {
	if db.closer == nil {
		return nil
	}
	return db.closer.Close()
}

// collectionName maps a namespace and kind onto a collection. The key
// separator cannot occur in kinds, so the mapping is reversible.
func collectionName(ns, kind string) string {
	if ns == "" {
		return kind
	}
	return ns + string(rune(keySep)) + kind
}

func splitCollectionName(coll string) (ns, kind string) {
	if i := strings.LastIndexByte(coll, keySep); i >= 0 {
		return coll[:i], coll[i+1:]
	}
	return "", coll
}

func collectionForKey(k *Key) string {
	return collectionName(k.namespace, k.Kind())
}

// Put stores entities, assigning ids to incomplete keys, and returns the
// final keys. With a non-nil tx the writes are buffered until Commit.
func (db *DB) Put(ctx context.Context, tx *Transaction, entities ...*Entity) (keys []*Key, err error) {
	defer db.metrics.observe("put", time.Now(), &err)

	prepared := make([]*Entity, len(entities))
	for i, e := range entities {
		if e == nil {
			return nil, badRequestf("put: nil entity at %d", i)
		}
		if err := e.Key.validate(true); err != nil {
			return nil, err
		}
		if strings.IndexByte(e.Key.namespace, keySep) >= 0 {
			return nil, keyErrf(e.Key, "namespace contains the reserved separator")
		}
		prepared[i] = e.Clone()
	}

	if db.principal != nil {
		if u, ok := db.principal.CurrentUser(ctx); ok {
			for _, e := range prepared {
				e.Properties = fillUsers(e.Properties, u)
			}
		}
	}

	for _, e := range prepared {
		if !e.Key.Incomplete() {
			continue
		}
		r, err := db.ids.reserve(ctx, e.Key.namespace, e.Key.Kind(), 1)
		if err != nil {
			return nil, err
		}
		db.metrics.idsAllocated(e.Key.Kind(), 1)
		e.Key = e.Key.withID(r.Start)
	}

	// encode everything up front so a bad value fails the whole call
	for _, e := range prepared {
		if _, err := toDocument(e); err != nil {
			return nil, err
		}
	}

	if tx != nil {
		if err := db.txc.bufferPut(tx, prepared); err != nil {
			return nil, err
		}
	} else {
		for _, e := range prepared {
			if err := db.writeEntity(ctx, e); err != nil {
				return nil, err
			}
		}
	}

	keys = make([]*Key, len(prepared))
	for i, e := range prepared {
		keys[i] = e.Key
	}
	return keys, nil
}

func (db *DB) writeEntity(ctx context.Context, e *Entity) error {
	doc, err := toDocument(e)
	if err != nil {
		return err
	}
	db.WriteCount.Add(1)
	return db.store.InsertOrReplace(ctx, collectionForKey(e.Key), doc)
}

func (db *DB) removeKey(ctx context.Context, k *Key) error {
	id, err := EncodeKey(k)
	if err != nil {
		return err
	}
	db.WriteCount.Add(1)
	return db.store.Remove(ctx, collectionForKey(k), id)
}

// Get loads entities by key. The result is parallel to keys, with nil for
// keys that do not exist. Buffered transactional writes are not visible.
func (db *DB) Get(ctx context.Context, keys ...*Key) (result []*Entity, err error) {
	defer db.metrics.observe("get", time.Now(), &err)

	result = make([]*Entity, len(keys))
	for i, k := range keys {
		id, err := EncodeKey(k)
		if err != nil {
			return nil, err
		}
		db.ReadCount.Add(1)
		doc, err := db.store.FindOne(ctx, collectionForKey(k), id)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		e, err := fromDocument(k.namespace, doc)
		if err != nil {
			return nil, err
		}
		if db.verbose {
			db.logger.Debug("db: GET", "key", k.String(), "props", len(e.Properties))
		}
		result[i] = e
	}
	return result, nil
}

// Delete removes entities by key. With a non-nil tx the deletes are
// buffered until Commit.
func (db *DB) Delete(ctx context.Context, tx *Transaction, keys ...*Key) (err error) {
	defer db.metrics.observe("delete", time.Now(), &err)

	for _, k := range keys {
		if err := k.validate(false); err != nil {
			return err
		}
	}
	if tx != nil {
		return db.txc.bufferDelete(tx, keys)
	}
	for _, k := range keys {
		if err := db.removeKey(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// QueryResult is one page of query results. Entities is nil for keys-only
// queries. Cursor resumes the same query after this page; More is set when
// a limit cut the page short.
type QueryResult struct {
	Entities []*Entity
	Keys     []*Key
	Cursor   *Cursor
	More     bool
}

// RunQuery executes q, resuming after q's start cursor if one is set.
func (db *DB) RunQuery(ctx context.Context, q *Query) (res *QueryResult, err error) {
	defer db.metrics.observe("query", time.Now(), &err)

	if q.err != nil {
		return nil, q.err
	}
	sig, err := signatureOf(q)
	if err != nil {
		return nil, err
	}

	var consumed int
	var prevLast Document
	if c := q.start; c != nil {
		if !c.Signature.Equal(&sig) {
			db.logger.LogAttrs(ctx, slog.LevelWarn, "cursor used with a different query", slog.String("cursor", c.Signature.String()), slog.String("query", sig.String()))
		}
		consumed, prevLast = c.Count, c.Last
	}
	db.recordQuery(sig)

	p, err := db.plan(ctx, q, consumed+q.offset)
	if err != nil {
		return nil, err
	}
	if db.verbose {
		db.logger.Debug("db: QUERY", "query", q.String(), "native", p.queries)
	}

	docs, err := db.execute(ctx, p)
	if err != nil {
		return nil, err
	}
	res = &QueryResult{}
	if q.limit > 0 && len(docs) > q.limit {
		docs, res.More = docs[:q.limit], true
	}
	db.ReadCount.Add(uint64(len(docs)))
	db.metrics.queryResults(len(docs))

	var last *Entity
	for _, doc := range docs {
		e, err := fromDocument(q.namespace, doc)
		if err != nil {
			return nil, err
		}
		res.Keys = append(res.Keys, e.Key)
		if !q.keysOnly {
			res.Entities = append(res.Entities, e)
		}
		last = e
	}

	res.Cursor, err = makeCursor(consumed+len(docs), sig, last)
	if err != nil {
		return nil, err
	}
	if last == nil {
		res.Cursor.Last = prevLast
	}
	return res, nil
}

func (db *DB) execute(ctx context.Context, p *queryPlan) ([]Document, error) {
	if p.empty() {
		return nil, nil
	}
	if len(p.queries) == 1 && p.skip == 0 && p.limit == 0 {
		return db.store.Find(ctx, p.queries[0])
	}

	var docs []Document
	for _, nq := range p.queries {
		found, err := db.store.Find(ctx, nq)
		if err != nil {
			return nil, err
		}
		docs = append(docs, found...)
	}
	slices.SortFunc(docs, func(a, b Document) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	if p.skip >= len(docs) {
		return nil, nil
	}
	docs = docs[p.skip:]
	if p.limit > 0 && len(docs) > p.limit {
		docs = docs[:p.limit]
	}
	return docs, nil
}

// AllocateIDs reserves ids for a kind; see AllocateIDsRequest.
func (db *DB) AllocateIDs(ctx context.Context, req AllocateIDsRequest) (r IDRange, err error) {
	defer db.metrics.observe("allocate_ids", time.Now(), &err)

	r, err = db.ids.Allocate(ctx, req)
	if err != nil {
		return IDRange{}, err
	}
	db.metrics.idsAllocated(req.Kind, r.Len())
	if db.verbose {
		db.logger.Debug("db: ALLOCATE", "kind", req.Kind, "range", r.String())
	}
	return r, nil
}

func (db *DB) CreateIndex(ctx context.Context, spec *IndexSpec) error {
	return db.indexes.CreateIndex(ctx, spec)
}

func (db *DB) DropIndex(ctx context.Context, spec *IndexSpec) error {
	return db.indexes.DropIndex(ctx, spec)
}

func (db *DB) HasIndex(ctx context.Context, spec *IndexSpec) (bool, error) {
	return db.indexes.HasIndex(ctx, spec)
}

// ListIndexes returns the composite indexes defined in a namespace.
func (db *DB) ListIndexes(ctx context.Context, ns string) ([]*IndexSpec, error) {
	return db.indexes.ListIndexes(ctx, ns)
}

// SyncIndexes creates every index in specs that does not exist yet and
// returns the ones it created.
func (db *DB) SyncIndexes(ctx context.Context, specs []*IndexSpec) ([]*IndexSpec, error) {
	var created []*IndexSpec
	for _, spec := range specs {
		has, err := db.indexes.HasIndex(ctx, spec)
		if err != nil {
			return created, err
		}
		if has {
			continue
		}
		if err := db.indexes.CreateIndex(ctx, spec); err != nil {
			return created, err
		}
		db.logger.Info("created index", "index", spec.String())
		created = append(created, spec)
	}
	return created, nil
}

// QueryHistoryEntry counts the runs of one query shape.
type QueryHistoryEntry struct {
	Signature QuerySignature
	Count     int
}

func (db *DB) recordQuery(sig QuerySignature) {
	h := sig.Hash()
	db.historyLock.Lock()
	defer db.historyLock.Unlock()
	for _, e := range db.history[h] {
		if e.Signature.Equal(&sig) {
			e.Count++
			return
		}
	}
	db.history[h] = append(db.history[h], &QueryHistoryEntry{Signature: sig, Count: 1})
}

// QueryHistory returns how many times each query shape has run, most
// frequent first.
func (db *DB) QueryHistory() []QueryHistoryEntry {
	db.historyLock.Lock()
	var result []QueryHistoryEntry
	for _, bucket := range db.history {
		for _, e := range bucket {
			result = append(result, *e)
		}
	}
	db.historyLock.Unlock()

	slices.SortFunc(result, func(a, b QueryHistoryEntry) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Signature.String(), b.Signature.String())
	})
	return result
}

// Clear drops every collection and resets the query history, the id block
// cache and any active transaction.
func (db *DB) Clear(ctx context.Context) error {
	colls, err := db.store.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, coll := range colls {
		if err := db.store.DropCollection(ctx, coll); err != nil {
			return fmt.Errorf("clear %s: %w", coll, err)
		}
	}
	db.historyLock.Lock()
	clear(db.history)
	db.historyLock.Unlock()
	db.ids.reset()
	db.txc.reset()
	return nil
}
