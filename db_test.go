package docds

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func setup(t testing.TB, opts ...func(*Options)) *DB {
	t.Helper()
	var opt Options
	for _, f := range opts {
		f(&opt)
	}
	db := New(NewMemDocumentStore(opt), opt)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupBolt(t testing.TB) *DB {
	t.Helper()

	dbFile := must(os.CreateTemp("", "docds_test_*.db"))
	t.Logf("DB: %s", dbFile.Name())
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db := must(Open(dbFile.Name(), Options{
		IsTesting: true,
	}))
	t.Cleanup(func() { db.Close() })
	return db
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isErr(t testing.TB, err, target error) {
	if !errors.Is(err, target) {
		t.Helper()
		t.Errorf("** got error %v, wanted %v", err, target)
	}
}

func person(id uint64, name string, age int) *Entity {
	e := NewEntity(NewKey("Person", "", id, nil))
	ensure(e.Set("name", name))
	ensure(e.Set("age", age))
	return e
}

func put(t testing.TB, db *DB, entities ...*Entity) []*Key {
	t.Helper()
	keys, err := db.Put(context.Background(), nil, entities...)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	return keys
}

func query(t testing.TB, db *DB, q *Query) *QueryResult {
	t.Helper()
	res, err := db.RunQuery(context.Background(), q)
	if err != nil {
		t.Fatalf("RunQuery(%v): %v", q, err)
	}
	return res
}

func names(res *QueryResult) []string {
	var result []string
	for _, e := range res.Entities {
		result = append(result, string(e.Get("name").(String)))
	}
	return result
}

func keyStrings(keys []*Key) []string {
	var result []string
	for _, k := range keys {
		result = append(result, k.String())
	}
	return result
}

func TestDB_PutGetDelete(t *testing.T) {
	for _, backend := range []string{"mem", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			var db *DB
			if backend == "bolt" {
				db = setupBolt(t)
			} else {
				db = setup(t)
			}
			ctx := context.Background()

			alice := person(1, "alice", 30)
			ensure(alice.Set("tags", []string{"a", "b"}))
			put(t, db, alice)

			got := must(db.Get(ctx, alice.Key, NewKey("Person", "", 2, nil)))
			if got[1] != nil {
				t.Errorf("Get(absent) = %v, wanted nil", got[1])
			}
			deepEqual(t, got[0].Key, alice.Key)
			deepEqual(t, got[0].Properties, alice.Properties)

			ensure(db.Delete(ctx, nil, alice.Key))
			got = must(db.Get(ctx, alice.Key))
			if got[0] != nil {
				t.Errorf("Get after Delete = %v, wanted nil", got[0])
			}
		})
	}
}

func TestDB_PutAssignsIDs(t *testing.T) {
	db := setup(t)
	parent := NewKey("Group", "g", 0, nil)
	e1 := NewEntity(NewIncompleteKey("Person", parent))
	e2 := NewEntity(NewIncompleteKey("Person", parent))
	keys := put(t, db, e1, e2)

	deepEqual(t, keyStrings(keys), []string{"/Group,g/Person,1", "/Group,g/Person,2"})
	if !e1.Key.Incomplete() {
		t.Errorf("Put modified the caller's entity key")
	}

	keys = put(t, db, NewEntity(NewIncompleteKey("Person", nil)))
	deepEqual(t, keys[0].ID(), uint64(3))
}

func TestDB_PutRejectsMalformed(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	_, err := db.Put(ctx, nil, NewEntity(NewKeyFromPath("", PathElement{Kind: "A", ID: 1, Name: "x"})))
	isErr(t, err, ErrMalformedKey)

	_, err = db.Put(ctx, nil, NewEntity(NewKey("A", "x\x08y", 0, nil)))
	isErr(t, err, ErrMalformedKey)

	e := NewEntity(NewKey("A", "x", 0, nil))
	ensure(e.Set("_id", "boom"))
	_, err = db.Put(ctx, nil, e)
	isErr(t, err, ErrBadRequest)

	colls := must(db.Store().ListCollections(ctx))
	isempty(t, colls)
}

func TestDB_Namespaces(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	a := person(1, "default", 1)
	b := person(1, "tenant", 2)
	b.Key = b.Key.WithNamespace("acme")
	put(t, db, a, b)

	deepEqual(t, names(query(t, db, NewQuery("Person"))), []string{"default"})
	deepEqual(t, names(query(t, db, NewQuery("Person").Namespace("acme"))), []string{"tenant"})

	got := must(db.Get(ctx, b.Key))
	deepEqual(t, got[0].Key.Namespace(), "acme")
	deepEqual(t, got[0].Get("name"), Value(String("tenant")))
}

func TestDB_PrincipalFillsUsers(t *testing.T) {
	db := setup(t, func(o *Options) { o.Principal = ContextPrincipal{} })
	ctx := WithUser(context.Background(), User{Email: "me@example.com"})

	e := NewEntity(NewKey("Note", "n1", 0, nil))
	ensure(e.Set("owner", User{}))
	ensure(e.Set("editors", List{User{}, User{Email: "other@example.com"}}))
	must(db.Put(ctx, nil, e))

	got := must(db.Get(ctx, e.Key))[0]
	deepEqual(t, got.Get("owner"), Value(User{Email: "me@example.com"}))
	deepEqual(t, got.Get("editors"), Value(List{User{Email: "me@example.com"}, User{Email: "other@example.com"}}))
	deepEqual(t, e.Get("owner"), Value(User{}))
}

func TestDB_EndToEndCursor(t *testing.T) {
	db := setup(t)
	q := NewQuery("Person").Filter("age >=", 18).Order("age")

	put(t, db, person(1, "alice", 30))
	res := query(t, db, q)
	deepEqual(t, names(res), []string{"alice"})
	deepEqual(t, res.Cursor.Count, 1)
	deepEqual(t, res.Cursor.LastKey().String(), "/Person,1")

	token := res.Cursor.String()
	put(t, db, person(2, "bob", 40))

	cur := must(ParseCursor(token))
	res2 := query(t, db, q.Start(cur))
	deepEqual(t, names(res2), []string{"bob"})
	deepEqual(t, res2.Cursor.Count, 2)

	deepEqual(t, names(query(t, db, q)), []string{"alice", "bob"})
}

func TestDB_PagingWithLimit(t *testing.T) {
	db := setup(t)
	for i, n := range []string{"a", "b", "c", "d", "e"} {
		put(t, db, person(uint64(i+1), n, 20+i))
	}
	q := NewQuery("Person").Order("-age").Limit(2)

	var all []string
	var pages int
	var cur *Cursor
	for {
		pq := q
		if cur != nil {
			pq = q.Start(cur)
		}
		res := query(t, db, pq)
		pages++
		all = append(all, names(res)...)
		cur = res.Cursor
		if !res.More {
			break
		}
		if pages > 5 {
			t.Fatal("paging does not terminate")
		}
	}
	deepEqual(t, all, []string{"e", "d", "c", "b", "a"})
	deepEqual(t, pages, 3)
}

func TestDB_OffsetAndKeysOnly(t *testing.T) {
	db := setup(t)
	for i, n := range []string{"a", "b", "c"} {
		put(t, db, person(uint64(i+1), n, 20+i))
	}
	res := query(t, db, NewQuery("Person").Order("age").Offset(1).KeysOnly())
	if res.Entities != nil {
		t.Errorf("keys-only query returned entities %v", res.Entities)
	}
	deepEqual(t, keyStrings(res.Keys), []string{"/Person,2", "/Person,3"})
}

func TestDB_InCrossProduct(t *testing.T) {
	db := setup(t)
	for i, row := range []struct {
		a int
		b string
	}{{1, "x"}, {1, "z"}, {2, "y"}, {3, "y"}} {
		e := NewEntity(NewKey("Row", "", uint64(i+1), nil))
		ensure(e.Set("a", row.a))
		ensure(e.Set("b", row.b))
		put(t, db, e)
	}

	res := query(t, db, NewQuery("Row").Filter("a in", []int{1, 2}).Filter("b in", []string{"x", "y"}))
	deepEqual(t, keyStrings(res.Keys), []string{"/Row,1", "/Row,3"})

	// repeated equality on one property is a disjunction
	res = query(t, db, NewQuery("Row").Filter("a =", 1).Filter("a =", 3))
	deepEqual(t, keyStrings(res.Keys), []string{"/Row,1", "/Row,2", "/Row,4"})

	res = query(t, db, NewQuery("Row").Filter("a in", []int{}))
	isempty(t, res.Keys)
}

func TestDB_ListProperties(t *testing.T) {
	db := setup(t)
	mk := func(id uint64, name string, scores ...int) *Entity {
		e := NewEntity(NewKey("Player", "", id, nil))
		ensure(e.Set("name", name))
		ensure(e.Set("scores", scores))
		return e
	}
	put(t, db, mk(1, "p1", 3, 1, 4), mk(2, "p2", 2, 9), mk(3, "p3", 5))

	deepEqual(t, names(query(t, db, NewQuery("Player").Filter("scores =", 4))), []string{"p1"})
	deepEqual(t, names(query(t, db, NewQuery("Player").Filter("scores >", 4))), []string{"p2", "p3"})

	// ascending sorts by the smallest element, descending by the largest
	deepEqual(t, names(query(t, db, NewQuery("Player").Order("scores"))), []string{"p1", "p2", "p3"})
	deepEqual(t, names(query(t, db, NewQuery("Player").Order("-scores"))), []string{"p2", "p3", "p1"})
}

func TestDB_AncestorQuery(t *testing.T) {
	db := setup(t)
	g1 := NewKey("Group", "g1", 0, nil)
	g10 := NewKey("Group", "g10", 0, nil)
	mk := func(parent *Key, id uint64, name string) *Entity {
		e := NewEntity(NewKey("Member", "", id, parent))
		ensure(e.Set("name", name))
		return e
	}
	put(t, db, mk(g1, 1, "a"), mk(g1, 2, "b"), mk(g10, 3, "c"))
	put(t, db, mk(NewKey("Member", "", 1, g1), 4, "nested"))

	res := query(t, db, NewQuery("Member").Ancestor(g1))
	deepEqual(t, names(res), []string{"a", "nested", "b"})

	res = query(t, db, NewQuery("Member").Ancestor(NewKey("Member", "", 1, g1)))
	deepEqual(t, names(res), []string{"a", "nested"})
}

func TestDB_KeyFilters(t *testing.T) {
	db := setup(t)
	for i, n := range []string{"a", "b", "c", "d"} {
		put(t, db, person(uint64(i+1), n, 20))
	}
	res := query(t, db, NewQuery("Person").Filter("__key__ >", NewKey("Person", "", 2, nil)))
	deepEqual(t, names(res), []string{"c", "d"})

	res = query(t, db, NewQuery("Person").Filter("__key__ =", NewKey("Person", "", 3, nil)))
	deepEqual(t, names(res), []string{"c"})

	res = query(t, db, NewQuery("Person").Order("-__key__").Limit(2))
	deepEqual(t, names(res), []string{"d", "c"})
}

func TestDB_KindlessQuery(t *testing.T) {
	db := setup(t)
	root := NewKey("Group", "g", 0, nil)
	a := NewEntity(NewKey("B", "", 1, root))
	b := NewEntity(NewKey("A", "", 1, root))
	c := NewEntity(NewKey("A", "", 2, nil))
	put(t, db, NewEntity(root), a, b, c)

	res := query(t, db, NewQuery("").Ancestor(root))
	deepEqual(t, keyStrings(res.Keys), []string{"/Group,g", "/Group,g/A,1", "/Group,g/B,1"})

	res = query(t, db, NewQuery("").Ancestor(root).Limit(2))
	deepEqual(t, keyStrings(res.Keys), []string{"/Group,g", "/Group,g/A,1"})
	if !res.More {
		t.Errorf("More = false, wanted true")
	}
	res = query(t, db, NewQuery("").Ancestor(root).Limit(2).Start(res.Cursor))
	deepEqual(t, keyStrings(res.Keys), []string{"/Group,g/B,1"})

	_, err := db.RunQuery(context.Background(), NewQuery("").Filter("name =", "x"))
	isErr(t, err, ErrBadRequest)
}

func TestDB_QueryErrors(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	e := person(1, "a", 1)
	ensure(e.Set("bio", Text("long")))
	ensure(e.Set("raw", Blob{1, 2}))
	put(t, db, e)

	_, err := db.RunQuery(ctx, NewQuery("Person").Order("bio"))
	isErr(t, err, ErrUnorderableProperty)
	_, err = db.RunQuery(ctx, NewQuery("Person").Filter("raw >", Blob{0}))
	isErr(t, err, ErrUnorderableProperty)

	q := NewQuery("Person")
	for i := 0; i < 101; i++ {
		q = q.Order("age")
	}
	_, err = db.RunQuery(ctx, q)
	isErr(t, err, ErrQueryTooComplex)

	_, err = db.RunQuery(ctx, NewQuery("Person").Filter("age ~", 1))
	isErr(t, err, ErrBadRequest)
	_, err = db.RunQuery(ctx, NewQuery("Person").Limit(-1))
	isErr(t, err, ErrBadRequest)

	var qe *QueryError
	_, err = db.RunQuery(ctx, NewQuery("Person").Order("bio"))
	if !errors.As(err, &qe) || qe.Property != "bio" {
		t.Errorf("err = %#v, wanted a QueryError on bio", err)
	}
}

// countingStore counts data reads.
type countingStore struct {
	DocumentStore
	finds atomic.Int64
}

func (s *countingStore) FindOne(ctx context.Context, collection, id string) (Document, error) {
	s.finds.Add(1)
	return s.DocumentStore.FindOne(ctx, collection, id)
}

func (s *countingStore) Find(ctx context.Context, q NativeQuery) ([]Document, error) {
	s.finds.Add(1)
	return s.DocumentStore.Find(ctx, q)
}

func TestDB_MissingIndex(t *testing.T) {
	store := &countingStore{DocumentStore: NewMemDocumentStore(Options{})}
	db := New(store, Options{RequireIndexes: true})
	ctx := context.Background()
	put(t, db, person(1, "a", 30))
	store.finds.Store(0)

	q := NewQuery("Person").Filter("age >", 18).Filter("name <", "m")
	_, err := db.RunQuery(ctx, q)
	isErr(t, err, ErrMissingIndex)
	if n := store.finds.Load(); n != 0 {
		t.Errorf("store read %d times, wanted 0", n)
	}
	var qe *QueryError
	if !errors.As(err, &qe) || qe.Index == nil {
		t.Fatalf("err = %v, wanted QueryError with Index", err)
	}
	deepEqual(t, qe.Index.String(), "Person(age, name)")
	if !strings.Contains(err.Error(), "define index Person(age, name)") {
		t.Errorf("err = %q, wanted index hint", err.Error())
	}

	ensure(db.CreateIndex(ctx, qe.Index))
	res := query(t, db, q)
	deepEqual(t, names(res), []string{"a"})

	// single inequality with an order on the same property needs no index
	query(t, db, NewQuery("Person").Filter("age >", 1).Order("-age"))
}

func TestDB_AncestorIndexIsSeparate(t *testing.T) {
	db := New(NewMemDocumentStore(Options{}), Options{RequireIndexes: true})
	ctx := context.Background()
	g := NewKey("Group", "g", 0, nil)
	e := NewEntity(NewKey("Person", "", 1, g))
	ensure(e.Set("name", "a"))
	ensure(e.Set("age", 30))
	put(t, db, e)

	plain := &IndexSpec{Kind: "Person", Properties: []IndexProperty{{"age", Ascending}, {"name", Ascending}}}
	ensure(db.CreateIndex(ctx, plain))

	q := NewQuery("Person").Ancestor(g).Filter("age >", 18).Filter("name <", "m")
	_, err := db.RunQuery(ctx, q)
	isErr(t, err, ErrMissingIndex)
	var qe *QueryError
	if !errors.As(err, &qe) || qe.Index == nil {
		t.Fatalf("err = %v, wanted QueryError with Index", err)
	}
	deepEqual(t, qe.Index.String(), "Person ancestor(age, name)")

	ensure(db.CreateIndex(ctx, qe.Index))
	deepEqual(t, names(query(t, db, q)), []string{"a"})
	deepEqual(t, must(db.HasIndex(ctx, plain)), true)

	var got []string
	for _, spec := range must(db.ListIndexes(ctx, "")) {
		got = append(got, spec.String())
	}
	deepEqual(t, got, []string{"Person(age, name)", "Person ancestor(age, name)"})

	ensure(db.DropIndex(ctx, plain))
	_, err = db.RunQuery(ctx, NewQuery("Person").Filter("age >", 18).Filter("name <", "m"))
	isErr(t, err, ErrMissingIndex)
	deepEqual(t, names(query(t, db, q)), []string{"a"})
}

func TestDB_QueryHistory(t *testing.T) {
	db := setup(t)
	put(t, db, person(1, "a", 30))
	q1 := NewQuery("Person").Filter("age >", 18)
	q2 := NewQuery("Person").Order("name")
	query(t, db, q1)
	query(t, db, q2)
	query(t, db, q1.Start(query(t, db, q1).Cursor))

	h := db.QueryHistory()
	if len(h) != 2 {
		t.Fatalf("history has %d entries, wanted 2", len(h))
	}
	deepEqual(t, h[0].Count, 3)
	deepEqual(t, h[0].Signature.Kind, "Person")
	deepEqual(t, h[1].Count, 1)
}

func TestDB_Clear(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	put(t, db, person(1, "a", 30), NewEntity(NewIncompleteKey("Thing", nil)))
	query(t, db, NewQuery("Person"))

	ensure(db.Clear(ctx))
	isempty(t, must(db.Store().ListCollections(ctx)))
	isempty(t, db.QueryHistory())

	keys := put(t, db, NewEntity(NewIncompleteKey("Thing", nil)))
	deepEqual(t, keys[0].ID(), uint64(1))
}

func TestDB_DumpAndStats(t *testing.T) {
	db := setup(t)
	ctx := context.Background()
	put(t, db, person(1, "alice", 30), person(2, "bob", 40))
	ensure(db.CreateIndex(ctx, &IndexSpec{Kind: "Person", Properties: []IndexProperty{{"age", Descending}, {"name", Ascending}}}))

	ss := must(db.Stats(ctx))
	if len(ss.Collections) != 1 {
		t.Fatalf("stats = %+v, wanted one collection", ss)
	}
	deepEqual(t, ss.Collections[0].Documents, 2)
	deepEqual(t, ss.Collections[0].Indexes, 1)
	deepEqual(t, ss.TotalDocuments(), 2)

	s := must(db.Dump(ctx, DumpAll))
	for _, want := range []string{
		"Person (2 documents)",
		`Person.1 = /Person,1 {"age":"30","name":"alice"}`,
		`Person.2 = /Person,2 {"age":"40","name":"bob"}`,
		"Person.i.age_-1_name_1",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("dump lacks %q:\n%s", want, s)
		}
	}
}

func TestDB_Metrics(t *testing.T) {
	m := NewMetrics()
	db := setup(t, func(o *Options) { o.Metrics = m })
	ctx := context.Background()
	put(t, db, person(1, "a", 30))
	_, err := db.RunQuery(ctx, NewQuery("Person").Filter("age ~", 1))
	isErr(t, err, ErrBadRequest)
	must(db.AllocateIDs(ctx, AllocateIDsRequest{Kind: "Person", Size: 10}))

	deepEqual(t, testutil.ToFloat64(m.Operations.WithLabelValues("put")), 1.0)
	deepEqual(t, testutil.ToFloat64(m.Errors.WithLabelValues("query", "bad_request")), 1.0)
	deepEqual(t, testutil.ToFloat64(m.IDsAllocated.WithLabelValues("Person")), 10.0)
}

func testutilCounter(v interface {
	WithLabelValues(...string) prometheus.Counter
}, labels ...string) float64 {
	return testutil.ToFloat64(v.WithLabelValues(labels...))
}
