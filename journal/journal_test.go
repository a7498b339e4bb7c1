package journal_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/andreyvit/docds/journal"
)

type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t testing.TB, o journal.Options) (*journal.Journal, string, *clock) {
	dir := t.TempDir()
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	o.Now = clk.Now
	if o.FileName == "" {
		o.FileName = "j*.wal"
	}
	j := must(journal.Open(dir, o))
	t.Cleanup(func() { j.Close() })
	return j, dir, clk
}

func readAll(t testing.TB, dir string, o journal.Options) []journal.Record {
	t.Helper()
	if o.FileName == "" {
		o.FileName = "j*.wal"
	}
	var recs []journal.Record
	err := journal.Read(dir, o, func(rec journal.Record) error {
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func datas(recs []journal.Record) []string {
	var result []string
	for _, r := range recs {
		result = append(result, string(r.Data))
	}
	return result
}

func fileNames(t testing.TB, dir string) []string {
	ents := must(os.ReadDir(dir))
	var names []string
	for _, ent := range ents {
		names = append(names, ent.Name())
	}
	return names
}

func TestJournal_trivial(t *testing.T) {
	j, dir, clk := setup(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("hello")))
	ensure(j.WriteRecord(0, []byte("w")))
	clk.Advance(1000 * time.Second)
	ensure(j.WriteRecord(0, []byte("orld")))
	ensure(j.Commit())
	ensure(j.Close())

	deepEq(t, fileNames(t, dir), []string{"j000000000001-20240101T000000.wal"})

	recs := readAll(t, dir, journal.Options{})
	deepEq(t, datas(recs), []string{"hello", "w", "orld"})
	deepEq(t, recs[0].Timestamp, uint32(1704067200))
	deepEq(t, recs[2].Timestamp, uint32(1704067200+1000))
	deepEq(t, recs[2].Time(), time.Date(2024, 1, 1, 0, 16, 40, 0, time.UTC))
}

func TestJournal_uncommittedBatchIsSkipped(t *testing.T) {
	j, dir, _ := setup(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("b")))
	ensure(j.WriteRecord(0, []byte("c")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("lost")))
	ensure(j.Close())

	deepEq(t, datas(readAll(t, dir, journal.Options{})), []string{"a", "b", "c"})
}

func TestJournal_corruptedTail(t *testing.T) {
	j, dir, _ := setup(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("first")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("second")))
	ensure(j.Commit())
	ensure(j.Close())

	fn := filepath.Join(dir, fileNames(t, dir)[0])
	raw := must(os.ReadFile(fn))
	raw[len(raw)-10] ^= 0xFF // inside "second"
	ensure(os.WriteFile(fn, raw, 0o666))

	deepEq(t, datas(readAll(t, dir, journal.Options{})), []string{"first"})
}

func TestJournal_rotationAndReopen(t *testing.T) {
	o := journal.Options{MaxFileSize: 100}
	j, dir, clk := setup(t, o)
	for _, s := range []string{"one", "two", "three"} {
		ensure(j.WriteRecord(0, make([]byte, 30)))
		ensure(j.WriteRecord(0, []byte(s)))
		ensure(j.Commit())
		clk.Advance(time.Second)
	}
	ensure(j.Close())

	names := fileNames(t, dir)
	if len(names) != 3 {
		t.Fatalf("got %d segments, wanted 3: %v", len(names), names)
	}

	o.Now = clk.Now
	o.FileName = "j*.wal"
	j2 := must(journal.Open(dir, o))
	ensure(j2.WriteRecord(0, []byte("four")))
	ensure(j2.Commit())
	ensure(j2.Close())

	names = fileNames(t, dir)
	deepEq(t, names[3], "j000000000004-20240101T000003.wal")

	var got []string
	for _, r := range readAll(t, dir, journal.Options{}) {
		if len(r.Data) != 30 {
			got = append(got, string(r.Data))
		}
	}
	deepEq(t, got, []string{"one", "two", "three", "four"})
}

func TestJournal_invariantMismatch(t *testing.T) {
	j, dir, _ := setup(t, journal.Options{Invariant: [32]byte{1}})
	ensure(j.WriteRecord(0, []byte("x")))
	ensure(j.Commit())
	ensure(j.Close())

	err := journal.Read(dir, journal.Options{FileName: "j*.wal", Invariant: [32]byte{2}}, func(rec journal.Record) error { return nil })
	if err != journal.ErrIncompatible {
		t.Errorf("err = %v, wanted ErrIncompatible", err)
	}
}

func TestJournal_writeAfterClose(t *testing.T) {
	j, _, _ := setup(t, journal.Options{})
	ensure(j.Close())
	if err := j.WriteRecord(0, []byte("x")); err != journal.ErrClosed {
		t.Errorf("err = %v, wanted ErrClosed", err)
	}
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
