package docds

import (
	"log/slog"
	"testing"
)

func TestRawRangeCursor_BoundsAndPrefix(t *testing.T) {
	s := newMemStorage()

	wtx := must(s.BeginTx(true))
	buck := must(wtx.CreateBucket("b"))
	mustPut(t, buck, []byte{0x10, 0x01}, []byte("a"))
	mustPut(t, buck, []byte{0x10, 0x02}, []byte("b"))
	mustPut(t, buck, []byte{0x10, 0x03}, []byte("c"))
	mustPut(t, buck, []byte{0x11, 0x01}, []byte("x"))
	ensure(wtx.Commit())

	rtx := must(s.BeginTx(false))
	defer rtx.Rollback()
	rbuck := rtx.Bucket("b")
	logger := slog.Default()

	scan := func(rang RawRange) []string {
		var got []string
		cur := rang.newCursor(rbuck.Cursor(), logger)
		for cur.Next() {
			got = append(got, string(cur.Value()))
		}
		return got
	}

	deepEqual(t, scan(RawOO()), []string{"a", "b", "c", "x"})
	deepEqual(t, scan(RawPrefix([]byte{0x10})), []string{"a", "b", "c"})
	deepEqual(t, scan(RawRange{Lower: []byte{0x10, 0x01}}), []string{"b", "c", "x"})
	deepEqual(t, scan(RawIO([]byte{0x10, 0x02})), []string{"b", "c", "x"})
	deepEqual(t, scan(RawOE([]byte{0x10, 0x03})), []string{"a", "b"})
	deepEqual(t, scan(RawII([]byte{0x10, 0x02}, []byte{0x10, 0x03})), []string{"b", "c"})
	deepEqual(t, scan(RawIE([]byte{0x10, 0x02}, []byte{0x11, 0x01})), []string{"b", "c"})
	deepEqual(t, scan(RawIO([]byte{0x10, 0x02}).Prefixed([]byte{0x10})), []string{"b", "c"})

	// a lower bound below the prefix starts at the prefix
	deepEqual(t, scan(RawIO([]byte{0x01}).Prefixed([]byte{0x11})), []string{"x"})

	// an exclusive lower bound that is absent does not skip its successor
	deepEqual(t, scan(RawRange{Lower: []byte{0x10, 0x02, 0x00}}), []string{"c", "x"})

	if got := scan(RawPrefix([]byte{0x12})); got != nil {
		t.Errorf("scan of absent prefix = %v, wanted nil", got)
	}
}

func mustPut(t *testing.T, buck storageBucket, k, v []byte) {
	t.Helper()
	ensure(buck.Put(k, v))
}
