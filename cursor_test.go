package docds

import (
	"testing"
)

func TestCursor_TokenRoundTrip(t *testing.T) {
	e := person(5, "eve", 44)
	sig := must(signatureOf(NewQuery("Person").Filter("age >", 18).Order("-age")))
	c := must(makeCursor(7, sig, e))

	parsed := must(ParseCursor(c.String()))
	deepEqual(t, parsed.Count, 7)
	if !parsed.Signature.Equal(&sig) {
		t.Errorf("signature changed: %v != %v", parsed.Signature.String(), sig.String())
	}
	deepEqual(t, parsed.LastKey().String(), "/Person,5")
	deepEqual(t, parsed.Last["age"], any(int64(44)))

	var c2 Cursor
	ensure(c2.UnmarshalText(must(c.MarshalText())))
	deepEqual(t, c2.Count, 7)
}

func TestCursor_Empty(t *testing.T) {
	c := must(makeCursor(0, QuerySignature{Kind: "A"}, nil))
	parsed := must(ParseCursor(c.String()))
	if parsed.LastKey() != nil {
		t.Errorf("LastKey = %v, wanted nil", parsed.LastKey())
	}
}

func TestCursor_Invalid(t *testing.T) {
	for _, token := range []string{"!!!", "AAAA", (&Cursor{Count: -1}).String()} {
		_, err := ParseCursor(token)
		isErr(t, err, ErrBadRequest)
	}
}

func TestCursor_ResumeAfterMismatchedQuery(t *testing.T) {
	db := setup(t)
	put(t, db, person(1, "a", 1), person(2, "b", 2), person(3, "c", 3))

	res := query(t, db, NewQuery("Person").Order("age").Limit(1))
	deepEqual(t, names(res), []string{"a"})

	// the cursor only carries a position; a different query still resumes
	res = query(t, db, NewQuery("Person").Order("-age").Start(res.Cursor))
	deepEqual(t, names(res), []string{"b", "a"})
}

func TestCursor_EmbeddedInMsgPack(t *testing.T) {
	sig := must(signatureOf(NewQuery("Person").Filter("name =", "eve")))
	c := must(makeCursor(3, sig, person(5, "eve", 44)))

	type page struct {
		Next *Cursor `msgpack:"next"`
	}
	raw := encodeMsgPack(nil, &page{Next: c})

	var got page
	ensure(decodeMsgPack(raw, &got))
	deepEqual(t, got.Next.Count, 3)
	deepEqual(t, got.Next.LastKey().String(), "/Person,5")
}
