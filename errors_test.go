package docds

import (
	"errors"
	"strings"
	"testing"
)

func TestKeyError(t *testing.T) {
	err := keyErrf(NewKey("A", "", 1, nil), "bad %s", "thing")
	isErr(t, err, ErrMalformedKey)
	if s := err.Error(); !strings.Contains(s, "/A,1") || !strings.Contains(s, "bad thing") {
		t.Errorf("Error() = %q", s)
	}

	err = rawKeyErrf("raw\x08", "oops")
	if s := err.Error(); !strings.Contains(s, `"raw\b"`) {
		t.Errorf("Error() = %q", s)
	}
}

func TestDataError(t *testing.T) {
	inner := errors.New("inner")
	err := dataErrf([]byte{1, 2}, 0, inner, "decode")
	deepEqual(t, err.Error(), "decode: inner: (2) 0102")
	isErr(t, err, inner)

	long := make([]byte, 200)
	s := dataErrf(long, 0, nil, "decode").Error()
	if !strings.HasPrefix(s, "decode: (200) ") || !strings.Contains(s, "...") {
		t.Errorf("Error() = %q", s)
	}
}

func TestQueryError(t *testing.T) {
	err := queryErrf("Person", "bio", ErrUnorderableProperty, "cannot sort on %s property", "text")
	deepEqual(t, err.Error(), "query Person.bio: property is not orderable: cannot sort on text property")
	isErr(t, err, ErrUnorderableProperty)

	err = &QueryError{Kind: "P", Err: ErrMissingIndex, Index: &IndexSpec{Kind: "P", Properties: []IndexProperty{{"a", Ascending}}}}
	deepEqual(t, err.Error(), "query P: query requires a composite index that is not defined; define index P(a)")
}

func TestErrorClass(t *testing.T) {
	deepEqual(t, errorClass(queryErrf("", "", ErrMissingIndex, "")), "missing_index")
	deepEqual(t, errorClass(keyErrf(nil, "x")), "malformed_key")
	deepEqual(t, errorClass(badRequestf("x")), "bad_request")
	deepEqual(t, errorClass(errors.New("boom")), "internal")
}
