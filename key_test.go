package docds

import (
	"slices"
	"strings"
	"testing"
)

func TestKey_EncodeRoundTrip(t *testing.T) {
	keys := []*Key{
		NewKey("Person", "", 1, nil),
		NewKey("Person", "alice", 0, nil),
		NewKey("Post", "", 42, NewKey("Person", "alice", 0, nil)),
		NewKey("Comment", "c", 0, NewKey("Post", "", 18446744073709551615, NewKey("Blog", "b", 0, nil))),
		NewKey("Person", "", 7, nil).WithNamespace("acme"),
	}
	for _, k := range keys {
		t.Run(k.String(), func(t *testing.T) {
			enc := must(EncodeKey(k))
			dec := must(DecodeKey(k.Namespace(), enc))
			if !dec.Equal(k) {
				t.Errorf("DecodeKey(EncodeKey(%v)) = %v", k, dec)
			}
			parsed := must(ParseKey(k.String()))
			if !parsed.Equal(k) {
				t.Errorf("ParseKey(%q) = %v", k.String(), parsed)
			}
		})
	}
}

func TestKey_String(t *testing.T) {
	k := NewKey("Post", "", 42, NewKey("Person", "alice", 0, nil))
	deepEqual(t, k.String(), "/Person,alice/Post,42")
	deepEqual(t, k.WithNamespace("acme").String(), "acme:/Person,alice/Post,42")
	deepEqual(t, NewKey("Tag", "123", 0, nil).String(), "/Tag,#123")
	deepEqual(t, NewIncompleteKey("Tag", nil).String(), "/Tag,?")

	parsed := must(ParseKey("/Tag,#123"))
	deepEqual(t, parsed.Name(), "123")
	deepEqual(t, parsed.ID(), uint64(0))
}

func TestKey_EncodingOrder(t *testing.T) {
	ordered := []*Key{
		NewKey("A", "", 2, nil),
		NewKey("A", "", 10, nil),
		NewKey("A", "", 10, nil).withID(11),
		NewKey("A", "a", 0, nil),
		NewKey("A", "b", 0, nil),
		NewKey("B", "", 1, nil),
	}
	var encoded []string
	for _, k := range ordered {
		encoded = append(encoded, must(EncodeKey(k)))
	}
	if !slices.IsSorted(encoded) {
		t.Errorf("encoded keys are not sorted: %q", encoded)
	}
}

func TestKey_AncestorPrefix(t *testing.T) {
	parent := NewKey("Person", "alice", 0, nil)
	child := NewKey("Post", "", 1, parent)
	grandchild := NewKey("Comment", "", 5, child)
	lookalike := NewKey("Person", "alice2", 0, nil)

	self, desc := must2(ancestorPrefix(parent))
	deepEqual(t, self, must(EncodeKey(parent)))
	for _, k := range []*Key{child, grandchild} {
		if enc := must(EncodeKey(k)); !strings.HasPrefix(enc, desc) {
			t.Errorf("EncodeKey(%v) = %q lacks prefix %q", k, enc, desc)
		}
	}
	if enc := must(EncodeKey(lookalike)); strings.HasPrefix(enc, desc) {
		t.Errorf("EncodeKey(%v) = %q has prefix %q", lookalike, enc, desc)
	}

	if !grandchild.HasAncestor(parent) || !parent.HasAncestor(parent) || lookalike.HasAncestor(parent) {
		t.Errorf("HasAncestor is wrong")
	}
	deepEqual(t, grandchild.Root().String(), "/Person,alice")
	deepEqual(t, grandchild.Parent().String(), "/Person,alice/Post,1")
	if parent.Parent() != nil {
		t.Errorf("root key has a parent")
	}
}

func TestKey_Malformed(t *testing.T) {
	for _, k := range []*Key{
		nil,
		NewKeyFromPath(""),
		NewKey("", "x", 0, nil),
		NewKey("A", "", 0, nil),
		NewKeyFromPath("", PathElement{Kind: "A", ID: 1, Name: "n"}),
		NewKey("A\x08B", "x", 0, nil),
		NewKey("A", "x\x08y", 0, nil),
		NewKey("A", "\tx", 0, nil),
		NewKey("B", "", 1, NewIncompleteKey("A", nil)),
	} {
		_, err := EncodeKey(k)
		isErr(t, err, ErrMalformedKey)
	}

	for _, raw := range []string{"", "A", "A\x08\tnotanumber", "A\x08x\x08B"} {
		_, err := DecodeKey("", raw)
		isErr(t, err, ErrMalformedKey)
	}
	for _, s := range []string{"", "Person,1", "/Person", "/Person,", "/,1"} {
		_, err := ParseKey(s)
		isErr(t, err, ErrMalformedKey)
	}
}

func must2[A, B any](a A, b B, err error) (A, B) {
	if err != nil {
		panic(err)
	}
	return a, b
}
