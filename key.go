package docds

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// PathElement is one (kind, id-or-name) step of a key path. A complete
// element has exactly one of ID and Name set.
type PathElement struct {
	Kind string
	ID   uint64
	Name string
}

func (el PathElement) complete() bool {
	return el.ID != 0 || el.Name != ""
}

// Key identifies an entity and its ancestry. The last path element names the
// entity itself; the first one names its entity group. Keys are immutable.
type Key struct {
	namespace string
	path      []PathElement
}

// NewKey returns a key for an entity of the given kind with a name or a
// numeric id under the optional parent. Passing neither name nor id yields an
// incomplete key which Put completes by allocating an id.
func NewKey(kind, name string, id uint64, parent *Key) *Key {
	k := &Key{}
	if parent != nil {
		k.namespace = parent.namespace
		k.path = slices.Clone(parent.path)
	}
	k.path = append(k.path, PathElement{Kind: kind, ID: id, Name: name})
	return k
}

// NewIncompleteKey returns a key whose last element has neither id nor name.
func NewIncompleteKey(kind string, parent *Key) *Key {
	return NewKey(kind, "", 0, parent)
}

// NewKeyFromPath builds a key from an explicit path.
func NewKeyFromPath(namespace string, path ...PathElement) *Key {
	return &Key{namespace: namespace, path: slices.Clone(path)}
}

// WithNamespace returns a copy of the key living in the given namespace.
func (k *Key) WithNamespace(ns string) *Key {
	return &Key{namespace: ns, path: slices.Clone(k.path)}
}

func (k *Key) Namespace() string { return k.namespace }

func (k *Key) last() PathElement { return k.path[len(k.path)-1] }

func (k *Key) Kind() string { return k.last().Kind }
func (k *Key) ID() uint64   { return k.last().ID }
func (k *Key) Name() string { return k.last().Name }

// Path returns a copy of the key path, root first.
func (k *Key) Path() []PathElement { return slices.Clone(k.path) }

// Parent returns the parent key, or nil for a root key.
func (k *Key) Parent() *Key {
	if len(k.path) <= 1 {
		return nil
	}
	return &Key{namespace: k.namespace, path: slices.Clone(k.path[:len(k.path)-1])}
}

// Root returns the entity group key (the first path element).
func (k *Key) Root() *Key {
	return &Key{namespace: k.namespace, path: []PathElement{k.path[0]}}
}

// Incomplete reports whether the last element still lacks an id or name.
func (k *Key) Incomplete() bool {
	return !k.last().complete()
}

// HasAncestor reports whether anc is k itself or one of its ancestors.
func (k *Key) HasAncestor(anc *Key) bool {
	if anc == nil || k.namespace != anc.namespace || len(anc.path) > len(k.path) {
		return false
	}
	return slices.Equal(anc.path, k.path[:len(anc.path)])
}

func (k *Key) Equal(o *Key) bool {
	if k == nil || o == nil {
		return k == o
	}
	return k.namespace == o.namespace && slices.Equal(k.path, o.path)
}

func (k *Key) withID(id uint64) *Key {
	c := &Key{namespace: k.namespace, path: slices.Clone(k.path)}
	c.path[len(c.path)-1].ID = id
	return c
}

// String renders the key as /Kind,name/Kind,123 (numeric ids are prefixed by
// '#' only when the name itself looks like a number).
func (k *Key) String() string {
	if k == nil {
		return "<nil>"
	}
	var buf strings.Builder
	if k.namespace != "" {
		buf.WriteString(k.namespace)
		buf.WriteByte(':')
	}
	for _, el := range k.path {
		buf.WriteByte('/')
		buf.WriteString(el.Kind)
		buf.WriteByte(',')
		switch {
		case el.Name != "":
			if _, err := strconv.ParseUint(el.Name, 10, 64); err == nil || strings.HasPrefix(el.Name, "#") {
				buf.WriteByte('#')
			}
			buf.WriteString(el.Name)
		case el.ID != 0:
			buf.WriteString(strconv.FormatUint(el.ID, 10))
		default:
			buf.WriteString("?")
		}
	}
	return buf.String()
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (*Key, error) {
	orig := s
	k := &Key{}
	if i := strings.IndexByte(s, '/'); i > 0 && s[i-1] == ':' {
		k.namespace, s = s[:i-1], s[i:]
	}
	if !strings.HasPrefix(s, "/") {
		return nil, rawKeyErrf(orig, "must start with /")
	}
	for _, part := range strings.Split(s[1:], "/") {
		kind, ident, ok := strings.Cut(part, ",")
		if !ok || kind == "" || ident == "" {
			return nil, rawKeyErrf(orig, "invalid path element %q", part)
		}
		el := PathElement{Kind: kind}
		if strings.HasPrefix(ident, "#") {
			el.Name = ident[1:]
		} else if id, err := strconv.ParseUint(ident, 10, 64); err == nil {
			el.ID = id
		} else {
			el.Name = ident
		}
		k.path = append(k.path, el)
	}
	if err := k.validate(false); err != nil {
		return nil, err
	}
	return k, nil
}

// validate checks the key shape. When allowIncomplete is set the last
// element may carry neither id nor name.
func (k *Key) validate(allowIncomplete bool) error {
	if k == nil || len(k.path) == 0 {
		return &KeyError{Msg: "empty key"}
	}
	for i, el := range k.path {
		if el.Kind == "" {
			return keyErrf(k, "element %d has empty kind", i)
		}
		if strings.IndexByte(el.Kind, keySep) >= 0 {
			return keyErrf(k, "kind %q contains the reserved separator", el.Kind)
		}
		if el.ID != 0 && el.Name != "" {
			return keyErrf(k, "element %d has both id and name", i)
		}
		if !el.complete() && !(allowIncomplete && i == len(k.path)-1) {
			return keyErrf(k, "element %d has neither id nor name", i)
		}
		if el.Name != "" {
			if strings.IndexByte(el.Name, keySep) >= 0 {
				return keyErrf(k, "name %q contains the reserved separator", el.Name)
			}
			if el.Name[0] <= keyIDTag {
				return keyErrf(k, "name %q starts with a reserved byte", el.Name)
			}
		}
	}
	return nil
}

func (el PathElement) String() string {
	if el.Name != "" {
		return el.Kind + "," + el.Name
	}
	return fmt.Sprintf("%s,%d", el.Kind, el.ID)
}
