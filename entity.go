package docds

import (
	"fmt"
	"maps"
)

// Entity is a keyed property bag. A property holds a single Value or a List.
type Entity struct {
	Key        *Key
	Properties map[string]Value
}

// NewEntity returns an entity with an empty property map.
func NewEntity(key *Key) *Entity {
	return &Entity{Key: key, Properties: make(map[string]Value)}
}

// Set assigns a property, converting plain Go values via ValueOf.
func (e *Entity) Set(name string, v any) error {
	val, err := ValueOf(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if e.Properties == nil {
		e.Properties = make(map[string]Value)
	}
	e.Properties[name] = val
	return nil
}

// Get returns a property value, or nil if absent.
func (e *Entity) Get(name string) Value {
	return e.Properties[name]
}

// Clone returns a shallow copy with its own property map.
func (e *Entity) Clone() *Entity {
	return &Entity{Key: e.Key, Properties: maps.Clone(e.Properties)}
}

// toDocument converts an entity with a complete key into a store document.
func toDocument(e *Entity) (Document, error) {
	id, err := EncodeKey(e.Key)
	if err != nil {
		return nil, err
	}
	doc := make(Document, len(e.Properties)+1)
	for name, v := range e.Properties {
		if name == idField {
			return nil, fmt.Errorf("%w: property name %q is reserved", ErrBadRequest, name)
		}
		nv, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", e.Key.Kind(), name, err)
		}
		doc[name] = nv
	}
	doc[idField] = id
	return doc, nil
}

// fromDocument is the inverse of toDocument. Fields written under another
// property set decode as-is; nothing is required to be present.
func fromDocument(ns string, doc Document) (*Entity, error) {
	key, err := DecodeKey(ns, doc.ID())
	if err != nil {
		return nil, err
	}
	e := &Entity{Key: key, Properties: make(map[string]Value, len(doc))}
	for name, nv := range doc {
		if name == idField {
			continue
		}
		v, err := decodeValue(nv)
		if err != nil {
			return nil, fmt.Errorf("%v.%s: %w", key, name, err)
		}
		e.Properties[name] = v
	}
	return e, nil
}
