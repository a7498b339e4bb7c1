package docds

import (
	"encoding/base64"
	"fmt"
)

// Cursor marks a position in the results of a query. Count is the number of
// results emitted so far across all pages; Last is the last emitted entity
// in document form. Cursors are immutable once created.
type Cursor struct {
	Count     int            `msgpack:"c"`
	Signature QuerySignature `msgpack:"s"`
	Last      Document       `msgpack:"l,omitempty"`
	Inclusive bool           `msgpack:"i,omitempty"`
}

// cursorData is the wire form of Cursor. It has no text marshaling methods,
// so msgpack encodes it as a plain struct.
type cursorData Cursor

func makeCursor(count int, sig QuerySignature, last *Entity) (*Cursor, error) {
	c := &Cursor{Count: count, Signature: sig}
	if last != nil {
		doc, err := toDocument(last)
		if err != nil {
			return nil, err
		}
		c.Last = doc
	}
	return c, nil
}

// LastKey returns the key of the last emitted entity, or nil.
func (c *Cursor) LastKey() *Key {
	if c.Last == nil {
		return nil
	}
	k, err := DecodeKey(c.Signature.Namespace, c.Last.ID())
	if err != nil {
		return nil
	}
	return k
}

// String returns the opaque URL-safe token form of the cursor.
func (c *Cursor) String() string {
	return base64.RawURLEncoding.EncodeToString(encodeMsgPack(nil, (*cursorData)(c)))
}

func (c *Cursor) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cursor) UnmarshalText(b []byte) error {
	parsed, err := ParseCursor(string(b))
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// ParseCursor decodes a token produced by Cursor.String.
func ParseCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, badRequestf("invalid cursor: %v", err)
	}
	var c Cursor
	if err := decodeMsgPack(raw, (*cursorData)(&c)); err != nil {
		return nil, fmt.Errorf("%w: invalid cursor: %w", ErrBadRequest, err)
	}
	if c.Count < 0 {
		return nil, badRequestf("invalid cursor: negative count")
	}
	if c.Last != nil {
		c.Last = Document(normalizeNative(map[string]any(c.Last)).(map[string]any))
	}
	for i, f := range c.Signature.Filters {
		c.Signature.Filters[i].Value = normalizeNative(f.Value)
	}
	return &c, nil
}
