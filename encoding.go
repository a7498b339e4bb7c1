package docds

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Document is an untyped record of the backing store. The identifier lives
// under idField; all other fields hold native values (see compare.go).
type Document map[string]any

const idField = "_id"

// ID returns the document identifier, or "" if the document has none.
func (doc Document) ID() string {
	id, _ := doc[idField].(string)
	return id
}

// encodeMsgPack appends the msgpack encoding of v to buf. Map keys are
// sorted so that equal documents always encode to equal bytes.
func encodeMsgPack(buf []byte, v any) []byte {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
	}
	return bb.Buf
}

func decodeMsgPack(buf []byte, ptr any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(ptr)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", ptr)
	}
	return nil
}

func encodeDocument(doc Document) []byte {
	return encodeMsgPack(nil, map[string]any(doc))
}

func decodeDocument(raw []byte) (Document, error) {
	var m map[string]any
	if err := decodeMsgPack(raw, &m); err != nil {
		return nil, err
	}
	return normalizeDocument(m), nil
}

// normalizeDocument converts decoded values to their canonical native types
// in place.
func normalizeDocument(m map[string]any) Document {
	return Document(normalizeNative(m).(map[string]any))
}
