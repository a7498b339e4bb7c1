package docds

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// QuerySignature captures the shape of a query: everything that determines
// which results it yields and in what order, but not the cursor. Two
// queries with equal signatures page through the same result sequence.
type QuerySignature struct {
	Namespace string      `msgpack:"ns,omitempty"`
	Kind      string      `msgpack:"k,omitempty"`
	Ancestor  string      `msgpack:"a,omitempty"`
	Filters   []sigFilter `msgpack:"f,omitempty"`
	Orders    []sigOrder  `msgpack:"o,omitempty"`
	Offset    int         `msgpack:"off,omitempty"`
	Limit     int         `msgpack:"lim,omitempty"`
	KeysOnly  bool        `msgpack:"ko,omitempty"`
}

type sigFilter struct {
	Property string   `msgpack:"p"`
	Op       FilterOp `msgpack:"op"`
	Value    any      `msgpack:"v"`
}

type sigOrder struct {
	Property  string    `msgpack:"p"`
	Direction Direction `msgpack:"d"`
}

func signatureOf(q *Query) (QuerySignature, error) {
	sig := QuerySignature{
		Namespace: q.namespace,
		Kind:      q.kind,
		Offset:    q.offset,
		Limit:     q.limit,
		KeysOnly:  q.keysOnly,
	}
	if q.ancestor != nil {
		anc, err := EncodeKey(q.ancestor)
		if err != nil {
			return sig, err
		}
		sig.Ancestor = anc
	}
	for _, f := range q.filters {
		nv, err := encodeValue(f.Value)
		if err != nil {
			return sig, err
		}
		sig.Filters = append(sig.Filters, sigFilter{f.Property, f.Op, nv})
	}
	for _, o := range q.orders {
		sig.Orders = append(sig.Orders, sigOrder{o.Property, o.Direction})
	}
	return sig, nil
}

// canonical is the byte form hashed and compared; map keys are sorted.
func (sig *QuerySignature) canonical() []byte {
	return encodeMsgPack(nil, sig)
}

// Hash is a stable structural hash, equal for equal signatures.
func (sig *QuerySignature) Hash() uint64 {
	return xxhash.Sum64(sig.canonical())
}

func (sig *QuerySignature) Equal(other *QuerySignature) bool {
	return bytes.Equal(sig.canonical(), other.canonical())
}

func (sig *QuerySignature) String() string {
	return fmt.Sprintf("%s:%s#%016x", sig.Namespace, sig.Kind, sig.Hash())
}
