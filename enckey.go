package docds

import (
	"strconv"
	"strings"
)

const (
	// keySep separates kinds and identifiers in an encoded key. It never
	// appears inside kinds or names.
	keySep = '\x08'

	// keyIDTag prefixes numeric ids so that they sort before all names.
	keyIDTag = '\t'

	keyIDWidth = 20 // digits in math.MaxUint64
)

// EncodeKey turns a complete key into the sortable string used as the
// document identifier. For any ancestor A of K, EncodeKey(K) starts with
// EncodeKey(A) followed by the separator.
func EncodeKey(k *Key) (string, error) {
	if err := k.validate(false); err != nil {
		return "", err
	}
	return encodeKeyPath(k.path), nil
}

func encodeKeyPath(path []PathElement) string {
	var buf strings.Builder
	for i, el := range path {
		if i > 0 {
			buf.WriteByte(keySep)
		}
		buf.WriteString(el.Kind)
		buf.WriteByte(keySep)
		if el.Name != "" {
			buf.WriteString(el.Name)
		} else {
			buf.WriteByte(keyIDTag)
			s := strconv.FormatUint(el.ID, 10)
			for n := len(s); n < keyIDWidth; n++ {
				buf.WriteByte('0')
			}
			buf.WriteString(s)
		}
	}
	return buf.String()
}

// DecodeKey is the inverse of EncodeKey. The namespace is not part of the
// encoding and has to be supplied by the caller.
func DecodeKey(ns, raw string) (*Key, error) {
	parts := strings.Split(raw, string(rune(keySep)))
	if len(parts) < 2 || len(parts)%2 != 0 {
		return nil, rawKeyErrf(raw, "odd number of path components")
	}
	k := &Key{namespace: ns, path: make([]PathElement, 0, len(parts)/2)}
	for i := 0; i < len(parts); i += 2 {
		el := PathElement{Kind: parts[i]}
		ident := parts[i+1]
		if ident != "" && ident[0] == keyIDTag {
			id, err := strconv.ParseUint(ident[1:], 10, 64)
			if err != nil {
				return nil, rawKeyErrf(raw, "invalid id %q", ident[1:])
			}
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

// ancestorPrefix returns the encoded ancestor and the prefix all of its
// descendants share.
func ancestorPrefix(anc *Key) (self, descendants string, err error) {
	self, err = EncodeKey(anc)
	if err != nil {
		return "", "", err
	}
	return self, self + string(rune(keySep)), nil
}
