package docds

import (
	"fmt"
	"math"
	"time"
)

// Field names of tagged native values.
const (
	classField        = "class"
	listField         = "list"
	ascSortKeyField   = "ascending_sort_key"
	descSortKeyField  = "descending_sort_key"
	keyPathField      = "path"
	keyNamespaceField = "namespace"
)

// Class discriminants of tagged native values.
const (
	classText     = "text"
	classBytes    = "bytes"
	classKey      = "key"
	classUser     = "user"
	classGeoPt    = "geopt"
	classCategory = "category"
	classRating   = "rating"
	classIM       = "im"
	classBlobKey  = "blobkey"
	classEmail    = "email"
	classList     = "list"
)

// encodeValue converts a property value into its native document form.
// Scalars the store can compare directly pass through; everything else
// becomes a map tagged with a class discriminant.
func encodeValue(v Value) (any, error) {
	switch v := v.(type) {
	case nil, Null:
		return nil, nil
	case Bool:
		return bool(v), nil
	case Int:
		return int64(v), nil
	case Float:
		return float64(v), nil
	case String:
		return string(v), nil
	case Time:
		return time.Time(v).UTC(), nil
	case Blob:
		return append([]byte{}, v...), nil
	case Text:
		return map[string]any{classField: classText, "string": string(v)}, nil
	case ByteString:
		return map[string]any{classField: classBytes, "value": append([]byte{}, v...)}, nil
	case *Key:
		path, err := EncodeKey(v)
		if err != nil {
			return nil, err
		}
		m := map[string]any{classField: classKey, keyPathField: path}
		if v.namespace != "" {
			m[keyNamespaceField] = v.namespace
		}
		return m, nil
	case User:
		return map[string]any{classField: classUser, "email": v.Email}, nil
	case GeoPoint:
		return map[string]any{classField: classGeoPt, "lat": v.Lat, "lon": v.Lon}, nil
	case Category:
		return map[string]any{classField: classCategory, "category": string(v)}, nil
	case Rating:
		return map[string]any{classField: classRating, "rating": int64(v)}, nil
	case IM:
		return map[string]any{classField: classIM, "protocol": v.Protocol, "address": v.Address}, nil
	case BlobKey:
		return map[string]any{classField: classBlobKey, "value": string(v)}, nil
	case Email:
		return map[string]any{classField: classEmail, "value": string(v)}, nil
	case List:
		return encodeList(v)
	default:
		return nil, fmt.Errorf("%w: unsupported value %T", ErrBadRequest, v)
	}
}

// encodeList stores the encoded elements plus the minimum and maximum
// element, which serve as the sort key for ascending and descending orders
// respectively.
func encodeList(v List) (any, error) {
	items := make([]any, len(v))
	for i, el := range v {
		if _, nested := el.(List); nested {
			return nil, fmt.Errorf("%w: nested lists are not supported", ErrBadRequest)
		}
		enc, err := encodeValue(el)
		if err != nil {
			return nil, err
		}
		items[i] = enc
	}
	m := map[string]any{classField: classList, listField: items}
	if len(items) > 0 {
		lo, hi := items[0], items[0]
		for _, item := range items[1:] {
			if compareNative(item, lo) < 0 {
				lo = item
			}
			if compareNative(item, hi) > 0 {
				hi = item
			}
		}
		m[ascSortKeyField] = lo
		m[descSortKeyField] = hi
	}
	return m, nil
}

// decodeValue is the inverse of encodeValue.
func decodeValue(nv any) (Value, error) {
	switch nv := normalizeNative(nv).(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(nv), nil
	case int64:
		return Int(nv), nil
	case float64:
		return Float(nv), nil
	case string:
		return String(nv), nil
	case time.Time:
		return Time(nv), nil
	case []byte:
		return Blob(nv), nil
	case []any:
		// untagged arrays may come from foreign writers
		return decodeItems(nv)
	case map[string]any:
		return decodeTagged(nv)
	default:
		return nil, fmt.Errorf("cannot decode native value of type %T", nv)
	}
}

func decodeTagged(m map[string]any) (Value, error) {
	class, _ := m[classField].(string)
	switch class {
	case classText:
		return Text(str(m, "string")), nil
	case classBytes:
		b, _ := m["value"].([]byte)
		return ByteString(b), nil
	case classKey:
		k, err := DecodeKey(str(m, keyNamespaceField), str(m, keyPathField))
		if err != nil {
			return nil, err
		}
		return k, nil
	case classUser:
		return User{Email: str(m, "email")}, nil
	case classGeoPt:
		return GeoPoint{Lat: num(m, "lat"), Lon: num(m, "lon")}, nil
	case classCategory:
		return Category(str(m, "category")), nil
	case classRating:
		if r, ok := m["rating"].(int64); ok {
			return Rating(r), nil
		}
		return Rating(int64(num(m, "rating"))), nil
	case classIM:
		return IM{Protocol: str(m, "protocol"), Address: str(m, "address")}, nil
	case classBlobKey:
		return BlobKey(str(m, "value")), nil
	case classEmail:
		return Email(str(m, "value")), nil
	case classList:
		items, _ := m[listField].([]any)
		return decodeItems(items)
	default:
		return nil, fmt.Errorf("cannot decode object with class %q", class)
	}
}

func decodeItems(items []any) (List, error) {
	list := make(List, len(items))
	for i, item := range items {
		v, err := decodeValue(item)
		if err != nil {
			return nil, err
		}
		list[i] = v
	}
	return list, nil
}

func str(m map[string]any, field string) string {
	s, _ := m[field].(string)
	return s
}

func num(m map[string]any, field string) float64 {
	switch v := m[field].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return math.NaN()
	}
}
