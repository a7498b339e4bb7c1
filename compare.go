package docds

import (
	"bytes"
	"cmp"
	"slices"
	"strings"
	"time"
)

// Native values are what documents hold: nil, bool, int64, float64, string,
// []byte, time.Time, []any and map[string]any. They are ordered the way a
// Mongo-like store orders BSON values: first by type class, then by value.
const (
	rankNull = iota
	rankNumber
	rankString
	rankObject
	rankArray
	rankBinary
	rankBool
	rankTime
	rankUnknown
)

func nativeRank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case int64, float64:
		return rankNumber
	case string:
		return rankString
	case map[string]any:
		return rankObject
	case []any:
		return rankArray
	case []byte:
		return rankBinary
	case bool:
		return rankBool
	case time.Time:
		return rankTime
	default:
		return rankUnknown
	}
}

// compareNative returns -1, 0 or +1. Tagged objects compare by their class
// first, then by the remaining fields in name order.
func compareNative(a, b any) int {
	ra, rb := nativeRank(a), nativeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch a := a.(type) {
	case nil:
		return 0
	case int64:
		switch b := b.(type) {
		case int64:
			return cmp.Compare(a, b)
		case float64:
			return cmp.Compare(float64(a), b)
		}
	case float64:
		switch b := b.(type) {
		case int64:
			return cmp.Compare(a, float64(b))
		case float64:
			return cmp.Compare(a, b)
		}
	case string:
		return strings.Compare(a, b.(string))
	case bool:
		bb := b.(bool)
		switch {
		case a == bb:
			return 0
		case !a:
			return -1
		default:
			return 1
		}
	case []byte:
		return bytes.Compare(a, b.([]byte))
	case time.Time:
		return a.Compare(b.(time.Time))
	case []any:
		bb := b.([]any)
		for i := 0; i < len(a) && i < len(bb); i++ {
			if c := compareNative(a[i], bb[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(a), len(bb))
	case map[string]any:
		return compareObjects(a, b.(map[string]any))
	}
	return 0
}

func compareObjects(a, b map[string]any) int {
	ca, _ := a[classField].(string)
	cb, _ := b[classField].(string)
	if c := strings.Compare(ca, cb); c != 0 {
		return c
	}
	ka, kb := objectFieldNames(a), objectFieldNames(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := compareNative(a[ka[i]], b[kb[i]]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(ka), len(kb))
}

func objectFieldNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		if k != classField {
			names = append(names, k)
		}
	}
	slices.Sort(names)
	return names
}

func nativeEqual(a, b any) bool {
	return nativeRank(a) == nativeRank(b) && compareNative(a, b) == 0
}

// normalizeNative maps the integer and float widths a decoder may produce
// onto int64/float64, recursively.
func normalizeNative(v any) any {
	switch v := v.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return float64(v)
	case time.Time:
		return v.UTC()
	case []any:
		for i, el := range v {
			v[i] = normalizeNative(el)
		}
		return v
	case map[string]any:
		for k, el := range v {
			v[k] = normalizeNative(el)
		}
		return v
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, el := range v {
			if ks, ok := k.(string); ok {
				m[ks] = normalizeNative(el)
			}
		}
		return m
	default:
		return v
	}
}
