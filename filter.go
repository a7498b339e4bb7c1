package docds

import (
	"fmt"
	"strings"
)

// Op is a native comparison operator understood by a DocumentStore.
type Op string

const (
	OpEq  Op = "$eq"
	OpIn  Op = "$in"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"

	// OpKeyPrefix matches string fields equal to Value or starting with
	// Value followed by the key separator.
	OpKeyPrefix Op = "$keyprefix"
)

// Cond is a single native condition on a dotted field path. For OpIn, Value
// is a []any of alternatives.
type Cond struct {
	Field string
	Op    Op
	Value any
}

func (c Cond) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

// Filter is a conjunction of conditions.
type Filter []Cond

func (f Filter) String() string {
	if len(f) == 0 {
		return "{}"
	}
	parts := make([]string, len(f))
	for i, c := range f {
		parts[i] = c.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Match reports whether doc satisfies every condition.
func (f Filter) Match(doc Document) bool {
	for _, c := range f {
		if !c.Match(doc) {
			return false
		}
	}
	return true
}

// Match follows Mongo-like semantics: a condition on an array field matches
// if the array itself or any of its elements matches, and range operators
// only match values of the same type class as the operand.
func (c Cond) Match(doc Document) bool {
	vals := lookupField(map[string]any(doc), c.Field)
	if len(vals) == 0 {
		switch c.Op {
		case OpEq:
			return c.Value == nil
		case OpIn:
			for _, alt := range c.Value.([]any) {
				if alt == nil {
					return true
				}
			}
		}
		return false
	}
	for _, v := range vals {
		if c.matchValue(v) {
			return true
		}
		if arr, ok := v.([]any); ok {
			for _, el := range arr {
				if c.matchValue(el) {
					return true
				}
			}
		}
	}
	return false
}

func (c Cond) matchValue(v any) bool {
	switch c.Op {
	case OpEq:
		return nativeEqual(v, c.Value)
	case OpIn:
		for _, alt := range c.Value.([]any) {
			if nativeEqual(v, alt) {
				return true
			}
		}
		return false
	case OpKeyPrefix:
		s, ok := v.(string)
		p := c.Value.(string)
		return ok && (s == p || strings.HasPrefix(s, p+string(keySep)))
	}
	if nativeRank(v) != nativeRank(c.Value) {
		return false
	}
	r := compareNative(v, c.Value)
	switch c.Op {
	case OpLt:
		return r < 0
	case OpLte:
		return r <= 0
	case OpGt:
		return r > 0
	case OpGte:
		return r >= 0
	default:
		panic(fmt.Errorf("unknown op %q", c.Op))
	}
}

// lookupField resolves a dotted path, descending into arrays of objects
// along the way. It returns every value found at the end of the path.
func lookupField(root map[string]any, path string) []any {
	cur := []any{root}
	for _, seg := range strings.Split(path, ".") {
		var next []any
		for _, v := range cur {
			switch v := v.(type) {
			case map[string]any:
				if fv, ok := v[seg]; ok {
					next = append(next, fv)
				}
			case []any:
				for _, el := range v {
					if m, ok := el.(map[string]any); ok {
						if fv, ok := m[seg]; ok {
							next = append(next, fv)
						}
					}
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		cur = next
	}
	return cur
}

// sortValue returns the value a document sorts by for the given field.
// Missing fields sort as null.
func sortValue(doc Document, field string) any {
	vals := lookupField(map[string]any(doc), field)
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

// SortField orders results by a dotted field path.
type SortField struct {
	Field string
	Desc  bool
}

func (s SortField) String() string {
	if s.Desc {
		return s.Field + ":-1"
	}
	return s.Field + ":1"
}

// NativeQuery is a filtered, sorted, paginated read of one collection.
// Limit <= 0 means no limit. Documents with equal sort values come back in
// identifier order.
type NativeQuery struct {
	Collection string
	Filter     Filter
	Sort       []SortField
	Skip       int
	Limit      int
}

func (q NativeQuery) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s.find(%v)", q.Collection, q.Filter)
	if len(q.Sort) > 0 {
		fmt.Fprintf(&buf, ".sort(%v)", q.Sort)
	}
	if q.Skip > 0 {
		fmt.Fprintf(&buf, ".skip(%d)", q.Skip)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&buf, ".limit(%d)", q.Limit)
	}
	return buf.String()
}

func (q NativeQuery) compareDocs(a, b Document) int {
	for _, s := range q.Sort {
		r := compareNative(sortValue(a, s.Field), sortValue(b, s.Field))
		if s.Desc {
			r = -r
		}
		if r != 0 {
			return r
		}
	}
	return 0
}

// idRange narrows a scan of the identifier-ordered bucket using conditions
// on the identifier field. The range is a superset of the matching keys;
// Filter.Match still applies.
func (f Filter) idRange() RawRange {
	var r RawRange
	for _, c := range f {
		if c.Field != idField {
			continue
		}
		s, ok := c.Value.(string)
		if !ok {
			continue
		}
		switch c.Op {
		case OpEq:
			return RawII([]byte(s), []byte(s))
		case OpKeyPrefix:
			r.Prefix = []byte(s)
		case OpGt, OpGte:
			r.Lower, r.LowerInc = []byte(s), c.Op == OpGte
		case OpLt, OpLte:
			r.Upper, r.UpperInc = []byte(s), c.Op == OpLte
		}
	}
	return r
}
