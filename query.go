package docds

import (
	"fmt"
	"slices"
	"strings"
)

// maxQueryComponents bounds filters + orders + ancestor in a single query.
const maxQueryComponents = 100

// FilterOp is a query filter operator.
type FilterOp string

const (
	FilterLt  FilterOp = "<"
	FilterLte FilterOp = "<="
	FilterGt  FilterOp = ">"
	FilterGte FilterOp = ">="
	FilterEq  FilterOp = "="

	// FilterIn matches any of the values of a List operand. It is the same
	// as repeating an equality filter once per value.
	FilterIn FilterOp = "in"
)

func (op FilterOp) isInequality() bool {
	switch op {
	case FilterLt, FilterLte, FilterGt, FilterGte:
		return true
	default:
		return false
	}
}

func (op FilterOp) native() Op {
	switch op {
	case FilterLt:
		return OpLt
	case FilterLte:
		return OpLte
	case FilterGt:
		return OpGt
	case FilterGte:
		return OpGte
	case FilterIn:
		return OpIn
	default:
		return OpEq
	}
}

// QueryFilter is a single property condition.
type QueryFilter struct {
	Property string
	Op       FilterOp
	Value    Value
}

func (f QueryFilter) String() string {
	return fmt.Sprintf("%s %s %v", f.Property, f.Op, f.Value)
}

// QueryOrder is a sort order on one property.
type QueryOrder struct {
	Property  string
	Direction Direction
}

func (o QueryOrder) String() string {
	if o.Direction == Descending {
		return "-" + o.Property
	}
	return o.Property
}

// Query describes a read over entities of one kind. Build it with NewQuery
// and the chaining methods, which return modified copies; an invalid
// argument is remembered and reported when the query runs.
type Query struct {
	kind      string
	namespace string
	filters   []QueryFilter
	orders    []QueryOrder
	ancestor  *Key
	offset    int
	limit     int
	keysOnly  bool
	start     *Cursor

	err error
}

// NewQuery returns a query over entities of the given kind. An empty kind
// is allowed for queries that only constrain the key.
func NewQuery(kind string) *Query {
	return &Query{kind: kind}
}

func (q *Query) clone() *Query {
	c := *q
	c.filters = slices.Clone(q.filters)
	c.orders = slices.Clone(q.orders)
	return &c
}

func (q *Query) Kind() string { return q.kind }

// Namespace returns a copy of the query reading from the given namespace.
func (q *Query) Namespace(ns string) *Query {
	q = q.clone()
	q.namespace = ns
	return q
}

// Filter adds a condition. filterStr is a property name optionally followed
// by an operator ("age >=", "tags in"); a bare name means equality. value is
// a Value or a plain Go value accepted by ValueOf.
func (q *Query) Filter(filterStr string, value any) *Query {
	q = q.clone()
	prop, op, err := parseFilterStr(filterStr)
	if err != nil {
		q.err = err
		return q
	}
	v, err := ValueOf(value)
	if err != nil {
		q.err = fmt.Errorf("filter %q: %w", filterStr, err)
		return q
	}
	if op == FilterIn {
		if _, ok := v.(List); !ok {
			q.err = badRequestf("filter %q: operand must be a list", filterStr)
			return q
		}
	} else if _, ok := v.(List); ok {
		q.err = badRequestf("filter %q: list operand requires the in operator", filterStr)
		return q
	}
	q.filters = append(q.filters, QueryFilter{Property: prop, Op: op, Value: v})
	return q
}

func parseFilterStr(s string) (string, FilterOp, error) {
	s = strings.TrimSpace(s)
	prop, opStr, found := strings.Cut(s, " ")
	if !found {
		return s, FilterEq, nil
	}
	op := FilterOp(strings.ToLower(strings.TrimSpace(opStr)))
	switch op {
	case FilterLt, FilterLte, FilterGt, FilterGte, FilterEq, FilterIn:
		return prop, op, nil
	case "==":
		return prop, FilterEq, nil
	default:
		return "", "", badRequestf("invalid filter operator in %q", s)
	}
}

// Order adds a sort order. A leading '-' means descending.
func (q *Query) Order(fieldName string) *Query {
	q = q.clone()
	fieldName = strings.TrimSpace(fieldName)
	dir := Ascending
	if strings.HasPrefix(fieldName, "-") {
		dir, fieldName = Descending, strings.TrimSpace(fieldName[1:])
	}
	if fieldName == "" {
		q.err = badRequestf("empty order")
		return q
	}
	q.orders = append(q.orders, QueryOrder{Property: fieldName, Direction: dir})
	return q
}

// Ancestor restricts results to the given key and its descendants.
func (q *Query) Ancestor(ancestor *Key) *Query {
	q = q.clone()
	if ancestor == nil {
		q.err = badRequestf("nil ancestor")
		return q
	}
	q.ancestor = ancestor
	return q
}

func (q *Query) Offset(offset int) *Query {
	q = q.clone()
	if offset < 0 {
		q.err = badRequestf("negative offset %d", offset)
		return q
	}
	q.offset = offset
	return q
}

// Limit caps the number of results; 0 means no limit.
func (q *Query) Limit(limit int) *Query {
	q = q.clone()
	if limit < 0 {
		q.err = badRequestf("negative limit %d", limit)
		return q
	}
	q.limit = limit
	return q
}

func (q *Query) KeysOnly() *Query {
	q = q.clone()
	q.keysOnly = true
	return q
}

// Start resumes the query after the results covered by c.
func (q *Query) Start(c *Cursor) *Query {
	q = q.clone()
	q.start = c
	return q
}

// components counts filters, orders and the ancestor toward
// maxQueryComponents. Each value of an in filter counts as one filter.
func (q *Query) components() int {
	n := len(q.orders)
	for _, f := range q.filters {
		if l, ok := f.Value.(List); ok && f.Op == FilterIn {
			n += max(len(l), 1)
		} else {
			n++
		}
	}
	if q.ancestor != nil {
		n++
	}
	return n
}

func (q *Query) String() string {
	var buf strings.Builder
	buf.WriteString(q.kind)
	if q.namespace != "" {
		fmt.Fprintf(&buf, " ns=%s", q.namespace)
	}
	for _, f := range q.filters {
		fmt.Fprintf(&buf, " [%v]", f)
	}
	if q.ancestor != nil {
		fmt.Fprintf(&buf, " ancestor=%v", q.ancestor)
	}
	for _, o := range q.orders {
		fmt.Fprintf(&buf, " order=%v", o)
	}
	if q.offset > 0 {
		fmt.Fprintf(&buf, " offset=%d", q.offset)
	}
	if q.limit > 0 {
		fmt.Fprintf(&buf, " limit=%d", q.limit)
	}
	if q.keysOnly {
		buf.WriteString(" keys_only")
	}
	return buf.String()
}

// compositeIndexForQuery decides whether the query shape needs a composite
// index: more than one inequality property, or orders combined with an
// inequality on a different property. The index lists equality properties
// first, then the inequality properties, then the remaining orders.
func compositeIndexForQuery(q *Query) (bool, *IndexSpec) {
	var eqProps, ineqProps []string
	for _, f := range q.filters {
		if f.Property == keyProperty {
			continue
		}
		if f.Op.isInequality() {
			if !slices.Contains(ineqProps, f.Property) {
				ineqProps = append(ineqProps, f.Property)
			}
		} else if !slices.Contains(eqProps, f.Property) {
			eqProps = append(eqProps, f.Property)
		}
	}

	required := len(ineqProps) > 1
	if len(ineqProps) == 1 {
		for _, o := range q.orders {
			if o.Property != ineqProps[0] {
				required = true
				break
			}
		}
	}
	if !required {
		return false, nil
	}

	spec := &IndexSpec{Kind: q.kind, Namespace: q.namespace, Ancestor: q.ancestor != nil}
	listed := make(map[string]bool)
	add := func(name string, dir Direction) {
		if !listed[name] {
			listed[name] = true
			spec.Properties = append(spec.Properties, IndexProperty{Name: name, Direction: dir})
		}
	}
	slices.Sort(eqProps)
	for _, p := range eqProps {
		add(p, Ascending)
	}
	slices.Sort(ineqProps)
	for _, p := range ineqProps {
		dir := Ascending
		if len(q.orders) > 0 && q.orders[0].Property == p {
			dir = q.orders[0].Direction
		}
		add(p, dir)
	}
	for _, o := range q.orders {
		add(o.Property, o.Direction)
	}
	return true, spec
}
