package docds

import (
	"context"
	"slices"
)

// queryPlan is a query compiled into native reads. A plan with no queries
// yields no results.
type queryPlan struct {
	queries []NativeQuery

	// skip and limit apply to the merged results when the plan spans
	// several collections; otherwise they are pushed into queries[0].
	skip, limit int
}

func (p *queryPlan) empty() bool {
	return len(p.queries) == 0
}

// plan compiles q into native reads. skip is the total number of leading
// results to drop (explicit offset plus results consumed by a cursor); when
// limit > 0 one extra result is fetched so the caller can tell whether
// more remain.
//
// Filters on one property combine as follows: a single equality value
// becomes $eq, repeated equality values (and in filters) become a single $in
// disjunction, and inequality bounds conjoin. Conditions on different
// properties always conjoin, so in filters on two properties select the
// cross-product of their values.
func (db *DB) plan(ctx context.Context, q *Query, skip int) (*queryPlan, error) {
	if q.err != nil {
		return nil, q.err
	}
	if n := q.components(); n > maxQueryComponents {
		return nil, queryErrf(q.kind, "", ErrQueryTooComplex, "%d components, maximum is %d", n, maxQueryComponents)
	}
	if q.ancestor != nil && q.ancestor.namespace != q.namespace {
		return nil, queryErrf(q.kind, "", ErrBadRequest, "ancestor %v is in a different namespace", q.ancestor)
	}

	if db.requireIndexes {
		if required, spec := compositeIndexForQuery(q); required {
			has, err := db.indexes.HasIndex(ctx, spec)
			if err != nil {
				return nil, err
			}
			if !has {
				return nil, &QueryError{Kind: q.kind, Err: ErrMissingIndex, Index: spec}
			}
		}
	}

	fetchLimit := 0
	if q.limit > 0 {
		fetchLimit = q.limit + 1
	}

	if q.kind == "" {
		return db.planKindless(ctx, q, skip, fetchLimit)
	}

	coll := collectionName(q.namespace, q.kind)
	samples, err := db.store.Find(ctx, NativeQuery{Collection: coll, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return &queryPlan{}, nil
	}
	proto, err := fromDocument(q.namespace, samples[0])
	if err != nil {
		return nil, err
	}

	filter, ok, err := bindFilters(q, proto)
	if err != nil || !ok {
		return &queryPlan{}, err
	}
	sort, err := bindOrders(q, proto)
	if err != nil {
		return nil, err
	}
	nq := NativeQuery{Collection: coll, Filter: filter, Sort: sort, Skip: skip, Limit: fetchLimit}
	return &queryPlan{queries: []NativeQuery{nq}}, nil
}

// planKindless handles queries constrained only by key, which span every
// collection of the namespace and come back in key order.
func (db *DB) planKindless(ctx context.Context, q *Query, skip, fetchLimit int) (*queryPlan, error) {
	for _, f := range q.filters {
		if f.Property != keyProperty {
			return nil, queryErrf("", f.Property, ErrBadRequest, "kindless queries may only filter on %s", keyProperty)
		}
	}
	for _, o := range q.orders {
		if o.Property != keyProperty || o.Direction != Ascending {
			return nil, queryErrf("", o.Property, ErrBadRequest, "kindless queries may only be ordered by ascending %s", keyProperty)
		}
	}
	filter, ok, err := bindFilters(q, nil)
	if err != nil || !ok {
		return &queryPlan{}, err
	}
	colls, err := db.store.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	p := &queryPlan{skip: skip, limit: fetchLimit}
	for _, coll := range colls {
		ns, kind := splitCollectionName(coll)
		if ns != q.namespace || kind == counterCollection {
			continue
		}
		nq := NativeQuery{Collection: coll, Filter: filter}
		if fetchLimit > 0 {
			nq.Limit = skip + fetchLimit
		}
		p.queries = append(p.queries, nq)
	}
	return p, nil
}

type fieldConds struct {
	field  string
	eq     []any
	ranges []Cond
}

// bindFilters translates filters into native conditions, using proto to
// learn property types. ok is false when the filters can never match.
func bindFilters(q *Query, proto *Entity) (Filter, bool, error) {
	var groups []*fieldConds
	byField := make(map[string]*fieldConds)
	group := func(field string) *fieldConds {
		g := byField[field]
		if g == nil {
			g = &fieldConds{field: field}
			byField[field] = g
			groups = append(groups, g)
		}
		return g
	}

	for _, f := range q.filters {
		field, values, err := bindFilter(q, f, proto)
		if err != nil {
			return nil, false, err
		}
		g := group(field)
		if f.Op.isInequality() {
			g.ranges = append(g.ranges, Cond{Field: field, Op: f.Op.native(), Value: values[0]})
			continue
		}
		if len(values) == 0 {
			// in with an empty list matches nothing
			return nil, false, nil
		}
		for _, v := range values {
			if !slices.ContainsFunc(g.eq, func(e any) bool { return nativeEqual(e, v) }) {
				g.eq = append(g.eq, v)
			}
		}
	}

	var filter Filter
	if q.ancestor != nil {
		self, _, err := ancestorPrefix(q.ancestor)
		if err != nil {
			return nil, false, err
		}
		filter = append(filter, Cond{Field: idField, Op: OpKeyPrefix, Value: self})
	}
	for _, g := range groups {
		switch len(g.eq) {
		case 0:
		case 1:
			filter = append(filter, Cond{Field: g.field, Op: OpEq, Value: g.eq[0]})
		default:
			filter = append(filter, Cond{Field: g.field, Op: OpIn, Value: g.eq})
		}
		filter = append(filter, g.ranges...)
	}
	return filter, true, nil
}

// bindFilter returns the native field and operand values of one filter.
// An in filter yields one value per list element.
func bindFilter(q *Query, f QueryFilter, proto *Entity) (string, []any, error) {
	operands := []Value{f.Value}
	if f.Op == FilterIn {
		operands = f.Value.(List)
	}

	if f.Property == keyProperty {
		values := make([]any, 0, len(operands))
		for _, v := range operands {
			k, ok := v.(*Key)
			if !ok {
				return "", nil, queryErrf(q.kind, f.Property, ErrBadRequest, "%s filter requires a key, got %v", keyProperty, valueKind(v))
			}
			if k.namespace != q.namespace {
				return "", nil, queryErrf(q.kind, f.Property, ErrBadRequest, "key %v is in a different namespace", k)
			}
			enc, err := EncodeKey(k)
			if err != nil {
				return "", nil, err
			}
			values = append(values, enc)
		}
		return idField, values, nil
	}

	field := f.Property
	var sampled Value
	if proto != nil {
		sampled = proto.Properties[f.Property]
	}
	if _, isList := sampled.(List); isList {
		field += "." + listField
	}
	if f.Op.isInequality() && (unorderable(sampled) || !valueKind(f.Value).Orderable()) {
		kind := valueKind(f.Value)
		if unorderable(sampled) {
			kind = valueKind(sampled)
		}
		return "", nil, queryErrf(q.kind, f.Property, ErrUnorderableProperty, "range filter on %v property", kind)
	}

	values := make([]any, 0, len(operands))
	for _, v := range operands {
		nv, err := encodeValue(v)
		if err != nil {
			return "", nil, err
		}
		values = append(values, nv)
	}
	return field, values, nil
}

// unorderable reports whether the sampled value, or every element of a
// sampled list, is of a kind that cannot be sorted or range-filtered.
func unorderable(v Value) bool {
	if v == nil {
		return false
	}
	if l, ok := v.(List); ok {
		for _, el := range l {
			if valueKind(el).Orderable() {
				return false
			}
		}
		return len(l) > 0
	}
	return !v.ValueKind().Orderable()
}

// bindOrders maps sort orders onto native sort fields: the key onto the
// identifier, lists onto their precomputed sort keys, categories and
// geopoints onto their components.
func bindOrders(q *Query, proto *Entity) ([]SortField, error) {
	var sort []SortField
	for _, o := range q.orders {
		desc := o.Direction == Descending
		if o.Property == keyProperty {
			sort = append(sort, SortField{Field: idField, Desc: desc})
			continue
		}
		sampled := proto.Properties[o.Property]
		if unorderable(sampled) {
			return nil, queryErrf(q.kind, o.Property, ErrUnorderableProperty, "cannot sort on %v property", valueKind(sampled))
		}
		switch sampled.(type) {
		case List:
			key := ascSortKeyField
			if desc {
				key = descSortKeyField
			}
			sort = append(sort, SortField{Field: o.Property + "." + key, Desc: desc})
		case Category:
			sort = append(sort, SortField{Field: o.Property + ".category", Desc: desc})
		case GeoPoint:
			sort = append(sort,
				SortField{Field: o.Property + ".lat", Desc: desc},
				SortField{Field: o.Property + ".lon", Desc: desc})
		default:
			sort = append(sort, SortField{Field: o.Property, Desc: desc})
		}
	}
	return sort, nil
}
