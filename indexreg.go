package docds

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Direction is a sort direction of an index property or query order.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// keyProperty names the entity key in filters, orders and indexes.
const keyProperty = "__key__"

// IndexProperty is one component of a composite index.
type IndexProperty struct {
	Name      string
	Direction Direction
}

// IndexSpec describes a composite index over one kind.
type IndexSpec struct {
	Kind       string
	Namespace  string
	Ancestor   bool
	Properties []IndexProperty
}

func (spec *IndexSpec) String() string {
	var buf strings.Builder
	buf.WriteString(spec.Kind)
	if spec.Ancestor {
		buf.WriteString(" ancestor")
	}
	buf.WriteByte('(')
	for i, p := range spec.Properties {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(p.Name)
		if p.Direction == Descending {
			buf.WriteString(" desc")
		}
	}
	buf.WriteByte(')')
	return buf.String()
}

// Equal compares the kind, namespace, ancestor flag and properties.
func (spec *IndexSpec) Equal(other *IndexSpec) bool {
	return spec.Kind == other.Kind &&
		spec.Namespace == other.Namespace &&
		spec.Ancestor == other.Ancestor &&
		slices.Equal(spec.normalized(), other.normalized())
}

func (spec *IndexSpec) normalized() []IndexProperty {
	props := slices.Clone(spec.Properties)
	for i := range props {
		if props[i].Direction == 0 {
			props[i].Direction = Ascending
		}
	}
	return props
}

// nativeFieldForProperty maps a property name to the document field holding it.
func nativeFieldForProperty(name string) string {
	if name == keyProperty {
		return idField
	}
	return name
}

func propertyForNativeField(field string) string {
	if field == idField {
		return keyProperty
	}
	return field
}

func (spec *IndexSpec) nativeIndex() NativeIndex {
	keys := make([]SortField, len(spec.Properties))
	for i, p := range spec.normalized() {
		keys[i] = SortField{Field: nativeFieldForProperty(p.Name), Desc: p.Direction == Descending}
	}
	name := nativeIndexName(keys)
	if spec.Ancestor {
		name = ancestorIndexPrefix + name
	}
	return NativeIndex{Name: name, Keys: keys, Ancestor: spec.Ancestor}
}

func (spec *IndexSpec) validate() error {
	if spec.Kind == "" {
		return badRequestf("index: kind is required")
	}
	for _, p := range spec.Properties {
		if p.Name == "" {
			return badRequestf("index %s: empty property name", spec.Kind)
		}
		if p.Direction != 0 && p.Direction != Ascending && p.Direction != Descending {
			return badRequestf("index %s: invalid direction %d on %s", spec.Kind, p.Direction, p.Name)
		}
	}
	return nil
}

// indexRegistry tracks composite indexes as native store indexes. An index
// with no properties (ancestor-only) has no native counterpart; key-prefix
// matching serves it.
type indexRegistry struct {
	store DocumentStore
}

func (r *indexRegistry) HasIndex(ctx context.Context, spec *IndexSpec) (bool, error) {
	if len(spec.Properties) == 0 {
		return true, nil
	}
	idx := spec.nativeIndex()
	existing, err := r.store.ListIndexes(ctx, collectionName(spec.Namespace, spec.Kind))
	if err != nil {
		return false, err
	}
	for _, e := range existing {
		if e.Name == idx.Name && e.Ancestor == idx.Ancestor {
			return true, nil
		}
	}
	return false, nil
}

func (r *indexRegistry) CreateIndex(ctx context.Context, spec *IndexSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if len(spec.Properties) == 0 {
		return nil
	}
	err := r.store.CreateIndex(ctx, collectionName(spec.Namespace, spec.Kind), spec.nativeIndex())
	if err != nil {
		return fmt.Errorf("index %v: %w", spec, err)
	}
	return nil
}

func (r *indexRegistry) DropIndex(ctx context.Context, spec *IndexSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if len(spec.Properties) == 0 {
		return nil
	}
	err := r.store.DropIndex(ctx, collectionName(spec.Namespace, spec.Kind), spec.nativeIndex().Name)
	if err != nil {
		return fmt.Errorf("index %v: %w", spec, err)
	}
	return nil
}

// ListIndexes returns the composite indexes of every kind in a namespace.
func (r *indexRegistry) ListIndexes(ctx context.Context, ns string) ([]*IndexSpec, error) {
	colls, err := r.store.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	var result []*IndexSpec
	for _, coll := range colls {
		cns, kind := splitCollectionName(coll)
		if cns != ns || kind == counterCollection {
			continue
		}
		idxs, err := r.store.ListIndexes(ctx, coll)
		if err != nil {
			return nil, err
		}
		for _, idx := range idxs {
			spec := &IndexSpec{Kind: kind, Namespace: ns, Ancestor: idx.Ancestor}
			for _, k := range idx.Keys {
				dir := Ascending
				if k.Desc {
					dir = Descending
				}
				spec.Properties = append(spec.Properties, IndexProperty{Name: propertyForNativeField(k.Field), Direction: dir})
			}
			result = append(result, spec)
		}
	}
	return result, nil
}
