package docds

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// index.yaml layout:
//
//	indexes:
//	- kind: Person
//	  ancestor: yes
//	  properties:
//	  - name: age
//	    direction: desc
//	  - name: name
type indexFile struct {
	Indexes []indexFileEntry `yaml:"indexes"`
}

type indexFileEntry struct {
	Kind       string              `yaml:"kind"`
	Ancestor   string              `yaml:"ancestor,omitempty"`
	Properties []indexFileProperty `yaml:"properties"`
}

type indexFileProperty struct {
	Name      string `yaml:"name"`
	Direction string `yaml:"direction,omitempty"`
}

// ParseIndexYAML reads composite index definitions in index.yaml format.
// All returned specs are placed in namespace ns.
func ParseIndexYAML(r io.Reader, ns string) ([]*IndexSpec, error) {
	var f indexFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("index.yaml: %w", err)
	}

	specs := make([]*IndexSpec, 0, len(f.Indexes))
	for i, ent := range f.Indexes {
		spec := &IndexSpec{Kind: ent.Kind, Namespace: ns}
		switch strings.ToLower(ent.Ancestor) {
		case "", "no", "false":
		case "yes", "true":
			spec.Ancestor = true
		default:
			return nil, fmt.Errorf("index.yaml: index %d (%s): invalid ancestor value %q", i+1, ent.Kind, ent.Ancestor)
		}
		for _, p := range ent.Properties {
			prop := IndexProperty{Name: p.Name, Direction: Ascending}
			switch strings.ToLower(p.Direction) {
			case "", "asc":
			case "desc":
				prop.Direction = Descending
			default:
				return nil, fmt.Errorf("index.yaml: index %d (%s): invalid direction %q of %s", i+1, ent.Kind, p.Direction, p.Name)
			}
			spec.Properties = append(spec.Properties, prop)
		}
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("index.yaml: index %d: %w", i+1, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// FormatIndexYAML renders specs in index.yaml format.
func FormatIndexYAML(specs []*IndexSpec) []byte {
	var f indexFile
	for _, spec := range specs {
		ent := indexFileEntry{Kind: spec.Kind}
		if spec.Ancestor {
			ent.Ancestor = "yes"
		}
		for _, p := range spec.Properties {
			fp := indexFileProperty{Name: p.Name}
			if p.Direction == Descending {
				fp.Direction = "desc"
			}
			ent.Properties = append(ent.Properties, fp)
		}
		f.Indexes = append(f.Indexes, ent)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	ensure(enc.Encode(&f))
	ensure(enc.Close())
	return buf.Bytes()
}
