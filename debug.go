package docds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpCollectionHeaders = DumpFlags(1 << iota)
	DumpDocuments
	DumpStats
	DumpIndexes

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the contents of every collection as text, for tests and
// debugging.
func (db *DB) Dump(ctx context.Context, f DumpFlags) (string, error) {
	colls, err := db.store.ListCollections(ctx)
	if err != nil {
		return "", err
	}
	var stats map[string]CollectionStats
	if f.Contains(DumpStats) {
		ss, err := db.Stats(ctx)
		if err != nil {
			return "", err
		}
		if ss != nil {
			stats = make(map[string]CollectionStats, len(ss.Collections))
			for _, cs := range ss.Collections {
				stats[cs.Collection] = cs
			}
		}
	}

	var buf strings.Builder
	for _, coll := range colls {
		if err := db.dumpCollection(ctx, &buf, f, coll, stats); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func (db *DB) dumpCollection(ctx context.Context, w *strings.Builder, f DumpFlags, coll string, stats map[string]CollectionStats) error {
	ns, kind := splitCollectionName(coll)
	prefix := kind
	if ns != "" {
		prefix = ns + "/" + kind
	}

	docs, err := db.store.Find(ctx, NativeQuery{Collection: coll})
	if err != nil {
		return err
	}

	if f.Contains(DumpCollectionHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d documents)\n", prefix, len(docs))
	}
	if cs, ok := stats[coll]; ok {
		fmt.Fprintf(w, "%s.stats: indexes = %d, data_size = %d, data_alloc = %d\n", prefix, cs.Indexes, cs.DataSize, cs.DataAlloc)
	}

	if f.Contains(DumpDocuments) {
		if stats != nil {
			fmt.Fprintln(w, dumpSep2)
		}
		for i, doc := range docs {
			dumpDocument(w, prefix, ns, i+1, doc)
		}
	}

	if f.Contains(DumpIndexes) {
		indexes, err := db.store.ListIndexes(ctx, coll)
		if err != nil {
			return err
		}
		for _, idx := range indexes {
			fmt.Fprintf(w, "%s.i.%s\n", prefix, idx.Name)
		}
	}
	return nil
}

func dumpDocument(w *strings.Builder, prefix, ns string, pos int, doc Document) {
	e, err := fromDocument(ns, doc)
	if err != nil {
		fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", prefix, pos, err)
		return
	}
	props := make(map[string]string, len(e.Properties))
	for name, v := range e.Properties {
		props[name] = fmt.Sprint(v)
	}
	fmt.Fprintf(w, "%s.%d = %v %s\n", prefix, pos, e.Key, must(json.Marshal(props)))
}
