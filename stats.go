package docds

import (
	"cmp"
	"context"
	"slices"
)

// CollectionStats describes the storage used by one collection.
type CollectionStats struct {
	Collection string
	Namespace  string
	Kind       string

	Documents int
	Indexes   int

	DataSize  int64
	DataAlloc int64
}

// StoreStats is the storage summary of a KVDocumentStore.
type StoreStats struct {
	Size        int64
	Collections []CollectionStats
}

func (ss *StoreStats) TotalDocuments() int {
	var n int
	for _, cs := range ss.Collections {
		n += cs.Documents
	}
	return n
}

func (ss *StoreStats) TotalAlloc() int64 {
	var n int64
	for _, cs := range ss.Collections {
		n += cs.DataAlloc
	}
	return n
}

// Stats reports per-collection document counts and allocation sizes.
func (s *KVDocumentStore) Stats(ctx context.Context) (*StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := &StoreStats{}
	err := readTx(s.st, func(stx storageTx) error {
		result.Size = stx.Size()

		indexCounts := make(map[string]int)
		if b := stx.Bucket(indexMetaBucket); b != nil {
			c := b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				coll, _, _ := splitByte(string(k), indexMetaSep[0])
				indexCounts[coll]++
			}
		}

		for _, name := range stx.BucketNames() {
			if name == indexMetaBucket {
				continue
			}
			bs := stx.Bucket(name).Stats()
			ns, kind := splitCollectionName(name)
			result.Collections = append(result.Collections, CollectionStats{
				Collection: name,
				Namespace:  ns,
				Kind:       kind,
				Documents:  bs.KeyN,
				Indexes:    indexCounts[name],
				DataSize:   bs.LeafInuse,
				DataAlloc:  bs.TotalAlloc(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(result.Collections, func(a, b CollectionStats) int {
		if a.Namespace != b.Namespace {
			return cmp.Compare(a.Namespace, b.Namespace)
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	return result, nil
}

type statsReporter interface {
	Stats(ctx context.Context) (*StoreStats, error)
}

// Stats reports storage statistics when the underlying store supports them,
// and nil otherwise.
func (db *DB) Stats(ctx context.Context) (*StoreStats, error) {
	sr, ok := db.store.(statsReporter)
	if !ok {
		return nil, nil
	}
	return sr.Stats(ctx)
}
