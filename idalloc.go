package docds

import (
	"context"
	"fmt"
	"math"
	"sync"
)

const (
	counterCollection = "__datastore__"
	counterDocPrefix  = "IdSeq_"
	counterField      = "next_id"

	// idBlockSize is the minimum number of ids fetched from the counter at once.
	idBlockSize = 1000

	// counters are int64 in the store
	maxAllocSize = math.MaxInt64 - idBlockSize
	maxAllocMax  = math.MaxInt64 - 1
)

// IDRange is a half-open range of ids [Start, End).
type IDRange struct {
	Start uint64
	End   uint64
}

func (r IDRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r IDRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// AllocateIDsRequest asks for either Size consecutive ids or for all future
// ids to exceed Max. Exactly one of Size and Max must be set.
type AllocateIDsRequest struct {
	Kind      string
	Namespace string
	Size      uint64
	Max       uint64
}

type idBlockKey struct {
	namespace string
	kind      string
}

// idAllocator hands out ids from per-kind counter documents. Blocks of
// idBlockSize are reserved with a single atomic increment and served from a
// local cache, so concurrent processes never receive overlapping ids.
type idAllocator struct {
	store DocumentStore

	mu     sync.Mutex
	blocks map[idBlockKey]IDRange
}

func newIDAllocator(store DocumentStore) *idAllocator {
	return &idAllocator{store: store, blocks: make(map[idBlockKey]IDRange)}
}

func counterDocID(kind string) string {
	return counterDocPrefix + kind
}

func (a *idAllocator) Allocate(ctx context.Context, req AllocateIDsRequest) (IDRange, error) {
	if req.Kind == "" {
		return IDRange{}, badRequestf("allocate ids: kind is required")
	}
	switch {
	case req.Size > 0 && req.Max > 0:
		return IDRange{}, badRequestf("allocate ids: both size and max specified")
	case req.Size > maxAllocSize:
		return IDRange{}, badRequestf("allocate ids: size %d is too large", req.Size)
	case req.Max > maxAllocMax:
		return IDRange{}, badRequestf("allocate ids: max %d is too large", req.Max)
	case req.Size > 0:
		return a.reserve(ctx, req.Namespace, req.Kind, req.Size)
	case req.Max > 0:
		return a.ensureAbove(ctx, req.Namespace, req.Kind, req.Max)
	default:
		return IDRange{}, badRequestf("allocate ids: neither size nor max specified")
	}
}

// reserve returns n consecutive ids, serving from the cached block when it
// is large enough.
func (a *idAllocator) reserve(ctx context.Context, ns, kind string, n uint64) (IDRange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bk := idBlockKey{ns, kind}
	if blk := a.blocks[bk]; blk.Len() >= n {
		r := IDRange{blk.Start, blk.Start + n}
		a.blocks[bk] = IDRange{r.End, blk.End}
		return r, nil
	}

	coll := collectionName(ns, counterCollection)
	id := counterDocID(kind)
	if err := a.init(ctx, coll, id); err != nil {
		return IDRange{}, err
	}
	delta := max(n, idBlockSize)
	next, err := a.store.AtomicIncrement(ctx, coll, id, counterField, int64(delta))
	if err != nil {
		return IDRange{}, fmt.Errorf("%w: %w", ErrAllocatorUnavailable, err)
	}
	start := uint64(next) - delta
	r := IDRange{start, start + n}
	a.blocks[bk] = IDRange{r.End, start + delta}
	return r, nil
}

// ensureAbove makes every id handed out from now on exceed max. It returns
// the range [cur, max+1) of ids skipped over, which is empty when the
// counter was already past max.
func (a *idAllocator) ensureAbove(ctx context.Context, ns, kind string, maxID uint64) (IDRange, error) {
	coll := collectionName(ns, counterCollection)
	id := counterDocID(kind)
	if err := a.init(ctx, coll, id); err != nil {
		return IDRange{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return IDRange{}, err
		}
		doc, err := a.store.FindOne(ctx, coll, id)
		if err != nil {
			return IDRange{}, fmt.Errorf("%w: %w", ErrAllocatorUnavailable, err)
		}
		cur := counterValue(doc)
		if cur > maxID {
			a.dropCachedBelow(ns, kind, maxID)
			return IDRange{cur, cur}, nil
		}
		ok, err := a.store.CompareAndSet(ctx, coll, id, counterField, int64(cur), int64(maxID+1))
		if err != nil {
			return IDRange{}, fmt.Errorf("%w: %w", ErrAllocatorUnavailable, err)
		}
		if ok {
			a.dropCachedBelow(ns, kind, maxID)
			return IDRange{cur, maxID + 1}, nil
		}
	}
}

// init lazily creates the counter at 1.
func (a *idAllocator) init(ctx context.Context, coll, id string) error {
	_, err := a.store.CompareAndSet(ctx, coll, id, counterField, 0, 1)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllocatorUnavailable, err)
	}
	return nil
}

// dropCachedBelow discards cached ids <= maxID.
func (a *idAllocator) dropCachedBelow(ns, kind string, maxID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bk := idBlockKey{ns, kind}
	if blk, ok := a.blocks[bk]; ok && blk.Start <= maxID {
		blk.Start = min(maxID+1, blk.End)
		a.blocks[bk] = blk
	}
}

func (a *idAllocator) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.blocks)
}

func counterValue(doc Document) uint64 {
	switch v := doc[counterField].(type) {
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	default:
		return 0
	}
}
