/*
Package docds implements a typed entity datastore on top of a document store
(in this case, on top of Bolt or an in-memory sorted map).

We implement:

1. Keys, hierarchical paths of (kind, id or name) elements scoped to a
namespace, with a sortable string encoding.

2. Entities, keyed sets of typed property values (strings, numbers, times,
keys, lists, geo points, users and a few more).

3. Queries with equality, in and range filters, sort orders, ancestor
constraints, offsets, limits and resumable cursors.

4. Id allocation, composite index bookkeeping and a single-writer
transaction coordinator with deferred actions.

# Technical Details

**Collections.**
Every (namespace, kind) pair maps to one collection. The collection name is
the kind, prefixed with the namespace and a 0x08 separator when the
namespace is not empty. The counters of the id allocator live in the
"__datastore__" collection of each namespace.

**Key encoding.**
A key is encoded as its path elements joined with 0x08. Each element is the
kind, followed either by 0x09 and the numeric id zero-padded to 20 digits or
by the name. Ids therefore sort numerically, and the encoding of an ancestor
followed by 0x08 is a prefix of the encodings of all its descendants. The
namespace is not part of the encoding; it is implied by the collection.

**Value encoding.**
Scalars are stored natively. Compound values are stored as objects with a
"class" field; lists additionally carry their smallest and largest element
as "ascending_sort_key" and "descending_sort_key", so that sorting a list
property ascending uses its smallest element and descending its largest.

**Documents.**
A document is the entity's properties plus "_id", the encoded key,
serialized with msgpack.

**Queries.**
A query is compiled into native reads by sampling one entity of the kind to
learn property types. Filters on one property combine into a single
condition: repeated equality and in values become one disjunction, range
bounds conjoin. Conditions on different properties conjoin.
*/
package docds
