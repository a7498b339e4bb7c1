package docds

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedKey         = errors.New("malformed key")
	ErrMissingIndex         = errors.New("query requires a composite index that is not defined")
	ErrQueryTooComplex      = errors.New("query is too complex")
	ErrUnorderableProperty  = errors.New("property is not orderable")
	ErrTransactionConflict  = errors.New("another transaction is in progress")
	ErrTransactionNotActive = errors.New("transaction is not active")
	ErrTooManyActions       = errors.New("too many transactional actions")
	ErrAllocatorUnavailable = errors.New("id allocator unavailable")
	ErrDeferredActionFailed = errors.New("deferred action failed")
	ErrBadRequest           = errors.New("bad request")
	ErrIndexExists          = errors.New("index already exists")
	ErrIndexNotFound        = errors.New("index does not exist")

	// ErrBucketNotFound is returned by storageTx.DeleteBucket when the bucket doesn't exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// DataError reports undecodable bytes read from the backing store.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		}
		return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
	}
	p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
	}
	return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
}

// KeyError is returned for keys that cannot be encoded, decoded or stored.
// It always unwraps to ErrMalformedKey.
type KeyError struct {
	Key *Key
	Raw string
	Msg string
}

func keyErrf(key *Key, format string, args ...any) error {
	return &KeyError{Key: key, Msg: fmt.Sprintf(format, args...)}
}

func rawKeyErrf(raw string, format string, args ...any) error {
	return &KeyError{Raw: raw, Msg: fmt.Sprintf(format, args...)}
}

func (e *KeyError) Unwrap() error {
	return ErrMalformedKey
}

func (e *KeyError) Error() string {
	var buf strings.Builder
	buf.WriteString(ErrMalformedKey.Error())
	if e.Key != nil {
		buf.WriteByte(' ')
		buf.WriteString(e.Key.String())
	} else if e.Raw != "" {
		fmt.Fprintf(&buf, " %q", e.Raw)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	return buf.String()
}

// QueryError is returned when a query cannot be translated into a native
// store query. Err is one of the query sentinels (ErrMissingIndex,
// ErrQueryTooComplex, ErrUnorderableProperty, ErrBadRequest).
type QueryError struct {
	Kind     string
	Property string
	Msg      string
	Err      error

	// Index is the composite index the query needs, set for ErrMissingIndex.
	Index *IndexSpec
}

func queryErrf(kind, prop string, err error, format string, args ...any) error {
	return &QueryError{Kind: kind, Property: prop, Err: err, Msg: fmt.Sprintf(format, args...)}
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func (e *QueryError) Error() string {
	var buf strings.Builder
	buf.WriteString("query")
	if e.Kind != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Kind)
	}
	if e.Property != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Property)
	}
	buf.WriteString(": ")
	if e.Err != nil {
		buf.WriteString(e.Err.Error())
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Index != nil {
		buf.WriteString("; define index ")
		buf.WriteString(e.Index.String())
	}
	return buf.String()
}

func badRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
