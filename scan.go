package docds

import (
	"bytes"
	"context"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// RawRange defines a range of byte strings. The constructors use mnemonics:
// O means open, I means inclusive, E means exclusive; the first letter is for
// the lower bound, the second for the upper bound.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawPrefix(p []byte) RawRange                { return RawRange{Prefix: p} }
func (rang RawRange) Prefixed(p []byte) RawRange { rang.Prefix = p; return rang }

func (r *RawRange) start(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	seek := r.Lower
	skipInitial := seek != nil && !r.LowerInc
	if r.Prefix != nil && (seek == nil || bytes.Compare(seek, r.Prefix) < 0) {
		seek, skipInitial = r.Prefix, false
	}

	var k, v []byte
	if seek != nil {
		k, v = bcur.Seek(seek)
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK", hexAttr("seek", seek), hexAttr("key", k))
		}
		if skipInitial && !bytes.Equal(k, seek) {
			skipInitial = false
		}
	} else {
		k, v = bcur.First()
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "FIRST", hexAttr("key", k))
		}
	}
	if skipInitial {
		return r.next(bcur, logger)
	}
	if k != nil && r.match(k, logger) {
		return k, v
	}
	return nil, nil
}

func (r *RawRange) next(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	k, v := bcur.Next()
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "NEXT", hexAttr("key", k))
	}
	if k != nil && r.match(k, logger) {
		return k, v
	}
	return nil, nil
}

func (r *RawRange) match(k []byte, logger *slog.Logger) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		if debugLogRawScans {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "BAIL on prefix", hexAttr("prefix", r.Prefix), hexAttr("key", k))
		}
		return false
	}
	if upper := r.Upper; upper != nil {
		cmp := bytes.Compare(k, upper)
		if cmp == 1 || (cmp == 0 && !r.UpperInc) {
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "BAIL on upper", hexAttr("upper", upper), hexAttr("key", k))
			}
			return false
		}
	}
	return true
}

func (rang *RawRange) newCursor(bcur storageCursor, logger *slog.Logger) *RawRangeCursor {
	return &RawRangeCursor{rang: *rang, bcur: bcur, logger: logger}
}

// RawRangeCursor walks the keys of a bucket that fall into a RawRange.
type RawRangeCursor struct {
	rang   RawRange
	bcur   storageCursor
	logger *slog.Logger
	k, v   []byte
	init   bool
}

func (c *RawRangeCursor) Next() bool {
	if c.init {
		c.k, c.v = c.rang.next(c.bcur, c.logger)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur, c.logger)
	}
	return c.k != nil
}

func (c *RawRangeCursor) Key() []byte   { return c.k }
func (c *RawRangeCursor) Value() []byte { return c.v }
