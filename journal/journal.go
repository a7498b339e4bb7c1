// Package journal implements append-only segmented “journal” files holding
// checksummed batches of records.
//
// Records are written with WriteRecord and become durable as a batch on
// Commit. A reader only sees committed batches; a torn or corrupted tail of
// a segment is skipped.
//
// File format:
//
//   - segment = header (record* trailer)*
//   - header = magic:64 version:8 pad:8 flags:16 pad:32 ordinal:32 timestamp:32 invariant:8*32 reserved:64*2 checksum:64
//   - record = (size<<1):uvarint timestampDelta:uvarint bytes*
//   - trailer = (runningChecksum|1):64
//
// The low bit of the first byte tells a trailer from a record header. The
// running checksum is an xxhash of every byte of the segment before the
// trailer.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible journal")
	ErrUnsupportedVersion = errors.New("unsupported journal version")
	ErrClosed             = errors.New("journal is closed")
	errCorruptedFile      = errors.New("corrupted journal segment file")
)

type Options struct {
	FileName    string // e.g. "commits-*.wal"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	Now         func() time.Time

	// Invariant is stored in every segment header; segments written with a
	// different invariant are rejected.
	Invariant [32]byte

	// Sync fsyncs the segment file on every Commit.
	Sync bool

	Logger *slog.Logger
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 10 * 8

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	_              uint32
	SegmentOrdinal uint32
	Timestamp      uint32
	Invariant      [32]byte
	_              [2]uint64
	Checksum       uint64
}

const (
	trailerFlag  byte = 1
	sizeShift         = 1
	timestampFmt      = "20060102T150405"
	maxRecordLen      = 64 * 1024 * 1024
)

func (o *Options) setDefaults() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Journal appends records to a directory of segment files.
type Journal struct {
	dir            string
	fileNamePrefix string
	fileNameSuffix string
	debugName      string
	maxFileSize    int64
	now            func() time.Time
	invariant      [32]byte
	sync           bool
	logger         *slog.Logger

	writeLock sync.Mutex
	writeErr  error
	writeSeg  uint32
	segWriter *segmentWriter
	closed    bool
}

// Open prepares dir for appending. New records go into a fresh segment
// numbered after the last existing one.
func Open(dir string, o Options) (*Journal, error) {
	o.setDefaults()
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	j := &Journal{
		dir:            dir,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		debugName:      o.DebugName,
		maxFileSize:    o.MaxFileSize,
		now:            o.Now,
		invariant:      o.Invariant,
		sync:           o.Sync,
		logger:         o.Logger,
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	names, err := j.segmentNames()
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		seq, _, err := j.parseSegmentName(names[len(names)-1])
		if err != nil {
			return nil, err
		}
		j.writeSeg = seq
	}
	return j, nil
}

func (j *Journal) String() string {
	return j.debugName
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 || uint64(v)&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed")
	}
	return uint32(v)
}

// WriteRecord appends a record to the current batch. A zero timestamp means
// now. Empty records are ignored.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > maxRecordLen {
		return fmt.Errorf("%v: record of %d bytes exceeds maximum of %d", j.debugName, len(data), maxRecordLen)
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.writeErr != nil {
		return j.writeErr
	}
	if timestamp == 0 {
		timestamp = j.Now()
	}

	if j.segWriter == nil {
		j.writeSeg++
		sw, err := startSegment(j, j.writeSeg, timestamp)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
	}
	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit seals the records written since the previous Commit.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.writeErr != nil {
		return j.writeErr
	}
	if j.segWriter == nil {
		return nil
	}
	if err := j.segWriter.commit(j.sync); err != nil {
		return j.fail(err)
	}
	if j.segWriter.size >= j.maxFileSize {
		j.closeSegment_locked()
	}
	return nil
}

// Close closes the current segment. Uncommitted records are lost.
func (j *Journal) Close() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	j.closed = true
	return j.closeSegment_locked()
}

func (j *Journal) closeSegment_locked() error {
	if j.segWriter == nil {
		return nil
	}
	err := j.segWriter.close()
	j.segWriter = nil
	return err
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}
	j.logger.LogAttrs(context.Background(), slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))
	j.closeSegment_locked()
	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

func (j *Journal) segmentNames() ([]string, error) {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, j.fileNamePrefix) || !strings.HasSuffix(name, j.fileNameSuffix) {
			continue
		}
		if len(name) < len(j.fileNamePrefix)+len(j.fileNameSuffix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

type segmentWriter struct {
	f           *os.File
	w           *bufio.Writer
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts)
	f, err := os.OpenFile(filepath.Join(j.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		w:    bufio.NewWriter(f),
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j.invariant, seg, ts, &sw.hash)
	if _, err := sw.w.Write(hbuf[:]); err != nil {
		return nil, err
	}

	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	sw.hash.Write(data)
	if _, err := sw.w.Write(h); err != nil {
		return err
	}
	if _, err := sw.w.Write(data); err != nil {
		return err
	}
	sw.size += int64(len(h) + len(data))
	return nil
}

func (sw *segmentWriter) commit(sync bool) error {
	if !sw.uncommitted {
		return nil
	}
	sw.uncommitted = false

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= trailerFlag

	sw.hash.Write(buf[:])
	if _, err := sw.w.Write(buf[:]); err != nil {
		return err
	}
	sw.size += 8
	if err := sw.w.Flush(); err != nil {
		return err
	}
	if sync {
		return sw.f.Sync()
	}
	return nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.w.Flush()
	if cerr := sw.f.Close(); err == nil {
		err = cerr
	}
	sw.f = nil
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, invariant [32]byte, seg, ts uint32, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:          magic,
		Version:        version0,
		SegmentOrdinal: seg,
		Timestamp:      ts,
		Invariant:      invariant,
	}
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<sizeShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func formatSegmentName(prefix, suffix string, seq, ts uint32) string {
	t := time.Unix(int64(ts), 0).UTC()
	return fmt.Sprintf("%s%012d-%s%s", prefix, seq, t.Format(timestampFmt), suffix)
}

func (j *Journal) parseSegmentName(name string) (seq, ts uint32, err error) {
	return parseSegmentName(strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix))
}

func parseSegmentName(name string) (seq, ts uint32, err error) {
	seqStr, tsStr, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())
	return seq, ts, nil
}

// Record is a committed journal record.
type Record struct {
	Segment   uint32
	Timestamp uint32
	Data      []byte
}

func (r Record) Time() time.Time {
	return time.Unix(int64(r.Timestamp), 0).UTC()
}

// Read calls f for every committed record in dir, in write order. Records
// of an uncommitted or corrupted batch are skipped with a warning. Read may
// run while a Journal is appending to dir; it sees the batches flushed so
// far.
func Read(dir string, o Options, f func(rec Record) error) error {
	o.setDefaults()
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	j := &Journal{dir: dir, fileNamePrefix: prefix, fileNameSuffix: suffix, debugName: o.DebugName, invariant: o.Invariant, logger: o.Logger}
	names, err := j.segmentNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		seq, _, err := j.parseSegmentName(name)
		if err != nil {
			return err
		}
		err = j.readSegment(name, seq, f)
		if err == errCorruptedFile {
			j.logger.LogAttrs(context.Background(), slog.LevelWarn, "journal: skipping corrupted tail", slog.String("jrnl", j.debugName), slog.String("file", name))
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) readSegment(name string, expectedSeq uint32, f func(rec Record) error) error {
	file, err := os.Open(filepath.Join(j.dir, name))
	if err != nil {
		return err
	}
	defer file.Close()
	r := bufio.NewReader(file)

	var hash xxhash.Digest
	hash.Reset()
	var h segmentHeader
	if err := j.readHeader(r, &h, expectedSeq, &hash); err != nil {
		return err
	}

	ts := h.Timestamp
	var pending []Record
	for {
		first, err := r.Peek(1)
		if err == io.EOF {
			if len(pending) > 0 {
				return errCorruptedFile
			}
			return nil
		} else if err != nil {
			return err
		}

		if first[0]&trailerFlag != 0 {
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return errCorruptedFile
			}
			var expected [8]byte
			binary.LittleEndian.PutUint64(expected[:], hash.Sum64())
			expected[0] |= trailerFlag
			if buf != expected {
				return errCorruptedFile
			}
			hash.Write(buf[:])
			for _, rec := range pending {
				if err := f(rec); err != nil {
					return err
				}
			}
			pending = pending[:0]
			continue
		}

		var hbuf []byte
		sizeAndFlags, err := binary.ReadUvarint(r)
		if err != nil {
			return errCorruptedFile
		}
		tsDelta, err := binary.ReadUvarint(r)
		if err != nil || tsDelta > 0xFFFF_FFFF {
			return errCorruptedFile
		}
		size := sizeAndFlags >> sizeShift
		if size > maxRecordLen {
			return errCorruptedFile
		}
		hbuf = appendRecordHeader(hbuf, int(size), uint32(tsDelta))
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return errCorruptedFile
		}
		hash.Write(hbuf)
		hash.Write(data)
		ts += uint32(tsDelta)
		pending = append(pending, Record{Segment: h.SegmentOrdinal, Timestamp: ts, Data: data})
	}
}

func (j *Journal) readHeader(r io.Reader, h *segmentHeader, expectedSeq uint32, hash *xxhash.Digest) error {
	var buf [segmentHeaderSize]byte
	_, err := io.ReadFull(r, buf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return errCorruptedFile
	} else if err != nil {
		return err
	}
	n, err := binary.Decode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return ErrIncompatible
	}
	hash.Write(buf[:segmentHeaderSize-8])
	if hash.Sum64() != h.Checksum {
		return errCorruptedFile
	}
	hash.Write(buf[segmentHeaderSize-8:])
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != j.invariant {
		return ErrIncompatible
	}
	return nil
}
