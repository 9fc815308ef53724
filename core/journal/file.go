package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	segmentPrefix = "journal-"
	segmentSuffix = ".log"
	// len(4) + crc32(4)
	frameHeaderSize    = 8
	defaultSegmentSize = 64 << 20
)

type segment struct {
	path     string
	firstSeq uint64
}

// FileJournal stores entries in segment files named after the first
// sequence number they hold. Every Append is fsynced before it returns.
type FileJournal struct {
	dir         string
	segmentSize int64
	logger      *zap.Logger

	mu        sync.Mutex
	file      *os.File
	segments  []segment
	nextSeq   uint64
	segOffset int64
	failed    error
	closed    bool
}

// OpenFile opens the journal in dir, truncating a torn tail left by a crash
// in the newest segment.
func OpenFile(dir string, segmentSize int64, logger *zap.Logger) (*FileJournal, error) {
	if segmentSize <= 0 {
		segmentSize = defaultSegmentSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr("create journal dir", err)
	}
	j := &FileJournal{
		dir:         dir,
		segmentSize: segmentSize,
		logger:      logger.Named("journal"),
		nextSeq:     1,
	}
	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	j.segments = segs
	if len(segs) == 0 {
		if err := j.openSegmentLocked(1); err != nil {
			return nil, err
		}
		return j, nil
	}
	for i, seg := range segs {
		last := i == len(segs)-1
		lastSeq, validBytes, err := scanSegment(seg, last)
		if err != nil {
			return nil, err
		}
		if lastSeq > 0 {
			j.nextSeq = lastSeq + 1
		} else if seg.firstSeq > j.nextSeq {
			j.nextSeq = seg.firstSeq
		}
		if last {
			f, err := os.OpenFile(seg.path, os.O_RDWR, 0o644)
			if err != nil {
				return nil, ioErr("open segment", err)
			}
			if err := f.Truncate(validBytes); err != nil {
				f.Close()
				return nil, ioErr("truncate torn tail", err)
			}
			if _, err := f.Seek(validBytes, io.SeekStart); err != nil {
				f.Close()
				return nil, ioErr("seek segment", err)
			}
			j.file = f
			j.segOffset = validBytes
		}
	}
	j.logger.Info("journal opened",
		zap.String("dir", dir),
		zap.Int("segments", len(j.segments)),
		zap.Uint64("next_seq", j.nextSeq))
	return j, nil
}

func segmentPath(dir string, firstSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, firstSeq, segmentSuffix))
}

func listSegments(dir string) ([]segment, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioErr("read journal dir", err)
	}
	var segs []segment
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		first, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segment{path: filepath.Join(dir, name), firstSeq: first})
	}
	sort.Slice(segs, func(i, k int) bool { return segs[i].firstSeq < segs[k].firstSeq })
	return segs, nil
}

// scanSegment validates every frame. A damaged frame is tolerated only at
// the tail of the newest segment.
func scanSegment(seg segment, tolerateTail bool) (lastSeq uint64, validBytes int64, err error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return 0, 0, ioErr("open segment", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		e, n, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return lastSeq, validBytes, nil
		}
		if err != nil {
			if tolerateTail {
				return lastSeq, validBytes, nil
			}
			return 0, 0, ioErr("scan "+filepath.Base(seg.path), err)
		}
		lastSeq = e.Seq
		validBytes += n
	}
}

var errCorruptFrame = errors.New("corrupt journal frame")

// readFrame returns io.EOF only on a clean frame boundary.
func readFrame(r io.Reader) (*Entry, int64, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("%w: short header", errCorruptFrame)
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	if size < entryFixedSize || size > 1<<30 {
		return nil, 0, fmt.Errorf("%w: bad size %d", errCorruptFrame, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, fmt.Errorf("%w: short body", errCorruptFrame)
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", errCorruptFrame)
	}
	e := &Entry{}
	if err := e.Deserialize(body); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errCorruptFrame, err)
	}
	return e, int64(frameHeaderSize) + int64(size), nil
}

// openSegmentLocked creates a new active segment. Caller holds j.mu.
func (j *FileJournal) openSegmentLocked(firstSeq uint64) error {
	path := segmentPath(j.dir, firstSeq)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return ioErr("create segment", err)
	}
	j.file = f
	j.segOffset = 0
	j.segments = append(j.segments, segment{path: path, firstSeq: firstSeq})
	return nil
}

func (j *FileJournal) Append(e *Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failed != nil {
		return 0, j.failed
	}
	if j.closed {
		return 0, ioErr("append", os.ErrClosed)
	}

	e.Seq = j.nextSeq
	body, err := e.Serialize()
	if err != nil {
		return 0, ioErr("serialize", err)
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	frame = append(frame, body...)

	if j.segOffset > 0 && j.segOffset+int64(len(frame)) > j.segmentSize {
		if err := j.rotateLocked(); err != nil {
			return 0, j.fail(err)
		}
	}
	if _, err := j.file.Write(frame); err != nil {
		return 0, j.fail(ioErr("write", err))
	}
	if err := j.file.Sync(); err != nil {
		return 0, j.fail(ioErr("fsync", err))
	}
	j.segOffset += int64(len(frame))
	j.nextSeq++
	return e.Seq, nil
}

func (j *FileJournal) fail(err error) error {
	j.failed = err
	j.logger.Error("journal append failed, refusing further writes", zap.Error(err))
	return err
}

func (j *FileJournal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq - 1
}

// Rotate closes the active segment and starts a new one. It is a no-op when
// the active segment is empty.
func (j *FileJournal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ioErr("rotate", os.ErrClosed)
	}
	if j.segOffset == 0 {
		return nil
	}
	return j.rotateLocked()
}

func (j *FileJournal) rotateLocked() error {
	if err := j.file.Sync(); err != nil {
		return ioErr("fsync before rotate", err)
	}
	if err := j.file.Close(); err != nil {
		return ioErr("close segment", err)
	}
	j.logger.Debug("journal segment rotated", zap.Uint64("next_seq", j.nextSeq))
	return j.openSegmentLocked(j.nextSeq)
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Close(); err != nil && j.failed == nil {
		return ioErr("close", err)
	}
	return nil
}

func (j *FileJournal) ReadFrom(seq uint64) (Reader, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ioErr("read", os.ErrClosed)
	}
	if seq == 0 {
		seq = 1
	}
	return &fileReader{
		segments: append([]segment(nil), j.segments...),
		pos:      seq,
		end:      j.nextSeq - 1,
	}, nil
}

type fileReader struct {
	segments []segment
	pos      uint64
	end      uint64
	segIdx   int
	file     *os.File
	r        *bufio.Reader
}

func (r *fileReader) Position() uint64 { return r.pos }

func (r *fileReader) Next() (*Entry, error) {
	for {
		if r.pos > r.end {
			return nil, io.EOF
		}
		if r.r == nil {
			if err := r.openFor(r.pos); err != nil {
				return nil, err
			}
		}
		e, _, err := readFrame(r.r)
		if errors.Is(err, io.EOF) {
			r.closeFile()
			r.segIdx++
			if r.segIdx >= len(r.segments) {
				return nil, ioErr("read", fmt.Errorf("entry %d missing", r.pos))
			}
			if err := r.openSegment(r.segIdx); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, ioErr("read", err)
		}
		if e.Seq < r.pos {
			continue
		}
		r.pos = e.Seq + 1
		return e, nil
	}
}

// openFor opens the segment that holds seq.
func (r *fileReader) openFor(seq uint64) error {
	idx := sort.Search(len(r.segments), func(i int) bool { return r.segments[i].firstSeq > seq }) - 1
	if idx < 0 {
		idx = 0
	}
	return r.openSegment(idx)
}

func (r *fileReader) openSegment(idx int) error {
	f, err := os.Open(r.segments[idx].path)
	if err != nil {
		return ioErr("open segment", err)
	}
	r.segIdx = idx
	r.file = f
	r.r = bufio.NewReader(f)
	return nil
}

func (r *fileReader) closeFile() {
	if r.file != nil {
		r.file.Close()
	}
	r.file = nil
	r.r = nil
}

func (r *fileReader) Close() error {
	r.closeFile()
	return nil
}

var _ Journal = (*FileJournal)(nil)
