package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// BoltJournal keeps entries in a BoltDB log store, one raft.Log per entry
// with the log index doubling as the journal sequence number.
type BoltJournal struct {
	store  *raftboltdb.BoltStore
	logger *zap.Logger

	mu      sync.Mutex
	lastSeq uint64
	failed  error
	closed  bool
}

// OpenBolt opens or creates the bolt journal file at path.
func OpenBolt(path string, logger *zap.Logger) (*BoltJournal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, ioErr("open bolt store", err)
	}
	last, err := store.LastIndex()
	if err != nil {
		store.Close()
		return nil, ioErr("read last index", err)
	}
	j := &BoltJournal{store: store, logger: logger.Named("journal"), lastSeq: last}
	j.logger.Info("bolt journal opened", zap.String("path", path), zap.Uint64("last_seq", last))
	return j, nil
}

func (j *BoltJournal) Append(e *Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failed != nil {
		return 0, j.failed
	}
	if j.closed {
		return 0, ioErr("append", os.ErrClosed)
	}
	e.Seq = j.lastSeq + 1
	body, err := e.Serialize()
	if err != nil {
		return 0, ioErr("serialize", err)
	}
	rec := &raft.Log{
		Index:      e.Seq,
		Type:       raft.LogCommand,
		Data:       body,
		AppendedAt: time.Now(),
	}
	if err := j.store.StoreLog(rec); err != nil {
		j.failed = ioErr("store log", err)
		j.logger.Error("journal append failed, refusing further writes", zap.Error(err))
		return 0, j.failed
	}
	j.lastSeq = e.Seq
	return e.Seq, nil
}

func (j *BoltJournal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Rotate is a no-op: a bolt file has no segments.
func (j *BoltJournal) Rotate() error { return nil }

func (j *BoltJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.store.Close(); err != nil {
		return ioErr("close bolt store", err)
	}
	return nil
}

func (j *BoltJournal) ReadFrom(seq uint64) (Reader, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ioErr("read", os.ErrClosed)
	}
	if seq == 0 {
		seq = 1
	}
	return &boltReader{j: j, pos: seq, end: j.lastSeq}, nil
}

type boltReader struct {
	j   *BoltJournal
	pos uint64
	end uint64
}

func (r *boltReader) Position() uint64 { return r.pos }

func (r *boltReader) Next() (*Entry, error) {
	if r.pos > r.end {
		return nil, io.EOF
	}
	var rec raft.Log
	if err := r.j.store.GetLog(r.pos, &rec); err != nil {
		if errors.Is(err, raft.ErrLogNotFound) {
			return nil, ioErr("read", fmt.Errorf("entry %d missing", r.pos))
		}
		return nil, ioErr("read", err)
	}
	e := &Entry{}
	if err := e.Deserialize(rec.Data); err != nil {
		return nil, ioErr("decode", err)
	}
	r.pos++
	return e, nil
}

func (r *boltReader) Close() error { return nil }

var _ Journal = (*BoltJournal)(nil)
