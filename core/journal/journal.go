// Package journal is the durable, append-only record of every transaction
// event a node has seen. Sequence numbers start at 1 and never repeat.
package journal

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/dtxerr"
)

// Journal is implemented by the file and bolt backends.
type Journal interface {
	// Append assigns e.Seq, makes the entry durable and returns the sequence
	// number. Failures wrap dtxerr.ErrJournalIO and are sticky.
	Append(e *Entry) (uint64, error)
	// ReadFrom returns a reader over entries with Seq >= seq that existed
	// when ReadFrom was called. Entries appended later are not visible.
	ReadFrom(seq uint64) (Reader, error)
	// LastSeq is the sequence of the newest durable entry, 0 when empty.
	LastSeq() uint64
	// Rotate starts a new storage segment where the backend has segments.
	Rotate() error
	Close() error
}

// Reader iterates a snapshot of the journal. Next returns io.EOF at the end
// of the snapshot. A stopped reader can be resumed with ReadFrom(Position()).
type Reader interface {
	Next() (*Entry, error)
	Position() uint64
	Close() error
}

// Options selects and tunes a backend.
type Options struct {
	Backend     string // "file" or "bolt"
	Dir         string
	SegmentSize int64
	Logger      *zap.Logger
}

// Open opens or creates a journal in opts.Dir.
func Open(opts Options) (Journal, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch opts.Backend {
	case "", "file":
		return OpenFile(opts.Dir, opts.SegmentSize, opts.Logger)
	case "bolt":
		return OpenBolt(filepath.Join(opts.Dir, "journal.bolt"), opts.Logger)
	}
	return nil, fmt.Errorf("%w: unknown journal backend %q", dtxerr.ErrIllegalArgument, opts.Backend)
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", dtxerr.ErrJournalIO, op, err)
}
