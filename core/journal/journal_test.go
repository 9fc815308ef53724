package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/dtxerr"
)

var submitter = cluster.NewNodeID()

func newEntry(txn uint64, typ EntryType) *Entry {
	return &Entry{
		Type:       typ,
		TxnID:      txn,
		Submitter:  submitter,
		Payload:    []byte(fmt.Sprintf("op-%d", txn)),
		CreatedAt:  time.Unix(1700000000, int64(txn)),
		RecordedAt: time.Now(),
	}
}

func readAll(t *testing.T, r Reader) []*Entry {
	t.Helper()
	var out []*Entry
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func openBackend(t *testing.T, backend, dir string) Journal {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	j, err := Open(Options{Backend: backend, Dir: dir, SegmentSize: 4 << 10, Logger: logger})
	require.NoError(t, err)
	return j
}

func forEachBackend(t *testing.T, fn func(t *testing.T, backend string)) {
	for _, backend := range []string{"file", "bolt"} {
		t.Run(backend, func(t *testing.T) { fn(t, backend) })
	}
}

func TestJournal_AppendAssignsIncreasingSeqs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		j := openBackend(t, backend, t.TempDir())
		defer j.Close()

		for i := uint64(1); i <= 5; i++ {
			seq, err := j.Append(newEntry(i, EntryProposed))
			require.NoError(t, err)
			require.Equal(t, i, seq)
		}
		require.Equal(t, uint64(5), j.LastSeq())

		r, err := j.ReadFrom(3)
		require.NoError(t, err)
		got := readAll(t, r)
		require.Len(t, got, 3)
		require.Equal(t, uint64(3), got[0].Seq)
		require.Equal(t, []byte("op-3"), got[0].Payload)
		require.Equal(t, submitter, got[0].Submitter)
		require.Equal(t, EntryProposed, got[0].Type)
	})
}

func TestJournal_ReaderSeesSnapshotAtStart(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		j := openBackend(t, backend, t.TempDir())
		defer j.Close()

		for i := uint64(1); i <= 3; i++ {
			_, err := j.Append(newEntry(i, EntryCommitted))
			require.NoError(t, err)
		}
		r, err := j.ReadFrom(1)
		require.NoError(t, err)

		first, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, uint64(1), first.Seq)

		_, err = j.Append(newEntry(4, EntryCommitted))
		require.NoError(t, err)

		rest := readAll(t, r)
		require.Len(t, rest, 2, "entries appended after ReadFrom must stay invisible")

		// Resuming from the reader position picks up the newer entry.
		resumed, err := j.ReadFrom(r.Position())
		require.NoError(t, err)
		tail := readAll(t, resumed)
		require.Len(t, tail, 1)
		require.Equal(t, uint64(4), tail[0].Seq)
	})
}

func TestJournal_ReopenContinuesSequence(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		dir := t.TempDir()
		j := openBackend(t, backend, dir)
		for i := uint64(1); i <= 4; i++ {
			_, err := j.Append(newEntry(i, EntryProposed))
			require.NoError(t, err)
		}
		require.NoError(t, j.Close())

		j = openBackend(t, backend, dir)
		defer j.Close()
		require.Equal(t, uint64(4), j.LastSeq())
		seq, err := j.Append(newEntry(5, EntryAborted))
		require.NoError(t, err)
		require.Equal(t, uint64(5), seq)

		r, err := j.ReadFrom(0)
		require.NoError(t, err)
		require.Len(t, readAll(t, r), 5)
	})
}

func TestFileJournal_RotatesAndReadsAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenFile(dir, 4<<10, zap.NewNop())
	require.NoError(t, err)
	defer j.Close()

	big := make([]byte, 1500)
	for i := uint64(1); i <= 10; i++ {
		e := newEntry(i, EntryCommitted)
		e.Payload = big
		_, err := j.Append(e)
		require.NoError(t, err)
		if i == 2 {
			require.NoError(t, j.Rotate())
		}
	}
	segs, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segs), 3)
	require.Equal(t, filepath.Join(dir, "journal-00000000000000000001.log"), segs[0].path)
	require.Equal(t, uint64(3), segs[1].firstSeq)

	r, err := j.ReadFrom(6)
	require.NoError(t, err)
	got := readAll(t, r)
	require.Len(t, got, 5)
	for i, e := range got {
		require.Equal(t, uint64(6+i), e.Seq)
	}
}

func TestFileJournal_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenFile(dir, 0, zap.NewNop())
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		_, err := j.Append(newEntry(i, EntryProposed))
		require.NoError(t, err)
	}
	require.NoError(t, j.Close())

	// Simulate a crash mid-write: half a frame at the tail.
	path := segmentPath(dir, 1)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err = OpenFile(dir, 0, zap.NewNop())
	require.NoError(t, err)
	defer j.Close()
	require.Equal(t, uint64(3), j.LastSeq())

	seq, err := j.Append(newEntry(4, EntryCommitted))
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)

	r, err := j.ReadFrom(1)
	require.NoError(t, err)
	require.Len(t, readAll(t, r), 4)
}

func TestFileJournal_AppendFailureIsSticky(t *testing.T) {
	j, err := OpenFile(t.TempDir(), 0, zap.NewNop())
	require.NoError(t, err)
	_, err = j.Append(newEntry(1, EntryProposed))
	require.NoError(t, err)

	// Pull the file out from under the journal.
	require.NoError(t, j.file.Close())

	_, err = j.Append(newEntry(2, EntryProposed))
	require.ErrorIs(t, err, dtxerr.ErrJournalIO)
	_, err = j.Append(newEntry(3, EntryProposed))
	require.ErrorIs(t, err, dtxerr.ErrJournalIO)
	require.Equal(t, uint64(1), j.LastSeq())
	require.NoError(t, j.Close())
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(Options{Backend: "sqlite", Dir: t.TempDir()})
	require.ErrorIs(t, err, dtxerr.ErrIllegalArgument)
}
