package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/sushant-115/gojodtx/core/cluster"
)

// EntryType is the kind of transaction event a journal entry records.
type EntryType byte

const (
	EntryProposed  EntryType = iota + 1 // Transaction journaled before acknowledgement
	EntryCommitted                      // Durable COMMIT decision
	EntryAborted                        // Durable ABORT decision
)

func (t EntryType) String() string {
	switch t {
	case EntryProposed:
		return "PROPOSED"
	case EntryCommitted:
		return "COMMITTED"
	case EntryAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("EntryType(%d)", byte(t))
}

// Entry is one record in the journal. Seq is assigned by Append.
type Entry struct {
	Seq        uint64
	Type       EntryType
	TxnID      uint64
	Submitter  cluster.NodeID
	Payload    []byte
	CreatedAt  time.Time
	RecordedAt time.Time
}

// Serialize converts an Entry into its stable on-disk form.
func (e *Entry) Serialize() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, entryFixedSize+len(e.Payload)))
	fields := []any{
		e.Seq,
		e.Type,
		e.TxnID,
		e.Submitter,
		e.CreatedAt.UnixNano(),
		e.RecordedAt.UnixNano(),
		uint32(len(e.Payload)),
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("failed to serialize journal entry: %w", err)
		}
	}
	buf.Write(e.Payload)
	return buf.Bytes(), nil
}

// Deserialize reads an Entry from data produced by Serialize.
func (e *Entry) Deserialize(data []byte) error {
	r := bytes.NewReader(data)
	var (
		created, recorded int64
		payloadLen        uint32
	)
	fields := []any{&e.Seq, &e.Type, &e.TxnID, &e.Submitter, &created, &recorded, &payloadLen}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return fmt.Errorf("failed to deserialize journal entry: %w", err)
		}
	}
	if int(payloadLen) != r.Len() {
		return fmt.Errorf("journal entry payload length %d does not match remaining %d bytes", payloadLen, r.Len())
	}
	e.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, e.Payload); err != nil {
		return fmt.Errorf("failed to read journal entry payload: %w", err)
	}
	e.CreatedAt = time.Unix(0, created)
	e.RecordedAt = time.Unix(0, recorded)
	return nil
}

// Seq(8) Type(1) TxnID(8) Submitter(16) CreatedAt(8) RecordedAt(8) PayloadLen(4)
const entryFixedSize = 8 + 1 + 8 + 16 + 8 + 8 + 4
