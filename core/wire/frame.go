package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sushant-115/gojodtx/core/dtxerr"
)

// MaxFrameBytes bounds a single frame on a peer stream.
const MaxFrameBytes = 16 << 20

// MaxPayloadBytes bounds the variable-size parts of an envelope so that
// the whole envelope always fits in one frame.
const MaxPayloadBytes = MaxFrameBytes - 64<<10

// CheckSize rejects an envelope that could not be framed.
func CheckSize(e *Envelope) error {
	if n := len(e.Payload) + len(e.Error); n > MaxPayloadBytes {
		return fmt.Errorf("%w: %s payload of %d bytes exceeds %d", dtxerr.ErrIllegalArgument, e.Kind, n, MaxPayloadBytes)
	}
	return nil
}

// AppendFrame appends a 4-byte big-endian length prefix followed by payload.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// WriteEnvelope frames and writes e in a single Write call.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	body := e.Marshal()
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", dtxerr.ErrIllegalArgument, len(body), MaxFrameBytes)
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, 4+len(body)), body))
	return err
}

// ReadEnvelope reads one framed envelope. io.EOF is returned untouched when
// the stream ends cleanly between frames.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", dtxerr.ErrIllegalArgument, size, MaxFrameBytes)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(buf)
}
