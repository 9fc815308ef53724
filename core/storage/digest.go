package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// Digester computes content digests for the storage engine. The DTX core
// carries digests in transaction payloads but never computes them.
type Digester interface {
	Digest(ctx context.Context, r io.Reader) (string, error)
}

const chunkSize = 4 << 20

var bufPool = sync.Pool{
	New: func() any { return make([]byte, chunkSize) },
}

// SHA256Digester hashes with SHA-256. A positive BytesPerSec throttles
// reads so background scrubbing does not starve foreground I/O.
type SHA256Digester struct {
	BytesPerSec int64
}

func (d SHA256Digester) Digest(ctx context.Context, r io.Reader) (string, error) {
	var limiter *rate.Limiter
	if d.BytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.BytesPerSec), chunkSize)
	}
	sum := sha256.New()
	if err := copyThrottled(ctx, sum, r, limiter); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func copyThrottled(ctx context.Context, dst hash.Hash, src io.Reader, limiter *rate.Limiter) error {
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	for {
		n, rerr := src.Read(buf[:chunkSize])
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return fmt.Errorf("rate limiter: %w", err)
				}
			}
			dst.Write(buf[:n])
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", rerr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
