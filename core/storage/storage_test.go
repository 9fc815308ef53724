package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOverlaps(t *testing.T) {
	cases := []struct {
		name       string
		a, la      int64
		b, lb      int64
		overlapped bool
	}{
		{"identical", 0, 10, 0, 10, true},
		{"partial", 0, 10, 5, 10, true},
		{"contained", 0, 100, 40, 1, true},
		{"touching end to start", 0, 10, 10, 5, false},
		{"touching start to end", 10, 5, 0, 10, false},
		{"disjoint", 0, 4, 100, 4, false},
		{"one byte overlap", 0, 11, 10, 5, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.overlapped, Overlaps(tc.a, tc.la, tc.b, tc.lb))
			require.Equal(t, tc.overlapped, Overlaps(tc.b, tc.lb, tc.a, tc.la), "overlap must be symmetric")
		})
	}
}

func TestRangeGuard_BlocksOnlyOverlappingRanges(t *testing.T) {
	g := NewRangeGuard()
	ctx := context.Background()

	release, err := g.Acquire(ctx, Range{Offset: 0, Length: 4096})
	require.NoError(t, err)

	other, ok := g.TryAcquire(Range{Offset: 4096, Length: 4096})
	require.True(t, ok, "adjacent range must not conflict")
	defer other()

	_, ok = g.TryAcquire(Range{Offset: 100, Length: 1})
	require.False(t, ok)

	got := make(chan struct{})
	go func() {
		rel, err := g.Acquire(ctx, Range{Offset: 2048, Length: 10})
		if err == nil {
			rel()
		}
		close(got)
	}()
	select {
	case <-got:
		t.Fatal("overlapping acquire did not wait")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestRangeGuard_AcquireHonoursContext(t *testing.T) {
	g := NewRangeGuard()
	rel, err := g.Acquire(context.Background(), Range{Offset: 0, Length: 10})
	require.NoError(t, err)
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, Range{Offset: 5, Length: 10})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = g.Acquire(context.Background(), Range{Offset: 0, Length: 0})
	require.Error(t, err)
}

func TestSHA256Digester(t *testing.T) {
	sum, err := SHA256Digester{}.Digest(context.Background(), strings.NewReader("abc"))
	require.NoError(t, err)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)

	throttled, err := SHA256Digester{BytesPerSec: 1 << 30}.Digest(context.Background(), strings.NewReader("abc"))
	require.NoError(t, err)
	require.Equal(t, sum, throttled)
}
