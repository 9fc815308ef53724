package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodtx/core/cluster"
)

func TestRecord_ResolveDoesNotMutateOriginal(t *testing.T) {
	rec := &Record{ID: 7, Payload: []byte("snap-create"), Submitter: cluster.NewNodeID(), State: TxnStateProposed, CreatedAt: time.Now()}
	done := rec.Resolve(TxnStateCommitted, time.Now())

	require.Equal(t, TxnStateProposed, rec.State)
	require.Equal(t, TxnStateCommitted, done.State)
	require.True(t, done.State.Resolved())
	require.Equal(t, rec.Key(), done.Key())

	done.Payload[0] = 'X'
	require.Equal(t, byte('s'), rec.Payload[0])
}

func TestTransactionState_String(t *testing.T) {
	require.Equal(t, "PURGED", TxnStatePurged.String())
	require.False(t, TxnStateAcked.Resolved())
}
