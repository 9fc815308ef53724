package config

import (
	"fmt"
	"time"

	"github.com/sushant-115/gojodtx/core/dtxerr"
)

const day = 24 * time.Hour

const (
	JournalDir         = "journal.dir"
	JournalBackend     = "journal.backend"
	JournalSegmentSize = "journal.segment_size"

	TaskKeeperAbsoluteDuration = "taskkeeper.absolute_duration"
	TaskKeeperAbsoluteSize     = "taskkeeper.absolute_size"
	TaskKeeperMaxDuration      = "taskkeeper.max_duration"
	TaskKeeperMaxSize          = "taskkeeper.max_size"
	TaskKeeperPurgeDelay       = "taskkeeper.purge_delay"
	TaskKeeperPurgePeriod      = "taskkeeper.purge_period"

	DtxTransactionTimeout = "dtx.transaction_timeout"
	DtxQuorum             = "dtx.quorum"
	DtxProposeRetries     = "dtx.propose_retries"
	DtxSubmitWorkers      = "dtx.submit_workers"
	DtxReplayRate         = "dtx.replay_rate"
	DtxReplayTimeout      = "dtx.replay_timeout"

	NodeID        = "node.id"
	NodeListen    = "node.listen"
	NodeAdvertise = "node.advertise"
	ClusterPeers  = "cluster.peers"

	TransportDialTimeout    = "transport.dial_timeout"
	TransportBackoffInitial = "transport.backoff_initial"
	TransportBackoffMax     = "transport.backoff_max"
	TransportKeepAlive      = "transport.keepalive"
	TransportIdleTimeout    = "transport.idle_timeout"
	TransportQueueCapacity  = "transport.queue_capacity"

	TLSCAFile             = "tls.ca_file"
	TLSCertFile           = "tls.cert_file"
	TLSKeyFile            = "tls.key_file"
	TLSInsecureSkipVerify = "tls.insecure_skip_verify"
)

// Journal backends.
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

func fixed(v any) func(time.Time) any { return func(time.Time) any { return v } }

// UntilNextMidnight is the time left from now until the next local midnight.
func UntilNextMidnight(now time.Time) time.Duration {
	local := now.Local()
	y, m, d := local.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, local.Location())
	return next.Sub(local)
}

// firstPurgeDelay defaults the first purge to the next local midnight. A
// day that gains an hour can put midnight more than 24h away, so the delay
// is capped at one day.
func firstPurgeDelay(now time.Time) any {
	return min(UntilNextMidnight(now), day)
}

// DTXKeys returns the descriptors for every option the DTX core reads.
func DTXKeys() []Key {
	return []Key{
		{Name: JournalDir, Kind: KindString, Required: true, Usage: "directory holding the transaction journal and node id"},
		{Name: JournalBackend, Kind: KindString, Enum: []string{BackendFile, BackendBolt}, Default: fixed(BackendFile), Usage: "journal storage backend"},
		{Name: JournalSegmentSize, Kind: KindInt, Min: 4 << 10, Max: 1 << 30, Default: fixed(int64(64 << 20)), Usage: "file journal segment rotation size in bytes"},

		{Name: TaskKeeperAbsoluteDuration, Kind: KindDuration, Min: int64(time.Second), Max: int64(30 * day), Default: fixed(30 * day), Usage: "hard cap on retained record age"},
		{Name: TaskKeeperAbsoluteSize, Kind: KindInt, Min: 1, Max: 1100, Default: fixed(int64(1100)), Usage: "hard cap on retained record count"},
		{Name: TaskKeeperMaxDuration, Kind: KindDuration, Min: int64(time.Second), Max: int64(14 * day), Default: fixed(14 * day), Usage: "soft cap on retained record age"},
		{Name: TaskKeeperMaxSize, Kind: KindInt, Min: 1, Max: 510, Default: fixed(int64(510)), Usage: "soft cap on retained record count"},
		{Name: TaskKeeperPurgeDelay, Kind: KindDuration, Min: 0, Max: int64(day), Default: firstPurgeDelay, Usage: "delay before the first purge cycle"},
		{Name: TaskKeeperPurgePeriod, Kind: KindDuration, Min: int64(10 * time.Second), Max: int64(31 * day), Default: fixed(day), Usage: "time between purge cycles"},

		{Name: DtxTransactionTimeout, Kind: KindDuration, Min: int64(100 * time.Millisecond), Max: int64(10 * time.Minute), Default: fixed(20 * time.Second), Usage: "time to await quorum acknowledgement"},
		{Name: DtxQuorum, Kind: KindInt, Min: 0, Max: 1024, Default: fixed(int64(0)), Usage: "acknowledgements needed to commit, 0 for majority"},
		{Name: DtxProposeRetries, Kind: KindInt, Min: 0, Max: 16, Default: fixed(int64(2)), Usage: "proposal re-sends per peer after connection errors"},
		{Name: DtxSubmitWorkers, Kind: KindInt, Min: 1, Max: 4096, Default: fixed(int64(64)), Usage: "concurrent local submissions"},
		{Name: DtxReplayRate, Kind: KindInt, Min: 1, Max: 1_000_000, Default: fixed(int64(1000)), Usage: "catch-up replay records per second"},
		{Name: DtxReplayTimeout, Kind: KindDuration, Min: 0, Max: int64(10 * time.Minute), Default: fixed(10 * time.Second), Usage: "wait for peer catch-up during recovery"},

		{Name: NodeID, Kind: KindString, Usage: "node uuid; empty loads or creates node.id in the journal dir"},
		{Name: NodeListen, Kind: KindString, Required: true, Usage: "transport listen address host:port"},
		{Name: NodeAdvertise, Kind: KindString, Usage: "address peers dial, defaults to node.listen"},
		{Name: ClusterPeers, Kind: KindStrings, Default: fixed([]string(nil)), Usage: "static peers as <uuid>@host:port"},

		{Name: TransportDialTimeout, Kind: KindDuration, Min: int64(100 * time.Millisecond), Max: int64(time.Minute), Default: fixed(5 * time.Second), Usage: "peer handshake timeout"},
		{Name: TransportBackoffInitial, Kind: KindDuration, Min: int64(time.Millisecond), Max: int64(time.Minute), Default: fixed(100 * time.Millisecond), Usage: "first reconnect delay"},
		{Name: TransportBackoffMax, Kind: KindDuration, Min: int64(time.Millisecond), Max: int64(time.Minute), Default: fixed(5 * time.Second), Usage: "largest reconnect delay"},
		{Name: TransportKeepAlive, Kind: KindDuration, Min: int64(100 * time.Millisecond), Max: int64(time.Minute), Default: fixed(5 * time.Second), Usage: "connection keepalive period"},
		{Name: TransportIdleTimeout, Kind: KindDuration, Min: int64(time.Second), Max: int64(10 * time.Minute), Default: fixed(30 * time.Second), Usage: "idle connection timeout"},
		{Name: TransportQueueCapacity, Kind: KindInt, Min: 1, Max: 1_000_000, Default: fixed(int64(4096)), Usage: "per-peer send queue length"},

		{Name: TLSCAFile, Kind: KindString, Usage: "CA bundle for peer verification"},
		{Name: TLSCertFile, Kind: KindString, Usage: "node certificate"},
		{Name: TLSKeyFile, Kind: KindString, Usage: "node private key"},
		{Name: TLSInsecureSkipVerify, Kind: KindBool, Default: fixed(false), Usage: "skip peer certificate verification"},
	}
}

// CheckDTX enforces relations between keys that single-key bounds cannot.
func CheckDTX(r *Registry, verr *dtxerr.ConfigValidationError) {
	if r.Duration(TaskKeeperMaxDuration) > r.Duration(TaskKeeperAbsoluteDuration) {
		verr.Add(fmt.Sprintf("%s (%s) exceeds %s (%s)", TaskKeeperMaxDuration, r.Duration(TaskKeeperMaxDuration), TaskKeeperAbsoluteDuration, r.Duration(TaskKeeperAbsoluteDuration)))
	}
	if r.Int(TaskKeeperMaxSize) > r.Int(TaskKeeperAbsoluteSize) {
		verr.Add(fmt.Sprintf("%s (%d) exceeds %s (%d)", TaskKeeperMaxSize, r.Int(TaskKeeperMaxSize), TaskKeeperAbsoluteSize, r.Int(TaskKeeperAbsoluteSize)))
	}
	if r.Duration(TransportBackoffInitial) > r.Duration(TransportBackoffMax) {
		verr.Add(fmt.Sprintf("%s exceeds %s", TransportBackoffInitial, TransportBackoffMax))
	}
	cert, key := r.String(TLSCertFile), r.String(TLSKeyFile)
	if (cert == "") != (key == "") {
		verr.Add(fmt.Sprintf("%s and %s must be set together", TLSCertFile, TLSKeyFile))
	}
}

// BuildDTX is Build over DTXKeys with CheckDTX.
func BuildDTX(values map[string]any, now time.Time) (*Registry, error) {
	return Build(DTXKeys(), values, now, CheckDTX)
}
