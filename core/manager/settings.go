package manager

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/config"
	"github.com/sushant-115/gojodtx/core/dtxerr"
	"github.com/sushant-115/gojodtx/core/journal"
	"github.com/sushant-115/gojodtx/core/security/encryption/internaltls"
)

const nodeIDFile = "node.id"

// settings is the manager's view of a validated configuration registry.
type settings struct {
	journal        journal.Options
	listen         string
	advertise      netip.AddrPort
	nodeID         string
	peers          []cluster.Node
	txnTimeout     time.Duration
	quorum         int
	proposeRetries int
	retryBackoff   time.Duration
	submitWorkers  int
	replayRate     int
	replayTimeout  time.Duration
	// linkWait bounds how long a replay server waits for its own link back
	// to the requester.
	linkWait       time.Duration
	tls            internaltls.Files
}

func settingsFrom(r *config.Registry) (settings, error) {
	s := settings{
		journal: journal.Options{
			Backend:     r.String(config.JournalBackend),
			Dir:         r.String(config.JournalDir),
			SegmentSize: r.Int(config.JournalSegmentSize),
		},
		listen:         r.String(config.NodeListen),
		nodeID:         r.String(config.NodeID),
		txnTimeout:     r.Duration(config.DtxTransactionTimeout),
		quorum:         int(r.Int(config.DtxQuorum)),
		proposeRetries: int(r.Int(config.DtxProposeRetries)),
		retryBackoff:   r.Duration(config.TransportBackoffInitial),
		submitWorkers:  int(r.Int(config.DtxSubmitWorkers)),
		replayRate:     int(r.Int(config.DtxReplayRate)),
		replayTimeout:  r.Duration(config.DtxReplayTimeout),
		linkWait:       r.Duration(config.TransportDialTimeout) + r.Duration(config.TransportBackoffMax),
		tls: internaltls.Files{
			CAFile:             r.String(config.TLSCAFile),
			CertFile:           r.String(config.TLSCertFile),
			KeyFile:            r.String(config.TLSKeyFile),
			InsecureSkipVerify: r.Bool(config.TLSInsecureSkipVerify),
		},
	}
	verr := &dtxerr.ConfigValidationError{}
	advertise := r.String(config.NodeAdvertise)
	if advertise == "" {
		advertise = s.listen
	}
	addr, err := cluster.ResolveAddr(advertise)
	if err != nil {
		verr.Add(fmt.Sprintf("%s: %v", config.NodeAdvertise, err))
	}
	s.advertise = addr

	if s.nodeID != "" {
		if _, err := cluster.ParseNodeID(s.nodeID); err != nil {
			verr.Add(fmt.Sprintf("%s: %v", config.NodeID, err))
		}
	}
	for _, p := range r.Strings(config.ClusterPeers) {
		n, err := cluster.ParseNode(p)
		if err != nil {
			verr.Add(fmt.Sprintf("%s: %v", config.ClusterPeers, err))
			continue
		}
		s.peers = append(s.peers, n)
	}
	return s, verr.OrNil()
}

// loadNodeID returns the configured id, or the id persisted in dir,
// creating and persisting a new one on first start.
func loadNodeID(configured, dir string) (cluster.NodeID, error) {
	if configured != "" {
		return cluster.ParseNodeID(configured)
	}
	path := filepath.Join(dir, nodeIDFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, perr := cluster.ParseNodeID(string(bytes.TrimSpace(data)))
		if perr != nil {
			return cluster.NodeID{}, fmt.Errorf("corrupt %s: %w", path, perr)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return cluster.NodeID{}, fmt.Errorf("%w: read %s: %v", dtxerr.ErrJournalIO, path, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cluster.NodeID{}, fmt.Errorf("%w: create %s: %v", dtxerr.ErrJournalIO, dir, err)
	}
	id := cluster.NewNodeID()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o644); err != nil {
		return cluster.NodeID{}, fmt.Errorf("%w: write %s: %v", dtxerr.ErrJournalIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cluster.NodeID{}, fmt.Errorf("%w: rename %s: %v", dtxerr.ErrJournalIO, tmp, err)
	}
	return id, nil
}
