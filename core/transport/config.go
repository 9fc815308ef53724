package transport

import (
	"crypto/tls"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/core/cluster"
	"github.com/sushant-115/gojodtx/core/config"
)

// Hooks lets callers observe link and frame activity. Every field is optional.
type Hooks struct {
	OnPeerConnected    func(peer cluster.Node)
	OnPeerDisconnected func(peer cluster.Node, err error)
	OnDialFailed       func(peer cluster.Node, attempt int, err error)
	OnFrameSent        func(kind string)
	OnFrameReceived    func(kind string)
}

// Config controls a Transport.
type Config struct {
	Self cluster.Node
	// ListenAddr defaults to Self.Addr().
	ListenAddr string
	ServerTLS  *tls.Config
	ClientTLS  *tls.Config

	DialTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// BackoffJitter is the +/- fraction applied to each backoff step.
	BackoffJitter float64
	KeepAlive     time.Duration
	IdleTimeout   time.Duration
	QueueCapacity int

	Logger *zap.Logger
	Hooks  Hooks
}

// ConfigFrom fills the tunables from a validated registry. TLS, identity
// and hooks are left to the caller.
func ConfigFrom(r *config.Registry) Config {
	return Config{
		ListenAddr:     r.String(config.NodeListen),
		DialTimeout:    r.Duration(config.TransportDialTimeout),
		BackoffInitial: r.Duration(config.TransportBackoffInitial),
		BackoffMax:     r.Duration(config.TransportBackoffMax),
		KeepAlive:      r.Duration(config.TransportKeepAlive),
		IdleTimeout:    r.Duration(config.TransportIdleTimeout),
		QueueCapacity:  int(r.Int(config.TransportQueueCapacity)),
	}
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = c.Self.Addr().String()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.BackoffJitter <= 0 {
		c.BackoffJitter = 0.2
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// nextBackoff doubles cur up to max and applies +/- jitterFrac.
func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := time.Duration(float64(cur) * 2)
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}
