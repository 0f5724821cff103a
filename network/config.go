package network

import (
	"time"

	"github.com/go-kit/log"

	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/metrics"
)

type Config struct {
	// Self is the local member, sent to peers in the Bind packet.
	Self membership.Member

	// Policy is consulted before connecting to a peer. Optional.
	Policy Policy

	// Handler receives packets from bound connections.
	Handler Handler

	// Joined reports whether the local node has joined the cluster. Failed
	// connection attempts are reported to OnFailed only until then.
	Joined   func() bool
	OnFailed func(addr membership.Address)

	Dialer             Dialer
	DialTimeout        time.Duration
	MaxConcurrentDials int
	ConnectQueueSize   int
	MaxPendingPackets  int
	MaxFrameSize       int

	Logger  log.Logger
	Metrics *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:        5 * time.Second,
		MaxConcurrentDials: 16,
		ConnectQueueSize:   1024,
		MaxPendingPackets:  256,
		MaxFrameSize:       DefaultMaxFrameSize,
		Logger:             log.NewNopLogger(),
	}
}
