package node

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maxpoletaev/grid/catalog"
	"github.com/maxpoletaev/grid/join"
	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/network"
	"github.com/maxpoletaev/grid/partition"
)

// proxiesLedger is the name of the ledger replicating the existence of
// distributed object proxies.
const proxiesLedger = "proxies"

type Config struct {
	// Name identifies the node within the process.
	Name string

	// Join configures discovery. Its Port and Interfaces are also used to
	// pick the listening address.
	Join join.Config

	// BindAddr overrides the address the node listens on and advertises.
	BindAddr string

	// PortAutoIncrement makes the node try the following ports when the
	// configured one is taken.
	PortAutoIncrement bool

	NodeType       membership.NodeType
	PartitionCount int

	// DeadMemberTTL is how long the node refuses to reconnect to a member
	// it has seen die.
	DeadMemberTTL time.Duration

	// SyncTimeout bounds the ledger catch-up after joining.
	SyncTimeout time.Duration

	Network network.Config

	// Factory and Cleaner are passed to the instance catalog.
	Factory catalog.Factory
	Cleaner catalog.Cleaner

	// Debug turns invariant violations into panics.
	Debug bool

	Logger     log.Logger
	Registerer prometheus.Registerer
}

func DefaultConfig() Config {
	return Config{
		Name:              "default",
		Join:              join.DefaultConfig(),
		PortAutoIncrement: true,
		NodeType:          membership.NodeMember,
		PartitionCount:    partition.DefaultCount,
		DeadMemberTTL:     5 * time.Second,
		SyncTimeout:       10 * time.Second,
		Network:           network.DefaultConfig(),
		Logger:            log.NewNopLogger(),
	}
}
