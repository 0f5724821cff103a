package join

//go:generate mockgen -source=facilities.go -destination=facilities_mock_test.go -package=join

import (
	"context"
	"net"

	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/network"
)

// ConnectionProvider gives access to peer connections. GetOrConnect never
// blocks: it returns nil while the connection is being established.
type ConnectionProvider interface {
	GetOrConnect(addr membership.Address) (*network.Connection, error)
	Connection(addr membership.Address) (*network.Connection, bool)
}

// MembershipSink is the membership view driven by the join process.
type MembershipSink interface {
	Joined() bool
	Size() int
	String() string
	Master() (membership.Address, bool)
	SetMaster(addr membership.Address)
	BecomeMaster(ctx context.Context) error
	SendJoinRequest(addr membership.Address) bool
}

// Multicaster broadcasts discovery messages.
type Multicaster interface {
	Send(info JoinInfo) error
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}
