package listener

//go:generate mockgen -source=facilities.go -destination=facilities_mock_test.go -package=listener

import (
	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/network"
)

// OwnerResolver tells which member owns the partition of a key.
type OwnerResolver interface {
	Owner(key []byte) (membership.Address, bool)
}

// Cluster is the current membership view.
type Cluster interface {
	Self() membership.Member
	Members() []membership.Member
}

// Sender delivers packets to other members.
type Sender interface {
	Send(addr membership.Address, p *network.Packet) bool
}
