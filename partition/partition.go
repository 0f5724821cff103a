package partition

import (
	"github.com/twmb/murmur3"

	"github.com/maxpoletaev/grid/membership"
)

// DefaultCount is the number of partitions the key space is split into.
const DefaultCount = 271

// Resolver tells which member owns the partition of a key.
type Resolver interface {
	Owner(key []byte) (membership.Address, bool)
}

// Members is the source of the current member list, in join order.
type Members interface {
	Members() []membership.Member
}

// HashResolver maps keys to partitions with murmur3 and assigns partitions
// to full members round-robin, in join order. Lite members never own
// partitions. All members with the same member list agree on the owner.
type HashResolver struct {
	members Members
	count   uint32
}

func NewHashResolver(members Members, count int) *HashResolver {
	if count <= 0 {
		count = DefaultCount
	}

	return &HashResolver{
		members: members,
		count:   uint32(count),
	}
}

// PartitionID returns the partition the key belongs to.
func (r *HashResolver) PartitionID(key []byte) int {
	return int(murmur3.Sum32(key) % r.count)
}

// Owner returns the member owning the key. The second value is false when
// there are no full members yet.
func (r *HashResolver) Owner(key []byte) (membership.Address, bool) {
	owners := make([]membership.Address, 0)

	for _, m := range r.members.Members() {
		if !m.IsSuperClient() {
			owners = append(owners, m.Addr)
		}
	}

	if len(owners) == 0 {
		return membership.Address{}, false
	}

	return owners[r.PartitionID(key)%len(owners)], true
}
