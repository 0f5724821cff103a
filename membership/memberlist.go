package membership

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	ErrMemberNotFound = errors.New("member not found")
)

// Memberlist is the local view of the cluster. Members are kept in join
// order, unique by address, and the oldest member is the master. The list
// also carries the join state of the local node: it becomes joined once the
// local member appears in a membership snapshot accepted from the master,
// or once the node elects itself as the master.
type Memberlist struct {
	mut     sync.RWMutex
	self    Member
	members []Member
	master  Address
	joined  bool
	logger  log.Logger
}

func New(self Member, logger log.Logger) *Memberlist {
	self.Local = true

	if self.Type == 0 {
		self.Type = NodeMember
	}

	return &Memberlist{
		self:   self,
		logger: logger,
	}
}

// Self returns the record of the local node.
func (ml *Memberlist) Self() Member {
	return ml.self
}

// Members returns a copy of the member list in join order.
func (ml *Memberlist) Members() []Member {
	ml.mut.RLock()
	defer ml.mut.RUnlock()

	members := make([]Member, len(ml.members))
	copy(members, ml.members)

	return members
}

// Size returns the number of known members.
func (ml *Memberlist) Size() int {
	ml.mut.RLock()
	defer ml.mut.RUnlock()

	return len(ml.members)
}

func (ml *Memberlist) Member(addr Address) (Member, bool) {
	ml.mut.RLock()
	defer ml.mut.RUnlock()

	if i := ml.indexOf(addr); i >= 0 {
		return ml.members[i], true
	}

	return Member{}, false
}

func (ml *Memberlist) HasMember(addr Address) bool {
	ml.mut.RLock()
	defer ml.mut.RUnlock()

	return ml.indexOf(addr) >= 0
}

func (ml *Memberlist) indexOf(addr Address) int {
	for i := range ml.members {
		if ml.members[i].Addr == addr {
			return i
		}
	}

	return -1
}

// Joined returns true once the local node is a recognized cluster member.
func (ml *Memberlist) Joined() bool {
	ml.mut.RLock()
	defer ml.mut.RUnlock()

	return ml.joined
}

// Master returns the address of the master if one is known.
func (ml *Memberlist) Master() (Address, bool) {
	ml.mut.RLock()
	defer ml.mut.RUnlock()

	return ml.master, !ml.master.IsZero()
}

// IsMaster returns true if the local node is the master.
func (ml *Memberlist) IsMaster() bool {
	ml.mut.RLock()
	defer ml.mut.RUnlock()

	return !ml.master.IsZero() && ml.master == ml.self.Addr
}

// SetMaster records the master address learned during discovery. It has no
// effect once the node has joined, since from then on the master is derived
// from the member list.
func (ml *Memberlist) SetMaster(addr Address) {
	ml.mut.Lock()
	defer ml.mut.Unlock()

	if ml.joined {
		return
	}

	if ml.master != addr {
		level.Debug(ml.logger).Log("msg", "master address learned", "master", addr)
	}

	ml.master = addr
}

// ClearMaster forgets the master learned during discovery.
func (ml *Memberlist) ClearMaster() {
	ml.mut.Lock()
	defer ml.mut.Unlock()

	if !ml.joined {
		ml.master = Address{}
	}
}

// SetAsMaster turns the local node into a single-member cluster with itself
// as the master.
func (ml *Memberlist) SetAsMaster() {
	ml.mut.Lock()
	defer ml.mut.Unlock()

	if ml.indexOf(ml.self.Addr) < 0 {
		ml.members = append([]Member{ml.self}, ml.members...)
	}

	ml.master = ml.self.Addr
	ml.joined = true
}

// Add appends a new member to the end of the list. It returns false if a
// member with the same address is already known.
func (ml *Memberlist) Add(member Member) bool {
	ml.mut.Lock()
	defer ml.mut.Unlock()

	if ml.indexOf(member.Addr) >= 0 {
		return false
	}

	member.Local = member.Addr == ml.self.Addr
	ml.members = append(ml.members, member)

	level.Debug(ml.logger).Log("msg", "member added", "addr", member.Addr, "type", member.Type)

	return true
}

// Remove deletes the member with the given address. If the master is
// removed, the next oldest member takes over. The returned flag tells
// whether the master has changed as a result.
func (ml *Memberlist) Remove(addr Address) (bool, error) {
	ml.mut.Lock()
	defer ml.mut.Unlock()

	i := ml.indexOf(addr)
	if i < 0 {
		return false, ErrMemberNotFound
	}

	ml.members = append(ml.members[:i], ml.members[i+1:]...)

	level.Debug(ml.logger).Log("msg", "member removed", "addr", addr)

	if ml.master != addr {
		return false, nil
	}

	if len(ml.members) > 0 {
		ml.master = ml.members[0].Addr
	} else {
		ml.master = Address{}
	}

	return true, nil
}

// Reset replaces the member list with a snapshot received from the master.
// The first member of the snapshot becomes the master. The local node is
// considered joined if it is part of the snapshot. Returns true if the local
// node has just joined as a result of this call.
func (ml *Memberlist) Reset(members []Member) bool {
	ml.mut.Lock()
	defer ml.mut.Unlock()

	ml.members = make([]Member, 0, len(members))
	wasJoined := ml.joined
	ml.joined = false

	for _, m := range members {
		if ml.indexOf(m.Addr) >= 0 {
			continue
		}

		m.Local = m.Addr == ml.self.Addr
		if m.Local {
			ml.joined = true
		}

		ml.members = append(ml.members, m)
	}

	if len(ml.members) > 0 {
		ml.master = ml.members[0].Addr
	}

	return ml.joined && !wasJoined
}

// Leave resets the view to its initial, not joined, state.
func (ml *Memberlist) Leave() {
	ml.mut.Lock()
	defer ml.mut.Unlock()

	ml.members = nil
	ml.master = Address{}
	ml.joined = false
}

// String renders the member list the way it is printed in the logs.
func (ml *Memberlist) String() string {
	ml.mut.RLock()
	defer ml.mut.RUnlock()

	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("Members [%d] {\n", len(ml.members)))

	for _, m := range ml.members {
		sb.WriteString("\t" + m.String() + "\n")
	}

	sb.WriteString("}")

	return sb.String()
}
