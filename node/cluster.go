package node

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/maxpoletaev/grid/executor"
	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/network"
)

// HandlePacket is called by the connection manager from the reader
// goroutines. Packets are processed in order on the service goroutine.
func (n *Node) HandlePacket(p *network.Packet) {
	if !n.exec.Submit(func() { n.handlePacket(p) }) {
		level.Debug(n.logger).Log("msg", "packet dropped, node is stopped", "op", p.Op, "from", p.From)
	}
}

func (n *Node) handlePacket(p *network.Packet) {
	switch p.Op {
	case network.OpJoinRequest:
		n.handleJoinRequest(p)
	case network.OpMaster:
		n.handleMaster(p)
	case network.OpMembersUpdate:
		n.handleMembersUpdate(p)
	case network.OpAddListener, network.OpRemoveListener:
		n.listeners.HandleRegistration(p)
	case network.OpEvent:
		n.listeners.HandleEvent(p)
	default:
		if !n.ledger.HandlePacket(p) {
			level.Warn(n.logger).Log("msg", "unexpected packet", "op", p.Op, "from", p.From)
		}
	}
}

func (n *Node) handleJoinRequest(p *network.Packet) {
	if len(p.Members) == 0 {
		level.Warn(n.logger).Log("msg", "join request without member", "from", p.From)
		return
	}

	joiner := p.Members[0]

	if p.Group != n.conf.Join.GroupName || p.Password != n.conf.Join.GroupPassword {
		level.Warn(n.logger).Log("msg", "join request from another group", "from", joiner.Addr, "group", p.Group)
		return
	}

	if !n.members.Joined() {
		return
	}

	if !n.members.IsMaster() {
		// Point the joiner to the master.
		if master, ok := n.members.Master(); ok {
			n.conns.Send(joiner.Addr, &network.Packet{
				Op:      network.OpMaster,
				Members: []membership.Member{{Addr: master}},
			})
		}

		return
	}

	n.forgetDead(joiner.Addr)
	added := n.members.Add(joiner)

	// The update is sent even for a repeated request, the joiner may have
	// missed the previous one.
	n.broadcastMembers()

	if added {
		level.Info(n.logger).Log("msg", "member joined", "addr", joiner.Addr, "type", joiner.Type)
		n.metrics.Members.Set(float64(n.members.Size()))
		n.listeners.SyncForAdd(joiner.Addr)
		n.logMembers()
	}
}

func (n *Node) handleMaster(p *network.Packet) {
	if n.members.Joined() || len(p.Members) == 0 {
		return
	}

	master := p.Members[0].Addr
	if master == n.self.Addr {
		return
	}

	level.Debug(n.logger).Log("msg", "master announced", "master", master, "from", p.From)
	n.members.SetMaster(master)
}

func (n *Node) handleMembersUpdate(p *network.Packet) {
	if master, ok := n.members.Master(); ok && n.members.Joined() && p.From != master {
		level.Warn(n.logger).Log("msg", "members update from non-master", "from", p.From, "master", master)
		return
	}

	if !containsAddr(p.Members, n.self.Addr) {
		level.Warn(n.logger).Log("msg", "members update does not include the local node", "from", p.From)
		return
	}

	before := n.members.Members()
	joined := n.members.Reset(p.Members)
	after := n.members.Members()

	n.metrics.Members.Set(float64(len(after)))

	if joined {
		level.Info(n.logger).Log("msg", "accepted by master", "master", p.From)
		n.logMembers()

		return
	}

	changed := false

	for _, m := range after {
		if !m.Local && !containsAddr(before, m.Addr) {
			n.listeners.SyncForAdd(m.Addr)
			changed = true
		}
	}

	for _, m := range before {
		if !containsAddr(after, m.Addr) {
			n.listeners.SyncForDead(m.Addr)
			changed = true
		}
	}

	if changed {
		n.logMembers()
	}
}

// memberDead removes a member whose connection has been lost. If the master
// is gone, the next oldest member takes over and, if that is the local
// node, publishes the new member list.
func (n *Node) memberDead(addr membership.Address) {
	if !n.members.HasMember(addr) {
		return
	}

	masterChanged, err := n.members.Remove(addr)
	if err != nil {
		return
	}

	n.markDead(addr)
	n.metrics.Members.Set(float64(n.members.Size()))

	level.Warn(n.logger).Log("msg", "member removed", "addr", addr)

	if masterChanged {
		master, _ := n.members.Master()
		level.Info(n.logger).Log("msg", "master changed", "master", master)
	}

	if n.members.IsMaster() {
		n.broadcastMembers()
	}

	n.listeners.SyncForDead(addr)
	n.logMembers()
}

func (n *Node) broadcastMembers() {
	members := n.members.Members()
	p := &network.Packet{
		Op:      network.OpMembersUpdate,
		Members: members,
	}

	for _, m := range members {
		if m.Local {
			continue
		}

		if !n.conns.Send(m.Addr, p) {
			level.Debug(n.logger).Log("msg", "failed to send members update", "to", m.Addr)
		}
	}
}

func (n *Node) logMembers() {
	if n.members.Size() > 1 {
		level.Info(n.logger).Log("msg", "membership changed", "members", n.members.String())
	}
}

// finalizeJoin brings the replicated state up to date once the node has
// joined: missing proxies are created and listener registrations made while
// the node was alone are sent to the other members.
func (n *Node) finalizeJoin(ctx context.Context, rejoin bool) {
	n.metrics.Members.Set(float64(n.members.Size()))

	if n.members.Size() > 1 {
		syncCtx, cancel := context.WithTimeout(ctx, n.conf.SyncTimeout)
		defer cancel()

		if err := n.catalog.CatchUp(syncCtx); err != nil {
			level.Warn(n.logger).Log("msg", "failed to catch up with the cluster", "err", err)
		}
	}

	if rejoin || n.members.Size() > 1 {
		if err := n.listeners.Resync(ctx); err != nil {
			level.Warn(n.logger).Log("msg", "failed to resync listeners", "err", err)
		}
	}
}

// ShouldConnectTo refuses connections to members that have recently died,
// so that a dead member is not brought back by a stale packet.
func (n *Node) ShouldConnectTo(addr membership.Address) bool {
	n.mut.Lock()
	defer n.mut.Unlock()

	diedAt, ok := n.dead[addr]
	if !ok {
		return true
	}

	if time.Since(diedAt) < n.conf.DeadMemberTTL {
		return false
	}

	delete(n.dead, addr)

	return true
}

func (n *Node) markDead(addr membership.Address) {
	n.mut.Lock()
	defer n.mut.Unlock()

	n.dead[addr] = time.Now()
}

func (n *Node) forgetDead(addr membership.Address) {
	n.mut.Lock()
	defer n.mut.Unlock()

	delete(n.dead, addr)
}

func (n *Node) ConnectionAdded(c *network.Connection) {
	level.Debug(n.logger).Log("msg", "connection added", "endpoint", c.Endpoint())
}

func (n *Node) ConnectionRemoved(c *network.Connection) {
	addr := c.Endpoint()

	n.exec.Submit(func() {
		n.memberDead(addr)
	})
}

// connectionFailed is called when a connection attempt has been given up.
// A master learned before joining is forgotten if it is unreachable, so that
// discovery starts over.
func (n *Node) connectionFailed(addr membership.Address) {
	if !n.members.Joined() {
		if master, ok := n.members.Master(); ok && master == addr {
			level.Debug(n.logger).Log("msg", "master is unreachable", "master", addr)
			n.members.ClearMaster()
		}
	}

	n.coord.FailedConnection(addr)
}

func containsAddr(members []membership.Member, addr membership.Address) bool {
	return slices.IndexFunc(members, func(m membership.Member) bool {
		return m.Addr == addr
	}) >= 0
}

// membershipSink is the view of the node driven by the join process.
type membershipSink struct {
	n *Node
}

func (s *membershipSink) Joined() bool {
	return s.n.members.Joined()
}

func (s *membershipSink) Size() int {
	return s.n.members.Size()
}

func (s *membershipSink) String() string {
	return s.n.members.String()
}

func (s *membershipSink) Master() (membership.Address, bool) {
	return s.n.members.Master()
}

func (s *membershipSink) SetMaster(addr membership.Address) {
	s.n.members.SetMaster(addr)
}

func (s *membershipSink) BecomeMaster(ctx context.Context) error {
	return executor.Do(ctx, s.n.exec, func() error {
		s.n.members.SetAsMaster()
		s.n.metrics.Members.Set(float64(s.n.members.Size()))

		return nil
	})
}

func (s *membershipSink) SendJoinRequest(addr membership.Address) bool {
	return s.n.conns.Send(addr, &network.Packet{
		Op:       network.OpJoinRequest,
		Members:  []membership.Member{s.n.self},
		Group:    s.n.conf.Join.GroupName,
		Password: s.n.conf.Join.GroupPassword,
	})
}
