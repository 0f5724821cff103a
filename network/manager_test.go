package network

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/grid/membership"
)

type packetRecorder struct {
	mut     sync.Mutex
	packets []*Packet
}

func (r *packetRecorder) HandlePacket(p *Packet) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.packets = append(r.packets, p)
}

func (r *packetRecorder) Received() []*Packet {
	r.mut.Lock()
	defer r.mut.Unlock()

	return append([]*Packet{}, r.packets...)
}

type connRecorder struct {
	mut     sync.Mutex
	added   []membership.Address
	removed []membership.Address
}

func (r *connRecorder) ConnectionAdded(c *Connection) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.added = append(r.added, c.Endpoint())
}

func (r *connRecorder) ConnectionRemoved(c *Connection) {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.removed = append(r.removed, c.Endpoint())
}

func (r *connRecorder) Counts() (int, int) {
	r.mut.Lock()
	defer r.mut.Unlock()

	return len(r.added), len(r.removed)
}

type denyPolicy map[membership.Address]bool

func (p denyPolicy) ShouldConnectTo(addr membership.Address) bool {
	return !p[addr]
}

func mustAddr(t *testing.T, s string) membership.Address {
	t.Helper()

	addr, err := membership.ParseAddress(s)
	require.NoError(t, err)

	return addr
}

func newTestManager(t *testing.T, self membership.Address, handler Handler) *Manager {
	t.Helper()

	conf := DefaultConfig()
	conf.Self = membership.Member{Addr: self, Type: membership.NodeMember}
	conf.Handler = handler
	conf.DialTimeout = time.Second
	conf.Logger = log.NewNopLogger()

	m := NewManager(conf)
	t.Cleanup(m.Shutdown)

	return m
}

func TestManager_SelfConnection(t *testing.T) {
	self := mustAddr(t, "127.0.0.1:5701")
	m := newTestManager(t, self, nil)

	c, err := m.GetOrConnect(self)
	require.ErrorIs(t, err, ErrSelfConnection)
	require.Nil(t, c)

	local, remote := net.Pipe()
	defer remote.Close()

	conn := newConnection(local, m)
	ok, err := m.Bind(self, conn, true)
	require.ErrorIs(t, err, ErrSelfConnection)
	require.False(t, ok)
	require.True(t, conn.Endpoint().IsZero(), "refused connection must stay unbound")

	_, found := m.Connection(self)
	require.False(t, found)
	require.Empty(t, m.Connections())
}

func TestManager_RefusedByPolicy(t *testing.T) {
	self := mustAddr(t, "127.0.0.1:5701")
	dead := mustAddr(t, "127.0.0.1:5702")

	conf := DefaultConfig()
	conf.Self = membership.Member{Addr: self}
	conf.Policy = denyPolicy{dead: true}

	m := NewManager(conf)
	defer m.Shutdown()

	_, err := m.GetOrConnect(dead)
	require.ErrorIs(t, err, ErrConnectionRefusedByPolicy)
	require.False(t, m.InProgress(dead))
}

func TestManager_DuplicateBind(t *testing.T) {
	self := mustAddr(t, "127.0.0.1:5701")
	peer := mustAddr(t, "127.0.0.1:5702")
	m := newTestManager(t, self, nil)

	recorder := &connRecorder{}
	m.AddListener(recorder)

	in1, out1 := net.Pipe()
	in2, out2 := net.Pipe()

	defer out1.Close()
	defer out2.Close()

	inbound := newConnection(in1, m)
	outbound := newConnection(in2, m)

	var (
		wg      sync.WaitGroup
		results [2]bool
		errs    [2]error
	)

	wg.Add(2)

	go func() {
		defer wg.Done()
		results[0], errs[0] = m.Bind(peer, inbound, true)
	}()

	go func() {
		defer wg.Done()
		results[1], errs[1] = m.Bind(peer, outbound, false)
	}()

	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.True(t, results[0])
	require.True(t, results[1])

	stored, ok := m.Connection(peer)
	require.True(t, ok)
	require.True(t, stored == inbound || stored == outbound)
	require.Len(t, m.Connections(), 1)

	added, _ := recorder.Counts()
	require.Equal(t, 1, added)
}

func TestManager_Remove_Idempotent(t *testing.T) {
	self := mustAddr(t, "127.0.0.1:5701")
	peer := mustAddr(t, "127.0.0.1:5702")
	m := newTestManager(t, self, nil)

	recorder := &connRecorder{}
	m.AddListener(recorder)

	local, remote := net.Pipe()
	defer remote.Close()

	conn := newConnection(local, m)
	_, err := m.Bind(peer, conn, true)
	require.NoError(t, err)

	m.Remove(conn)
	m.Remove(conn)

	_, ok := m.Connection(peer)
	require.False(t, ok)
	require.False(t, conn.Live())

	added, removed := recorder.Counts()
	require.Equal(t, 1, added)
	require.Equal(t, 1, removed)
}

func TestManager_Shutdown(t *testing.T) {
	self := mustAddr(t, "127.0.0.1:5701")
	peer := mustAddr(t, "127.0.0.1:5702")
	m := newTestManager(t, self, nil)

	local, remote := net.Pipe()
	defer remote.Close()

	conn := newConnection(local, m)
	_, err := m.Bind(peer, conn, true)
	require.NoError(t, err)

	m.Shutdown()

	require.False(t, m.Live())
	require.False(t, conn.Live())
	require.Empty(t, m.Connections())

	_, err = m.GetOrConnect(peer)
	require.ErrorIs(t, err, ErrNotLive)

	local2, remote2 := net.Pipe()
	defer remote2.Close()

	_, err = m.Bind(peer, newConnection(local2, m), true)
	require.ErrorIs(t, err, ErrNotLive)
}

func listenLoopback(t *testing.T) (net.Listener, membership.Address) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { l.Close() })

	addr, err := membership.AddressFromNet(l.Addr())
	require.NoError(t, err)

	return l, addr
}

func TestManager_ConnectAndSend(t *testing.T) {
	l1, addr1 := listenLoopback(t)
	l2, addr2 := listenLoopback(t)

	h1 := &packetRecorder{}
	h2 := &packetRecorder{}

	m1 := newTestManager(t, addr1, h1)
	m2 := newTestManager(t, addr2, h2)

	go m1.Serve(l1)
	go m2.Serve(l2)

	// The packet is queued until the connection is bound.
	require.True(t, m1.Send(addr2, &Packet{Op: OpJoinRequest, Group: "dev"}))

	require.Eventually(t, func() bool {
		_, ok1 := m1.Connection(addr2)
		_, ok2 := m2.Connection(addr1)

		return ok1 && ok2
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(h2.Received()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	p := h2.Received()[0]
	require.Equal(t, OpJoinRequest, p.Op)
	require.Equal(t, "dev", p.Group)
	require.Equal(t, addr1, p.Conn.Endpoint())

	// The reverse direction reuses the inbound connection.
	c, err := m2.GetOrConnect(addr1)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.True(t, c.Send(&Packet{Op: OpMaster}))

	require.Eventually(t, func() bool {
		return len(h1.Received()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Empty(t, h1.Received()[0].Members)
}

func TestManager_FailedConnection(t *testing.T) {
	self := mustAddr(t, "127.0.0.1:5701")

	// Grab a free port and release it, so that nobody listens there.
	l, dead := listenLoopback(t)
	l.Close()

	failed := make(chan membership.Address, 1)

	conf := DefaultConfig()
	conf.Self = membership.Member{Addr: self}
	conf.Joined = func() bool { return false }
	conf.OnFailed = func(addr membership.Address) { failed <- addr }

	m := NewManager(conf)
	defer m.Shutdown()

	c, err := m.GetOrConnect(dead)
	require.NoError(t, err)
	require.Nil(t, c)

	select {
	case addr := <-failed:
		require.Equal(t, dead, addr)
	case <-time.After(5 * time.Second):
		t.Fatal("failure was not reported")
	}

	require.False(t, m.InProgress(dead))
}

func TestManager_FailedConnection_Joined(t *testing.T) {
	self := mustAddr(t, "127.0.0.1:5701")
	peer := mustAddr(t, "127.0.0.1:5702")

	called := false

	conf := DefaultConfig()
	conf.Self = membership.Member{Addr: self}
	conf.Joined = func() bool { return true }
	conf.OnFailed = func(addr membership.Address) { called = true }

	m := NewManager(conf)
	defer m.Shutdown()

	m.FailedConnection(peer)
	require.False(t, called)
}

func TestManager_UnboundPacketsDropped(t *testing.T) {
	self := mustAddr(t, "127.0.0.1:5701")
	h := &packetRecorder{}
	m := newTestManager(t, self, h)

	local, remote := net.Pipe()
	defer remote.Close()

	require.NoError(t, m.Accept(local))

	_, err := remote.Write(EncodeFrame(&Packet{Op: OpJoinRequest}))
	require.NoError(t, err)

	peer := mustAddr(t, "127.0.0.1:5702")
	_, err = remote.Write(EncodeFrame(&Packet{
		Op:      OpBind,
		Members: []membership.Member{{Addr: peer}},
	}))
	require.NoError(t, err)

	_, err = remote.Write(EncodeFrame(&Packet{Op: OpMaster}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.Received()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, OpMaster, h.Received()[0].Op)

	_, ok := m.Connection(peer)
	require.True(t, ok)
}
