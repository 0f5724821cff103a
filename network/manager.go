package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/maps"

	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/metrics"
)

var (
	ErrSelfConnection            = errors.New("connection to self")
	ErrConnectionRefusedByPolicy = errors.New("connection refused by policy")
	ErrNotLive                   = errors.New("connection manager is not live")
)

// Handler processes packets received from bound connections. It is called
// from the reader goroutine of the connection and must not block for long.
type Handler interface {
	HandlePacket(p *Packet)
}

// Policy decides whether the node is allowed to connect to a peer, e.g. to
// avoid reconnecting to a member that is known to be dead.
type Policy interface {
	ShouldConnectTo(addr membership.Address) bool
}

// ConnectionListener is notified when a bound connection is installed or
// removed from the manager.
type ConnectionListener interface {
	ConnectionAdded(c *Connection)
	ConnectionRemoved(c *Connection)
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Manager owns all connections of the node, keyed by the logical address
// of the peer. All state transitions happen under a single lock, so racing
// inbound and outbound connections to the same peer resolve
// deterministically: the first one to bind wins and the other one is
// treated as a harmless duplicate.
type Manager struct {
	mut         sync.Mutex
	self        membership.Member
	live        bool
	connections map[membership.Address]*Connection
	unbound     map[*Connection]struct{}
	inProgress  map[membership.Address]struct{}
	pending     map[membership.Address][]*Packet
	listeners   []ConnectionListener

	policy       Policy
	handler      Handler
	joined       func() bool
	onFailed     func(membership.Address)
	dialer       Dialer
	dialTimeout  time.Duration
	maxFrameSize int
	maxPending   int
	connectq     chan membership.Address
	dialSem      chan struct{}
	stop         chan struct{}
	wg           sync.WaitGroup
	logger       log.Logger
	metrics      *metrics.Metrics
}

// NewManager creates a connection manager and starts its connector
// goroutine. The manager is live until Shutdown is called.
func NewManager(conf Config) *Manager {
	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	if conf.Metrics == nil {
		conf.Metrics = metrics.New(nil)
	}

	if conf.Dialer == nil {
		conf.Dialer = &net.Dialer{}
	}

	defaults := DefaultConfig()

	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaults.DialTimeout
	}

	if conf.MaxConcurrentDials <= 0 {
		conf.MaxConcurrentDials = defaults.MaxConcurrentDials
	}

	if conf.ConnectQueueSize <= 0 {
		conf.ConnectQueueSize = defaults.ConnectQueueSize
	}

	if conf.MaxPendingPackets <= 0 {
		conf.MaxPendingPackets = defaults.MaxPendingPackets
	}

	m := &Manager{
		self:         conf.Self,
		live:         true,
		connections:  make(map[membership.Address]*Connection),
		unbound:      make(map[*Connection]struct{}),
		inProgress:   make(map[membership.Address]struct{}),
		pending:      make(map[membership.Address][]*Packet),
		policy:       conf.Policy,
		handler:      conf.Handler,
		joined:       conf.Joined,
		onFailed:     conf.OnFailed,
		dialer:       conf.Dialer,
		dialTimeout:  conf.DialTimeout,
		maxFrameSize: conf.MaxFrameSize,
		maxPending:   conf.MaxPendingPackets,
		connectq:     make(chan membership.Address, conf.ConnectQueueSize),
		dialSem:      make(chan struct{}, conf.MaxConcurrentDials),
		stop:         make(chan struct{}),
		logger:       log.With(conf.Logger, "component", "connections"),
		metrics:      conf.Metrics,
	}

	m.wg.Add(1)

	go m.connector()

	return m
}

// Self returns the address of the local node.
func (m *Manager) Self() membership.Address {
	return m.self.Addr
}

// AddListener registers a listener for connection events.
func (m *Manager) AddListener(l ConnectionListener) {
	m.mut.Lock()
	defer m.mut.Unlock()

	m.listeners = append(m.listeners, l)
}

// Bind associates the connection with the logical address of the peer. If
// another connection is already bound to the same endpoint, the call still
// succeeds, but the existing connection is kept, so callers must not assume
// their connection is the one stored. Binding to the own address fails
// with ErrSelfConnection. For outbound connections, the Bind packet with
// the own address is queued as the first write.
func (m *Manager) Bind(endpoint membership.Address, c *Connection, accept bool) (bool, error) {
	m.mut.Lock()

	if !m.live {
		m.mut.Unlock()
		return false, ErrNotLive
	}

	if endpoint == m.self.Addr {
		m.mut.Unlock()
		return false, ErrSelfConnection
	}

	c.setEndpoint(endpoint)
	delete(m.unbound, c)

	if existing, ok := m.connections[endpoint]; ok && existing != c {
		delete(m.inProgress, endpoint)
		m.mut.Unlock()

		level.Debug(m.logger).Log("msg", "two connections from the same endpoint", "endpoint", endpoint, "accept", accept)

		return true, nil
	}

	if !accept {
		c.Send(&Packet{
			Op:      OpBind,
			Members: []membership.Member{m.self},
		})
	}

	m.connections[endpoint] = c
	delete(m.inProgress, endpoint)

	for _, p := range m.pending[endpoint] {
		c.Send(p)
	}

	delete(m.pending, endpoint)

	listeners := append([]ConnectionListener{}, m.listeners...)
	m.mut.Unlock()

	m.metrics.Connections.Inc()
	level.Info(m.logger).Log("msg", "connection bound", "endpoint", endpoint, "accept", accept)

	for _, l := range listeners {
		l.ConnectionAdded(c)
	}

	return true, nil
}

// GetOrConnect returns the live connection to the given address. If there
// is none, it schedules an asynchronous connection attempt and returns nil
// immediately. The caller is expected to poll or to subscribe for
// connection events.
func (m *Manager) GetOrConnect(addr membership.Address) (*Connection, error) {
	m.mut.Lock()

	if !m.live {
		m.mut.Unlock()
		return nil, ErrNotLive
	}

	if addr == m.self.Addr {
		m.mut.Unlock()
		return nil, ErrSelfConnection
	}

	if c, ok := m.connections[addr]; ok && c.Live() {
		m.mut.Unlock()
		return c, nil
	}

	if m.policy != nil && !m.policy.ShouldConnectTo(addr) {
		m.mut.Unlock()
		return nil, ErrConnectionRefusedByPolicy
	}

	if _, ok := m.inProgress[addr]; ok {
		m.mut.Unlock()
		return nil, nil
	}

	m.inProgress[addr] = struct{}{}
	m.mut.Unlock()

	select {
	case m.connectq <- addr:
	default:
		level.Warn(m.logger).Log("msg", "connect queue is full", "addr", addr)
		m.FailedConnection(addr)
	}

	return nil, nil
}

// Connection returns the connection bound to the address, if any.
func (m *Manager) Connection(addr membership.Address) (*Connection, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	c, ok := m.connections[addr]

	return c, ok
}

// Connections returns all bound connections.
func (m *Manager) Connections() []*Connection {
	m.mut.Lock()
	defer m.mut.Unlock()

	return maps.Values(m.connections)
}

// InProgress reports whether a connection attempt to the address is ongoing.
func (m *Manager) InProgress(addr membership.Address) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	_, ok := m.inProgress[addr]

	return ok
}

// FailedConnection is called when a connection attempt could not be
// completed. Until the node has joined the cluster, the address is reported
// back to the join process, so that it can give up on the candidate.
func (m *Manager) FailedConnection(addr membership.Address) {
	m.mut.Lock()
	delete(m.inProgress, addr)
	dropped := len(m.pending[addr])
	delete(m.pending, addr)
	m.mut.Unlock()

	if dropped > 0 {
		m.metrics.PacketsDropped.Add(float64(dropped))
	}

	if m.joined != nil && !m.joined() && m.onFailed != nil {
		m.onFailed(addr)
	}
}

// Remove removes the connection from the manager and closes it. It is safe
// to call it multiple times or with a connection that was never bound.
func (m *Manager) Remove(c *Connection) {
	m.mut.Lock()

	removed := false
	endpoint := c.Endpoint()

	if existing, ok := m.connections[endpoint]; ok && existing == c {
		delete(m.connections, endpoint)
		removed = true
	}

	delete(m.unbound, c)

	listeners := append([]ConnectionListener{}, m.listeners...)
	m.mut.Unlock()

	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		level.Debug(m.logger).Log("msg", "failed to close connection", "endpoint", endpoint, "err", err)
	}

	if !removed {
		return
	}

	m.metrics.Connections.Dec()
	level.Info(m.logger).Log("msg", "connection removed", "endpoint", endpoint)

	for _, l := range listeners {
		l.ConnectionRemoved(c)
	}
}

// Send delivers the packet to the given member. If there is no connection
// yet, the packet is kept until the connection is bound, and a connection
// attempt is started. Returns false if the packet has been dropped.
func (m *Manager) Send(addr membership.Address, p *Packet) bool {
	m.mut.Lock()

	if !m.live {
		m.mut.Unlock()
		return false
	}

	if c, ok := m.connections[addr]; ok && c.Live() {
		m.mut.Unlock()
		return c.Send(p)
	}

	if len(m.pending[addr]) >= m.maxPending {
		m.mut.Unlock()
		m.metrics.PacketsDropped.Inc()

		return false
	}

	m.pending[addr] = append(m.pending[addr], p)
	m.mut.Unlock()

	if _, err := m.GetOrConnect(addr); err != nil {
		m.mut.Lock()
		delete(m.pending, addr)
		m.mut.Unlock()

		level.Debug(m.logger).Log("msg", "packet not sent", "addr", addr, "op", p.Op, "err", err)

		return false
	}

	return true
}

// Accept takes ownership of an inbound socket. The connection stays unbound
// until the peer sends the Bind packet.
func (m *Manager) Accept(conn net.Conn) error {
	m.mut.Lock()

	if !m.live {
		m.mut.Unlock()
		conn.Close()

		return ErrNotLive
	}

	c := newConnection(conn, m)
	m.unbound[c] = struct{}{}
	m.mut.Unlock()

	c.start()

	return nil
}

// Serve accepts inbound connections until the listener is closed.
func (m *Manager) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		if err := m.Accept(conn); err != nil {
			return nil
		}
	}
}

// Live returns false after Shutdown.
func (m *Manager) Live() bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	return m.live
}

// Shutdown closes all connections. Any subsequent attempts to bind or to
// connect fail with ErrNotLive.
func (m *Manager) Shutdown() {
	m.mut.Lock()

	if !m.live {
		m.mut.Unlock()
		return
	}

	m.live = false

	conns := maps.Values(m.connections)
	conns = append(conns, maps.Keys(m.unbound)...)

	m.connections = make(map[membership.Address]*Connection)
	m.unbound = make(map[*Connection]struct{})
	m.inProgress = make(map[membership.Address]struct{})
	m.pending = make(map[membership.Address][]*Packet)
	m.mut.Unlock()

	close(m.stop)

	for _, c := range conns {
		c.Close()
	}

	m.metrics.Connections.Set(0)
	m.wg.Wait()

	for _, c := range conns {
		c.wg.Wait()
	}
}

func (m *Manager) dispatch(c *Connection, p *Packet) {
	if p.Op == OpBind {
		m.handleBind(c, p)
		return
	}

	if c.Endpoint().IsZero() {
		level.Warn(m.logger).Log("msg", "packet from unbound connection", "op", p.Op, "conn", c)
		return
	}

	p.From = c.Endpoint()

	if m.handler != nil {
		m.handler.HandlePacket(p)
	}
}

func (m *Manager) handleBind(c *Connection, p *Packet) {
	if !c.Endpoint().IsZero() {
		level.Warn(m.logger).Log("msg", "connection is already bound", "conn", c)
		return
	}

	if len(p.Members) == 0 || p.Members[0].Addr.IsZero() {
		level.Warn(m.logger).Log("msg", "bind packet without address", "conn", c)
		c.Close()

		return
	}

	if _, err := m.Bind(p.Members[0].Addr, c, true); err != nil {
		level.Warn(m.logger).Log("msg", "failed to bind inbound connection", "conn", c, "err", err)
		c.Close()
	}
}

func (m *Manager) connector() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stop:
			return
		case addr := <-m.connectq:
			select {
			case m.dialSem <- struct{}{}:
			case <-m.stop:
				return
			}

			m.wg.Add(1)

			go func() {
				defer m.wg.Done()
				defer func() { <-m.dialSem }()

				m.connect(addr)
			}()
		}
	}
}

func (m *Manager) connect(addr membership.Address) {
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()

	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.metrics.ConnectAttempts.Inc()

	conn, err := m.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		m.metrics.ConnectFailures.Inc()
		level.Debug(m.logger).Log("msg", "connection attempt failed", "addr", addr, "err", err)
		m.FailedConnection(addr)

		return
	}

	c := newConnection(conn, m)

	if _, err := m.Bind(addr, c, false); err != nil {
		level.Debug(m.logger).Log("msg", "failed to bind outbound connection", "addr", addr, "err", err)
		c.Close()
		m.FailedConnection(addr)

		return
	}

	if stored, ok := m.Connection(addr); !ok || stored != c {
		// Lost the race to an inbound connection from the same peer.
		c.Close()
		return
	}

	c.start()
}
