package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/grid/catalog"
	"github.com/maxpoletaev/grid/executor"
	"github.com/maxpoletaev/grid/join"
	"github.com/maxpoletaev/grid/ledger"
	"github.com/maxpoletaev/grid/listener"
	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/metrics"
	"github.com/maxpoletaev/grid/network"
	"github.com/maxpoletaev/grid/partition"
)

// Node is a single member of a cluster: it owns the listening socket, the
// connections to other members, the membership view and the replicated
// services built on top of them. Membership changes and packets from other
// members are processed one at a time on the service goroutine.
type Node struct {
	conf    Config
	self    membership.Member
	logger  log.Logger
	metrics *metrics.Metrics

	listener  net.Listener
	exec      *executor.Serial
	members   *membership.Memberlist
	conns     *network.Manager
	coord     *join.Coordinator
	mcast     *join.MulticastService
	owners    *partition.HashResolver
	ledger    *ledger.Ledger
	catalog   *catalog.Catalog
	listeners *listener.Registry

	mut  sync.Mutex
	dead map[membership.Address]time.Time

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New binds the listening socket and wires the node together. The node does
// not accept connections nor join anyone until Start is called.
func New(ctx context.Context, conf Config) (*Node, error) {
	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	if conf.SyncTimeout <= 0 {
		conf.SyncTimeout = DefaultConfig().SyncTimeout
	}

	logger := log.With(conf.Logger, "node", conf.Name)

	addr, l, err := join.PickAddress(ctx, join.BindConfig{
		Addr:              conf.BindAddr,
		Port:              conf.Join.Port,
		PortAutoIncrement: conf.PortAutoIncrement,
		Interfaces:        conf.Join.Interfaces,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to pick address: %w", err)
	}

	n := &Node{
		conf:     conf,
		self:     membership.Member{Addr: addr, Type: conf.NodeType, Local: true},
		logger:   logger,
		metrics:  metrics.New(conf.Registerer),
		listener: l,
		dead:     make(map[membership.Address]time.Time),
	}

	n.exec = executor.NewSerial("service", logger)
	n.metrics.WatchQueue(conf.Registerer, n.exec.Len)
	n.members = membership.New(n.self, logger)

	netConf := conf.Network
	netConf.Self = n.self
	netConf.Policy = n
	netConf.Handler = n
	netConf.Joined = n.members.Joined
	netConf.OnFailed = n.connectionFailed
	netConf.Logger = logger
	netConf.Metrics = n.metrics

	n.conns = network.NewManager(netConf)
	n.conns.AddListener(n)

	opts := []join.Option{
		join.WithLogger(logger),
		join.WithMetrics(n.metrics),
	}

	if conf.Join.Multicast.Enabled {
		n.mcast, err = join.ListenMulticast(conf.Join, n.self, n.members, logger)
		if err != nil {
			n.close()
			return nil, err
		}

		opts = append(opts, join.WithMulticaster(n.mcast))
	}

	n.coord, err = join.New(conf.Join, n.self, n.conns, &membershipSink{n}, opts...)
	if err != nil {
		n.close()
		return nil, err
	}

	n.coord.OnJoined(n.finalizeJoin)

	n.owners = partition.NewHashResolver(n.members, conf.PartitionCount)
	n.ledger = ledger.New(proxiesLedger, n.members, n.conns, logger)

	n.catalog = catalog.New(n.exec, n.ledger, catalog.Config{
		Factory: conf.Factory,
		Cleaner: conf.Cleaner,
		Debug:   conf.Debug,
		Logger:  logger,
		Metrics: n.metrics,
	})

	n.listeners = listener.New(
		n.exec, n.members, n.owners, n.conns,
		listener.WithLogger(logger),
		listener.WithMetrics(n.metrics),
	)

	return n, nil
}

// Start accepts connections from other members and blocks until the node
// has joined the cluster.
func (n *Node) Start(ctx context.Context) error {
	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		if err := n.conns.Serve(n.listener); err != nil {
			level.Error(n.logger).Log("msg", "stopped accepting connections", "err", err)
		}
	}()

	level.Info(n.logger).Log("msg", "node started", "addr", n.self.Addr, "type", n.self.Type)

	return n.coord.Join(ctx)
}

// ReJoin leaves the current cluster view and runs the join process again.
// Listener registrations are sent again once the node has joined.
func (n *Node) ReJoin(ctx context.Context) error {
	err := executor.Do(ctx, n.exec, func() error {
		n.members.Leave()
		n.metrics.Members.Set(0)

		return nil
	})
	if err != nil {
		return err
	}

	level.Info(n.logger).Log("msg", "rejoining the cluster")

	return n.coord.ReJoin(ctx)
}

// Shutdown closes all connections and stops the node. It is safe to call
// more than once.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.close()
		n.wg.Wait()

		level.Info(n.logger).Log("msg", "node stopped", "addr", n.self.Addr)
	})
}

func (n *Node) close() {
	if n.mcast != nil {
		if err := n.mcast.Close(); err != nil {
			level.Warn(n.logger).Log("msg", "failed to close multicast socket", "err", err)
		}
	}

	if err := n.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		level.Warn(n.logger).Log("msg", "failed to close listener", "err", err)
	}

	n.conns.Shutdown()
	n.exec.Stop()

	if n.catalog != nil {
		n.catalog.Close()
	}

	if n.listeners != nil {
		n.listeners.Close()
	}

	n.members.Leave()
}

func (n *Node) Name() string {
	return n.conf.Name
}

// Addr returns the address other members connect to.
func (n *Node) Addr() membership.Address {
	return n.self.Addr
}

func (n *Node) Self() membership.Member {
	return n.self
}

func (n *Node) Joined() bool {
	return n.members.Joined()
}

func (n *Node) Master() (membership.Address, bool) {
	return n.members.Master()
}

func (n *Node) IsMaster() bool {
	return n.members.IsMaster()
}

// Members returns the current member list in join order, master first.
func (n *Node) Members() []membership.Member {
	return n.members.Members()
}

// State returns the stage of the join process.
func (n *Node) State() join.State {
	return n.coord.State()
}

func (n *Node) Catalog() *catalog.Catalog {
	return n.catalog
}

func (n *Node) Listeners() *listener.Registry {
	return n.listeners
}

// Owner returns the member owning the partition of the key.
func (n *Node) Owner(key []byte) (membership.Address, bool) {
	return n.owners.Owner(key)
}

func (n *Node) Map(ctx context.Context, name string) (catalog.Instance, error) {
	return n.catalog.GetOrCreate(ctx, catalog.MapKey(name))
}

func (n *Node) Queue(ctx context.Context, name string) (catalog.Instance, error) {
	return n.catalog.GetOrCreate(ctx, catalog.QueueKey(name))
}

func (n *Node) Topic(ctx context.Context, name string) (catalog.Instance, error) {
	return n.catalog.GetOrCreate(ctx, catalog.TopicKey(name))
}

func (n *Node) Set(ctx context.Context, name string) (catalog.Instance, error) {
	return n.catalog.GetOrCreate(ctx, catalog.SetKey(name))
}

func (n *Node) List(ctx context.Context, name string) (catalog.Instance, error) {
	return n.catalog.GetOrCreate(ctx, catalog.ListKey(name))
}

func (n *Node) MultiMap(ctx context.Context, name string) (catalog.Instance, error) {
	return n.catalog.GetOrCreate(ctx, catalog.MultiMapKey(name))
}

func (n *Node) IDGenerator(ctx context.Context, name string) (catalog.Instance, error) {
	return n.catalog.GetOrCreate(ctx, catalog.IDGeneratorKey(name))
}

// Lock returns the cluster-wide lock guarding the given object.
func (n *Node) Lock(ctx context.Context, object string) (catalog.Instance, error) {
	return n.catalog.GetOrCreate(ctx, catalog.LockKey(object))
}

// Instances returns all proxies known to the node, including those created
// by other members.
func (n *Node) Instances() []catalog.Instance {
	return n.catalog.Instances()
}

// Subscribe registers a listener for events of a distributed object.
func (n *Node) Subscribe(ctx context.Context, item listener.Item) error {
	return n.listeners.Subscribe(ctx, item)
}

func (n *Node) Unsubscribe(ctx context.Context, name string, subscriber any, key []byte) (int, error) {
	return n.listeners.Unsubscribe(ctx, name, subscriber, key)
}

// Publish delivers the event to every member that has subscribed to it.
func (n *Node) Publish(ctx context.Context, ev listener.Event) error {
	return n.listeners.Publish(ctx, ev)
}
