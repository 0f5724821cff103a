package join

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/metrics"
)

var (
	ErrInvalidRequiredMember = errors.New("invalid required member")
	ErrNoMulticaster         = errors.New("multicast discovery is enabled but no multicaster is set")
)

// State is the stage of the join process.
type State int32

const (
	StateUnbound State = iota
	StateDiscovering
	StateAwaitingMaster
	StateConnectingToMaster
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateDiscovering:
		return "discovering"
	case StateAwaitingMaster:
		return "awaiting_master"
	case StateConnectingToMaster:
		return "connecting_to_master"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// FinalizeFunc is called every time the node has joined the cluster.
type FinalizeFunc func(ctx context.Context, rejoin bool)

// Coordinator drives the local node from having a bound socket to being a
// recognized cluster member with a known master.
type Coordinator struct {
	conf     Config
	timing   Timing
	self     membership.Member
	conns    ConnectionProvider
	sink     MembershipSink
	mcast    Multicaster
	resolver Resolver
	patterns Patterns
	failed   chan membership.Address
	state    atomic.Int32
	logger   log.Logger
	metrics  *metrics.Metrics

	mut       sync.Mutex
	finalizer []FinalizeFunc
}

type Option func(*Coordinator)

func WithMulticaster(m Multicaster) Option {
	return func(c *Coordinator) {
		c.mcast = m
	}
}

func WithResolver(r Resolver) Option {
	return func(c *Coordinator) {
		c.resolver = r
	}
}

func WithLogger(logger log.Logger) Option {
	return func(c *Coordinator) {
		c.logger = log.With(logger, "component", "join")
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func New(
	conf Config,
	self membership.Member,
	conns ConnectionProvider,
	sink MembershipSink,
	opts ...Option,
) (*Coordinator, error) {
	patterns, err := ParsePatterns(conf.Interfaces.Patterns)
	if err != nil {
		return nil, err
	}

	timing := conf.Timing
	if timing == (Timing{}) {
		timing = DefaultTiming()
	}

	c := &Coordinator{
		conf:     conf,
		timing:   timing,
		self:     self,
		conns:    conns,
		sink:     sink,
		patterns: patterns,
		resolver: net.DefaultResolver,
		failed:   make(chan membership.Address, 1024),
		logger:   log.NewNopLogger(),
		metrics:  metrics.New(nil),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// OnJoined registers a function called after each successful join.
func (c *Coordinator) OnJoined(fn FinalizeFunc) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.finalizer = append(c.finalizer, fn)
}

// State returns the current stage of the join process.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		level.Debug(c.logger).Log("msg", "join state changed", "from", old, "to", s)
	}
}

// FailedConnection reports a candidate that could not be connected to. It
// never blocks.
func (c *Coordinator) FailedConnection(addr membership.Address) {
	select {
	case c.failed <- addr:
	default:
	}
}

// Join blocks until the node has joined the cluster. Network errors are
// retried indefinitely; only configuration errors and context cancellation
// are returned.
func (c *Coordinator) Join(ctx context.Context) error {
	return c.join(ctx, false)
}

// ReJoin runs the join process again, e.g. after the node has lost its
// connection to the rest of the cluster.
func (c *Coordinator) ReJoin(ctx context.Context) error {
	c.setState(StateDiscovering)
	return c.join(ctx, true)
}

func (c *Coordinator) join(ctx context.Context, rejoin bool) error {
	c.drainFailed()

	for !c.sink.Joined() {
		c.setState(StateDiscovering)

		var err error

		switch {
		case c.conf.Multicast.Enabled:
			err = c.joinWithMulticast(ctx)
		case c.conf.TCP.Enabled && c.conf.TCP.RequiredMember != "":
			err = c.joinViaRequiredMember(ctx)
		case c.conf.TCP.Enabled:
			err = c.joinViaPossibleMembers(ctx)
		default:
			err = c.becomeMaster(ctx)
		}

		if err != nil {
			c.setState(StateUnbound)
			return err
		}
	}

	c.setState(StateJoined)

	if c.sink.Size() > 1 {
		level.Info(c.logger).Log("msg", "joined the cluster", "members", c.sink.String())
	}

	c.mut.Lock()
	finalizers := append([]FinalizeFunc{}, c.finalizer...)
	c.mut.Unlock()

	for _, fn := range finalizers {
		fn(ctx, rejoin)
	}

	return nil
}

func (c *Coordinator) becomeMaster(ctx context.Context) error {
	if err := c.sink.BecomeMaster(ctx); err != nil {
		return fmt.Errorf("failed to become master: %w", err)
	}

	level.Info(c.logger).Log("msg", "no existing cluster found, acting as master", "addr", c.self.Addr)

	return nil
}

func (c *Coordinator) joinWithMulticast(ctx context.Context) error {
	if c.mcast == nil {
		return ErrNoMulticaster
	}

	master, ok, err := c.findMaster(ctx)
	if err != nil {
		return err
	}

	if !ok || master == c.self.Addr {
		return c.becomeMaster(ctx)
	}

	c.setState(StateConnectingToMaster)

	for !c.sink.Joined() {
		master, ok := c.sink.Master()
		if !ok {
			// The master is gone, start over.
			return nil
		}

		if master == c.self.Addr {
			return c.becomeMaster(ctx)
		}

		if err := c.joinExisting(ctx, master); err != nil {
			return err
		}

		if err := sleep(ctx, c.timing.MasterRetryInterval); err != nil {
			return err
		}
	}

	return nil
}

func (c *Coordinator) findMaster(ctx context.Context) (membership.Address, bool, error) {
	info := JoinInfo{
		Addr:          c.self.Addr,
		GroupName:     c.conf.GroupName,
		GroupPassword: c.conf.GroupPassword,
		NodeType:      c.self.Type,
		Request:       true,
	}

	for i := 0; i < c.timing.MulticastAttempts; i++ {
		if err := c.mcast.Send(info); err != nil {
			level.Debug(c.logger).Log("msg", "multicast send failed", "err", err)
		}

		if master, ok := c.sink.Master(); ok {
			return master, true, nil
		}

		if err := sleep(ctx, c.timing.MulticastBackoff); err != nil {
			return membership.Address{}, false, err
		}
	}

	master, ok := c.sink.Master()

	return master, ok, nil
}

// joinExisting connects to the master and sends it a join request once the
// connection is there.
func (c *Coordinator) joinExisting(ctx context.Context, master membership.Address) error {
	conn, err := c.conns.GetOrConnect(master)
	if err != nil {
		level.Debug(c.logger).Log("msg", "cannot connect to master", "master", master, "err", err)
		return nil
	}

	if conn == nil {
		if err := sleep(ctx, c.timing.ConnectBackoff); err != nil {
			return err
		}

		conn, _ = c.conns.Connection(master)
	}

	if conn != nil {
		c.sendJoinRequest(master)
	}

	return nil
}

func (c *Coordinator) joinViaRequiredMember(ctx context.Context) error {
	addr, err := c.requiredMember(ctx)
	if err != nil {
		level.Error(c.logger).Log("msg", "cannot resolve required member", "member", c.conf.TCP.RequiredMember, "err", err)
		return err
	}

	if addr == c.self.Addr {
		return c.becomeMaster(ctx)
	}

	c.setState(StateConnectingToMaster)
	level.Debug(c.logger).Log("msg", "joining via required member", "member", addr)

	for {
		conn, err := c.conns.GetOrConnect(addr)
		if err != nil {
			level.Debug(c.logger).Log("msg", "cannot connect to required member", "member", addr, "err", err)
		}

		if conn != nil {
			break
		}

		if err := sleep(ctx, c.timing.ConnectBackoff); err != nil {
			return err
		}
	}

	for !c.sink.Joined() {
		if conn, _ := c.conns.GetOrConnect(addr); conn == nil {
			// Lost the connection, resolve the member again.
			return nil
		}

		c.sendJoinRequest(addr)

		if err := sleep(ctx, c.timing.RetryInterval); err != nil {
			return err
		}
	}

	return nil
}

func (c *Coordinator) joinViaPossibleMembers(ctx context.Context) error {
	candidates := c.possibleMembers(ctx)

	for _, addr := range candidates {
		level.Debug(c.logger).Log("msg", "connecting to candidate", "addr", addr)

		if _, err := c.conns.GetOrConnect(addr); err != nil {
			level.Debug(c.logger).Log("msg", "cannot connect to candidate", "addr", addr, "err", err)
		}
	}

	found := false

	for elapsed := 0; !found && elapsed < c.conf.TCP.ConnectionTimeoutSeconds; elapsed++ {
		candidates = c.pruneFailed(candidates)
		if len(candidates) == 0 {
			break
		}

		if err := sleep(ctx, c.timing.PollInterval); err != nil {
			return err
		}

		found = c.sendJoinRequests(candidates) > 0
	}

	if !found {
		return c.becomeMaster(ctx)
	}

	c.setState(StateAwaitingMaster)

	for !c.sink.Joined() {
		candidates = c.pruneFailed(candidates)
		c.sendJoinRequests(candidates)

		if master, ok := c.sink.Master(); ok && master != c.self.Addr && !slices.Contains(candidates, master) {
			if err := c.joinExisting(ctx, master); err != nil {
				return err
			}
		}

		if err := sleep(ctx, c.timing.RetryInterval); err != nil {
			return err
		}

		if c.sink.Joined() {
			break
		}

		if _, ok := c.sink.Master(); !ok && c.isMasterCandidate(candidates) {
			return c.becomeMaster(ctx)
		}
	}

	return nil
}

// sendJoinRequests sends join requests to the connected candidates, at most
// MaxJoinRequests of them per call. Connection attempts are still made to
// the rest. Returns the number of requests sent.
func (c *Coordinator) sendJoinRequests(candidates []membership.Address) int {
	sent := 0

	for _, addr := range candidates {
		conn, err := c.conns.GetOrConnect(addr)
		if err != nil || conn == nil {
			continue
		}

		if sent < c.timing.MaxJoinRequests && c.sendJoinRequest(addr) {
			sent++
		}
	}

	return sent
}

func (c *Coordinator) sendJoinRequest(addr membership.Address) bool {
	level.Debug(c.logger).Log("msg", "sending join request", "to", addr)
	c.metrics.JoinRequests.Inc()

	return c.sink.SendJoinRequest(addr)
}

// isMasterCandidate tells whether the local node orders before every other
// candidate. All nodes that see the same candidates agree on the winner.
func (c *Coordinator) isMasterCandidate(candidates []membership.Address) bool {
	for _, addr := range candidates {
		if c.self.Addr.Compare(addr) > 0 {
			return false
		}
	}

	return true
}

func (c *Coordinator) pruneFailed(candidates []membership.Address) []membership.Address {
	for {
		select {
		case addr := <-c.failed:
			if i := slices.Index(candidates, addr); i >= 0 {
				level.Debug(c.logger).Log("msg", "candidate is unreachable", "addr", addr)
				candidates = slices.Delete(candidates, i, i+1)
			}
		default:
			return candidates
		}
	}
}

func (c *Coordinator) drainFailed() {
	for {
		select {
		case <-c.failed:
		default:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
