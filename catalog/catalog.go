package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/maps"

	"github.com/maxpoletaev/grid/executor"
	"github.com/maxpoletaev/grid/ledger"
	"github.com/maxpoletaev/grid/metrics"
)

var (
	ErrOffServiceThread  = errors.New("catalog mutated outside of the service goroutine")
	ErrIllegalTransition = errors.New("illegal instance state transition")
)

// State is the lifecycle stage of a single instance on the local node.
type State uint8

const (
	StateAbsent State = iota
	StateConstructing
	StatePresent
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConstructing:
		return "constructing"
	case StatePresent:
		return "present"
	case StateDestroying:
		return "destroying"
	default:
		return "unknown"
	}
}

// Ledger is the replicated set of keys of existing instances.
type Ledger interface {
	Put(ctx context.Context, key string) error
	Remove(ctx context.Context, key string) error
	Keys() []string
	Sync(ctx context.Context) error
	Watch(fn ledger.WatchFunc)
}

// Cleaner removes the auxiliary records some objects keep outside of their
// own storage, such as the owner of a lock or the high-water mark of an id
// generator.
type Cleaner interface {
	Cleanup(ctx context.Context, key ProxyKey) error
}

// InstanceListener is notified about instances created and destroyed on the
// local node. Notifications are delivered on a separate goroutine, in order.
type InstanceListener interface {
	InstanceCreated(inst Instance)
	InstanceDestroyed(inst Instance)
}

type Config struct {
	// Factory constructs local proxies. Defaults to NewProxy.
	Factory Factory

	// Cleaner is called before a lock or an id generator is destroyed.
	// Optional.
	Cleaner Cleaner

	// Debug turns invariant violations into panics.
	Debug bool

	Logger  log.Logger
	Metrics *metrics.Metrics
}

// Catalog keeps the local proxies of distributed objects in line with the
// cluster-wide ledger. Proxies are only ever constructed and destroyed on
// the service goroutine; callers block until their request is processed.
type Catalog struct {
	exec    *executor.Serial
	events  *executor.Serial
	ledger  Ledger
	factory Factory
	cleaner Cleaner
	debug   bool
	logger  log.Logger
	metrics *metrics.Metrics

	inService atomic.Bool

	// Owned by the service goroutine.
	states map[ProxyKey]State

	mut       sync.RWMutex
	proxies   map[ProxyKey]Instance
	listeners []InstanceListener
}

func New(exec *executor.Serial, l Ledger, conf Config) *Catalog {
	if conf.Logger == nil {
		conf.Logger = log.NewNopLogger()
	}

	if conf.Metrics == nil {
		conf.Metrics = metrics.New(nil)
	}

	if conf.Factory == nil {
		conf.Factory = NewProxy
	}

	logger := log.With(conf.Logger, "component", "catalog")

	c := &Catalog{
		exec:    exec,
		events:  executor.NewSerial("instance-events", logger),
		ledger:  l,
		factory: conf.Factory,
		cleaner: conf.Cleaner,
		debug:   conf.Debug,
		logger:  logger,
		metrics: conf.Metrics,
		states:  make(map[ProxyKey]State),
		proxies: make(map[ProxyKey]Instance),
	}

	l.Watch(c.ledgerChanged)

	return c
}

// AddInstanceListener registers a listener for instance events.
func (c *Catalog) AddInstanceListener(l InstanceListener) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.listeners = append(c.listeners, l)
}

// Instance returns the local proxy if it exists.
func (c *Catalog) Instance(key ProxyKey) (Instance, bool) {
	c.mut.RLock()
	defer c.mut.RUnlock()

	inst, ok := c.proxies[key]

	return inst, ok
}

// Instances returns all local proxies ordered by key.
func (c *Catalog) Instances() []Instance {
	c.mut.RLock()
	instances := maps.Values(c.proxies)
	c.mut.RUnlock()

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Key().Encode() < instances[j].Key().Encode()
	})

	return instances
}

// GetOrCreate returns the local proxy for the key, constructing it if
// needed. A newly constructed proxy is published to the ledger, so that
// other members create their proxies as well. The publish happens on the
// service goroutine together with the construction, so it is not lost when
// ctx expires before the queued construction runs.
func (c *Catalog) GetOrCreate(ctx context.Context, key ProxyKey) (Instance, error) {
	if _, ok := key.Kind(); !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}

	if inst, ok := c.Instance(key); ok {
		return inst, nil
	}

	return call(ctx, c, func() (Instance, error) {
		inst, created, err := c.construct(key)
		if err != nil {
			return nil, err
		}

		if created {
			c.publish(key)
		}

		return inst, nil
	})
}

// publish adds the key to the ledger. It must not depend on the context of
// the caller that triggered the construction.
func (c *Catalog) publish(key ProxyKey) {
	if err := c.ledger.Put(context.Background(), key.Encode()); err != nil {
		level.Warn(c.logger).Log("msg", "failed to publish instance", "key", key, "err", err)
	}
}

// Destroy removes the instance cluster-wide. Auxiliary records are cleaned
// up first, then the key is removed from the ledger, and finally the local
// proxy is destroyed.
func (c *Catalog) Destroy(ctx context.Context, key ProxyKey) error {
	kind, ok := key.Kind()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}

	if c.cleaner != nil && (kind == KindLock || kind == KindIDGenerator) {
		if err := c.cleaner.Cleanup(ctx, key); err != nil {
			return fmt.Errorf("failed to clean up %s: %w", key, err)
		}
	}

	if err := c.ledger.Remove(ctx, key.Encode()); err != nil {
		level.Warn(c.logger).Log("msg", "failed to unpublish instance", "key", key, "err", err)
	}

	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.destroy(key)
	})

	return err
}

// CatchUp pulls the ledger snapshot from the master and constructs the
// instances that existed in the cluster before the local node joined.
func (c *Catalog) CatchUp(ctx context.Context) error {
	if err := c.ledger.Sync(ctx); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}

	missing := 0

	for _, s := range c.ledger.Keys() {
		key, err := DecodeKey(s)
		if err != nil {
			level.Warn(c.logger).Log("msg", "skipping invalid ledger key", "err", err)
			continue
		}

		if _, ok := c.Instance(key); !ok {
			c.submit(func() { c.constructRemote(key) })
			missing++
		}
	}

	level.Debug(c.logger).Log("msg", "catalog caught up", "missing", missing)

	return nil
}

// Close stops the delivery of instance events.
func (c *Catalog) Close() {
	c.events.Stop()
}

func (c *Catalog) ledgerChanged(ev ledger.Event) {
	if ev.Local {
		return
	}

	key, err := DecodeKey(ev.Key)
	if err != nil {
		level.Warn(c.logger).Log("msg", "invalid key in ledger event", "origin", ev.Origin, "err", err)
		return
	}

	switch ev.Type {
	case ledger.EventAdded:
		c.submit(func() { c.constructRemote(key) })
	case ledger.EventRemoved:
		c.submit(func() {
			if err := c.destroy(key); err != nil {
				level.Warn(c.logger).Log("msg", "failed to destroy instance", "key", key, "err", err)
			}
		})
	}
}

func (c *Catalog) constructRemote(key ProxyKey) {
	if _, _, err := c.construct(key); err != nil {
		level.Warn(c.logger).Log("msg", "failed to construct instance", "key", key, "err", err)
	}
}

// construct creates the local proxy unless it already exists. The second
// return value is true if the proxy has been created by this call.
func (c *Catalog) construct(key ProxyKey) (Instance, bool, error) {
	c.checkService("construct", key)

	switch state := c.states[key]; state {
	case StatePresent:
		inst, _ := c.Instance(key)
		return inst, false, nil
	case StateConstructing, StateDestroying:
		err := fmt.Errorf("%w: construct %s while %s", ErrIllegalTransition, key, state)
		c.violation(err)

		return nil, false, err
	}

	c.states[key] = StateConstructing

	defer func() {
		if c.states[key] == StateConstructing {
			delete(c.states, key)
		}
	}()

	inst, err := c.factory(c, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to construct %s: %w", key, err)
	}

	c.mut.Lock()
	c.proxies[key] = inst
	c.mut.Unlock()

	c.states[key] = StatePresent

	kind, _ := key.Kind()
	c.metrics.Instances.WithLabelValues(kind.String()).Inc()
	level.Debug(c.logger).Log("msg", "instance created", "key", key)

	c.notify(inst, true)

	return inst, true, nil
}

// destroy removes the local proxy. Destroying an absent instance is a no-op.
func (c *Catalog) destroy(key ProxyKey) error {
	c.checkService("destroy", key)

	switch state := c.states[key]; state {
	case StateAbsent:
		return nil
	case StateConstructing, StateDestroying:
		err := fmt.Errorf("%w: destroy %s while %s", ErrIllegalTransition, key, state)
		c.violation(err)

		return err
	}

	c.states[key] = StateDestroying

	c.mut.Lock()
	inst := c.proxies[key]
	delete(c.proxies, key)
	c.mut.Unlock()

	delete(c.states, key)

	kind, _ := key.Kind()
	c.metrics.Instances.WithLabelValues(kind.String()).Dec()
	level.Debug(c.logger).Log("msg", "instance destroyed", "key", key)

	c.notify(inst, false)

	return nil
}

func (c *Catalog) notify(inst Instance, created bool) {
	c.mut.RLock()
	listeners := append([]InstanceListener{}, c.listeners...)
	c.mut.RUnlock()

	if len(listeners) == 0 {
		return
	}

	c.events.Submit(func() {
		for _, l := range listeners {
			if created {
				l.InstanceCreated(inst)
			} else {
				l.InstanceDestroyed(inst)
			}
		}
	})
}

func (c *Catalog) checkService(op string, key ProxyKey) {
	if !c.inService.Load() {
		c.violation(fmt.Errorf("%w: %s %s", ErrOffServiceThread, op, key))
	}
}

func (c *Catalog) violation(err error) {
	if c.debug {
		panic(err)
	}

	level.Error(c.logger).Log("msg", "catalog invariant violated", "err", err)
}

// submit enqueues fn on the service goroutine without waiting for it.
func (c *Catalog) submit(fn func()) {
	ok := c.exec.Submit(func() {
		c.inService.Store(true)
		defer c.inService.Store(false)

		fn()
	})

	if !ok {
		level.Debug(c.logger).Log("msg", "service goroutine is stopped, task dropped")
	}
}

// call runs fn on the service goroutine and waits for the result.
func call[T any](ctx context.Context, c *Catalog, fn func() (T, error)) (T, error) {
	return executor.Call(ctx, c.exec, func() (T, error) {
		c.inService.Store(true)
		defer c.inService.Store(false)

		return fn()
	})
}
