package listener

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/grid/executor"
	"github.com/maxpoletaev/grid/internal/multierror"
	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/metrics"
	"github.com/maxpoletaev/grid/network"
)

var (
	ErrInvalidItem = errors.New("invalid listener item")
	ErrSendFailed  = errors.New("packet dropped")
)

// registration identifies the events a member asked to receive.
type registration struct {
	name   string
	key    string
	hasKey bool
}

func newRegistration(name string, key []byte) registration {
	return registration{name: name, key: string(key), hasKey: len(key) > 0}
}

// Registry keeps track of event subscriptions. Subscriptions to a single key
// are registered with the member owning the key, subscriptions to a whole
// collection are registered with every member. The registry also records
// which members have registered with the local node, so that Publish knows
// where to send events.
//
// Apart from the exported methods that go through the service goroutine
// themselves, the registry must only be used from the service goroutine.
type Registry struct {
	exec    *executor.Serial
	deliver *executor.Serial
	cluster Cluster
	owners  OwnerResolver
	sender  Sender
	logger  log.Logger
	metrics *metrics.Metrics

	// Owned by the service goroutine.
	items   []*Item
	members map[registration]map[membership.Address]bool
}

type Option func(*Registry)

func WithLogger(logger log.Logger) Option {
	return func(r *Registry) {
		r.logger = log.With(logger, "component", "listeners")
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func New(exec *executor.Serial, cluster Cluster, owners OwnerResolver, sender Sender, opts ...Option) *Registry {
	r := &Registry{
		exec:    exec,
		cluster: cluster,
		owners:  owners,
		sender:  sender,
		members: make(map[registration]map[membership.Address]bool),
		logger:  log.NewNopLogger(),
		metrics: metrics.New(nil),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.deliver = executor.NewSerial("listener-events", r.logger)

	return r
}

// Subscribe starts delivering events of the collection, or of a single key
// of it, to the subscriber. If an equivalent subscription already exists,
// no registration is sent to other members, but the item is still tracked
// on its own.
func (r *Registry) Subscribe(ctx context.Context, item Item) error {
	if err := item.validate(); err != nil {
		return err
	}

	return executor.Do(ctx, r.exec, func() error {
		r.register(&item, true)
		r.items = append(r.items, &item)
		r.metrics.Listeners.Set(float64(len(r.items)))

		return nil
	})
}

// Unsubscribe removes every item of the subscriber for the collection and
// key, and cancels the corresponding registrations. It returns the number of
// removed items.
func (r *Registry) Unsubscribe(ctx context.Context, name string, subscriber any, key []byte) (int, error) {
	return executor.Call(ctx, r.exec, func() (int, error) {
		kept := make([]*Item, 0, len(r.items))
		removed := make([]*Item, 0)

		for _, it := range r.items {
			if it.matches(name, subscriber, key) {
				removed = append(removed, it)
			} else {
				kept = append(kept, it)
			}
		}

		r.items = kept

		for _, it := range removed {
			r.unregister(it)
		}

		r.metrics.Listeners.Set(float64(len(r.items)))

		return len(removed), nil
	})
}

// Resync sends the registrations of all tracked items again, routed by the
// current owners of their keys.
func (r *Registry) Resync(ctx context.Context) error {
	return executor.Do(ctx, r.exec, func() error {
		r.resync()
		return nil
	})
}

// Items returns a copy of the tracked items.
func (r *Registry) Items(ctx context.Context) ([]Item, error) {
	return executor.Call(ctx, r.exec, func() ([]Item, error) {
		items := make([]Item, 0, len(r.items))
		for _, it := range r.items {
			items = append(items, *it)
		}

		return items, nil
	})
}

// Publish sends the event to every member that has registered for it,
// including the local node. Members the event could not be sent to are
// reported in the returned error.
func (r *Registry) Publish(ctx context.Context, ev Event) error {
	return executor.Do(ctx, r.exec, func() error {
		return r.publish(ev)
	})
}

// Close stops the delivery of events to subscribers.
func (r *Registry) Close() {
	r.deliver.Stop()
}

// SyncForAdd sends the registrations the new member should know about:
// those of whole collections and those of keys it now owns.
func (r *Registry) SyncForAdd(addr membership.Address) {
	for _, it := range r.items {
		if it.wholeCollection() {
			r.send(addr, network.OpAddListener, it)
			continue
		}

		if owner := r.owner(it.Key); owner == addr {
			r.send(addr, network.OpAddListener, it)
		}
	}
}

// SyncForDead forgets the registrations made by the dead member and
// re-registers the keyed items, whose owners may have changed.
func (r *Registry) SyncForDead(addr membership.Address) {
	for _, regs := range r.members {
		delete(regs, addr)
	}

	for _, it := range r.items {
		if !it.wholeCollection() {
			r.register(it, false)
		}
	}
}

// HandleRegistration applies an AddListener or RemoveListener packet
// received from another member.
func (r *Registry) HandleRegistration(p *network.Packet) {
	reg := newRegistration(p.Name, p.Key)

	switch p.Op {
	case network.OpAddListener:
		r.addMember(reg, p.From, p.IncludeValue)
	case network.OpRemoveListener:
		r.removeMember(reg, p.From)
	}
}

// HandleEvent delivers an event received from another member to the local
// subscribers.
func (r *Registry) HandleEvent(p *network.Packet) {
	r.dispatch(Event{
		Type:   EventType(p.Long),
		Name:   p.Name,
		Key:    p.Key,
		Value:  p.Value,
		Source: p.From,
	})
}

func (r *Registry) resync() {
	for _, it := range r.items {
		r.register(it, false)
	}

	level.Debug(r.logger).Log("msg", "listeners resynced", "items", len(r.items))
}

// register routes the registration of the item. With suppress set, nothing
// is sent to other members if an equivalent item is already tracked.
func (r *Registry) register(it *Item, suppress bool) {
	self := r.cluster.Self().Addr
	skip := suppress && r.hasEquivalent(it)

	if !it.wholeCollection() {
		owner := r.owner(it.Key)
		if owner == self {
			r.addMember(newRegistration(it.Name, it.Key), self, it.IncludeValue)
		} else if !skip {
			r.send(owner, network.OpAddListener, it)
		}

		return
	}

	r.addMember(newRegistration(it.Name, nil), self, it.IncludeValue)

	if skip {
		return
	}

	for _, m := range r.cluster.Members() {
		if m.Addr != self {
			r.send(m.Addr, network.OpAddListener, it)
		}
	}
}

func (r *Registry) unregister(it *Item) {
	self := r.cluster.Self().Addr
	reg := newRegistration(it.Name, it.Key)

	if !it.wholeCollection() {
		owner := r.owner(it.Key)
		if owner == self {
			r.removeMember(reg, self)
		} else {
			r.send(owner, network.OpRemoveListener, it)
		}

		return
	}

	r.removeMember(reg, self)

	for _, m := range r.cluster.Members() {
		if m.Addr != self {
			r.send(m.Addr, network.OpRemoveListener, it)
		}
	}
}

func (r *Registry) hasEquivalent(it *Item) bool {
	for _, existing := range r.items {
		if existing.supersedes(it) {
			return true
		}
	}

	return false
}

// owner returns the owner of the key, or the local node while no owner is
// known.
func (r *Registry) owner(key []byte) membership.Address {
	if addr, ok := r.owners.Owner(key); ok {
		return addr
	}

	return r.cluster.Self().Addr
}

func (r *Registry) send(addr membership.Address, op network.Op, it *Item) bool {
	p := &network.Packet{
		Op:           op,
		Name:         it.Name,
		Key:          it.Key,
		IncludeValue: it.IncludeValue,
	}

	if !r.sender.Send(addr, p) {
		level.Debug(r.logger).Log("msg", "failed to send listener registration", "to", addr, "op", op, "name", it.Name)
		return false
	}

	return true
}

func (r *Registry) addMember(reg registration, addr membership.Address, includeValue bool) {
	regs, ok := r.members[reg]
	if !ok {
		regs = make(map[membership.Address]bool)
		r.members[reg] = regs
	}

	regs[addr] = regs[addr] || includeValue
}

func (r *Registry) removeMember(reg registration, addr membership.Address) {
	if regs, ok := r.members[reg]; ok {
		delete(regs, addr)

		if len(regs) == 0 {
			delete(r.members, reg)
		}
	}
}

func (r *Registry) publish(ev Event) error {
	self := r.cluster.Self().Addr
	targets := make(map[membership.Address]bool)

	regs := []registration{newRegistration(ev.Name, nil)}
	if len(ev.Key) > 0 {
		regs = append(regs, newRegistration(ev.Name, ev.Key))
	}

	for _, reg := range regs {
		for addr, includeValue := range r.members[reg] {
			targets[addr] = targets[addr] || includeValue
		}
	}

	errs := multierror.New[membership.Address]()

	for addr, includeValue := range targets {
		if addr == self {
			local := ev
			local.Source = self
			r.dispatch(local)

			continue
		}

		p := &network.Packet{
			Op:   network.OpEvent,
			Name: ev.Name,
			Key:  ev.Key,
			Long: int64(ev.Type),
		}

		if includeValue {
			p.Value = ev.Value
		}

		if !r.sender.Send(addr, p) {
			errs.Add(addr, ErrSendFailed)
		}
	}

	return errs.Ret()
}

func (r *Registry) dispatch(ev Event) {
	for _, it := range r.items {
		if !it.covers(ev.Name, ev.Key) {
			continue
		}

		item, delivered := it, ev
		if !item.IncludeValue {
			delivered.Value = nil
		}

		r.deliver.Submit(func() {
			item.deliver(delivered)
		})
	}
}
