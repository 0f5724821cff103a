package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/maps"

	"github.com/maxpoletaev/grid/internal/multierror"
	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/network"
)

var (
	ErrSyncFailed = errors.New("failed to request ledger snapshot")
	ErrSendFailed = errors.New("packet dropped")
)

type EventType uint8

const (
	EventAdded EventType = iota + 1
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event describes a change of the ledger. Local is true when the change was
// made through Put or Remove on this node rather than received from a peer.
type Event struct {
	Type   EventType
	Key    string
	Origin membership.Address
	Local  bool
}

type WatchFunc func(Event)

// Cluster is the part of the membership view the ledger needs to address
// its peers.
type Cluster interface {
	Self() membership.Member
	Members() []membership.Member
	Master() (membership.Address, bool)
}

// Sender delivers packets to other members.
type Sender interface {
	Send(addr membership.Address, p *network.Packet) bool
}

// Ledger is a set of string keys replicated to every member. Only the
// presence of a key carries meaning, so adding a key twice or removing an
// absent key is harmless. Changes are pushed to all members as they happen;
// a member that joins later pulls a snapshot from the master with Sync.
type Ledger struct {
	name    string
	cluster Cluster
	sender  Sender
	logger  log.Logger

	mut      sync.RWMutex
	entries  map[string]struct{}
	watchers []WatchFunc
	waiters  []chan []string
}

func New(name string, cluster Cluster, sender Sender, logger log.Logger) *Ledger {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Ledger{
		name:    name,
		cluster: cluster,
		sender:  sender,
		entries: make(map[string]struct{}),
		logger:  log.With(logger, "component", "ledger", "ledger", name),
	}
}

// Name returns the name the ledger is replicated under.
func (l *Ledger) Name() string {
	return l.name
}

// Watch registers a function called on every change of the ledger. It is
// called synchronously, so it must not block.
func (l *Ledger) Watch(fn WatchFunc) {
	l.mut.Lock()
	defer l.mut.Unlock()

	l.watchers = append(l.watchers, fn)
}

// Contains returns true if the key is present in the local copy.
func (l *Ledger) Contains(key string) bool {
	l.mut.RLock()
	defer l.mut.RUnlock()

	_, ok := l.entries[key]

	return ok
}

// Keys returns a sorted snapshot of the local copy.
func (l *Ledger) Keys() []string {
	l.mut.RLock()
	keys := maps.Keys(l.entries)
	l.mut.RUnlock()

	sort.Strings(keys)

	return keys
}

// Len returns the number of keys in the local copy.
func (l *Ledger) Len() int {
	l.mut.RLock()
	defer l.mut.RUnlock()

	return len(l.entries)
}

// Put adds the key locally and publishes it to all other members. Members
// the packet could not be delivered to are reported in the returned error,
// the local copy is updated regardless.
func (l *Ledger) Put(ctx context.Context, key string) error {
	if l.apply(EventAdded, key) {
		self := l.cluster.Self().Addr
		l.notify(Event{Type: EventAdded, Key: key, Origin: self, Local: true})
	}

	return l.broadcast(ctx, network.OpLedgerPut, key)
}

// Remove deletes the key locally and on all other members.
func (l *Ledger) Remove(ctx context.Context, key string) error {
	if l.apply(EventRemoved, key) {
		self := l.cluster.Self().Addr
		l.notify(Event{Type: EventRemoved, Key: key, Origin: self, Local: true})
	}

	return l.broadcast(ctx, network.OpLedgerRemove, key)
}

// Sync asks the master for a full snapshot and waits until it is merged
// into the local copy. Keys received this way do not produce events. It is
// a no-op on the master itself.
func (l *Ledger) Sync(ctx context.Context) error {
	master, ok := l.cluster.Master()
	if !ok || master == l.cluster.Self().Addr {
		return nil
	}

	ch := make(chan []string, 1)

	l.mut.Lock()
	l.waiters = append(l.waiters, ch)
	l.mut.Unlock()

	req := &network.Packet{
		Op:   network.OpLedgerSyncRequest,
		Name: l.name,
	}

	if !l.sender.Send(master, req) {
		l.dropWaiter(ch)
		return fmt.Errorf("%w: master %s", ErrSyncFailed, master)
	}

	select {
	case keys := <-ch:
		level.Debug(l.logger).Log("msg", "ledger snapshot received", "master", master, "keys", len(keys))
		return nil
	case <-ctx.Done():
		l.dropWaiter(ch)
		return ctx.Err()
	}
}

// HandlePacket applies a ledger packet received from a peer. Packets of
// other ledgers are ignored. Returns false if the packet is not a ledger
// packet at all.
func (l *Ledger) HandlePacket(p *network.Packet) bool {
	switch p.Op {
	case network.OpLedgerPut, network.OpLedgerRemove, network.OpLedgerSyncRequest, network.OpLedgerSync:
	default:
		return false
	}

	if p.Name != l.name {
		return true
	}

	from := p.From

	switch p.Op {
	case network.OpLedgerPut:
		if key := string(p.Key); l.apply(EventAdded, key) {
			l.notify(Event{Type: EventAdded, Key: key, Origin: origin(p)})
			l.relay(p)
		}

	case network.OpLedgerRemove:
		if key := string(p.Key); l.apply(EventRemoved, key) {
			l.notify(Event{Type: EventRemoved, Key: key, Origin: origin(p)})
			l.relay(p)
		}

	case network.OpLedgerSyncRequest:
		l.answerSync(from)

	case network.OpLedgerSync:
		l.merge(p.Entries)
	}

	return true
}

// relay forwards a change received by the master to the members other than
// the sender. The sender may not know about a member that has joined
// recently, while that member may have already received its snapshot.
// Relayed packets carry the original sender, so they are not relayed again
// once a new master takes over.
func (l *Ledger) relay(p *network.Packet) {
	if master, ok := l.cluster.Master(); !ok || master != l.cluster.Self().Addr {
		return
	}

	if len(p.Members) > 0 {
		return
	}

	fwd := &network.Packet{
		Op:      p.Op,
		Name:    l.name,
		Key:     p.Key,
		Members: []membership.Member{{Addr: p.From}},
	}

	self := l.cluster.Self().Addr

	for _, m := range l.cluster.Members() {
		if m.Addr == self || m.Addr == p.From {
			continue
		}

		if !l.sender.Send(m.Addr, fwd) {
			level.Debug(l.logger).Log("msg", "failed to relay ledger change", "to", m.Addr, "op", p.Op)
		}
	}
}

// origin returns the member that made the change: the sender, or the member
// named in a packet relayed by the master.
func origin(p *network.Packet) membership.Address {
	if len(p.Members) > 0 {
		return p.Members[0].Addr
	}

	return p.From
}

func (l *Ledger) answerSync(to membership.Address) {
	if to.IsZero() {
		return
	}

	resp := &network.Packet{
		Op:      network.OpLedgerSync,
		Name:    l.name,
		Entries: l.Keys(),
	}

	if !l.sender.Send(to, resp) {
		level.Warn(l.logger).Log("msg", "failed to send ledger snapshot", "to", to)
	}
}

func (l *Ledger) merge(keys []string) {
	l.mut.Lock()

	for _, key := range keys {
		l.entries[key] = struct{}{}
	}

	waiters := l.waiters
	l.waiters = nil
	l.mut.Unlock()

	for _, ch := range waiters {
		ch <- keys
	}
}

func (l *Ledger) dropWaiter(ch chan []string) {
	l.mut.Lock()
	defer l.mut.Unlock()

	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
}

// apply updates the local copy and reports whether it has changed.
func (l *Ledger) apply(typ EventType, key string) bool {
	l.mut.Lock()
	defer l.mut.Unlock()

	_, exists := l.entries[key]

	switch typ {
	case EventAdded:
		if exists {
			return false
		}

		l.entries[key] = struct{}{}

	case EventRemoved:
		if !exists {
			return false
		}

		delete(l.entries, key)
	}

	return true
}

func (l *Ledger) notify(ev Event) {
	l.mut.RLock()
	watchers := append([]WatchFunc{}, l.watchers...)
	l.mut.RUnlock()

	for _, fn := range watchers {
		fn(ev)
	}
}

func (l *Ledger) broadcast(ctx context.Context, op network.Op, key string) error {
	self := l.cluster.Self().Addr
	errs := multierror.New[membership.Address]()

	for _, m := range l.cluster.Members() {
		if m.Addr == self {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		p := &network.Packet{
			Op:   op,
			Name: l.name,
			Key:  []byte(key),
		}

		if !l.sender.Send(m.Addr, p) {
			errs.Add(m.Addr, ErrSendFailed)
		}
	}

	return errs.Ret()
}
