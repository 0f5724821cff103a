package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"

	"github.com/maxpoletaev/grid/executor"
	"github.com/maxpoletaev/grid/ledger"
	"github.com/maxpoletaev/grid/membership"
	"github.com/maxpoletaev/grid/network"
)

type journal struct {
	mut sync.Mutex
	ops []string
}

func (j *journal) add(op string) {
	j.mut.Lock()
	defer j.mut.Unlock()

	j.ops = append(j.ops, op)
}

func (j *journal) Ops() []string {
	j.mut.Lock()
	defer j.mut.Unlock()

	return append([]string{}, j.ops...)
}

type fakeLedger struct {
	journal  *journal
	mut      sync.Mutex
	keys     map[string]struct{}
	watchers []ledger.WatchFunc
	syncErr  error
}

func newFakeLedger(j *journal) *fakeLedger {
	return &fakeLedger{
		journal: j,
		keys:    make(map[string]struct{}),
	}
}

func (l *fakeLedger) Put(_ context.Context, key string) error {
	l.mut.Lock()
	l.keys[key] = struct{}{}
	l.mut.Unlock()

	l.journal.add("put " + key)

	return nil
}

func (l *fakeLedger) Remove(_ context.Context, key string) error {
	l.mut.Lock()
	delete(l.keys, key)
	l.mut.Unlock()

	l.journal.add("remove " + key)

	return nil
}

func (l *fakeLedger) Keys() []string {
	l.mut.Lock()
	defer l.mut.Unlock()

	keys := maps.Keys(l.keys)
	sort.Strings(keys)

	return keys
}

func (l *fakeLedger) Sync(context.Context) error {
	return l.syncErr
}

func (l *fakeLedger) Watch(fn ledger.WatchFunc) {
	l.watchers = append(l.watchers, fn)
}

func (l *fakeLedger) emit(ev ledger.Event) {
	for _, fn := range l.watchers {
		fn(ev)
	}
}

type fakeCleaner struct {
	journal *journal
	err     error
}

func (c *fakeCleaner) Cleanup(_ context.Context, key ProxyKey) error {
	c.journal.add("cleanup " + key.String())
	return c.err
}

type instanceRecorder struct {
	events chan string
}

func (r *instanceRecorder) InstanceCreated(inst Instance) {
	r.events <- "created " + inst.Key().String()
}

func (r *instanceRecorder) InstanceDestroyed(inst Instance) {
	r.events <- "destroyed " + inst.Key().String()
}

func newTestCatalog(t *testing.T, l Ledger, conf Config) (*Catalog, *executor.Serial) {
	t.Helper()

	exec := executor.NewSerial("service", log.NewNopLogger())
	c := New(exec, l, conf)

	t.Cleanup(func() {
		exec.Stop()
		c.Close()
	})

	return c, exec
}

// barrier waits for all tasks submitted to the executor so far.
func barrier(t *testing.T, exec *executor.Serial) {
	t.Helper()

	err := executor.Do(context.Background(), exec, func() error { return nil })
	require.NoError(t, err)
}

func TestCatalog_GetOrCreate(t *testing.T) {
	j := &journal{}
	c, _ := newTestCatalog(t, newFakeLedger(j), Config{})

	inst, err := c.GetOrCreate(context.Background(), MapKey("orders"))
	require.NoError(t, err)
	require.Equal(t, KindMap, inst.Kind())
	require.Equal(t, "orders", inst.Name())

	again, err := c.GetOrCreate(context.Background(), MapKey("orders"))
	require.NoError(t, err)
	require.Same(t, inst, again)

	require.Equal(t, []string{"put c:orders"}, j.Ops())
}

func TestCatalog_GetOrCreate_InvalidKey(t *testing.T) {
	c, _ := newTestCatalog(t, newFakeLedger(&journal{}), Config{})

	_, err := c.GetOrCreate(context.Background(), ProxyKey{Name: "orders"})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestCatalog_GetOrCreate_Concurrent(t *testing.T) {
	var constructed atomic.Int32

	j := &journal{}
	conf := Config{
		Factory: func(c *Catalog, key ProxyKey) (Instance, error) {
			constructed.Add(1)
			return NewProxy(c, key)
		},
	}

	c, _ := newTestCatalog(t, newFakeLedger(j), conf)

	const callers = 32

	wg := sync.WaitGroup{}
	results := make([]Instance, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			inst, err := c.GetOrCreate(context.Background(), QueueKey("jobs"))
			assert.NoError(t, err)

			results[i] = inst
		}(i)
	}

	wg.Wait()

	require.Equal(t, int32(1), constructed.Load())

	for _, inst := range results {
		require.Same(t, results[0], inst)
	}

	require.Equal(t, []string{"put q:jobs"}, j.Ops())
}

func TestCatalog_FactoryError(t *testing.T) {
	fail := true
	factoryErr := errors.New("storage unavailable")

	conf := Config{
		Factory: func(c *Catalog, key ProxyKey) (Instance, error) {
			if fail {
				return nil, factoryErr
			}

			return NewProxy(c, key)
		},
	}

	j := &journal{}
	c, _ := newTestCatalog(t, newFakeLedger(j), conf)

	_, err := c.GetOrCreate(context.Background(), MapKey("orders"))
	require.ErrorIs(t, err, factoryErr)
	require.Empty(t, j.Ops())

	fail = false

	_, err = c.GetOrCreate(context.Background(), MapKey("orders"))
	require.NoError(t, err)
	require.Equal(t, []string{"put c:orders"}, j.Ops())
}

func TestCatalog_GetOrCreate_PublishesAfterDeadline(t *testing.T) {
	j := &journal{}
	l := newFakeLedger(j)
	c, exec := newTestCatalog(t, l, Config{})

	release := make(chan struct{})
	require.True(t, exec.Submit(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetOrCreate(ctx, MapKey("orders"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	barrier(t, exec)

	// The queued construction has completed and published the key although
	// the caller has given up waiting.
	require.Equal(t, []string{"c:orders"}, l.Keys())

	inst, err := c.GetOrCreate(context.Background(), MapKey("orders"))
	require.NoError(t, err)
	require.Equal(t, "orders", inst.Name())
	require.Equal(t, []string{"put c:orders"}, j.Ops())
}

func TestCatalog_Destroy(t *testing.T) {
	j := &journal{}
	c, _ := newTestCatalog(t, newFakeLedger(j), Config{})

	inst, err := c.GetOrCreate(context.Background(), TopicKey("news"))
	require.NoError(t, err)

	require.NoError(t, inst.Destroy(context.Background()))

	_, ok := c.Instance(TopicKey("news"))
	require.False(t, ok)
	require.Equal(t, []string{"put t:news", "remove t:news"}, j.Ops())

	// Destroying an absent instance is a no-op locally.
	require.NoError(t, c.Destroy(context.Background(), TopicKey("news")))
}

func TestCatalog_Destroy_CleansUpBeforeUnpublishing(t *testing.T) {
	j := &journal{}
	conf := Config{Cleaner: &fakeCleaner{journal: j}}
	c, _ := newTestCatalog(t, newFakeLedger(j), conf)

	_, err := c.GetOrCreate(context.Background(), LockKey("invoice-1"))
	require.NoError(t, err)
	_, err = c.GetOrCreate(context.Background(), MapKey("orders"))
	require.NoError(t, err)

	require.NoError(t, c.Destroy(context.Background(), LockKey("invoice-1")))
	require.NoError(t, c.Destroy(context.Background(), MapKey("orders")))

	require.Equal(t, []string{
		"put lock\x00invoice-1",
		"put c:orders",
		"cleanup lock[invoice-1]",
		"remove lock\x00invoice-1",
		"remove c:orders",
	}, j.Ops())
}

func TestCatalog_Destroy_CleanupFails(t *testing.T) {
	j := &journal{}
	cleanupErr := errors.New("no quorum")
	conf := Config{Cleaner: &fakeCleaner{journal: j, err: cleanupErr}}
	c, _ := newTestCatalog(t, newFakeLedger(j), conf)

	_, err := c.GetOrCreate(context.Background(), IDGeneratorKey("ids"))
	require.NoError(t, err)

	err = c.Destroy(context.Background(), IDGeneratorKey("ids"))
	require.ErrorIs(t, err, cleanupErr)

	_, ok := c.Instance(IDGeneratorKey("ids"))
	require.True(t, ok)
}

func TestCatalog_RemoteEvents(t *testing.T) {
	j := &journal{}
	l := newFakeLedger(j)
	c, exec := newTestCatalog(t, l, Config{})
	origin, _ := membership.ParseAddress("10.0.0.2:5701")

	l.emit(ledger.Event{Type: ledger.EventAdded, Key: "m:s:tags", Origin: origin})
	barrier(t, exec)

	inst, ok := c.Instance(SetKey("tags"))
	require.True(t, ok)
	require.Equal(t, KindSet, inst.Kind())

	// A duplicate event is harmless.
	l.emit(ledger.Event{Type: ledger.EventAdded, Key: "m:s:tags", Origin: origin})
	barrier(t, exec)

	again, _ := c.Instance(SetKey("tags"))
	require.Same(t, inst, again)

	l.emit(ledger.Event{Type: ledger.EventRemoved, Key: "m:s:tags", Origin: origin})
	barrier(t, exec)

	_, ok = c.Instance(SetKey("tags"))
	require.False(t, ok)

	// Remotely created instances are not published again.
	require.Empty(t, j.Ops())
}

func TestCatalog_LocalEventsIgnored(t *testing.T) {
	l := newFakeLedger(&journal{})
	c, exec := newTestCatalog(t, l, Config{})

	l.emit(ledger.Event{Type: ledger.EventAdded, Key: "c:orders", Local: true})
	barrier(t, exec)

	_, ok := c.Instance(MapKey("orders"))
	require.False(t, ok)
}

func TestCatalog_CatchUp(t *testing.T) {
	l := newFakeLedger(&journal{})
	l.keys["c:orders"] = struct{}{}
	l.keys["lock\x00invoice-1"] = struct{}{}
	l.keys["garbage"] = struct{}{}

	c, exec := newTestCatalog(t, l, Config{})

	require.NoError(t, c.CatchUp(context.Background()))
	barrier(t, exec)

	keys := make([]ProxyKey, 0)
	for _, inst := range c.Instances() {
		keys = append(keys, inst.Key())
	}

	require.Equal(t, []ProxyKey{MapKey("orders"), LockKey("invoice-1")}, keys)
}

func TestCatalog_CatchUp_SyncFails(t *testing.T) {
	l := newFakeLedger(&journal{})
	l.syncErr = ledger.ErrSyncFailed

	c, _ := newTestCatalog(t, l, Config{})

	require.ErrorIs(t, c.CatchUp(context.Background()), ledger.ErrSyncFailed)
}

func TestCatalog_InstanceListener(t *testing.T) {
	c, _ := newTestCatalog(t, newFakeLedger(&journal{}), Config{})

	rec := &instanceRecorder{events: make(chan string, 10)}
	c.AddInstanceListener(rec)

	inst, err := c.GetOrCreate(context.Background(), ListKey("history"))
	require.NoError(t, err)

	_, err = c.GetOrCreate(context.Background(), ListKey("history"))
	require.NoError(t, err)

	require.NoError(t, inst.Destroy(context.Background()))

	for _, want := range []string{"created m:l:history", "destroyed m:l:history"} {
		select {
		case got := <-rec.events:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	select {
	case got := <-rec.events:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCatalog_OffServiceThread(t *testing.T) {
	c, _ := newTestCatalog(t, newFakeLedger(&journal{}), Config{Debug: true})

	require.Panics(t, func() {
		_, _, _ = c.construct(MapKey("orders"))
	})
}

func TestCatalog_OffServiceThread_Production(t *testing.T) {
	c, _ := newTestCatalog(t, newFakeLedger(&journal{}), Config{})

	// Logged, but treated as satisfied.
	inst, created, err := c.construct(MapKey("orders"))
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, inst)
}

func reentrantFactory(c *Catalog, key ProxyKey) (Instance, error) {
	if _, _, err := c.construct(key); err != nil {
		return nil, err
	}

	return NewProxy(c, key)
}

func TestCatalog_IllegalTransition_Debug(t *testing.T) {
	c, _ := newTestCatalog(t, newFakeLedger(&journal{}), Config{Debug: true, Factory: reentrantFactory})

	require.Panics(t, func() {
		_, _ = c.GetOrCreate(context.Background(), MapKey("orders"))
	})

	// The executor survives the panic and the key is usable again.
	c.factory = NewProxy

	_, err := c.GetOrCreate(context.Background(), MapKey("orders"))
	require.NoError(t, err)
}

func TestCatalog_IllegalTransition_Production(t *testing.T) {
	c, _ := newTestCatalog(t, newFakeLedger(&journal{}), Config{Factory: reentrantFactory})

	_, err := c.GetOrCreate(context.Background(), MapKey("orders"))
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, ok := c.Instance(MapKey("orders"))
	require.False(t, ok)
}

func TestCatalog_Stopped(t *testing.T) {
	c, exec := newTestCatalog(t, newFakeLedger(&journal{}), Config{})
	exec.Stop()

	_, err := c.GetOrCreate(context.Background(), MapKey("orders"))
	require.ErrorIs(t, err, executor.ErrStopped)
}

type staticCluster struct {
	self    membership.Member
	members []membership.Member
}

func (c *staticCluster) Self() membership.Member      { return c.self }
func (c *staticCluster) Members() []membership.Member { return c.members }
func (c *staticCluster) Master() (membership.Address, bool) {
	return c.members[0].Addr, true
}

type loopSender struct {
	from    membership.Address
	ledgers map[membership.Address]*ledger.Ledger
}

func (s *loopSender) Send(addr membership.Address, p *network.Packet) bool {
	l, ok := s.ledgers[addr]
	if !ok {
		return false
	}

	received := *p
	received.From = s.from

	return l.HandlePacket(&received)
}

func TestCatalog_Convergence(t *testing.T) {
	addrA, _ := membership.ParseAddress("10.0.0.1:5701")
	addrB, _ := membership.ParseAddress("10.0.0.2:5701")

	members := []membership.Member{{Addr: addrA}, {Addr: addrB}}
	ledgers := make(map[membership.Address]*ledger.Ledger)

	ledgerA := ledger.New("proxies", &staticCluster{self: members[0], members: members},
		&loopSender{from: addrA, ledgers: ledgers}, log.NewNopLogger())
	ledgerB := ledger.New("proxies", &staticCluster{self: members[1], members: members},
		&loopSender{from: addrB, ledgers: ledgers}, log.NewNopLogger())

	ledgers[addrA] = ledgerA
	ledgers[addrB] = ledgerB

	catalogA, _ := newTestCatalog(t, ledgerA, Config{})
	catalogB, _ := newTestCatalog(t, ledgerB, Config{})

	_, err := catalogA.GetOrCreate(context.Background(), MultiMapKey("index"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := catalogB.Instance(MultiMapKey("index"))
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, catalogB.Destroy(context.Background(), MultiMapKey("index")))

	require.Eventually(t, func() bool {
		_, ok := catalogA.Instance(MultiMapKey("index"))
		return !ok
	}, time.Second, 5*time.Millisecond)
}
