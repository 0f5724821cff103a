package node

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var ErrRegistryClosed = errors.New("node registry is closed")

// ConfigFunc returns the configuration of the named node.
type ConfigFunc func(name string) Config

// Registry holds the named nodes of the process. Nodes are created and
// started on first use.
type Registry struct {
	configure ConfigFunc

	mut    sync.Mutex
	nodes  map[string]*Node
	closed bool
}

func NewRegistry(configure ConfigFunc) *Registry {
	if configure == nil {
		configure = func(string) Config { return DefaultConfig() }
	}

	return &Registry{
		configure: configure,
		nodes:     make(map[string]*Node),
	}
}

// Get returns the named node, creating it and joining the cluster if it does
// not exist yet. Concurrent callers asking for a node that is being started
// wait until it has joined.
func (r *Registry) Get(ctx context.Context, name string) (*Node, error) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if n, ok := r.nodes[name]; ok {
		return n, nil
	}

	conf := r.configure(name)
	conf.Name = name

	n, err := New(ctx, conf)
	if err != nil {
		return nil, err
	}

	if err := n.Start(ctx); err != nil {
		n.Shutdown()
		return nil, err
	}

	r.nodes[name] = n

	return n, nil
}

// Lookup returns the named node if it has been started.
func (r *Registry) Lookup(name string) (*Node, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	n, ok := r.nodes[name]

	return n, ok
}

// Names returns the names of the running nodes, sorted.
func (r *Registry) Names() []string {
	r.mut.Lock()
	defer r.mut.Unlock()

	names := maps.Keys(r.nodes)
	slices.Sort(names)

	return names
}

// Shutdown stops the named node and forgets it. Returns false if there is no
// such node.
func (r *Registry) Shutdown(name string) bool {
	r.mut.Lock()
	n, ok := r.nodes[name]
	delete(r.nodes, name)
	r.mut.Unlock()

	if ok {
		n.Shutdown()
	}

	return ok
}

// ShutdownAll stops every node. The registry cannot be used afterwards.
func (r *Registry) ShutdownAll() {
	r.mut.Lock()
	nodes := maps.Values(r.nodes)
	r.nodes = make(map[string]*Node)
	r.closed = true
	r.mut.Unlock()

	var wg sync.WaitGroup

	for _, n := range nodes {
		wg.Add(1)

		go func(n *Node) {
			defer wg.Done()
			n.Shutdown()
		}(n)
	}

	wg.Wait()
}
