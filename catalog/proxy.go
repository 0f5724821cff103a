package catalog

import "context"

// Instance is the local handle of a distributed object.
type Instance interface {
	Key() ProxyKey
	Kind() Kind
	Name() string
	Destroy(ctx context.Context) error
}

// Factory constructs the local proxy for a key. It is called on the service
// goroutine, at most once per key for as long as the instance exists.
type Factory func(c *Catalog, key ProxyKey) (Instance, error)

// Proxy is the default instance. It carries no data of its own: storage
// engines look the object up by its key.
type Proxy struct {
	key     ProxyKey
	kind    Kind
	catalog *Catalog
}

func NewProxy(c *Catalog, key ProxyKey) (Instance, error) {
	kind, _ := key.Kind()

	return &Proxy{
		key:     key,
		kind:    kind,
		catalog: c,
	}, nil
}

func (p *Proxy) Key() ProxyKey { return p.key }
func (p *Proxy) Kind() Kind    { return p.kind }
func (p *Proxy) Name() string  { return p.key.BaseName() }

// Destroy removes the object from the whole cluster.
func (p *Proxy) Destroy(ctx context.Context) error {
	return p.catalog.Destroy(ctx, p.key)
}

func (p *Proxy) String() string {
	return p.kind.String() + " " + p.Name()
}
