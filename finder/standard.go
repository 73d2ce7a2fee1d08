package finder

import (
	"time"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/clog"
	"github.com/crowmesh/crow/registrarsrc"
	"github.com/crowmesh/crow/transport"
)

// Options configures either Finder variant.
type Options struct {
	Source registrarsrc.Source
	Pool   *transport.Pool
	Log    *clog.Logger

	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	ProbeInterval  time.Duration
	FetchInterval  time.Duration
	CacheTimeout   time.Duration // only consulted by Cached
}

func (o *Options) setDefaults() {
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 5 * time.Second
	}
	if o.FetchInterval == 0 {
		o.FetchInterval = 10 * time.Second
	}
	if o.CacheTimeout == 0 {
		o.CacheTimeout = 30 * time.Second
	}
}

// Standard is the uncached Finder variant of §4.5: every FindServices
// call performs a fresh Discovery round.
type Standard struct {
	pool *registrarPool
}

// NewStandard builds and starts a Standard finder.
func NewStandard(opt Options) *Standard {
	opt.setDefaults()
	p := newRegistrarPool(opt.Source, opt.Pool, opt.Log, opt.WriteTimeout, opt.ReadTimeout, opt.ProbeInterval, opt.FetchInterval)
	p.start()
	return &Standard{pool: p}
}

func (s *Standard) FindServices(desc crow.ServiceDescriptor) ([]crow.ServiceEndpoint, error) {
	return s.pool.discover(desc)
}

// ResetServices is a no-op for Standard: there is no cache to seed.
func (s *Standard) ResetServices(crow.ServiceDescriptor, []crow.ServiceEndpoint) {}

// RemoveService is a no-op for Standard: there is no cache to forget
// from, so a failed call simply gets rediscovered on the next call.
func (s *Standard) RemoveService(crow.ServiceDescriptor, crow.ServiceEndpoint) {}

// Close stops the registrar fetch and prober loops.
func (s *Standard) Close() { s.pool.close() }
