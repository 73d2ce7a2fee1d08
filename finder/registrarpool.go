// Package finder implements the Client-side service finder of §4.5
// (C8): a pool of registrar endpoints with a dead-registrar prober, and
// two Finder variants — standard (no cache) and cached.
package finder

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/clog"
	"github.com/crowmesh/crow/registrarsrc"
	"github.com/crowmesh/crow/transport"
)

// Finder is the contract §4.5 names: discover endpoints for a
// descriptor, seed the cache from a discovery result, and react to an
// observed call failure by forgetting the offending endpoint.
type Finder interface {
	FindServices(desc crow.ServiceDescriptor) ([]crow.ServiceEndpoint, error)
	ResetServices(desc crow.ServiceDescriptor, endpoints []crow.ServiceEndpoint)
	RemoveService(desc crow.ServiceDescriptor, ep crow.ServiceEndpoint)
}

// registrarPool is the active/dead registrar bookkeeping shared by both
// Finder variants, grounded on the same active/dead-set discipline as
// join.Manager but scoped to discovery instead of joins.
type registrarPool struct {
	mu     sync.Mutex
	active map[string]crow.RegistrarEndpoint
	dead   map[string]crow.RegistrarEndpoint

	source registrarsrc.Source
	tr     *transport.Transport
	log    *clog.Logger

	writeTimeout, readTimeout time.Duration
	proberInterval            time.Duration
	fetchInterval             time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newRegistrarPool(source registrarsrc.Source, pool *transport.Pool, log *clog.Logger, writeTimeout, readTimeout, proberInterval, fetchInterval time.Duration) *registrarPool {
	if log == nil {
		log = clog.Default()
	}
	return &registrarPool{
		active:         map[string]crow.RegistrarEndpoint{},
		dead:           map[string]crow.RegistrarEndpoint{},
		source:         source,
		tr:             transport.New(pool),
		log:            log,
		writeTimeout:   writeTimeout,
		readTimeout:    readTimeout,
		proberInterval: proberInterval,
		fetchInterval:  fetchInterval,
		stop:           make(chan struct{}),
	}
}

func (p *registrarPool) start() {
	p.wg.Add(2)
	go p.fetchLoop()
	go p.proberLoop()
}

func (p *registrarPool) close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *registrarPool) fetchLoop() {
	defer p.wg.Done()
	p.fetchOnce()
	ticker := time.NewTicker(p.fetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.fetchOnce()
		}
	}
}

func (p *registrarPool) fetchOnce() {
	if p.source == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.fetchInterval)
	defer cancel()
	eps, err := p.source.Endpoints(ctx)
	if err != nil {
		p.log.Warn("registrar source fetch failed", zap.Error(err))
		return
	}
	p.mu.Lock()
	for _, ep := range eps {
		if _, isDead := p.dead[ep.String()]; isDead {
			continue
		}
		p.active[ep.String()] = ep
	}
	p.mu.Unlock()
}

// shuffledActive returns a random-order snapshot of the active set, used
// by find-services' "picks a registrar from its active set (shuffled)".
func (p *registrarPool) shuffledActive() []crow.RegistrarEndpoint {
	p.mu.Lock()
	out := make([]crow.RegistrarEndpoint, 0, len(p.active))
	for _, ep := range p.active {
		out = append(out, ep)
	}
	p.mu.Unlock()
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func (p *registrarPool) markDead(ep crow.RegistrarEndpoint) {
	p.mu.Lock()
	delete(p.active, ep.String())
	p.dead[ep.String()] = ep
	p.mu.Unlock()
}

// proberLoop is the dead-registrar prober of P4: pings every dead
// registrar and moves it back to active on Ack.
func (p *registrarPool) proberLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.proberInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

func (p *registrarPool) probeOnce() {
	p.mu.Lock()
	dead := make([]crow.RegistrarEndpoint, 0, len(p.dead))
	for _, ep := range p.dead {
		dead = append(dead, ep)
	}
	p.mu.Unlock()

	for _, ep := range dead {
		var acked bool
		err := p.tr.Send(ep.Address, ep.Port, crow.Ping{}, p.writeTimeout, p.readTimeout, func(r crow.Record) error {
			_, acked = r.(crow.Ack)
			return nil
		})
		if err == nil && acked {
			p.mu.Lock()
			delete(p.dead, ep.String())
			p.active[ep.String()] = ep
			p.mu.Unlock()
		}
	}
}

// discover sends Discovery to active registrars in shuffled order,
// moving any that fail to the dead set and trying the next, until one
// replies ServiceFound or the active set is exhausted.
func (p *registrarPool) discover(desc crow.ServiceDescriptor) ([]crow.ServiceEndpoint, error) {
	candidates := p.shuffledActive()
	if len(candidates) == 0 {
		return nil, &NotFoundError{ServiceName: desc.ServiceName}
	}

	for _, ep := range candidates {
		var result crow.Record
		err := p.tr.Send(ep.Address, ep.Port, crow.Discovery{
			ServiceName: desc.ServiceName,
			Attributes:  desc.Attributes,
		}, p.writeTimeout, p.readTimeout, func(r crow.Record) error {
			result = r
			return nil
		})
		if err != nil {
			p.log.Warn("discovery failed, marking registrar dead", zap.String("registrar", ep.String()), zap.Error(err))
			p.markDead(ep)
			continue
		}
		if found, ok := result.(crow.ServiceFound); ok {
			return found.Endpoints, nil
		}
		// ServiceNotFound from this registrar: try the next one before
		// giving up, since registrars are independent soft-state views.
	}
	return nil, &NotFoundError{ServiceName: desc.ServiceName}
}

// NotFoundError is the discovery failure of §7: no registrar reachable,
// or no registrar matched the descriptor.
type NotFoundError struct {
	ServiceName string
}

func (e *NotFoundError) Error() string {
	return "crow: no service found for " + e.ServiceName
}
