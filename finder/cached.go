package finder

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/crowmesh/crow"
)

// cacheEntry is §3's CachedServiceEntry: the endpoint set currently
// known for one descriptor, plus a last-seen timestamp per service-id
// so the sweep can evict entries older than cache-timeout.
type cacheEntry struct {
	endpoints map[string]crow.ServiceEndpoint // keyed by service-id
	lastSeen  map[string]time.Time
}

// Cached is the cached Finder variant of §4.5: FindServices consults the
// cache first, falling back to Discovery on a miss; concurrent misses
// for the same descriptor are deduplicated via singleflight, grounded on
// singleflight.go's DoChan wrapper over golang.org/x/sync/singleflight.
type Cached struct {
	pool *registrarPool
	sf   singleflight.Group

	mu           sync.Mutex
	cache        map[string]*cacheEntry // keyed by ServiceDescriptor.Key()
	cacheTimeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCached builds and starts a Cached finder, including its background
// cache-timeout sweep.
func NewCached(opt Options) *Cached {
	opt.setDefaults()
	p := newRegistrarPool(opt.Source, opt.Pool, opt.Log, opt.WriteTimeout, opt.ReadTimeout, opt.ProbeInterval, opt.FetchInterval)
	p.start()
	c := &Cached{
		pool:         p,
		cache:        map[string]*cacheEntry{},
		cacheTimeout: opt.CacheTimeout,
		stop:         make(chan struct{}),
	}
	c.wg.Add(1)
	go c.sweepLoop()
	return c
}

func (c *Cached) FindServices(desc crow.ServiceDescriptor) ([]crow.ServiceEndpoint, error) {
	key := desc.Key()

	c.mu.Lock()
	entry, ok := c.cache[key]
	if ok && len(entry.endpoints) > 0 {
		out := snapshotEndpoints(entry)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do(key, func() (any, error) {
		return c.pool.discover(desc)
	})
	if err != nil {
		return nil, err
	}
	endpoints := v.([]crow.ServiceEndpoint)
	c.ResetServices(desc, endpoints)
	return endpoints, nil
}

func snapshotEndpoints(entry *cacheEntry) []crow.ServiceEndpoint {
	out := make([]crow.ServiceEndpoint, 0, len(entry.endpoints))
	for _, ep := range entry.endpoints {
		out = append(out, ep)
	}
	return out
}

// ResetServices replaces the cached entry for desc wholesale — the
// "reset replaces" semantics of §4.5's CachedServiceEntry.
func (c *Cached) ResetServices(desc crow.ServiceDescriptor, endpoints []crow.ServiceEndpoint) {
	now := time.Now()
	entry := &cacheEntry{endpoints: map[string]crow.ServiceEndpoint{}, lastSeen: map[string]time.Time{}}
	for _, ep := range endpoints {
		entry.endpoints[ep.ServiceID] = ep
		entry.lastSeen[ep.ServiceID] = now
	}
	c.mu.Lock()
	c.cache[desc.Key()] = entry
	c.mu.Unlock()
}

// RemoveService deletes exactly one endpoint by service-id from the
// cached entry for desc — the "removal deletes by service-id" semantics
// of §4.5, and the mechanism P8's failure attribution relies on.
func (c *Cached) RemoveService(desc crow.ServiceDescriptor, ep crow.ServiceEndpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[desc.Key()]
	if !ok {
		return
	}
	delete(entry.endpoints, ep.ServiceID)
	delete(entry.lastSeen, ep.ServiceID)
}

func (c *Cached) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cacheTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.sweepOnce(now)
		}
	}
}

func (c *Cached) sweepOnce(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.cache {
		for id, seen := range entry.lastSeen {
			if now.Sub(seen) > c.cacheTimeout {
				delete(entry.endpoints, id)
				delete(entry.lastSeen, id)
			}
		}
	}
}

// Close stops the sweep loop and the underlying registrar pool's loops.
func (c *Cached) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	c.pool.close()
}
