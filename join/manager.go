// Package join implements the Service-side join manager of §4.4 (C7):
// per-(service,registrar) lease state, registrar liveness tracking, and
// the six cooperative loops that keep a service's registrations alive
// across registrar death, revival, and lease expiry.
package join

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/clog"
	"github.com/crowmesh/crow/idstore"
	"github.com/crowmesh/crow/registrarsrc"
	"github.com/crowmesh/crow/transport"
)

// JoinState is the per-(service-id, registrar) bookkeeping of §3: the
// currently granted lease's expire-at, held locally so heart-beats can
// be sent before it lapses, plus the "has this pair lapsed and is a
// rejoin pending" flag.
type JoinState struct {
	ExpireAt time.Time
	Expired  bool
}

// Options configures a Manager. Intervals default to the values §4.4
// names when left zero.
type Options struct {
	Source registrarsrc.Source
	Store  *idstore.Store
	Pool   *transport.Pool
	Log    *clog.Logger

	// Endpoint describes the local service being kept alive. Its
	// ServiceID field is not consulted: the manager's service-id is
	// loaded from Store on Start and updated after the first successful
	// join (see Manager.ServiceID).
	Endpoint crow.ServiceEndpoint

	FetchInterval     time.Duration // registrar fetcher period
	HeartBeatInterval time.Duration // default: twice per second
	HeartBeatBuffer   time.Duration // how far ahead of expiry to renew
	RejoinInterval    time.Duration
	ProbeInterval     time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	RetryAttempts     uint
}

func (o *Options) setDefaults() {
	if o.FetchInterval == 0 {
		o.FetchInterval = 10 * time.Second
	}
	if o.HeartBeatInterval == 0 {
		o.HeartBeatInterval = 500 * time.Millisecond
	}
	if o.HeartBeatBuffer == 0 {
		o.HeartBeatBuffer = 2 * time.Second
	}
	if o.RejoinInterval == 0 {
		o.RejoinInterval = 3 * time.Second
	}
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 5 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
}

// Manager runs the join manager for exactly one local service across
// however many registrars its Source yields.
type Manager struct {
	opt Options
	tr  *transport.Transport
	log *clog.Logger

	mu           sync.Mutex
	serviceID    string
	active       map[string]crow.RegistrarEndpoint
	dead         map[string]crow.RegistrarEndpoint
	joins        map[string]JoinState // keyed by registrar endpoint string
	dynamicAttrs map[string]any       // merged over opt.Endpoint.Attributes at join time

	pendingJoins  chan crow.RegistrarEndpoint
	acceptorInput chan []crow.RegistrarEndpoint

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Manager from opt. Call Start to begin the six loops.
func New(opt Options) *Manager {
	opt.setDefaults()
	log := opt.Log
	if log == nil {
		log = clog.Default()
	}
	return &Manager{
		opt:           opt,
		tr:            transport.New(opt.Pool),
		log:           log,
		active:        map[string]crow.RegistrarEndpoint{},
		dead:          map[string]crow.RegistrarEndpoint{},
		joins:         map[string]JoinState{},
		pendingJoins:  make(chan crow.RegistrarEndpoint, 64),
		acceptorInput: make(chan []crow.RegistrarEndpoint, 4),
		stop:          make(chan struct{}),
	}
}

// Start loads any previously persisted service-id and launches the six
// loops. It returns immediately; loops run until Stop is called.
func (m *Manager) Start() error {
	if m.opt.Store != nil {
		id, err := m.opt.Store.Load()
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.serviceID = id
		m.mu.Unlock()
	}

	m.wg.Add(6)
	go m.registrarFetcherLoop()
	go m.serviceAcceptorLoop()
	go m.joinProcessorLoop()
	go m.heartBeatProcessorLoop()
	go m.rejoinLoop()
	go m.deadRegistrarProberLoop()
	return nil
}

// Stop signals all loops to exit and waits for them to return.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// ServiceID returns the currently known service-id (possibly "" if no
// registrar has assigned one yet).
func (m *Manager) ServiceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serviceID
}

// SetAttributes merges attrs over the endpoint's static attributes for
// every future join; it does not affect registrars already joined until
// their next rejoin. This is the hook the service package's optional
// self-reported load attributes use (SPEC_FULL.md §4).
func (m *Manager) SetAttributes(attrs map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dynamicAttrs = attrs
}

func (m *Manager) mergedAttributes() map[string]any {
	if len(m.dynamicAttrs) == 0 {
		return m.opt.Endpoint.Attributes
	}
	merged := make(map[string]any, len(m.opt.Endpoint.Attributes)+len(m.dynamicAttrs))
	for k, v := range m.opt.Endpoint.Attributes {
		merged[k] = v
	}
	for k, v := range m.dynamicAttrs {
		merged[k] = v
	}
	return merged
}

// ActiveRegistrars returns a snapshot of the currently active set.
func (m *Manager) ActiveRegistrars() []crow.RegistrarEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crow.RegistrarEndpoint, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, r)
	}
	return out
}

// registrarFetcherLoop is responsibility #1 of §4.4: periodically calls
// the RegistrarSource and resets the active set to (new ∪ active) \
// dead, then hands any genuinely new registrars to the acceptor.
func (m *Manager) registrarFetcherLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opt.FetchInterval)
	defer ticker.Stop()

	m.fetchOnce()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.fetchOnce()
		}
	}
}

func (m *Manager) fetchOnce() {
	if m.opt.Source == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opt.FetchInterval)
	defer cancel()
	fetched, err := m.opt.Source.Endpoints(ctx)
	if err != nil {
		m.log.Warn("registrar source fetch failed", zap.Error(err))
		return
	}

	m.mu.Lock()
	var fresh []crow.RegistrarEndpoint
	for _, ep := range fetched {
		key := ep.String()
		if _, isDead := m.dead[key]; isDead {
			continue
		}
		if _, isActive := m.active[key]; !isActive {
			fresh = append(fresh, ep)
		}
		m.active[key] = ep
	}
	m.mu.Unlock()

	if len(fresh) > 0 {
		select {
		case m.acceptorInput <- fresh:
		case <-m.stop:
		}
	}
}

// serviceAcceptorLoop is responsibility #2: given newly active
// registrars, enqueue join requests for any this service is not yet
// joined to.
func (m *Manager) serviceAcceptorLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case batch := <-m.acceptorInput:
			for _, ep := range batch {
				m.enqueueJoin(ep)
			}
		}
	}
}

func (m *Manager) enqueueJoin(ep crow.RegistrarEndpoint) {
	m.mu.Lock()
	state, joined := m.joins[ep.String()]
	m.mu.Unlock()
	if joined && !state.Expired {
		return
	}
	select {
	case m.pendingJoins <- ep:
	case <-m.stop:
	default:
		m.log.Warn("join queue full, dropping join request", zap.String("registrar", ep.String()))
	}
}

func (m *Manager) linearDelay(base time.Duration) retry.Option {
	return retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
		return base * time.Duration(n+1)
	})
}
