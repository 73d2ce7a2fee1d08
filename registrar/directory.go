// Package registrar implements the directory server of §4.3 (C6): a
// lease map keyed by service-id, an expiration sweep loop, and the
// JoinRequest/HeartBeat/Discovery/Ping handlers that produce the reply
// records the transport writes back.
package registrar

import (
	"sync"
	"time"

	"github.com/pochard/commons/randstr"

	"github.com/crowmesh/crow"
)

// Directory holds the registrar's lease map (§3's "mapping service-id →
// LeaseRecord", §5's "protected by a mutex-guarded region").
type Directory struct {
	mu      sync.RWMutex
	leases  map[string]crow.LeaseRecord
	renewal time.Duration

	now func() time.Time
}

// New builds an empty Directory with the given lease length (renewal-ms
// in §4.3's terms).
func New(renewal time.Duration) *Directory {
	return &Directory{
		leases:  map[string]crow.LeaseRecord{},
		renewal: renewal,
		now:     time.Now,
	}
}

func mintServiceID() string {
	return "svc-" + randstr.RandomAlphanumeric(16)
}

// HandleJoin implements §4.3's JoinRequest operation.
func (d *Directory) HandleJoin(req crow.JoinRequest) crow.Record {
	if err := validateJoinRequest(req); err != nil {
		return crow.ProtocolError{Code: "bad-join-request", Message: err.Error()}
	}

	id := req.ServiceID
	if id == "" {
		id = mintServiceID()
	}
	expireAt := d.now().Add(d.renewal)

	d.mu.Lock()
	d.leases[id] = crow.LeaseRecord{
		Endpoint: crow.ServiceEndpoint{
			Address:     req.Address,
			Port:        req.Port,
			ServiceID:   id,
			ServiceName: req.ServiceName,
			Attributes:  req.Attributes,
		},
		ExpireAt: expireAt,
	}
	d.mu.Unlock()

	return crow.Registration{ServiceID: id, ExpireAt: expireAt}
}

// HandleHeartBeat implements §4.3's HeartBeat operation. The absent case
// (service swept or never seen) is normal recovery, not an error — it
// replies LeaseExpired, not ProtocolError.
func (d *Directory) HandleHeartBeat(hb crow.HeartBeat) crow.Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	lease, ok := d.leases[hb.ServiceID]
	if !ok {
		return crow.LeaseExpired{ServiceID: hb.ServiceID}
	}
	lease.ExpireAt = d.now().Add(d.renewal)
	d.leases[hb.ServiceID] = lease
	return crow.Lease{ExpireAt: lease.ExpireAt}
}

// HandleDiscovery implements §4.3's Discovery operation and P5: the
// endpoint's attribute map must be a superset of the query attributes,
// and expired leases are never returned (read-side enforcement of P3).
func (d *Directory) HandleDiscovery(disc crow.Discovery) crow.Record {
	if err := validateDiscovery(disc); err != nil {
		return crow.ProtocolError{Code: "bad-discovery", Message: err.Error()}
	}

	now := d.now()
	d.mu.RLock()
	var found []crow.ServiceEndpoint
	for _, lease := range d.leases {
		if lease.Expired(now) {
			continue
		}
		if lease.Endpoint.Matches(disc.ServiceName, disc.Attributes) {
			found = append(found, lease.Endpoint)
		}
	}
	d.mu.RUnlock()

	if len(found) == 0 {
		return crow.ServiceNotFound{ServiceName: disc.ServiceName, Attributes: disc.Attributes}
	}
	return crow.ServiceFound{Endpoints: found}
}

// HandlePing implements §4.3's Ping operation.
func (d *Directory) HandlePing(crow.Ping) crow.Record {
	return crow.Ack{}
}

// Sweep removes every lease expired as of now, implementing the
// expiration sweep loop's single pass (§4.3, P3).
func (d *Directory) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, lease := range d.leases {
		if lease.Expired(now) {
			delete(d.leases, id)
		}
	}
}

// RunSweep loops Sweep every watchInterval until stop is closed,
// implementing §4.3's "sweep runs concurrently with request handlers"
// background loop.
func (d *Directory) RunSweep(watchInterval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			d.Sweep(t)
		}
	}
}

// Len reports the number of leases currently held, including expired
// ones the sweep has not yet removed; used by tests and health reporting.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.leases)
}
