package join

import (
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/crowmesh/crow"
)

// joinProcessorLoop is responsibility #3: consumes queued join requests,
// sends JoinRequest, and on Registration commits the lease locally
// before persisting service-id (the ordering contract in §4.4). On
// persistent send failure it marks the registrar dead rather than
// propagating the error to the join manager's caller.
func (m *Manager) joinProcessorLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case ep := <-m.pendingJoins:
			m.processJoin(ep)
		}
	}
}

func (m *Manager) processJoin(ep crow.RegistrarEndpoint) {
	m.mu.Lock()
	serviceID := m.serviceID
	endpoint := m.opt.Endpoint
	attrs := m.mergedAttributes()
	m.mu.Unlock()

	var reg crow.Registration
	var gotReply bool
	err := retry.Do(func() error {
		return m.tr.Send(ep.Address, ep.Port, crow.JoinRequest{
			Address:     endpoint.Address,
			Port:        endpoint.Port,
			ServiceID:   serviceID,
			ServiceName: endpoint.ServiceName,
			Attributes:  attrs,
		}, m.opt.WriteTimeout, m.opt.ReadTimeout, func(r crow.Record) error {
			switch v := r.(type) {
			case crow.Registration:
				reg, gotReply = v, true
			case crow.ProtocolError:
				return v
			}
			return nil
		})
	}, retry.Attempts(m.opt.RetryAttempts), m.linearDelay(200*time.Millisecond))

	if err != nil || !gotReply {
		m.log.Warn("join failed, marking registrar dead", zap.String("registrar", ep.String()), zap.Error(err))
		m.markDead(ep)
		return
	}

	m.mu.Lock()
	m.joins[ep.String()] = JoinState{ExpireAt: reg.ExpireAt}
	newID := m.serviceID == "" && reg.ServiceID != ""
	if newID {
		m.serviceID = reg.ServiceID
	}
	m.mu.Unlock()

	if newID && m.opt.Store != nil {
		if err := m.opt.Store.Save(reg.ServiceID); err != nil {
			m.log.Error("persisting service-id failed (join remains valid)", zap.Error(err))
		}
	}
}

func (m *Manager) markDead(ep crow.RegistrarEndpoint) {
	m.mu.Lock()
	delete(m.active, ep.String())
	delete(m.joins, ep.String())
	m.dead[ep.String()] = ep
	m.mu.Unlock()
}

func (m *Manager) markRevived(ep crow.RegistrarEndpoint) {
	m.mu.Lock()
	delete(m.dead, ep.String())
	m.active[ep.String()] = ep
	m.mu.Unlock()
	m.enqueueJoin(ep)
}

// heartBeatProcessorLoop is responsibility #4: on each tick, sends
// HeartBeat for every joined pair within heart-beat-buffer of expiry.
func (m *Manager) heartBeatProcessorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opt.HeartBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.heartBeatOnce()
		}
	}
}

func (m *Manager) heartBeatOnce() {
	now := time.Now()
	m.mu.Lock()
	serviceID := m.serviceID
	due := make([]crow.RegistrarEndpoint, 0)
	for key, state := range m.joins {
		if state.Expired {
			continue
		}
		if state.ExpireAt.Sub(now) <= m.opt.HeartBeatBuffer {
			if ep, ok := m.active[key]; ok {
				due = append(due, ep)
			}
		}
	}
	m.mu.Unlock()

	if serviceID == "" {
		return
	}
	for _, ep := range due {
		m.sendHeartBeat(ep, serviceID)
	}
}

func (m *Manager) sendHeartBeat(ep crow.RegistrarEndpoint, serviceID string) {
	var expired bool
	var newExpireAt time.Time
	err := m.tr.Send(ep.Address, ep.Port, crow.HeartBeat{ServiceID: serviceID}, m.opt.WriteTimeout, m.opt.ReadTimeout, func(r crow.Record) error {
		switch v := r.(type) {
		case crow.Lease:
			newExpireAt = v.ExpireAt
		case crow.LeaseExpired:
			expired = true
		}
		return nil
	})
	if err != nil {
		m.log.Warn("heart-beat failed, marking registrar dead", zap.String("registrar", ep.String()), zap.Error(err))
		m.markDead(ep)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if expired {
		m.joins[ep.String()] = JoinState{Expired: true}
		return
	}
	m.joins[ep.String()] = JoinState{ExpireAt: newExpireAt}
}

// rejoinLoop is responsibility #5: periodically re-sends joins for
// expired pairs and for active registrars this service has never
// successfully joined.
func (m *Manager) rejoinLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opt.RejoinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.rejoinOnce()
		}
	}
}

func (m *Manager) rejoinOnce() {
	m.mu.Lock()
	var toRejoin []crow.RegistrarEndpoint
	for key, ep := range m.active {
		state, joined := m.joins[key]
		if !joined || state.Expired {
			toRejoin = append(toRejoin, ep)
		}
	}
	m.mu.Unlock()

	for _, ep := range toRejoin {
		m.enqueueJoin(ep)
	}
}

// deadRegistrarProberLoop is responsibility #6: pings every dead
// registrar; an Ack moves it back to active (P4) and enqueues a fresh
// join for it.
func (m *Manager) deadRegistrarProberLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opt.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeOnce()
		}
	}
}

func (m *Manager) probeOnce() {
	m.mu.Lock()
	dead := make([]crow.RegistrarEndpoint, 0, len(m.dead))
	for _, ep := range m.dead {
		dead = append(dead, ep)
	}
	m.mu.Unlock()

	for _, ep := range dead {
		var acked bool
		err := m.tr.Send(ep.Address, ep.Port, crow.Ping{}, m.opt.WriteTimeout, m.opt.ReadTimeout, func(r crow.Record) error {
			_, acked = r.(crow.Ack)
			return nil
		})
		if err == nil && acked {
			m.markRevived(ep)
		}
	}
}
