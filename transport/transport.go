// Package transport implements the pooled TCP connection layer of §4.6
// (C5): one idle-connection pool keyed by (address, port), and a single
// send operation that writes one frame and reads frames back until a
// terminal record, a timeout, or an error.
package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/crowmesh/crow"
)

type pooledConn struct {
	conn net.Conn
	enc  *crow.Encoder
	dec  *crow.Decoder
}

// Pool is a two-tier connection cache: a map from "address:port" to a
// small stack of idle connections, grounded on frpc/pool.go's
// ClientPool/ServiceConnectionPool split, simplified to the spec's single
// requirement — pool per (address, port), nothing load-balanced across
// multiple live connections to the same endpoint.
type Pool struct {
	mu      sync.Mutex
	idle    map[string][]*pooledConn
	maxIdle int
}

// NewPool builds a connection pool that keeps up to maxIdle idle
// connections per (address, port) key. maxIdle <= 0 means no connection
// is ever kept idle (every send dials fresh).
func NewPool(maxIdle int) *Pool {
	return &Pool{idle: map[string][]*pooledConn{}, maxIdle: maxIdle}
}

func (p *Pool) acquire(key string, dialTimeout time.Duration) (*pooledConn, error) {
	p.mu.Lock()
	if stack := p.idle[key]; len(stack) > 0 {
		pc := stack[len(stack)-1]
		p.idle[key] = stack[:len(stack)-1]
		p.mu.Unlock()
		return pc, nil
	}
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", key, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", key, err)
	}
	return &pooledConn{conn: conn, enc: crow.NewEncoder(conn), dec: crow.NewDecoder(conn)}, nil
}

func (p *Pool) release(key string, pc *pooledConn) {
	if p.maxIdle <= 0 {
		pc.conn.Close()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle[key]) >= p.maxIdle {
		p.mu.Unlock()
		pc.conn.Close()
		p.mu.Lock()
		return
	}
	p.idle[key] = append(p.idle[key], pc)
}

// Close drains and closes every idle connection in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, stack := range p.idle {
		for _, pc := range stack {
			if err := pc.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(p.idle, key)
	}
	return firstErr
}

// Transport is the send-facing handle callers use; it wraps a Pool with
// the fixed per-call read/write timeouts of §4.6 (T_w, T_r).
type Transport struct {
	pool *Pool
}

func New(pool *Pool) *Transport {
	if pool == nil {
		pool = NewPool(4)
	}
	return &Transport{pool: pool}
}

// Send writes req to address:port with write timeout writeTimeout, then
// reads reply frames with read timeout readTimeout, invoking handle for
// each one, until a terminal record arrives (crow.Terminal), handle
// returns an error, or a read/write error or timeout occurs. The
// connection is closed on any error or timeout and returned to the pool
// only after a clean terminal read, matching §4.6's lifecycle exactly.
func (t *Transport) Send(address string, port int, req crow.Record, writeTimeout, readTimeout time.Duration, handle func(crow.Record) error) error {
	key := net.JoinHostPort(address, strconv.Itoa(port))
	pc, err := t.pool.acquire(key, writeTimeout)
	if err != nil {
		return err
	}

	succeeded := false
	defer func() {
		if succeeded {
			t.pool.release(key, pc)
		} else {
			pc.conn.Close()
		}
	}()

	if err := pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("transport: setting write deadline: %w", err)
	}
	if err := pc.enc.WriteRecord(req); err != nil {
		return fmt.Errorf("transport: writing %s to %s: %w", req.Kind(), key, err)
	}

	for {
		if err := pc.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("transport: setting read deadline: %w", err)
		}
		rec, err := pc.dec.ReadRecord()
		if err != nil {
			return classifyReadErr(key, err)
		}
		if err := handle(rec); err != nil {
			return err
		}
		if crow.Terminal(rec.Kind()) {
			succeeded = true
			return nil
		}
	}
}

func classifyReadErr(key string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("transport: read from %s timed out: %w", key, err)
	}
	return fmt.Errorf("transport: reading from %s: %w", key, err)
}
