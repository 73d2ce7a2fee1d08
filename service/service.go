// Package service ties the join manager (C7) and a RemoteCall dispatch
// loop together into a runnable Crow service: something that joins
// registrars and answers calls for its registered handlers. No single
// teacher file plays this role; it is new composition code built from
// join's public API plus a registrar-style per-connection decode/dispatch
// loop (registrar/server.go), generalized to invoke user handlers instead
// of directory operations.
package service

import (
	"net"
	"sync"
	"time"

	"github.com/crowmesh/crow/clog"
	"github.com/crowmesh/crow/join"
)

// Options configures a Service.
type Options struct {
	Join     join.Options
	Registry *Registry
	Log      *clog.Logger

	// LoadAttrInterval enables periodic cpu/mem self-reporting when
	// non-zero (SPEC_FULL.md §4's supplemented load-attribute feature).
	LoadAttrInterval time.Duration
}

// Service runs a join manager and a call-handling listener side by side.
type Service struct {
	opt Options
	mgr *join.Manager
	h   *handler
	log *clog.Logger
	ln  net.Listener

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opt Options) *Service {
	log := opt.Log
	if log == nil {
		log = clog.Default()
	}
	if opt.Registry == nil {
		opt.Registry = NewRegistry()
	}
	opt.Join.Log = log
	return &Service{
		opt:  opt,
		mgr:  join.New(opt.Join),
		h:    newHandler(opt.Registry, log),
		log:  log,
		stop: make(chan struct{}),
	}
}

// Registry returns the dispatch table handlers are registered on. Call
// this before Start.
func (s *Service) Registry() *Registry { return s.opt.Registry }

// JoinManager exposes the underlying join.Manager for callers that need
// ServiceID() or ActiveRegistrars().
func (s *Service) JoinManager() *join.Manager { return s.mgr }

// Start begins joining registrars and serving RemoteCall/Ping on ln. It
// returns once the listener is closed or accept fails.
func (s *Service) Start(ln net.Listener) error {
	s.ln = ln
	if err := s.mgr.Start(); err != nil {
		return err
	}
	if s.opt.LoadAttrInterval > 0 {
		s.wg.Add(1)
		go s.loadAttrLoop()
	}
	return s.h.serve(ln)
}

// Stop closes the listener, drains in-flight connections, stops the join
// manager, and stops the optional load-attribute loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.ln != nil {
		s.ln.Close()
	}
	s.h.drain()
	s.mgr.Stop()
	s.wg.Wait()
}
