package finder

import (
	"net"
	"testing"
	"time"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/registrar"
	"github.com/crowmesh/crow/registrarsrc"
)

func startTestRegistrar(t *testing.T) (addr string, port int, dir *registrar.Directory) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dir = registrar.New(10 * time.Second)
	srv := registrar.NewServer(dir, nil)
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port, dir
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStandardFindServicesDiscoversRegisteredEndpoint(t *testing.T) {
	addr, port, dir := startTestRegistrar(t)
	reg := dir.HandleJoin(crow.JoinRequest{Address: "127.0.0.1", Port: 5001, ServiceName: "math"}).(crow.Registration)

	f := NewStandard(Options{
		Source:        registrarsrc.NewStatic(crow.RegistrarEndpoint{Address: addr, Port: port}),
		FetchInterval: 50 * time.Millisecond,
		ProbeInterval: 50 * time.Millisecond,
	})
	defer f.Close()

	var eps []crow.ServiceEndpoint
	waitUntil(t, 2*time.Second, func() bool {
		var err error
		eps, err = f.FindServices(crow.ServiceDescriptor{ServiceName: "math"})
		return err == nil && len(eps) == 1
	})
	if eps[0].ServiceID != reg.ServiceID {
		t.Fatalf("got %+v", eps)
	}
}

func TestStandardFindServicesFailsWithNoActiveRegistrars(t *testing.T) {
	f := NewStandard(Options{
		Source:        registrarsrc.NewStatic(),
		FetchInterval: 50 * time.Millisecond,
		ProbeInterval: 50 * time.Millisecond,
	})
	defer f.Close()

	_, err := f.FindServices(crow.ServiceDescriptor{ServiceName: "math"})
	if err == nil {
		t.Fatal("expected an error with no registrars")
	}
}

func TestCachedResetThenRemoveServiceForgetsEndpoint(t *testing.T) {
	c := NewCached(Options{Source: registrarsrc.NewStatic(), FetchInterval: time.Hour, ProbeInterval: time.Hour, CacheTimeout: time.Hour})
	defer c.Close()

	desc := crow.ServiceDescriptor{ServiceName: "store"}
	ep := crow.ServiceEndpoint{Address: "a", Port: 1, ServiceID: "svc-1", ServiceName: "store"}
	c.ResetServices(desc, []crow.ServiceEndpoint{ep})

	got, err := c.FindServices(desc)
	if err != nil || len(got) != 1 {
		t.Fatalf("got %+v, err %v", got, err)
	}

	c.RemoveService(desc, ep)

	c.mu.Lock()
	entry := c.cache[desc.Key()]
	remaining := len(entry.endpoints)
	c.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected endpoint removed from cache, got %d remaining", remaining)
	}
}

func TestCachedFindServicesHitsCacheWithoutDiscovery(t *testing.T) {
	// Source is nil registrars (never resolves), proving a cache hit
	// never needs to reach a registrar.
	c := NewCached(Options{Source: registrarsrc.NewStatic(), FetchInterval: time.Hour, ProbeInterval: time.Hour, CacheTimeout: time.Hour})
	defer c.Close()

	desc := crow.ServiceDescriptor{ServiceName: "store"}
	ep := crow.ServiceEndpoint{Address: "a", Port: 1, ServiceID: "svc-1", ServiceName: "store"}
	c.ResetServices(desc, []crow.ServiceEndpoint{ep})

	got, err := c.FindServices(desc)
	if err != nil {
		t.Fatalf("FindServices: %v", err)
	}
	if len(got) != 1 || got[0].ServiceID != "svc-1" {
		t.Fatalf("got %+v", got)
	}
}
