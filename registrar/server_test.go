package registrar

import (
	"net"
	"testing"
	"time"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/transport"
)

func startTestServer(t *testing.T, dir *Directory) (addr string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(dir, nil)
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func TestServerJoinThenDiscoveryOverTheWire(t *testing.T) {
	dir := New(10 * time.Second)
	addr, port := startTestServer(t, dir)
	tr := transport.New(transport.NewPool(2))

	var reg crow.Registration
	err := tr.Send(addr, port, crow.JoinRequest{
		Address: "127.0.0.1", Port: 5001, ServiceName: "math",
	}, time.Second, time.Second, func(r crow.Record) error {
		reg = r.(crow.Registration)
		return nil
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if reg.ServiceID == "" {
		t.Fatal("expected a minted service id")
	}

	var found crow.ServiceFound
	err = tr.Send(addr, port, crow.Discovery{ServiceName: "math"}, time.Second, time.Second, func(r crow.Record) error {
		sf, ok := r.(crow.ServiceFound)
		if !ok {
			t.Fatalf("got %T, want ServiceFound", r)
		}
		found = sf
		return nil
	})
	if err != nil {
		t.Fatalf("discovery: %v", err)
	}
	if len(found.Endpoints) != 1 || found.Endpoints[0].ServiceID != reg.ServiceID {
		t.Fatalf("got %+v", found.Endpoints)
	}
}

func TestServerPingOverTheWire(t *testing.T) {
	dir := New(10 * time.Second)
	addr, port := startTestServer(t, dir)
	tr := transport.New(transport.NewPool(2))

	sawAck := false
	err := tr.Send(addr, port, crow.Ping{}, time.Second, time.Second, func(r crow.Record) error {
		_, sawAck = r.(crow.Ack)
		return nil
	})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !sawAck {
		t.Fatal("expected Ack")
	}
}
