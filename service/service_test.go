package service

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/idstore"
	"github.com/crowmesh/crow/join"
	"github.com/crowmesh/crow/registrar"
	"github.com/crowmesh/crow/registrarsrc"
	"github.com/crowmesh/crow/transport"
)

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

func startRegistrarForService(t *testing.T) (addr string, port int, dir *registrar.Directory) {
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

func startService(t *testing.T, regAddr string, regPort int) (*Service, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	svcAddr := ln.Addr().(*net.TCPAddr)

	reg := NewRegistry()
	reg.Handle("math", "add", func(args []crow.Value) (crow.Value, error) {
		a, _ := args[0].Raw().(int64)
		b, _ := args[1].Raw().(int64)
		return crow.ValueOf(a + b)
	})
	reg.HandleStream("math", "rangeup", func(args []crow.Value, yield func(crow.Value) error) error {
		n, _ := args[0].Raw().(int64)
		for i := int64(0); i < n; i++ {
			v, _ := crow.ValueOf(i)
			if err := yield(v); err != nil {
				return err
			}
		}
		return nil
	})
	reg.Handle("math", "boom", func(args []crow.Value) (crow.Value, error) {
		return crow.Nil, errors.New("kaboom")
	})

	svc := New(Options{
		Registry: reg,
		Join: join.Options{
			Source: registrarsrc.NewStatic(crow.RegistrarEndpoint{Address: regAddr, Port: regPort}),
			Store:  idstore.New(filepath.Join(t.TempDir(), "service-id")),
			Endpoint: crow.ServiceEndpoint{
				Address: svcAddr.IP.String(), Port: svcAddr.Port, ServiceName: "math",
			},
			FetchInterval:     50 * time.Millisecond,
			HeartBeatInterval: 50 * time.Millisecond,
			RejoinInterval:    50 * time.Millisecond,
			ProbeInterval:     50 * time.Millisecond,
			WriteTimeout:      time.Second,
			ReadTimeout:       time.Second,
		},
	})
	go svc.Start(ln)
	t.Cleanup(svc.Stop)
	return svc, ln
}

func TestServiceJoinsAndAnswersUnaryCall(t *testing.T) {
	regAddr, regPort, dir := startRegistrarForService(t)
	svc, ln := startService(t, regAddr, regPort)
	_ = svc

	waitUntil(t, 2*time.Second, func() bool { return dir.Len() == 1 })

	svcAddr := ln.Addr().(*net.TCPAddr)
	tr := transport.New(transport.NewPool(2))

	a, _ := crow.ValueOf(int64(3))
	b, _ := crow.ValueOf(int64(4))
	var result crow.Record
	err := tr.Send(svcAddr.IP.String(), svcAddr.Port, crow.RemoteCall{
		TargetNS: "math", FnName: "add", Args: []crow.Value{a, b},
	}, time.Second, time.Second, func(r crow.Record) error {
		result = r
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	cr, ok := result.(crow.CallResult)
	if !ok {
		t.Fatalf("got %T, want CallResult", result)
	}
	if cr.Obj.Raw() != int64(7) {
		t.Fatalf("got %v, want 7", cr.Obj.Raw())
	}
}

func TestServiceAnswersStreamingCall(t *testing.T) {
	regAddr, regPort, _ := startRegistrarForService(t)
	_, ln := startService(t, regAddr, regPort)

	svcAddr := ln.Addr().(*net.TCPAddr)
	tr := transport.New(transport.NewPool(2))

	n, _ := crow.ValueOf(int64(3))
	var kinds []crow.Kind
	var items []crow.Value
	err := tr.Send(svcAddr.IP.String(), svcAddr.Port, crow.RemoteCall{
		TargetNS: "math", FnName: "rangeup", Args: []crow.Value{n},
	}, time.Second, time.Second, func(r crow.Record) error {
		kinds = append(kinds, r.Kind())
		if item, ok := r.(crow.SequentialItem); ok {
			items = append(items, item.Obj)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := []crow.Kind{crow.KindSequentialStart, crow.KindSequentialItem, crow.KindSequentialItem, crow.KindSequentialItem, crow.KindSequentialEnd}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i, v := range items {
		if v.Raw() != int64(i) {
			t.Fatalf("got %+v", items)
		}
	}
}

func TestServiceTurnsHandlerErrorIntoCallException(t *testing.T) {
	regAddr, regPort, _ := startRegistrarForService(t)
	_, ln := startService(t, regAddr, regPort)

	svcAddr := ln.Addr().(*net.TCPAddr)
	tr := transport.New(transport.NewPool(2))

	var result crow.Record
	err := tr.Send(svcAddr.IP.String(), svcAddr.Port, crow.RemoteCall{
		TargetNS: "math", FnName: "boom",
	}, time.Second, time.Second, func(r crow.Record) error {
		result = r
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := result.(crow.CallException); !ok {
		t.Fatalf("got %T, want CallException", result)
	}
}

func TestServiceRepliesCallExceptionForUnknownFunction(t *testing.T) {
	regAddr, regPort, _ := startRegistrarForService(t)
	_, ln := startService(t, regAddr, regPort)

	svcAddr := ln.Addr().(*net.TCPAddr)
	tr := transport.New(transport.NewPool(2))

	var result crow.Record
	err := tr.Send(svcAddr.IP.String(), svcAddr.Port, crow.RemoteCall{
		TargetNS: "math", FnName: "missing",
	}, time.Second, time.Second, func(r crow.Record) error {
		result = r
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := result.(crow.CallException); !ok {
		t.Fatalf("got %T, want CallException for unknown function", result)
	}
}
