package transport

import (
	"net"
	"testing"
	"time"

	"github.com/crowmesh/crow"
)

// serveOnce accepts exactly one connection, decodes one record, and
// writes back the given reply records in order.
func serveOnce(t *testing.T, ln net.Listener, replies []crow.Record) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	dec := crow.NewDecoder(conn)
	if _, err := dec.ReadRecord(); err != nil {
		t.Errorf("server: reading request: %v", err)
		return
	}
	enc := crow.NewEncoder(conn)
	for _, r := range replies {
		if err := enc.WriteRecord(r); err != nil {
			t.Errorf("server: writing reply: %v", err)
			return
		}
	}
}

func TestSendDeliversSingleTerminalRecord(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	v, _ := crow.ValueOf(int64(5))
	go serveOnce(t, ln, []crow.Record{crow.CallResult{Obj: v}})

	addr := ln.Addr().(*net.TCPAddr)
	tr := New(NewPool(2))

	var got []crow.Record
	err = tr.Send(addr.IP.String(), addr.Port, crow.Ping{}, time.Second, time.Second, func(r crow.Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if _, ok := got[0].(crow.CallResult); !ok {
		t.Fatalf("got %T, want CallResult", got[0])
	}
}

func TestSendStopsAtTerminalAmongMultipleFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	v1, _ := crow.ValueOf(int64(1))
	seq := "seq-1"
	go serveOnce(t, ln, []crow.Record{
		crow.SequentialStart{SequenceID: seq},
		crow.SequentialItem{SequenceID: seq, Obj: v1},
		crow.SequentialEnd{SequenceID: seq},
	})

	addr := ln.Addr().(*net.TCPAddr)
	tr := New(NewPool(2))

	var kinds []crow.Kind
	err = tr.Send(addr.IP.String(), addr.Port, crow.Ping{}, time.Second, time.Second, func(r crow.Record) error {
		kinds = append(kinds, r.Kind())
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := []crow.Kind{crow.KindSequentialStart, crow.KindSequentialItem, crow.KindSequentialEnd}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("got %v, want %v", kinds, want)
		}
	}
}

func TestSendErrorsOnConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // free the port so nothing is listening

	tr := New(NewPool(2))
	err = tr.Send(addr.IP.String(), addr.Port, crow.Ping{}, 200*time.Millisecond, 200*time.Millisecond, func(crow.Record) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected an error connecting to a closed port")
	}
}
