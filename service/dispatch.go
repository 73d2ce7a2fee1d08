package service

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/clog"
)

// handler accepts connections and dispatches each RemoteCall/Ping frame
// to the Registry, writing the resulting record(s) back on the same
// connection — the Service-side mirror of registrar.Server, but serving
// user handlers instead of directory operations.
type handler struct {
	reg *Registry
	log *clog.Logger

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool
}

func newHandler(reg *Registry, log *clog.Logger) *handler {
	return &handler{reg: reg, log: log, conns: map[net.Conn]struct{}{}}
}

func (h *handler) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		h.track(conn, true)
		go h.handleConn(conn)
	}
}

func (h *handler) track(conn net.Conn, add bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		h.conns[conn] = struct{}{}
	} else {
		delete(h.conns, conn)
	}
}

func (h *handler) drain() {
	h.mu.Lock()
	h.draining = true
	conns := make([]net.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (h *handler) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		h.track(conn, false)
	}()

	dec := crow.NewDecoder(conn)
	enc := crow.NewEncoder(conn)

	for {
		rec, err := dec.ReadRecord()
		if err != nil {
			var df *crow.DecodeFailure
			if errors.As(err, &df) {
				if werr := enc.WriteRecord(replyForDecodeFailure(df)); werr != nil {
					return
				}
				continue
			}
			return
		}

		if err := h.dispatch(rec, enc); err != nil {
			return
		}
	}
}

func replyForDecodeFailure(df *crow.DecodeFailure) crow.Record {
	if df.Protocol {
		return crow.ProtocolError{Code: df.Code, Message: df.Error()}
	}
	return crow.InvalidMessage{Original: df.Raw}
}

// dispatch handles exactly one request frame, writing its full reply
// (one record for a unary call, a bracketed stream for a streaming one)
// before returning. A non-nil error means the connection is no longer
// usable and handleConn should stop serving it.
func (h *handler) dispatch(rec crow.Record, enc *crow.Encoder) error {
	switch r := rec.(type) {
	case crow.Ping:
		return enc.WriteRecord(crow.Ack{})
	case crow.RemoteCall:
		return h.dispatchCall(r, enc)
	default:
		return enc.WriteRecord(crow.ProtocolError{Code: "unexpected-record", Message: "service does not accept " + rec.Kind().String() + " requests"})
	}
}

func (h *handler) dispatchCall(call crow.RemoteCall, enc *crow.Encoder) (err error) {
	reg, ok := h.reg.lookup(call.TargetNS, call.FnName)
	if !ok {
		return enc.WriteRecord(crow.CallException{ExceptionKind: "NoSuchFunction", StackTrace: call.TargetNS + "/" + call.FnName})
	}

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panicked", zap.String("target-ns", call.TargetNS), zap.String("fn", call.FnName), zap.Any("recover", r))
			err = enc.WriteRecord(crow.CallException{ExceptionKind: "Panic", StackTrace: fmt.Sprint(r)})
		}
	}()

	if reg.handler != nil {
		result, callErr := reg.handler(call.Args)
		if callErr != nil {
			return enc.WriteRecord(crow.CallException{ExceptionKind: "HandlerError", StackTrace: callErr.Error()})
		}
		return enc.WriteRecord(crow.CallResult{Obj: result})
	}

	return h.dispatchStream(reg.stream, call, enc)
}

func (h *handler) dispatchStream(stream StreamHandler, call crow.RemoteCall, enc *crow.Encoder) error {
	seq := crow.NewSequenceID()
	if err := enc.WriteRecord(crow.SequentialStart{SequenceID: seq}); err != nil {
		return err
	}

	yield := func(v crow.Value) error {
		return enc.WriteRecord(crow.SequentialItem{SequenceID: seq, Obj: v})
	}

	if err := stream(call.Args, yield); err != nil {
		return enc.WriteRecord(crow.CallException{ExceptionKind: "HandlerError", StackTrace: err.Error()})
	}
	return enc.WriteRecord(crow.SequentialEnd{SequenceID: seq})
}
