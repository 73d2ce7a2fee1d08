package registrar

import (
	"errors"
	"net"
	"sync"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/clog"
	"go.uber.org/zap"
)

// Server accepts connections and dispatches each frame to a Directory
// handler, replying with the resulting record on the same connection.
// A connection serves frames in a loop until the peer closes it or a
// read error occurs — apart from Drain, the registrar never initiates a
// close itself,
// matching §4.6's "the transport... closes on terminal record, timeout,
// or error" from the sender's perspective, not the receiver's.
type Server struct {
	dir *Directory
	log *clog.Logger

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool
}

func NewServer(dir *Directory, log *clog.Logger) *Server {
	if log == nil {
		log = clog.Default()
	}
	return &Server{dir: dir, log: log, conns: map[net.Conn]struct{}{}}
}

// Serve accepts connections from ln until it's closed (the caller closes
// ln to stop accepting, typically as part of graceful shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.log.Debug("accepted connection", zap.String("remote", conn.RemoteAddr().String()))
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Drain closes every currently tracked connection, letting in-flight
// replies that have already been written finish delivering before the
// TCP layer tears the socket down (§6.4's "drain in-flight responses").
func (s *Server) Drain() {
	s.mu.Lock()
	s.draining = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.track(conn, false)
	}()

	dec := crow.NewDecoder(conn)
	enc := crow.NewEncoder(conn)

	for {
		rec, err := dec.ReadRecord()
		if err != nil {
			var df *crow.DecodeFailure
			if errors.As(err, &df) {
				reply := s.replyForDecodeFailure(df)
				if werr := enc.WriteRecord(reply); werr != nil {
					return
				}
				continue
			}
			return
		}

		reply := s.dispatch(rec)
		if _, isErr := reply.(crow.ProtocolError); isErr {
			s.log.Warn("rejecting request", zap.Stringer("request-kind", rec.Kind()), zap.Any("reply", reply))
		}
		if err := enc.WriteRecord(reply); err != nil {
			return
		}
	}
}

func (s *Server) replyForDecodeFailure(df *crow.DecodeFailure) crow.Record {
	if df.Protocol {
		return crow.ProtocolError{Code: df.Code, Message: df.Error()}
	}
	return crow.InvalidMessage{Original: df.Raw}
}

func (s *Server) dispatch(rec crow.Record) crow.Record {
	switch r := rec.(type) {
	case crow.JoinRequest:
		return s.dir.HandleJoin(r)
	case crow.HeartBeat:
		return s.dir.HandleHeartBeat(r)
	case crow.Discovery:
		return s.dir.HandleDiscovery(r)
	case crow.Ping:
		return s.dir.HandlePing(r)
	default:
		return crow.ProtocolError{Code: "unexpected-record", Message: "registrar does not accept " + rec.Kind().String() + " requests"}
	}
}
