package service

import "github.com/crowmesh/crow"

// Handler answers a single RemoteCall with one value, mirroring §9's
// "handlers declare their argument/result types" resolution: the wire
// format is fixed (crow.Value), and user code is the external
// collaborator the spec names in §1.
type Handler func(args []crow.Value) (crow.Value, error)

// StreamHandler answers a RemoteCall with an ordered sequence, delivered
// one value at a time via yield. A non-nil return from yield means the
// caller went away (or the connection failed) and the handler should stop
// producing.
type StreamHandler func(args []crow.Value, yield func(crow.Value) error) error

type registration struct {
	handler Handler
	stream  StreamHandler
}

// Registry maps (target-ns, fn-name) pairs to handlers. It is the
// dispatch table a Service consults for every incoming RemoteCall.
type Registry struct {
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]registration{}}
}

func key(targetNS, fnName string) string { return targetNS + "/" + fnName }

// Handle registers a unary handler for (targetNS, fnName).
func (r *Registry) Handle(targetNS, fnName string, h Handler) {
	r.entries[key(targetNS, fnName)] = registration{handler: h}
}

// HandleStream registers a streaming handler for (targetNS, fnName).
func (r *Registry) HandleStream(targetNS, fnName string, h StreamHandler) {
	r.entries[key(targetNS, fnName)] = registration{stream: h}
}

func (r *Registry) lookup(targetNS, fnName string) (registration, bool) {
	reg, ok := r.entries[key(targetNS, fnName)]
	return reg, ok
}
