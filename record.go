// Package crow implements the wire protocol, compaction layer, and shared
// data model of the Crow RPC fabric: a length-framed, tagged-record
// transport carrying requests, results, exceptions, and streaming
// sequences between registrars, services, and clients.
package crow

import "time"

// Kind identifies the record carried by a single frame. Numeric values are
// part of the on-wire contract and must never be renumbered.
type Kind byte

const (
	KindJoinRequest      Kind = 11
	KindRegistration     Kind = 12
	KindHeartBeat        Kind = 13
	KindLease            Kind = 14
	KindLeaseExpired     Kind = 15
	KindInvalidMessage   Kind = 16
	KindRemoteCall       Kind = 17
	KindCallResult       Kind = 18
	KindProtocolError    Kind = 19
	KindCallException    Kind = 20
	KindDiscovery        Kind = 21
	KindServiceFound     Kind = 22
	KindServiceNotFound  Kind = 23
	KindSequentialStart  Kind = 24
	KindSequentialItem   Kind = 25
	KindSequentialEnd    Kind = 26
	KindPing             Kind = 27
	KindAck              Kind = 28
)

func (k Kind) String() string {
	switch k {
	case KindJoinRequest:
		return "JoinRequest"
	case KindRegistration:
		return "Registration"
	case KindHeartBeat:
		return "HeartBeat"
	case KindLease:
		return "Lease"
	case KindLeaseExpired:
		return "LeaseExpired"
	case KindInvalidMessage:
		return "InvalidMessage"
	case KindRemoteCall:
		return "RemoteCall"
	case KindCallResult:
		return "CallResult"
	case KindProtocolError:
		return "ProtocolError"
	case KindCallException:
		return "CallException"
	case KindDiscovery:
		return "Discovery"
	case KindServiceFound:
		return "ServiceFound"
	case KindServiceNotFound:
		return "ServiceNotFound"
	case KindSequentialStart:
		return "SequentialItemStart"
	case KindSequentialItem:
		return "SequentialItem"
	case KindSequentialEnd:
		return "SequentialItemEnd"
	case KindPing:
		return "Ping"
	case KindAck:
		return "Ack"
	default:
		return "Unknown"
	}
}

// Record is any wire record. Kind identifies which concrete type it is so
// a single decode function can switch on the tag instead of relying on
// runtime type dispatch.
type Record interface {
	Kind() Kind
}

// terminal reports whether a record kind ends a reply stream on a
// connection (§4.6): the transport uses this to decide when to release a
// pooled connection back to the pool.
func (k Kind) terminal() bool {
	switch k {
	case KindCallResult, KindSequentialEnd, KindCallException, KindProtocolError,
		KindServiceFound, KindServiceNotFound, KindLease, KindLeaseExpired,
		KindRegistration, KindAck, KindInvalidMessage:
		return true
	default:
		return false
	}
}

// Terminal reports whether a record kind ends a reply stream (§4.6).
func Terminal(k Kind) bool { return k.terminal() }

type JoinRequest struct {
	Address     string
	Port        int
	ServiceID   string
	ServiceName string
	Attributes  map[string]any
}

func (JoinRequest) Kind() Kind { return KindJoinRequest }

type Registration struct {
	ServiceID string
	ExpireAt  time.Time
}

func (Registration) Kind() Kind { return KindRegistration }

type HeartBeat struct {
	ServiceID string
}

func (HeartBeat) Kind() Kind { return KindHeartBeat }

type Lease struct {
	ExpireAt time.Time
}

func (Lease) Kind() Kind { return KindLease }

type LeaseExpired struct {
	ServiceID string
}

func (LeaseExpired) Kind() Kind { return KindLeaseExpired }

type InvalidMessage struct {
	Original []byte
}

func (InvalidMessage) Kind() Kind { return KindInvalidMessage }

type RemoteCall struct {
	TargetNS string
	FnName   string
	Args     []Value
}

func (RemoteCall) Kind() Kind { return KindRemoteCall }

type CallResult struct {
	Obj Value
}

func (CallResult) Kind() Kind { return KindCallResult }

type ProtocolError struct {
	Code    string
	Message string
}

func (ProtocolError) Kind() Kind { return KindProtocolError }

func (e ProtocolError) Error() string { return "protocol error [" + e.Code + "]: " + e.Message }

type CallException struct {
	ExceptionKind string
	StackTrace    string
}

func (CallException) Kind() Kind { return KindCallException }

func (e CallException) Error() string { return "remote exception [" + e.ExceptionKind + "]: " + e.StackTrace }

type Discovery struct {
	ServiceName string
	Attributes  map[string]any
}

func (Discovery) Kind() Kind { return KindDiscovery }

type ServiceFound struct {
	Endpoints []ServiceEndpoint
}

func (ServiceFound) Kind() Kind { return KindServiceFound }

type ServiceNotFound struct {
	ServiceName string
	Attributes  map[string]any
}

func (ServiceNotFound) Kind() Kind { return KindServiceNotFound }

// SequentialStart begins a streaming reply. SequenceID keys the shared
// CompactionContext for every frame of this stream (§9 resolution of the
// sequence-id Open Question).
type SequentialStart struct {
	SequenceID string
}

func (SequentialStart) Kind() Kind { return KindSequentialStart }

type SequentialItem struct {
	SequenceID string
	Obj        Value
}

func (SequentialItem) Kind() Kind { return KindSequentialItem }

type SequentialEnd struct {
	SequenceID string
}

func (SequentialEnd) Kind() Kind { return KindSequentialEnd }

type Ping struct{}

func (Ping) Kind() Kind { return KindPing }

type Ack struct{}

func (Ack) Kind() Kind { return KindAck }

// The ContextChange header §4.2 describes is not its own Kind: it is
// written immediately before the payload object inside the same framed
// record. See compactionCtx and Encoder/Decoder in codec.go for the
// read/write implementation.
