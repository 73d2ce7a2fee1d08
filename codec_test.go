package crow

import (
	"bytes"
	"reflect"
	"testing"
	"time"
)

// roundTrip encodes rec then decodes it back, failing the test on either
// half. It returns the decoded record for further field-by-field assertions
// (time.Time round-trips through the 9-byte date encoding at second
// precision, so callers compare against a truncated expectation).
func roundTrip(t *testing.T, rec Record) Record {
	t.Helper()
	var buf bytes.Buffer
	if err := NewEncoder(&buf).WriteRecord(rec); err != nil {
		t.Fatalf("WriteRecord(%T): %v", rec, err)
	}
	got, err := NewDecoder(&buf).ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord(%T): %v", rec, err)
	}
	if got.Kind() != rec.Kind() {
		t.Fatalf("kind mismatch: got %v, want %v", got.Kind(), rec.Kind())
	}
	return got
}

// TestRoundTripEveryKind exercises P1 (decode(encode(R)) = R) for one
// representative record of every Kind the wire protocol defines except
// SequentialItem and SequentialEnd (see TestRoundTripSequentialItem).
func TestRoundTripEveryKind(t *testing.T) {
	exp := time.Date(2026, 7, 31, 12, 30, 45, 0, time.UTC)

	cases := []struct {
		name string
		rec  Record
	}{
		{"JoinRequest", JoinRequest{
			Address: "10.0.0.1", Port: 9001, ServiceID: "svc-1", ServiceName: "math",
			Attributes: map[string]any{"region": "us", "weight": int64(3)},
		}},
		{"Registration", Registration{ServiceID: "svc-1", ExpireAt: exp}},
		{"HeartBeat", HeartBeat{ServiceID: "svc-1"}},
		{"Lease", Lease{ExpireAt: exp}},
		{"LeaseExpired", LeaseExpired{ServiceID: "svc-1"}},
		{"InvalidMessage", InvalidMessage{Original: []byte{0xde, 0xad, 0xbe, 0xef}}},
		{"RemoteCall", RemoteCall{TargetNS: "math", FnName: "add", Args: mustValues(t, int64(2), int64(3))}},
		{"CallResult", CallResult{Obj: mustValue(t, int64(5))}},
		{"ProtocolError", ProtocolError{Code: "bad-attrs", Message: "malformed attribute"}},
		{"CallException", CallException{ExceptionKind: "HandlerError", StackTrace: "boom"}},
		{"Discovery", Discovery{ServiceName: "math", Attributes: map[string]any{"region": "us"}}},
		{"ServiceFound", ServiceFound{Endpoints: []ServiceEndpoint{
			{Address: "10.0.0.1", Port: 9001, ServiceID: "svc-1", ServiceName: "math", Attributes: map[string]any{"region": "us"}},
		}}},
		{"ServiceNotFound", ServiceNotFound{ServiceName: "math", Attributes: map[string]any{}}},
		{"SequentialStart", SequentialStart{SequenceID: "seq-1"}},
		{"Ping", Ping{}},
		{"Ack", Ack{}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := roundTrip(t, c.rec)
			if !reflect.DeepEqual(got, c.rec) {
				t.Fatalf("got %#v, want %#v", got, c.rec)
			}
		})
	}
}

// SequentialItem and SequentialEnd share the sender/receiver's per-stream
// compaction context, so they can't round-trip in isolation via a fresh
// Encoder/Decoder pair the way the other kinds do above; this test
// exercises them in sequence after a SequentialStart instead.
func TestRoundTripSequentialItem(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	start := SequentialStart{SequenceID: "seq-1"}
	if err := enc.WriteRecord(start); err != nil {
		t.Fatalf("WriteRecord(start): %v", err)
	}
	if _, err := dec.ReadRecord(); err != nil {
		t.Fatalf("ReadRecord(start): %v", err)
	}

	item := SequentialItem{SequenceID: "seq-1", Obj: mustValue(t, "hello")}
	if err := enc.WriteRecord(item); err != nil {
		t.Fatalf("WriteRecord(item): %v", err)
	}
	got, err := dec.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord(item): %v", err)
	}
	if !reflect.DeepEqual(got, item) {
		t.Fatalf("got %#v, want %#v", got, item)
	}

	end := SequentialEnd{SequenceID: "seq-1"}
	if err := enc.WriteRecord(end); err != nil {
		t.Fatalf("WriteRecord(end): %v", err)
	}
	got, err = dec.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord(end): %v", err)
	}
	if !reflect.DeepEqual(got, end) {
		t.Fatalf("got %#v, want %#v", got, end)
	}
}

// TestRoundTripNestedMapValue exercises the nested-map half of P6: a value
// containing maps inside maps inside a list round-trips through a single
// frame's compaction context.
func TestRoundTripNestedMapValue(t *testing.T) {
	inner := newValue(map[string]Value{
		"x": mustValue(t, int64(1)),
		"y": mustValue(t, int64(2)),
	})
	outer := newValue(map[string]Value{
		"point": inner,
		"label": mustValue(t, "origin"),
		"tags":  newValue([]Value{mustValue(t, "a"), mustValue(t, "b")}),
	})

	got := roundTrip(t, CallResult{Obj: outer})
	gotResult, ok := got.(CallResult)
	if !ok {
		t.Fatalf("got %T, want CallResult", got)
	}
	if !reflect.DeepEqual(gotResult.Obj, outer) {
		t.Fatalf("got %#v, want %#v", gotResult.Obj, outer)
	}
}

// TestSequentialStreamSharesCompactionContext exercises P6's streaming
// clause: a SequentialStart...End burst where later items reuse map keys
// bound by an earlier item's ContextChange header must still round-trip,
// since the dictionary is shared for the life of the sequence rather than
// repeated on every frame.
func TestSequentialStreamSharesCompactionContext(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	dec := NewDecoder(&buf)

	seqID := "seq-shared"
	if err := enc.WriteRecord(SequentialStart{SequenceID: seqID}); err != nil {
		t.Fatalf("WriteRecord(start): %v", err)
	}
	if _, err := dec.ReadRecord(); err != nil {
		t.Fatalf("ReadRecord(start): %v", err)
	}

	items := []Value{
		newValue(map[string]Value{"n": mustValue(t, int64(0))}),
		newValue(map[string]Value{"n": mustValue(t, int64(1))}),
		newValue(map[string]Value{"n": mustValue(t, int64(2))}),
	}
	for i, v := range items {
		rec := SequentialItem{SequenceID: seqID, Obj: v}
		if err := enc.WriteRecord(rec); err != nil {
			t.Fatalf("WriteRecord(item %d): %v", i, err)
		}
		got, err := dec.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord(item %d): %v", i, err)
		}
		gotItem, ok := got.(SequentialItem)
		if !ok {
			t.Fatalf("item %d: got %T, want SequentialItem", i, got)
		}
		if !reflect.DeepEqual(gotItem.Obj, v) {
			t.Fatalf("item %d: got %#v, want %#v", i, gotItem.Obj, v)
		}
	}

	if err := enc.WriteRecord(SequentialEnd{SequenceID: seqID}); err != nil {
		t.Fatalf("WriteRecord(end): %v", err)
	}
	if _, err := dec.ReadRecord(); err != nil {
		t.Fatalf("ReadRecord(end): %v", err)
	}
}

// TestSequentialItemForUnknownSequenceIsProtocolFailure covers §7's
// context-violation branch: a SequentialItem naming a sequence the decoder
// never saw a SequentialStart for must fail as a protocol error, not panic
// or silently decode garbage.
func TestSequentialItemForUnknownSequenceIsProtocolFailure(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.streams["seq-ghost"] = newCompactionCtx()
	if err := enc.WriteRecord(SequentialItem{SequenceID: "seq-ghost", Obj: mustValue(t, "x")}); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	_, err := NewDecoder(&buf).ReadRecord()
	if err == nil {
		t.Fatal("expected an error decoding SequentialItem for an unstarted sequence")
	}
	df, ok := err.(*DecodeFailure)
	if !ok {
		t.Fatalf("got %T, want *DecodeFailure", err)
	}
	if !df.Protocol {
		t.Fatalf("got Protocol=false, want true (code %q)", df.Code)
	}
}

func mustValue(t *testing.T, v any) Value {
	t.Helper()
	val, err := ValueOf(v)
	if err != nil {
		t.Fatalf("ValueOf(%v): %v", v, err)
	}
	return val
}

func mustValues(t *testing.T, vs ...any) []Value {
	t.Helper()
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = mustValue(t, v)
	}
	return out
}
