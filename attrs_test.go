package crow

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestEncodeParseAttrsRoundTrip(t *testing.T) {
	in := map[string]any{
		"region":  "us-west",
		"weight":  int64(7),
		"latency": 12.5,
		"healthy": true,
	}
	s, err := EncodeAttrs(in)
	if err != nil {
		t.Fatalf("EncodeAttrs: %v", err)
	}
	got, err := ParseAttrs(s)
	if err != nil {
		t.Fatalf("ParseAttrs(%q): %v", s, err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("got %#v, want %#v", got, in)
	}
}

func TestEncodeAttrsEmpty(t *testing.T) {
	s, err := EncodeAttrs(nil)
	if err != nil {
		t.Fatalf("EncodeAttrs(nil): %v", err)
	}
	if s != "" {
		t.Fatalf("got %q, want empty string", s)
	}
	got, err := ParseAttrs(s)
	if err != nil {
		t.Fatalf("ParseAttrs(%q): %v", s, err)
	}
	if len(got) != 0 {
		t.Fatalf("got %#v, want empty map", got)
	}
}

func TestEncodeAttrsRejectsReservedKeyCharacter(t *testing.T) {
	_, err := EncodeAttrs(map[string]any{"bad=key": "x"})
	if err == nil {
		t.Fatal("expected an error for a key containing '='")
	}
}

func TestParseAttrsRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"noequalssign",
		"=novalue",
		"novalue=",
		"k=zunknowntag",
		"k=itotallynotanumber",
		"k=s1;",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			if _, err := ParseAttrs(s); err == nil {
				t.Fatalf("ParseAttrs(%q): expected an error", s)
			}
		})
	}
}

// TestJoinRequestBadAttrsIsProtocolFailure covers §7's malformed-attributes
// branch end to end through the codec: a JoinRequest frame whose attribute
// string fails ParseAttrs must decode as a *DecodeFailure with Protocol set,
// so the caller answers with ProtocolError rather than InvalidMessage.
func TestJoinRequestBadAttrsIsProtocolFailure(t *testing.T) {
	var body []byte
	body = appendString(body, "10.0.0.1")
	body = appendInt32(body, 9001)
	body = appendString(body, "svc-1")
	body = appendString(body, "math")
	body = appendString(body, "not-valid-attrs") // missing '=' entirely

	frame := append([]byte{byte(KindJoinRequest)}, body...)
	var wire bytes.Buffer
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(frame)))
	wire.Write(lenPrefix[:])
	wire.Write(frame)

	_, err := NewDecoder(&wire).ReadRecord()
	if err == nil {
		t.Fatal("expected an error for malformed attribute text")
	}
	df, ok := err.(*DecodeFailure)
	if !ok {
		t.Fatalf("got %T, want *DecodeFailure", err)
	}
	if !df.Protocol || df.Code != "bad-attrs" {
		t.Fatalf("got Protocol=%v Code=%q, want Protocol=true Code=\"bad-attrs\"", df.Protocol, df.Code)
	}
}

func appendString(b []byte, s string) []byte {
	return appendBytes(b, []byte(s))
}

func appendBytes(b []byte, v []byte) []byte {
	b = appendInt32(b, int32(len(v)))
	return append(b, v...)
}

func appendInt32(b []byte, v int32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
