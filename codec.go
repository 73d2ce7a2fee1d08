package crow

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// maxFrameSize bounds a single frame's body so a corrupt or hostile length
// prefix can't force an unbounded allocation.
const maxFrameSize = 64 << 20

// DecodeFailure distinguishes the two decode-error outcomes §7 names:
// a "protocol" failure (context-change violation, malformed attributes)
// that the caller should answer with ProtocolError, versus any other
// decode problem that should be answered with InvalidMessage carrying the
// offending bytes.
type DecodeFailure struct {
	Protocol bool
	Code     string
	Raw      []byte
	Err      error
}

func (d *DecodeFailure) Error() string { return d.Err.Error() }
func (d *DecodeFailure) Unwrap() error { return d.Err }

func invalidFailure(raw []byte, err error) error {
	return &DecodeFailure{Protocol: false, Raw: raw, Err: err}
}

func protocolFailure(raw []byte, code string, err error) error {
	return &DecodeFailure{Protocol: true, Code: code, Raw: raw, Err: err}
}

// compactionCtx is the per-stream key dictionary of §4.2/§3. ensure mints
// a fresh id for a key absent from the map; once minted an id is never
// reused within the same context (the invariant the spec calls out
// explicitly), so ensure only ever increments lastID.
type compactionCtx struct {
	keymap  map[string]uint32
	byID    map[uint32]string
	lastID  uint32
}

func newCompactionCtx() *compactionCtx {
	return &compactionCtx{keymap: map[string]uint32{}, byID: map[uint32]string{}}
}

func (c *compactionCtx) ensure(key string) (id uint32, added bool) {
	if id, ok := c.keymap[key]; ok {
		return id, false
	}
	c.lastID++
	id = c.lastID
	c.keymap[key] = id
	c.byID[id] = key
	return id, true
}

func (c *compactionCtx) applyDelta(added map[string]uint32) error {
	for k, id := range added {
		if existing, ok := c.keymap[k]; ok && existing != id {
			return fmt.Errorf("crow: context delta rebinds key %q from id %d to %d", k, existing, id)
		}
		c.keymap[k] = id
		c.byID[id] = k
		if id > c.lastID {
			c.lastID = id
		}
	}
	return nil
}

func (c *compactionCtx) lookup(id uint32) (string, bool) {
	k, ok := c.byID[id]
	return k, ok
}

// Encoder writes framed records to an underlying connection, maintaining
// one CompactionContext per in-flight streaming sequence (§4.2, §5's
// "compaction context is per-stream" rule).
type Encoder struct {
	w       *bufio.Writer
	streams map[string]*compactionCtx
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w), streams: map[string]*compactionCtx{}}
}

// WriteRecord encodes rec as a single length-prefixed frame and flushes it.
func (e *Encoder) WriteRecord(rec Record) error {
	var body bytes.Buffer
	body.WriteByte(byte(rec.Kind()))
	if err := e.encodeBody(&body, rec); err != nil {
		return err
	}
	if body.Len() > maxFrameSize {
		return fmt.Errorf("crow: encoded frame of %d bytes exceeds max frame size", body.Len())
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(body.Len()))
	if _, err := e.w.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := e.w.Write(body.Bytes()); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) encodeBody(buf *bytes.Buffer, rec Record) error {
	switch r := rec.(type) {
	case JoinRequest:
		writeString(buf, r.Address)
		writeInt32(buf, int32(r.Port))
		writeString(buf, r.ServiceID)
		writeString(buf, r.ServiceName)
		return writeAttrs(buf, r.Attributes)
	case Registration:
		writeString(buf, r.ServiceID)
		writeDate(buf, r.ExpireAt)
	case HeartBeat:
		writeString(buf, r.ServiceID)
	case Lease:
		writeDate(buf, r.ExpireAt)
	case LeaseExpired:
		writeString(buf, r.ServiceID)
	case InvalidMessage:
		writeBytes(buf, r.Original)
	case RemoteCall:
		writeString(buf, r.TargetNS)
		writeString(buf, r.FnName)
		ctx := newCompactionCtx()
		return e.encodeValueList(buf, ctx, r.Args)
	case CallResult:
		ctx := newCompactionCtx()
		return e.encodeValue(buf, ctx, r.Obj, true)
	case ProtocolError:
		writeString(buf, r.Code)
		writeString(buf, r.Message)
	case CallException:
		writeString(buf, r.ExceptionKind)
		writeString(buf, r.StackTrace)
	case Discovery:
		writeString(buf, r.ServiceName)
		return writeAttrs(buf, r.Attributes)
	case ServiceFound:
		writeInt32(buf, int32(len(r.Endpoints)))
		for _, ep := range r.Endpoints {
			writeEndpoint(buf, ep)
		}
	case ServiceNotFound:
		writeString(buf, r.ServiceName)
		return writeAttrs(buf, r.Attributes)
	case SequentialStart:
		writeString(buf, r.SequenceID)
		e.streams[r.SequenceID] = newCompactionCtx()
	case SequentialItem:
		writeString(buf, r.SequenceID)
		ctx, ok := e.streams[r.SequenceID]
		if !ok {
			return fmt.Errorf("crow: SequentialItem for unknown sequence %q (no SequentialItemStart seen)", r.SequenceID)
		}
		return e.encodeValue(buf, ctx, r.Obj, true)
	case SequentialEnd:
		writeString(buf, r.SequenceID)
		delete(e.streams, r.SequenceID)
	case Ping, Ack:
		// no fields
	default:
		return fmt.Errorf("crow: unknown record type %T", rec)
	}
	return nil
}

// encodeValueList writes a ContextChange header covering every value in
// vals (collected in one pass so the whole argument list shares a single
// header, §4.2's "immediately before the payload object" placed before
// the payload *list*), followed by each value in order.
func (e *Encoder) encodeValueList(buf *bytes.Buffer, ctx *compactionCtx, vals []Value) error {
	added := map[string]uint32{}
	for _, v := range vals {
		collectAdded(ctx, v, added)
	}
	writeContextChange(buf, added)
	writeInt32(buf, int32(len(vals)))
	for _, v := range vals {
		if err := writeValue(buf, ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeValue(buf *bytes.Buffer, ctx *compactionCtx, v Value, withHeader bool) error {
	added := map[string]uint32{}
	if withHeader {
		collectAdded(ctx, v, added)
		writeContextChange(buf, added)
	}
	return writeValue(buf, ctx, v)
}

func collectAdded(ctx *compactionCtx, v Value, added map[string]uint32) {
	switch t := v.v.(type) {
	case map[string]Value:
		for k, sub := range t {
			if id, isNew := ctx.ensure(k); isNew {
				added[k] = id
			}
			collectAdded(ctx, sub, added)
		}
	case []Value:
		for _, sub := range t {
			collectAdded(ctx, sub, added)
		}
	}
}

func writeContextChange(buf *bytes.Buffer, added map[string]uint32) {
	writeInt32(buf, int32(len(added)))
	for k, id := range added {
		writeString(buf, k)
		writeInt32(buf, int32(id))
	}
}

// value type tags, internal to the wire format (distinct from Kind).
const (
	valNil byte = iota
	valBool
	valInt
	valFloat
	valString
	valBytes
	valList
	valMap
)

func writeValue(buf *bytes.Buffer, ctx *compactionCtx, v Value) error {
	switch t := v.v.(type) {
	case nil:
		buf.WriteByte(valNil)
	case bool:
		buf.WriteByte(valBool)
		if t {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int64:
		buf.WriteByte(valInt)
		writeInt64(buf, t)
	case float64:
		buf.WriteByte(valFloat)
		writeInt64(buf, int64(math.Float64bits(t)))
	case string:
		buf.WriteByte(valString)
		writeString(buf, t)
	case []byte:
		buf.WriteByte(valBytes)
		writeBytes(buf, t)
	case []Value:
		buf.WriteByte(valList)
		writeInt32(buf, int32(len(t)))
		for _, item := range t {
			if err := writeValue(buf, ctx, item); err != nil {
				return err
			}
		}
	case map[string]Value:
		buf.WriteByte(valMap)
		writeInt32(buf, int32(len(t)))
		for k, item := range t {
			id, ok := ctx.keymap[k]
			if !ok {
				return fmt.Errorf("crow: internal error: key %q not registered in compaction context before write", k)
			}
			writeInt32(buf, int32(id))
			if err := writeValue(buf, ctx, item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("crow: unrepresentable value type %T", t)
	}
	return nil
}

func writeEndpoint(buf *bytes.Buffer, ep ServiceEndpoint) {
	writeString(buf, ep.Address)
	writeInt32(buf, int32(ep.Port))
	writeString(buf, ep.ServiceID)
	writeString(buf, ep.ServiceName)
	_ = writeAttrs(buf, ep.Attributes)
}

func writeAttrs(buf *bytes.Buffer, attrs map[string]any) error {
	s, err := EncodeAttrs(attrs)
	if err != nil {
		return err
	}
	writeString(buf, s)
	return nil
}

// --- primitive writers ---

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeInt32(buf, int32(len(b)))
	buf.Write(b)
}

func writeInt32(buf *bytes.Buffer, v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	buf.Write(tmp[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

// writeDate encodes a fixed 9-byte date per §4.1: int32 year | byte month
// | byte day | byte hour | byte minute | byte second.
func writeDate(buf *bytes.Buffer, t time.Time) {
	u := t.UTC()
	writeInt32(buf, int32(u.Year()))
	buf.WriteByte(byte(u.Month()))
	buf.WriteByte(byte(u.Day()))
	buf.WriteByte(byte(u.Hour()))
	buf.WriteByte(byte(u.Minute()))
	buf.WriteByte(byte(u.Second()))
}

// --- Decoder ---

// Decoder reads framed records, mirroring Encoder's per-stream
// compaction-context bookkeeping on the receive side.
type Decoder struct {
	r       *bufio.Reader
	streams map[string]*compactionCtx
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), streams: map[string]*compactionCtx{}}
}

// ReadRecord reads and decodes exactly one frame. On a malformed frame it
// returns a *DecodeFailure describing whether the caller should answer
// with ProtocolError (context-change violation, bad attributes) or
// InvalidMessage (anything else — unknown tag, truncated payload).
func (d *Decoder) ReadRecord() (Record, error) {
	raw, err := d.readFrame()
	if err != nil {
		return nil, err
	}
	rec, err := d.decodeBody(raw)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *Decoder) readFrame() ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(d.r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("crow: frame of %d bytes exceeds max frame size", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

type byteReader struct {
	b   []byte
	pos int
}

func (br *byteReader) readN(n int) ([]byte, error) {
	if br.pos+n > len(br.b) {
		return nil, io.ErrUnexpectedEOF
	}
	out := br.b[br.pos : br.pos+n]
	br.pos += n
	return out, nil
}

func (br *byteReader) readByte() (byte, error) {
	b, err := br.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (br *byteReader) readInt32() (int32, error) {
	b, err := br.readN(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (br *byteReader) readInt64() (int64, error) {
	b, err := br.readN(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (br *byteReader) readBytes() ([]byte, error) {
	n, err := br.readInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > len(br.b)-br.pos {
		return nil, io.ErrUnexpectedEOF
	}
	out, err := br.readN(int(n))
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(out))
	copy(cp, out)
	return cp, nil
}

func (br *byteReader) readString() (string, error) {
	b, err := br.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (br *byteReader) readDate() (time.Time, error) {
	year, err := br.readInt32()
	if err != nil {
		return time.Time{}, err
	}
	rest, err := br.readN(5)
	if err != nil {
		return time.Time{}, err
	}
	month, day, hour, min, sec := rest[0], rest[1], rest[2], rest[3], rest[4]
	return time.Date(int(year), time.Month(month), int(day), int(hour), int(min), int(sec), 0, time.UTC), nil
}

func (br *byteReader) readAttrs() (map[string]any, error) {
	s, err := br.readString()
	if err != nil {
		return nil, err
	}
	return ParseAttrs(s)
}

func (d *Decoder) decodeBody(raw []byte) (rec Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = invalidFailure(raw, fmt.Errorf("crow: panic decoding frame: %v", p))
		}
	}()

	if len(raw) == 0 {
		return nil, invalidFailure(raw, errors.New("crow: empty frame"))
	}
	br := &byteReader{b: raw[1:]}
	kind := Kind(raw[0])

	fail := func(e error) (Record, error) { return nil, invalidFailure(raw, e) }
	failAttrs := func(e error) (Record, error) { return nil, protocolFailure(raw, "bad-attrs", e) }

	switch kind {
	case KindJoinRequest:
		addr, err := br.readString()
		if err != nil {
			return fail(err)
		}
		port, err := br.readInt32()
		if err != nil {
			return fail(err)
		}
		sid, err := br.readString()
		if err != nil {
			return fail(err)
		}
		sname, err := br.readString()
		if err != nil {
			return fail(err)
		}
		attrs, err := br.readAttrs()
		if err != nil {
			return failAttrs(err)
		}
		return JoinRequest{Address: addr, Port: int(port), ServiceID: sid, ServiceName: sname, Attributes: attrs}, nil

	case KindRegistration:
		sid, err := br.readString()
		if err != nil {
			return fail(err)
		}
		exp, err := br.readDate()
		if err != nil {
			return fail(err)
		}
		return Registration{ServiceID: sid, ExpireAt: exp}, nil

	case KindHeartBeat:
		sid, err := br.readString()
		if err != nil {
			return fail(err)
		}
		return HeartBeat{ServiceID: sid}, nil

	case KindLease:
		exp, err := br.readDate()
		if err != nil {
			return fail(err)
		}
		return Lease{ExpireAt: exp}, nil

	case KindLeaseExpired:
		sid, err := br.readString()
		if err != nil {
			return fail(err)
		}
		return LeaseExpired{ServiceID: sid}, nil

	case KindInvalidMessage:
		b, err := br.readBytes()
		if err != nil {
			return fail(err)
		}
		return InvalidMessage{Original: b}, nil

	case KindRemoteCall:
		ns, err := br.readString()
		if err != nil {
			return fail(err)
		}
		fn, err := br.readString()
		if err != nil {
			return fail(err)
		}
		ctx := newCompactionCtx()
		args, err := d.decodeValueList(br, ctx)
		if err != nil {
			return nil, err
		}
		return RemoteCall{TargetNS: ns, FnName: fn, Args: args}, nil

	case KindCallResult:
		ctx := newCompactionCtx()
		v, err := d.decodeValueWithHeader(br, ctx)
		if err != nil {
			return nil, err
		}
		return CallResult{Obj: v}, nil

	case KindProtocolError:
		code, err := br.readString()
		if err != nil {
			return fail(err)
		}
		msg, err := br.readString()
		if err != nil {
			return fail(err)
		}
		return ProtocolError{Code: code, Message: msg}, nil

	case KindCallException:
		ek, err := br.readString()
		if err != nil {
			return fail(err)
		}
		st, err := br.readString()
		if err != nil {
			return fail(err)
		}
		return CallException{ExceptionKind: ek, StackTrace: st}, nil

	case KindDiscovery:
		name, err := br.readString()
		if err != nil {
			return fail(err)
		}
		attrs, err := br.readAttrs()
		if err != nil {
			return failAttrs(err)
		}
		return Discovery{ServiceName: name, Attributes: attrs}, nil

	case KindServiceFound:
		n, err := br.readInt32()
		if err != nil {
			return fail(err)
		}
		eps := make([]ServiceEndpoint, 0, n)
		for i := int32(0); i < n; i++ {
			ep, err := readEndpoint(br)
			if err != nil {
				return fail(err)
			}
			eps = append(eps, ep)
		}
		return ServiceFound{Endpoints: eps}, nil

	case KindServiceNotFound:
		name, err := br.readString()
		if err != nil {
			return fail(err)
		}
		attrs, err := br.readAttrs()
		if err != nil {
			return failAttrs(err)
		}
		return ServiceNotFound{ServiceName: name, Attributes: attrs}, nil

	case KindSequentialStart:
		sid, err := br.readString()
		if err != nil {
			return fail(err)
		}
		d.streams[sid] = newCompactionCtx()
		return SequentialStart{SequenceID: sid}, nil

	case KindSequentialItem:
		sid, err := br.readString()
		if err != nil {
			return fail(err)
		}
		ctx, ok := d.streams[sid]
		if !ok {
			return nil, protocolFailure(raw, "unbound-sequence", fmt.Errorf("crow: SequentialItem for unknown sequence %q", sid))
		}
		v, err := d.decodeValueWithHeader(br, ctx)
		if err != nil {
			return nil, err
		}
		return SequentialItem{SequenceID: sid, Obj: v}, nil

	case KindSequentialEnd:
		sid, err := br.readString()
		if err != nil {
			return fail(err)
		}
		delete(d.streams, sid)
		return SequentialEnd{SequenceID: sid}, nil

	case KindPing:
		return Ping{}, nil

	case KindAck:
		return Ack{}, nil

	default:
		return nil, invalidFailure(raw, fmt.Errorf("crow: unknown record tag %d", raw[0]))
	}
}

func readEndpoint(br *byteReader) (ServiceEndpoint, error) {
	addr, err := br.readString()
	if err != nil {
		return ServiceEndpoint{}, err
	}
	port, err := br.readInt32()
	if err != nil {
		return ServiceEndpoint{}, err
	}
	sid, err := br.readString()
	if err != nil {
		return ServiceEndpoint{}, err
	}
	sname, err := br.readString()
	if err != nil {
		return ServiceEndpoint{}, err
	}
	attrs, err := br.readAttrs()
	if err != nil {
		return ServiceEndpoint{}, err
	}
	return ServiceEndpoint{Address: addr, Port: int(port), ServiceID: sid, ServiceName: sname, Attributes: attrs}, nil
}

func (d *Decoder) decodeValueList(br *byteReader, ctx *compactionCtx) ([]Value, error) {
	if err := d.readContextChange(br, ctx); err != nil {
		return nil, err
	}
	n, err := br.readInt32()
	if err != nil {
		return nil, invalidFailure(nil, err)
	}
	out := make([]Value, 0, n)
	for i := int32(0); i < n; i++ {
		v, err := readValue(br, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *Decoder) decodeValueWithHeader(br *byteReader, ctx *compactionCtx) (Value, error) {
	if err := d.readContextChange(br, ctx); err != nil {
		return Nil, err
	}
	return readValue(br, ctx)
}

func (d *Decoder) readContextChange(br *byteReader, ctx *compactionCtx) error {
	n, err := br.readInt32()
	if err != nil {
		return invalidFailure(nil, err)
	}
	added := make(map[string]uint32, n)
	for i := int32(0); i < n; i++ {
		k, err := br.readString()
		if err != nil {
			return invalidFailure(nil, err)
		}
		id, err := br.readInt32()
		if err != nil {
			return invalidFailure(nil, err)
		}
		added[k] = uint32(id)
	}
	if err := ctx.applyDelta(added); err != nil {
		return protocolFailure(nil, "context-violation", err)
	}
	return nil
}

func readValue(br *byteReader, ctx *compactionCtx) (Value, error) {
	tag, err := br.readByte()
	if err != nil {
		return Nil, invalidFailure(nil, err)
	}
	switch tag {
	case valNil:
		return Nil, nil
	case valBool:
		b, err := br.readByte()
		if err != nil {
			return Nil, invalidFailure(nil, err)
		}
		return newValue(b != 0), nil
	case valInt:
		i, err := br.readInt64()
		if err != nil {
			return Nil, invalidFailure(nil, err)
		}
		return newValue(i), nil
	case valFloat:
		bits, err := br.readInt64()
		if err != nil {
			return Nil, invalidFailure(nil, err)
		}
		return newValue(math.Float64frombits(uint64(bits))), nil
	case valString:
		s, err := br.readString()
		if err != nil {
			return Nil, invalidFailure(nil, err)
		}
		return newValue(s), nil
	case valBytes:
		b, err := br.readBytes()
		if err != nil {
			return Nil, invalidFailure(nil, err)
		}
		return newValue(b), nil
	case valList:
		n, err := br.readInt32()
		if err != nil {
			return Nil, invalidFailure(nil, err)
		}
		out := make([]Value, 0, n)
		for i := int32(0); i < n; i++ {
			v, err := readValue(br, ctx)
			if err != nil {
				return Nil, err
			}
			out = append(out, v)
		}
		return newValue(out), nil
	case valMap:
		n, err := br.readInt32()
		if err != nil {
			return Nil, invalidFailure(nil, err)
		}
		out := make(map[string]Value, n)
		for i := int32(0); i < n; i++ {
			id, err := br.readInt32()
			if err != nil {
				return Nil, invalidFailure(nil, err)
			}
			key, ok := ctx.lookup(uint32(id))
			if !ok {
				return Nil, protocolFailure(nil, "unbound-key", fmt.Errorf("crow: key id %d has no prior binding in this context", id))
			}
			v, err := readValue(br, ctx)
			if err != nil {
				return Nil, err
			}
			out[key] = v
		}
		return newValue(out), nil
	default:
		return Nil, invalidFailure(nil, fmt.Errorf("crow: unknown value tag %d", tag))
	}
}
