package crow

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Value is the generic payload union carried by RemoteCall arguments,
// CallResult, and SequentialItem (§9 "Dynamic value marshalling"): a
// statically-typed rewrite restricts RPC payloads to primitives, ordered
// sequences, and string-keyed maps, with user-defined Go values passed
// through this union rather than an arbitrary serializer interface.
//
// The underlying Go type is always one of: nil, bool, int64, float64,
// string, []byte, []Value, map[string]Value.
type Value struct {
	v any
}

// Nil is the zero Value.
var Nil = Value{}

func (val Value) IsNil() bool { return val.v == nil }

// Raw returns the underlying union member for callers that need to
// type-switch directly (primarily the codec).
func (val Value) Raw() any { return val.v }

func newValue(v any) Value { return Value{v: v} }

// ValueOf converts an arbitrary Go value into the wire Value union.
// Structs and maps are converted via mapstructure (grounded on
// convert.go's MapConvertStruct/StructConvertMapByTag in the teacher)
// into map[string]Value; slices/arrays become []Value; scalars are
// normalized to the four scalar union members.
func ValueOf(v any) (Value, error) {
	if v == nil {
		return Nil, nil
	}
	if val, ok := v.(Value); ok {
		return val, nil
	}
	switch t := v.(type) {
	case bool:
		return newValue(t), nil
	case int:
		return newValue(int64(t)), nil
	case int8:
		return newValue(int64(t)), nil
	case int16:
		return newValue(int64(t)), nil
	case int32:
		return newValue(int64(t)), nil
	case int64:
		return newValue(t), nil
	case uint:
		return newValue(int64(t)), nil
	case uint8:
		return newValue(int64(t)), nil
	case uint16:
		return newValue(int64(t)), nil
	case uint32:
		return newValue(int64(t)), nil
	case uint64:
		return newValue(int64(t)), nil
	case float32:
		return newValue(float64(t)), nil
	case float64:
		return newValue(t), nil
	case string:
		return newValue(t), nil
	case []byte:
		return newValue(t), nil
	case map[string]Value:
		return newValue(t), nil
	case []Value:
		return newValue(t), nil
	}

	// Dispatch the remaining case (structs, maps, slices/arrays of
	// arbitrary element type) on the reflected kind rather than handing
	// mapstructure a *interface{} destination: mapstructure picks its
	// decode strategy from the destination's static kind, and interface{}
	// hits its identity path (decodeBasic) instead of decomposing a
	// struct or map, which would otherwise send us right back into this
	// same fallback with the same value and recurse forever.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return Nil, nil
		}
		return ValueOf(rv.Elem().Interface())
	case reflect.Struct, reflect.Map:
		var generic map[string]any
		if err := mapstructure.Decode(v, &generic); err != nil {
			return Nil, fmt.Errorf("crow: cannot represent %T as a wire value: %w", v, err)
		}
		out := make(map[string]Value, len(generic))
		for k, fv := range generic {
			cv, err := ValueOf(fv)
			if err != nil {
				return Nil, err
			}
			out[k] = cv
		}
		return newValue(out), nil
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		out := make([]Value, n)
		for i := 0; i < n; i++ {
			cv, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Nil, err
			}
			out[i] = cv
		}
		return newValue(out), nil
	default:
		return Nil, fmt.Errorf("crow: cannot represent %T as a wire value", v)
	}
}

// To decodes a Value into out, a pointer to a Go struct, map, slice, or
// scalar, via mapstructure (same library as ValueOf's reverse path).
func (val Value) To(out any) error {
	return mapstructure.Decode(val.toGeneric(), out)
}

// toGeneric flattens the Value union back into plain map[string]any /
// []any / scalars so mapstructure can decode it into an arbitrary target.
func (val Value) toGeneric() any {
	switch t := val.v.(type) {
	case map[string]Value:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = v.toGeneric()
		}
		return out
	case []Value:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = v.toGeneric()
		}
		return out
	default:
		return t
	}
}

// Values converts a slice of arbitrary Go values (RemoteCall arguments or
// a streaming handler's result items) into wire Values in one shot.
func Values(args ...any) ([]Value, error) {
	out := make([]Value, len(args))
	for i, a := range args {
		v, err := ValueOf(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
