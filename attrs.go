package crow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Attribute values are serialized as a textual form per §6.1/§6.3: a
// sequence of "key=value" pairs joined by ";", each value prefixed by a
// one-character type tag (s=string, i=int64, f=float64, b=bool). This is
// the form the spec's Open Question resolves in favor of (textual,
// matching the majority of the original sources) over a structured
// alternative.
const (
	attrTypeString = 's'
	attrTypeInt    = 'i'
	attrTypeFloat  = 'f'
	attrTypeBool   = 'b'
)

// EncodeAttrs renders an attribute map to its wire text form. Key
// iteration order is sorted so the output is deterministic (useful for
// tests and for logging).
func EncodeAttrs(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if strings.ContainsAny(k, "=;") {
			return "", fmt.Errorf("crow: attribute key %q contains a reserved character", k)
		}
		if i > 0 {
			b.WriteByte(';')
		}
		tag, val, err := encodeAttrValue(attrs[k])
		if err != nil {
			return "", fmt.Errorf("crow: attribute %q: %w", k, err)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteByte(tag)
		b.WriteString(val)
	}
	return b.String(), nil
}

func encodeAttrValue(v any) (byte, string, error) {
	switch t := v.(type) {
	case string:
		if strings.ContainsAny(t, ";") {
			return 0, "", fmt.Errorf("string value %q contains a reserved character", t)
		}
		return attrTypeString, t, nil
	case bool:
		return attrTypeBool, strconv.FormatBool(t), nil
	case int:
		return attrTypeInt, strconv.Itoa(t), nil
	case int64:
		return attrTypeInt, strconv.FormatInt(t, 10), nil
	case float64:
		return attrTypeFloat, strconv.FormatFloat(t, 'g', -1, 64), nil
	case float32:
		return attrTypeFloat, strconv.FormatFloat(float64(t), 'g', -1, 32), nil
	default:
		return 0, "", fmt.Errorf("unsupported attribute value type %T", v)
	}
}

// ParseAttrs parses the wire text form back into a map. Malformed input
// (a pair with no "=", an unknown type prefix, or an unparsable scalar)
// is rejected rather than silently dropped, per §6.1: callers turn this
// error into a ProtocolError, never a panic crossing the connection.
func ParseAttrs(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	out := make(map[string]any)
	for _, pair := range strings.Split(s, ";") {
		if pair == "" {
			return nil, fmt.Errorf("crow: malformed attribute segment (empty)")
		}
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			return nil, fmt.Errorf("crow: malformed attribute %q: missing '='", pair)
		}
		key, typed := pair[:eq], pair[eq+1:]
		if key == "" {
			return nil, fmt.Errorf("crow: malformed attribute %q: empty key", pair)
		}
		if len(typed) == 0 {
			return nil, fmt.Errorf("crow: malformed attribute %q: empty value", pair)
		}
		val, err := decodeAttrValue(typed[0], typed[1:])
		if err != nil {
			return nil, fmt.Errorf("crow: malformed attribute %q: %w", pair, err)
		}
		out[key] = val
	}
	return out, nil
}

func decodeAttrValue(tag byte, raw string) (any, error) {
	switch tag {
	case attrTypeString:
		return raw, nil
	case attrTypeBool:
		return strconv.ParseBool(raw)
	case attrTypeInt:
		return strconv.ParseInt(raw, 10, 64)
	case attrTypeFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return nil, fmt.Errorf("unknown attribute type prefix %q", string(tag))
	}
}

// formatAttrValue normalizes a scalar attribute value to a comparable
// string, used by ServiceDescriptor.Key and ServiceEndpoint.Matches so
// that e.g. int(3) and int64(3) compare equal (both "i:3"). Integer and
// float values never match each other: int64(3) is "i:3" while
// float64(3) is "f:3" (callers are expected to be consistent about the
// Go type they use for a given attribute key).
func formatAttrValue(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case bool:
		return "b:" + strconv.FormatBool(t)
	case int:
		return "i:" + strconv.Itoa(t)
	case int64:
		return "i:" + strconv.FormatInt(t, 10)
	case float64:
		return "f:" + strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return "f:" + strconv.FormatFloat(float64(t), 'g', -1, 32)
	default:
		return fmt.Sprintf("?:%v", t)
	}
}
