package crow

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ServiceDescriptor is the lookup key a client searches for: a service
// name plus an attribute filter. Value semantics: two descriptors with the
// same name and attribute set are interchangeable as map keys via Key().
type ServiceDescriptor struct {
	ServiceName string
	Attributes  map[string]any
}

// Key returns a canonical, comparable string for using a ServiceDescriptor
// as a map key (Go maps can't use map[string]any directly as a key type).
func (d ServiceDescriptor) Key() string {
	if len(d.Attributes) == 0 {
		return d.ServiceName
	}
	keys := make([]string, 0, len(d.Attributes))
	for k := range d.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(d.ServiceName)
	for _, k := range keys {
		b.WriteByte('\x1f')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatAttrValue(d.Attributes[k]))
	}
	return b.String()
}

// ServiceEndpoint is a discovered instance. Identity within the directory
// is ServiceID; Address/Port/ServiceName/Attributes describe where and
// what it is.
type ServiceEndpoint struct {
	Address     string
	Port        int
	ServiceID   string
	ServiceName string
	Attributes  map[string]any
}

// Matches reports whether this endpoint satisfies a Discovery query: the
// service name matches exactly and the endpoint's attributes are a
// superset of the query attributes (P5). An empty query attribute set
// matches on name alone.
func (e ServiceEndpoint) Matches(name string, query map[string]any) bool {
	if e.ServiceName != name {
		return false
	}
	for k, v := range query {
		ev, ok := e.Attributes[k]
		if !ok || formatAttrValue(ev) != formatAttrValue(v) {
			return false
		}
	}
	return true
}

// Descriptor returns the ServiceDescriptor this endpoint was published
// under (its attributes verbatim, not the query that found it).
func (e ServiceEndpoint) Descriptor() ServiceDescriptor {
	return ServiceDescriptor{ServiceName: e.ServiceName, Attributes: e.Attributes}
}

// RegistrarEndpoint is the network address of a registrar instance. Two
// RegistrarEndpoints are equal iff Address and Port match.
type RegistrarEndpoint struct {
	Address string
	Port    int
}

func (r RegistrarEndpoint) String() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
}

// LeaseRecord is the registrar-side bookkeeping entry for one service-id:
// the endpoint it was published with and when that publication expires.
type LeaseRecord struct {
	Endpoint ServiceEndpoint
	ExpireAt time.Time
}

// Expired reports whether this lease is no longer valid at instant now.
// The directory never serves an expired lease on read (§3 invariant).
func (l LeaseRecord) Expired(now time.Time) bool {
	return now.After(l.ExpireAt)
}
