// Package registrarsrc implements the pluggable registrar directory
// source of §6.2: something that hands the join manager and the
// service finder a list of candidate RegistrarEndpoints.
package registrarsrc

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crowmesh/crow"
)

// Source enumerates candidate registrar endpoints. Implementations may
// fail; callers (the finder, the join manager's registrar fetcher) catch
// the error and defer retry to their next poll.
type Source interface {
	Endpoints(ctx context.Context) ([]crow.RegistrarEndpoint, error)
}

// Static always returns the same fixed list of endpoints, given at
// construction.
type Static struct {
	endpoints []crow.RegistrarEndpoint
}

// NewStatic builds a Static source from one or more fixed endpoints.
func NewStatic(endpoints ...crow.RegistrarEndpoint) *Static {
	return &Static{endpoints: endpoints}
}

func (s *Static) Endpoints(context.Context) ([]crow.RegistrarEndpoint, error) {
	out := make([]crow.RegistrarEndpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out, nil
}

// URL fetches a text body over HTTP and parses it as a newline-separated
// list of "host:port" endpoints (§6.2). Blank lines and lines that don't
// parse as host:port are skipped rather than failing the whole fetch;
// errors are returned only for a failed request, a non-200 status, or a
// failure reading the body.
type URL struct {
	Address string
	Client  *http.Client
}

// NewURL builds a URL source against address, grounded on http.go's
// pattern of a dedicated http.Client with an explicit timeout rather than
// the zero-value http.DefaultClient.
func NewURL(address string) *URL {
	return &URL{Address: address, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (u *URL) Endpoints(ctx context.Context) ([]crow.RegistrarEndpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.Address, nil)
	if err != nil {
		return nil, fmt.Errorf("registrarsrc: building request for %s: %w", u.Address, err)
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registrarsrc: fetching %s: %w", u.Address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registrarsrc: %s returned status %d", u.Address, resp.StatusCode)
	}

	var out []crow.RegistrarEndpoint
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ep, ok := parseHostPort(line)
		if !ok {
			continue
		}
		out = append(out, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("registrarsrc: reading body from %s: %w", u.Address, err)
	}
	return out, nil
}

func parseHostPort(line string) (crow.RegistrarEndpoint, bool) {
	idx := strings.LastIndexByte(line, ':')
	if idx <= 0 || idx == len(line)-1 {
		return crow.RegistrarEndpoint{}, false
	}
	host, portStr := line[:idx], line[idx+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return crow.RegistrarEndpoint{}, false
	}
	return crow.RegistrarEndpoint{Address: host, Port: port}, true
}
