// Package netutil provides the small set of host-network helpers the
// command-line entry points need to self-describe a JoinRequest endpoint
// without a user-supplied address.
package netutil

import (
	"net"
	"strings"
)

// OutboundIP returns the local address this host would use to reach the
// public internet, found the same way net.go's GetOutBoundIP did: dial a
// UDP "connection" (no packet is actually sent) and read back the local
// endpoint the kernel picked for the route.
func OutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	local := conn.LocalAddr().(*net.UDPAddr)
	return strings.Split(local.String(), ":")[0], nil
}
