// Command crow-client issues one call against a service discovered
// through a registrar: `crow-client <registrar-host:port> <service-name>
// <target-ns> <fn-name> <args...>` (§8 scenario 1). Arguments are parsed
// as int64 if possible, else passed through as strings.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/finder"
	"github.com/crowmesh/crow/registrarsrc"
	"github.com/crowmesh/crow/rpcclient"
)

func main() {
	if len(os.Args) < 5 {
		fmt.Fprintln(os.Stderr, "usage: crow-client <registrar-host:port> <service-name> <target-ns> <fn-name> <args...>")
		os.Exit(2)
	}
	registrarAddr := os.Args[1]
	serviceName := os.Args[2]
	targetNS := os.Args[3]
	fnName := os.Args[4]

	host, portStr, err := net.SplitHostPort(registrarAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid registrar address %q: %v\n", registrarAddr, err)
		os.Exit(2)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid registrar port %q\n", registrarAddr)
		os.Exit(2)
	}

	var args []crow.Value
	for _, raw := range os.Args[5:] {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			v, _ := crow.ValueOf(n)
			args = append(args, v)
			continue
		}
		v, _ := crow.ValueOf(raw)
		args = append(args, v)
	}

	f := finder.NewStandard(finder.Options{
		Source: registrarsrc.NewStatic(crow.RegistrarEndpoint{Address: host, Port: port}),
	})
	defer f.Close()

	c := rpcclient.New(rpcclient.Options{
		WriteTimeout:  2 * time.Second,
		ReadTimeout:   2 * time.Second,
		RetryAttempts: 3,
		RetryInterval: 200 * time.Millisecond,
	})

	results, err := c.Call(crow.ServiceDescriptor{ServiceName: serviceName}, targetNS, fnName, args, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "call failed: %v\n", err)
		os.Exit(1)
	}
	for _, r := range results {
		fmt.Println(r.Raw())
	}
}
