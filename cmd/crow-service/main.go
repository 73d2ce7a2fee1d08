// Command crow-service runs the mathsvc example service: it joins the
// registrars named on the command line and answers math.add/math.range
// calls (§8 scenarios 1–2).
//
// usage: crow-service <name> <port> <registrar-host:port>...
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crowmesh/crow"
	"github.com/crowmesh/crow/clog"
	"github.com/crowmesh/crow/examples/mathsvc"
	"github.com/crowmesh/crow/idstore"
	"github.com/crowmesh/crow/join"
	"github.com/crowmesh/crow/netutil"
	"github.com/crowmesh/crow/registrarsrc"
	"github.com/crowmesh/crow/service"
)

func main() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: crow-service <name> <port> <registrar-host:port>...")
		os.Exit(2)
	}
	name := os.Args[1]
	port, err := strconv.Atoi(os.Args[2])
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", os.Args[2])
		os.Exit(2)
	}

	var registrars []crow.RegistrarEndpoint
	for _, hp := range os.Args[3:] {
		host, portStr, err := net.SplitHostPort(hp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid registrar address %q: %v\n", hp, err)
			os.Exit(2)
		}
		rport, err := strconv.Atoi(portStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid registrar port %q\n", hp)
			os.Exit(2)
		}
		registrars = append(registrars, crow.RegistrarEndpoint{Address: host, Port: rport})
	}

	log := clog.New(clog.Options{Console: true, Level: clog.InfoLevel})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Error("listen failed", zap.Error(err))
		os.Exit(1)
	}

	addr, err := netutil.OutboundIP()
	if err != nil {
		log.Warn("could not determine outbound address, falling back to loopback", zap.Error(err))
		addr = "127.0.0.1"
	}

	reg := service.NewRegistry()
	mathsvc.Register(reg)

	idPath := fmt.Sprintf("/tmp/crow-service-%s.id", name)
	svc := service.New(service.Options{
		Registry: reg,
		Log:      log,
		Join: join.Options{
			Source: registrarsrc.NewStatic(registrars...),
			Store:  idstore.New(idPath),
			Endpoint: crow.ServiceEndpoint{
				Address:     addr,
				Port:        port,
				ServiceName: name,
			},
			Log: log,
		},
		LoadAttrInterval: 30 * time.Second,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- svc.Start(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigCh:
		log.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			log.Error("serve failed", zap.Error(err))
		}
	}

	svc.Stop()
	log.Info("crow-service stopped")
	log.Sync()
}
