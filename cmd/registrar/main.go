// Command registrar runs a Crow directory server: `registrar <name>
// <port> [-r renewal-ms] [-w watch-interval-ms]` (§6.4).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/crowmesh/crow/clog"
	"github.com/crowmesh/crow/registrar"
)

func main() {
	renewalMS := pflag.IntP("renewal", "r", 10_000, "lease length in milliseconds")
	watchMS := pflag.IntP("watch-interval", "w", 2_000, "expiration sweep period in milliseconds")
	pflag.Parse()

	args := pflag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: registrar <name> <port> [-r renewal-ms] [-w watch-interval-ms]")
		os.Exit(2)
	}
	name := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", args[1])
		os.Exit(2)
	}

	log := clog.New(clog.Options{Console: true, Level: clog.InfoLevel})
	log.Info("starting registrar", zap.String("name", name), zap.Int("port", port),
		zap.Int("renewal-ms", *renewalMS), zap.Int("watch-interval-ms", *watchMS))

	dir := registrar.New(time.Duration(*renewalMS) * time.Millisecond)
	srv := registrar.NewServer(dir, log)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Error("listen failed", zap.Error(err))
		os.Exit(1)
	}

	stop := make(chan struct{})
	go dir.RunSweep(time.Duration(*watchMS)*time.Millisecond, stop)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigCh:
		log.Info("received shutdown signal, draining")
	case err := <-serveErr:
		if err != nil {
			log.Error("serve failed", zap.Error(err))
		}
	}

	close(stop)
	ln.Close()
	srv.Drain()
	log.Info("registrar stopped")
	log.Sync()
}
