// Command sender-cubic serves data.txt over qudp using the TCP-CUBIC
// congestion-control variant.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/aetherflow/qudp/internal/cc"
	"github.com/aetherflow/qudp/internal/cliutil"
	"github.com/aetherflow/qudp/internal/config"
	"github.com/aetherflow/qudp/internal/engine"
	"github.com/aetherflow/qudp/internal/wire"
)

var configFile = flag.String("config", "", "path to an optional YAML config overlay")

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: sender-cubic <bind-host> <bind-port> [-config path.yaml]")
		os.Exit(1)
	}
	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "sender-cubic: invalid port %q: %v\n", args[1], err)
		os.Exit(1)
	}

	data, err := os.ReadFile("data.txt")
	if err != nil {
		fmt.Fprintf(os.Stderr, "sender-cubic: reading data.txt: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sender-cubic: loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := cliutil.BuildLogger(cfg)
	if err != nil {
		panic(fmt.Sprintf("sender-cubic: building logger: %v", err))
	}
	defer log.Sync()

	runSender(log, cfg, host, port, data)
}

func runSender(log *zap.Logger, cfg *config.Config, host string, port int, data []byte) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Fatal("binding socket", zap.Error(err))
	}
	defer conn.Close()
	if err := conn.SetReadBuffer(engine.ReadBufSize); err != nil {
		log.Warn("failed to grow socket read buffer", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cliutil.AwaitShutdown(cancel, log)

	ctrl := cc.NewCubic(wire.DataSize)
	sender := engine.NewSender(conn, data, ctrl, cfg, log)
	if rec := cliutil.MaybeServeMetrics(ctx, log, cfg); rec != nil {
		sender.SetMetrics(rec)
	}

	bar := progressbar.DefaultBytes(int64(len(data)), "sending")
	defer bar.Close()

	log.Info("waiting for receiver", zap.String("addr", addr.String()))
	if err := sender.WaitForReceiver(ctx); err != nil {
		log.Fatal("handshake failed", zap.Error(err))
	}

	if err := sender.Run(ctx); err != nil {
		log.Fatal("transfer failed", zap.Error(err))
	}
	bar.Finish()
	log.Info("transfer complete", zap.Int("bytes", len(data)), zap.Any("cc_stats", ctrl.Statistics()))
}
