// Command receiver connects to a qudp sender and writes the
// reconstructed file to <output-prefix>received_data.txt.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/aetherflow/qudp/internal/cliutil"
	"github.com/aetherflow/qudp/internal/config"
	"github.com/aetherflow/qudp/internal/engine"
)

var configFile = flag.String("config", "", "path to an optional YAML config overlay")

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: receiver <server-host> <server-port> <output-prefix> [-config path.yaml]")
		os.Exit(1)
	}
	serverHost := args[0]
	serverPort, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "receiver: invalid port %q: %v\n", args[1], err)
		os.Exit(1)
	}
	outputPrefix := args[2]

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "receiver: loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := cliutil.BuildLogger(cfg)
	if err != nil {
		panic(fmt.Sprintf("receiver: building logger: %v", err))
	}
	defer log.Sync()

	run(log, cfg, serverHost, serverPort, outputPrefix)
}

func run(log *zap.Logger, cfg *config.Config, serverHost string, serverPort int, outputPrefix string) {
	serverAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", serverHost, serverPort))
	if err != nil {
		log.Fatal("resolving server address", zap.Error(err))
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
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

	receiver := engine.NewReceiver(conn, cfg, log)
	if rec := cliutil.MaybeServeMetrics(ctx, log, cfg); rec != nil {
		receiver.SetMetrics(rec)
	}

	bar := progressbar.Default(-1, "receiving")
	defer bar.Close()

	log.Info("connecting to sender", zap.String("addr", serverAddr.String()))
	if err := receiver.Handshake(ctx, serverAddr); err != nil {
		log.Fatal("handshake failed", zap.Error(err))
	}

	data, err := receiver.Run(ctx)
	if err != nil {
		log.Fatal("transfer failed", zap.Error(err))
	}
	bar.Finish()

	outputPath := outputPrefix + "received_data.txt"
	if err := writeAtomic(outputPath, data); err != nil {
		log.Fatal("writing output file", zap.Error(err))
	}
	log.Info("transfer complete", zap.String("output", outputPath), zap.Int("bytes", len(data)))
}

// writeAtomic writes data to path via a same-directory temp file plus
// rename, so a crash mid-write never leaves a partial output file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".qudp-recv-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}
	return nil
}
