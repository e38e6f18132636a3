package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"feedchat/internal/daemon"
	"feedchat/internal/debuglog"
	"feedchat/internal/metrics"
	"feedchat/internal/network"
	"feedchat/internal/node"
	"feedchat/internal/pprofutil"
	"feedchat/internal/room"
)

// runContext is replaced in tests.
var runContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	switch args[0] {
	case "run":
		return runNode(cfg, args[1:], stdout, stderr)
	case "status":
		return runStatus(cfg, args[1:], stdout, stderr)
	case "peers":
		return runPeers(cfg, args[1:], stdout, stderr)
	case "room-key":
		return runRoomKey(stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: feedchat <run|status|peers|room-key> [args]")
	fmt.Fprintln(w, "  run    [--listen ip:port] [--http ip:port] [--bootstrap addr,...] [--in-memory] [--debug]")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  peers")
	fmt.Fprintln(w, "  room-key")
}

func runNode(cfg Config, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Home, "home", cfg.Home, "state directory")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "QUIC listen address (empty disables)")
	fs.StringVar(&cfg.HTTP, "http", cfg.HTTP, "HTTP listen address for the chat API (empty disables)")
	bootstrap := fs.StringSlice("bootstrap", cfg.BootstrapList(), "peer addresses to dial on join")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "SSE heartbeat interval")
	fs.BoolVar(&cfg.InMemory, "in-memory", cfg.InMemory, "keep feeds and identity in memory")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	fs.BoolVar(&cfg.Pprof, "pprof", cfg.Pprof, "serve net/http/pprof on the loopback")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if cfg.Debug {
		debuglog.Enable(true)
	}
	if _, err := pprofutil.Start(pprofutil.Options{
		Enabled:     cfg.Pprof,
		Addr:        cfg.PprofAddr,
		AllowPublic: cfg.PprofAllowPublic,
	}, stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	runner, err := daemon.NewRunner(cfg.Home, daemon.Options{
		ListenAddr: cfg.Listen,
		HTTPAddr:   cfg.HTTP,
		Bootstrap:  *bootstrap,
		Heartbeat:  cfg.Heartbeat,
		InMemory:   cfg.InMemory,
		Metrics:    metrics.New(),
		Network: network.Options{
			MaxConnsPerIP:     cfg.MaxConnsPerIP,
			MaxStreamsPerPeer: cfg.MaxStreams,
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, cancel := runContext()
	defer cancel()
	fmt.Fprintf(stdout, "READY quic=%s http=%s node=%s\n", runner.ListenAddr(), cfg.HTTP, node.ShortID(runner.Self.PubKey))
	if err := runner.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(cfg Config, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Home, "home", cfg.Home, "state directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap, err := metrics.ReadSnapshot(filepath.Join(cfg.Home, "metrics.json"))
	if err != nil {
		fmt.Fprintf(stdout, "status: no metrics snapshot (is the node running?)\n")
		return 0
	}
	fmt.Fprintf(stdout, "Local node status at %s:\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  connected peers: %d (connected=%d disconnected=%d errors=%d)\n",
		snap.Peers.Current, snap.Peers.Connected, snap.Peers.Disconnected, snap.Peers.Errors)
	fmt.Fprintf(stdout, "  hellos: sent=%d received=%d\n", snap.Gossip.HellosSent, snap.Gossip.HellosReceived)
	fmt.Fprintf(stdout, "  chat frames: received=%d degraded=%d\n", snap.Gossip.ChatReceived, snap.Gossip.FramesDegraded)
	fmt.Fprintf(stdout, "  feeds: remote_opened=%d appended=%d replicated=%d\n",
		snap.Feeds.RemoteOpened, snap.Feeds.MessagesAppended, snap.Feeds.EntriesReplicated)
	fmt.Fprintf(stdout, "  sse: pushes=%d consumers_opened=%d consumers_dropped=%d\n",
		snap.Stream.Pushes, snap.Stream.ConsumersOpened, snap.Stream.ConsumersDropped)
	for _, ev := range snap.Recent {
		fmt.Fprintf(stdout, "  %s %s %s current=%d\n", ev.At.Format(time.RFC3339), ev.Peer, ev.Event, ev.Current)
	}
	return 0
}

func runPeers(cfg Config, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("peers", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Home, "home", cfg.Home, "state directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	self, err := node.NewNode(cfg.Home, node.Options{})
	if err != nil {
		fmt.Fprintf(stdout, "peers: node unavailable: %v\n", err)
		return 1
	}
	for _, p := range self.Peers.List() {
		fmt.Fprintf(stdout, "%s addr=%s last_seen=%s\n", node.ShortID(p.PubKey), p.Addr, p.LastSeen.Format(time.RFC3339))
	}
	return 0
}

func runRoomKey(stdout, stderr io.Writer) int {
	key, err := room.CreateRoomKey()
	if err != nil {
		fmt.Fprintf(stderr, "room-key: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key)
	return 0
}
