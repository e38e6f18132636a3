package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"feedchat/internal/api"
	"feedchat/internal/crypto"
	"feedchat/internal/debuglog"
	"feedchat/internal/feed"
	"feedchat/internal/gossip"
	"feedchat/internal/metrics"
	"feedchat/internal/network"
	"feedchat/internal/node"
	"feedchat/internal/replication"
	"feedchat/internal/room"
	"feedchat/internal/sse"
	"feedchat/internal/swarm"
	"feedchat/internal/upload"
)

type Runner struct {
	Root    string
	Self    *node.Node
	Metrics *metrics.Metrics
	Feeds   *feed.Store
	Rooms   *room.Registry
	SSE     *sse.Broadcaster
	Swarm   *swarm.Swarm
	Gossip  *gossip.Protocol
	Repl    *replication.Engine
	Router  *api.Router
	Blobs   *upload.MemoryBlobs

	opts      Options
	transport *network.Transport
	snapPath  string

	addrMu   sync.RWMutex
	httpAddr string
	closeOne sync.Once
}

type Options struct {
	// ListenAddr is the UDP address for QUIC. Empty disables the transport.
	ListenAddr string
	// HTTPAddr serves the chat API. Empty disables the HTTP server.
	HTTPAddr  string
	Bootstrap []string
	Heartbeat time.Duration
	// InMemory keeps feeds in memory and skips identity and address files.
	InMemory bool
	Metrics  *metrics.Metrics
	SnapPath string
	Network  network.Options
	Firewall swarm.Firewall
	// Dialer overrides the QUIC transport for outbound sessions.
	Dialer swarm.Dialer
}

func NewRunner(root string, opts Options) (*Runner, error) {
	if root == "" && !opts.InMemory {
		return nil, fmt.Errorf("missing root")
	}
	if root != "" {
		if err := os.MkdirAll(root, 0700); err != nil {
			return nil, err
		}
	}
	self, err := node.NewNode(root, node.Options{Ephemeral: opts.InMemory})
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	snapPath := opts.SnapPath
	if snapPath == "" && root != "" {
		snapPath = filepath.Join(root, "metrics.json")
	}

	r := &Runner{Root: root, Self: self, Metrics: m, opts: opts, snapPath: snapPath}
	feeds, err := feed.Open(feed.Options{
		Dir:          filepath.Join(root, "feeds"),
		InMemory:     opts.InMemory,
		OnReplicated: func(string, uint64) { m.IncEntryReplicated() },
	})
	if err != nil {
		return nil, err
	}
	r.Feeds = feeds

	dialer := opts.Dialer
	if opts.ListenAddr != "" {
		tr, err := network.Listen(opts.ListenAddr, self.PrivKey, opts.Network)
		if err != nil {
			_ = feeds.Close()
			return nil, err
		}
		r.transport = tr
		if dialer == nil {
			dialer = tr
		}
	}
	sw, err := swarm.New(swarm.Options{
		PublicKey: self.PubKey,
		Dialer:    dialer,
		Bootstrap: opts.Bootstrap,
		AddrBook:  self.Peers,
		Firewall:  opts.Firewall,
	})
	if err != nil {
		r.closeTransport()
		_ = feeds.Close()
		return nil, err
	}
	r.Swarm = sw
	r.SSE = sse.New(sse.Options{Heartbeat: opts.Heartbeat, Metrics: m})
	r.Rooms = room.NewRegistry(feeds, r, r.SSE)
	r.Repl = replication.New(r.Rooms, feeds)
	r.Gossip = gossip.New(r.Rooms, r.Repl, m)
	r.Blobs = upload.NewMemoryBlobs()
	r.Router = api.NewRouter(api.Options{
		Rooms:    r.Rooms,
		SSE:      r.SSE,
		Peers:    r,
		Blobs:    r.Blobs,
		Fallback: api.FeedEntries(feeds),
	})
	return r, nil
}

// ListenAddr is the bound QUIC address, or "" without a transport.
func (r *Runner) ListenAddr() string {
	if r.transport == nil {
		return ""
	}
	return r.transport.Addr()
}

// HTTPAddr is the bound HTTP address once Run has started serving.
func (r *Runner) HTTPAddr() string {
	r.addrMu.RLock()
	defer r.addrMu.RUnlock()
	return r.httpAddr
}

// Run serves until ctx ends, then closes the runner.
func (r *Runner) Run(ctx context.Context) error {
	defer r.Close()
	var ln net.Listener
	if r.opts.HTTPAddr != "" {
		var err error
		if ln, err = net.Listen("tcp", r.opts.HTTPAddr); err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		r.addrMu.Lock()
		r.httpAddr = ln.Addr().String()
		r.addrMu.Unlock()
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.eventLoop(ctx) })
	if r.transport != nil {
		g.Go(func() error { return r.Swarm.Serve(ctx, r.transport) })
		debuglog.Logf("feedchat node=%s listening quic=%s", node.ShortID(r.Self.PubKey), r.ListenAddr())
	}
	if ln != nil {
		srv := &http.Server{
			Handler:           r.Router,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error {
			debuglog.Logf("feedchat http listening addr=%s", ln.Addr())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
			return nil
		})
	}
	if r.snapPath != "" {
		g.Go(func() error { return r.snapshotLoop(ctx, time.Second) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) snapshotLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
				debuglog.RateLimitedf("snapshot", time.Minute, "metrics snapshot failed: %v", err)
			}
		case <-ctx.Done():
			_ = r.Metrics.WriteSnapshot(r.snapPath)
			return nil
		}
	}
}

func (r *Runner) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.Swarm.Events():
			r.handleEvent(ev)
		}
	}
}

func (r *Runner) handleEvent(ev swarm.Event) {
	switch ev.Kind {
	case swarm.EventConnection:
		id := node.ShortID(ev.Conn.RemotePublicKey())
		r.Metrics.PeerConnected(id)
		debuglog.Logf("peer connected peer=%s addr=%s peers=%d", id, ev.Conn.RemoteAddr(), r.PeerCount())
		r.SSE.PushPeerCount(r.PeerCount())
		r.Repl.Serve(ev.Conn)
		r.Repl.AttachAll(ev.Conn)
		go r.Gossip.Run(ev.Conn)
	case swarm.EventClose:
		id := node.ShortID(ev.Conn.RemotePublicKey())
		r.Metrics.PeerDisconnected(id)
		r.Repl.Forget(ev.Conn)
		debuglog.Logf("peer disconnected peer=%s peers=%d", id, r.PeerCount())
		r.SSE.PushPeerCount(r.PeerCount())
	case swarm.EventError:
		r.Metrics.IncPeerError()
		id := "peer"
		if ev.Conn != nil {
			id = node.ShortID(ev.Conn.RemotePublicKey())
		}
		debuglog.Logf("peer error peer=%s err=%v", id, ev.Err)
	}
}

// PeerCount is the number of live peer connections across all rooms.
func (r *Runner) PeerCount() int {
	return len(r.Swarm.Conns())
}

// JoinTopic joins the room's swarm topic as client and server and waits for
// the resulting dials to settle.
func (r *Runner) JoinTopic(ctx context.Context, roomKey string) error {
	topic, err := crypto.DecodeKeyHex(roomKey)
	if err != nil {
		return err
	}
	if err := r.Swarm.Join(ctx, topic, swarm.JoinOptions{Client: true, Server: true}); err != nil {
		return err
	}
	return r.Swarm.Flush(ctx)
}

// AnnounceFeed floods a hello for feedKey to every connected peer.
func (r *Runner) AnnounceFeed(_ context.Context, roomKey, feedKey string) {
	n := r.Gossip.Announce(r.writers(), roomKey, feedKey)
	debuglog.Debugf("hello sent room=%s feed=%s peers=%d", roomKey[:8], feedKey[:8], n)
}

// BroadcastChat writes a chat frame to every connected peer.
func (r *Runner) BroadcastChat(frame []byte) int {
	return gossip.Flood(r.writers(), frame)
}

func (r *Runner) writers() []gossip.Writer {
	return lo.Map(r.Swarm.Conns(), func(c *swarm.Conn, _ int) gossip.Writer { return c })
}

// Close stops the swarm and releases the stores. It is safe to call more
// than once.
func (r *Runner) Close() error {
	var err error
	r.closeOne.Do(func() {
		_ = r.Swarm.Close()
		r.closeTransport()
		_ = r.Rooms.Close()
		r.Repl.Wait()
		err = r.Feeds.Close()
	})
	return err
}

func (r *Runner) closeTransport() {
	if r.transport != nil {
		_ = r.transport.Close()
	}
}
