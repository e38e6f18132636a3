package gossip

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"feedchat/internal/debuglog"
	"feedchat/internal/feed"
	"feedchat/internal/metrics"
	"feedchat/internal/node"
	"feedchat/internal/proto"
	"feedchat/internal/replication"
	"feedchat/internal/room"
)

// Registry is the room state gossip updates.
type Registry interface {
	AddRemote(ctx context.Context, roomKey, feedKey string) (*feed.Feed, bool, error)
	HasLocal(roomKey string) bool
	Append(ctx context.Context, roomKey string, msg proto.ChatMessage) (uint64, error)
}

// Attacher replicates a feed over one connection.
type Attacher interface {
	Attach(conn replication.Conn, f *feed.Feed) bool
}

// Peer is a connection delivering control frames.
type Peer interface {
	replication.Conn
	RemotePublicKey() ed25519.PublicKey
	Frames() <-chan []byte
}

// Writer sends one control frame to a peer.
type Writer interface {
	Write(payload []byte) error
}

type Protocol struct {
	reg     Registry
	repl    Attacher
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(reg Registry, repl Attacher, m *metrics.Metrics) *Protocol {
	if m == nil {
		m = metrics.New()
	}
	return &Protocol{reg: reg, repl: repl, metrics: m, now: time.Now}
}

// Run handles frames from peer until its frame channel closes.
func (p *Protocol) Run(peer Peer) {
	for data := range peer.Frames() {
		p.HandleFrame(peer.Context(), peer, data)
	}
}

// HandleFrame applies one control frame. Malformed frames degrade to chat
// messages and never fail.
func (p *Protocol) HandleFrame(ctx context.Context, peer Peer, data []byte) {
	shortID := node.ShortID(peer.RemotePublicKey())
	in := proto.DecodeInbound(data, shortID, p.now())
	switch {
	case in.Hello != nil:
		p.handleHello(ctx, peer, shortID, in.Hello)
	case in.Chat != nil:
		if in.Degraded {
			p.metrics.IncFrameDegraded()
		}
		p.handleChat(ctx, shortID, in.Chat)
	}
}

func (p *Protocol) handleHello(ctx context.Context, peer Peer, shortID string, h *proto.HelloMsg) {
	p.metrics.IncHelloReceived()
	f, added, err := p.reg.AddRemote(ctx, h.RoomKey, h.FeedKey)
	if err != nil {
		debuglog.RateLimitedf("hello:"+shortID, 5*time.Second, "gossip hello rejected peer=%s err=%v", shortID, err)
		return
	}
	if !added {
		return
	}
	p.metrics.IncRemoteOpened()
	debuglog.Logf("gossip peer=%s announced feed=%s room=%s", shortID, short(h.FeedKey), short(h.RoomKey))
	p.repl.Attach(peer, f)
}

func (p *Protocol) handleChat(ctx context.Context, shortID string, c *proto.ChatFrame) {
	p.metrics.IncChatReceived()
	debuglog.Debugf("gossip chat peer=%s room=%s", shortID, short(c.RoomKey))
	if c.RoomKey == "" || !p.reg.HasLocal(c.RoomKey) {
		return
	}
	if _, err := p.reg.Append(ctx, c.RoomKey, c.ChatMessage()); err != nil {
		if !errors.Is(err, room.ErrNotJoined) {
			debuglog.Logf("gossip append failed peer=%s room=%s err=%v", shortID, short(c.RoomKey), err)
		}
		return
	}
	p.metrics.IncMessageAppended()
}

// Announce floods a hello for feedKey to every writer. It returns how many
// writes succeeded.
func (p *Protocol) Announce(peers []Writer, roomKey, feedKey string) int {
	frame, err := proto.EncodeHello(roomKey, feedKey)
	if err != nil {
		return 0
	}
	n := Flood(peers, frame)
	for i := 0; i < n; i++ {
		p.metrics.IncHelloSent()
	}
	return n
}

// Flood writes frame to every peer, skipping failures.
func Flood(peers []Writer, frame []byte) int {
	sent := 0
	for _, w := range peers {
		if err := w.Write(frame); err != nil {
			debuglog.Debugf("gossip write failed err=%v", err)
			continue
		}
		sent++
	}
	return sent
}

func short(key string) string {
	if len(key) < 8 {
		return key
	}
	return key[:8]
}
