package replication

import (
	"context"
	"errors"
	"io"
	"sync"

	"feedchat/internal/debuglog"
	"feedchat/internal/feed"
	"feedchat/internal/network"
)

// Conn is the part of a swarm connection replication needs.
type Conn interface {
	feed.StreamOpener
	Context() context.Context
	Streams() <-chan network.Stream
}

// FeedSource lists every feed to attach to a new connection.
type FeedSource interface {
	Feeds() []*feed.Feed
}

// Server answers one inbound replication stream.
type Server interface {
	Serve(ctx context.Context, stream io.ReadWriteCloser) error
}

// Engine attaches feeds to connections and serves the peer's pulls. Each
// (connection, feed) pair replicates at most once at a time.
type Engine struct {
	feeds  FeedSource
	server Server

	mu       sync.Mutex
	attached map[Conn]map[string]struct{}
	wg       sync.WaitGroup
}

func New(feeds FeedSource, server Server) *Engine {
	return &Engine{
		feeds:    feeds,
		server:   server,
		attached: make(map[Conn]map[string]struct{}),
	}
}

// AttachAll attaches every known local and remote feed to conn.
func (e *Engine) AttachAll(conn Conn) int {
	n := 0
	for _, f := range e.feeds.Feeds() {
		if e.Attach(conn, f) {
			n++
		}
	}
	return n
}

// Attach starts replicating f over conn. It reports false when the pair is
// already replicating or conn is gone.
func (e *Engine) Attach(conn Conn, f *feed.Feed) bool {
	ctx := conn.Context()
	if ctx.Err() != nil {
		return false
	}
	key := f.KeyHex()
	e.mu.Lock()
	set, ok := e.attached[conn]
	if !ok {
		set = make(map[string]struct{})
		e.attached[conn] = set
	}
	if _, dup := set[key]; dup {
		e.mu.Unlock()
		return false
	}
	set[key] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer e.detach(conn, key)
		if err := f.Replicate(ctx, conn); err != nil && ctx.Err() == nil {
			debuglog.Logf("replication failed feed=%s err=%v", short(key), err)
		}
	}()
	return true
}

// Serve answers every replication stream the peer opens on conn until the
// connection ends.
func (e *Engine) Serve(conn Conn) {
	ctx := conn.Context()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for st := range conn.Streams() {
			e.wg.Add(1)
			go func(st network.Stream) {
				defer e.wg.Done()
				if err := e.server.Serve(ctx, st); err != nil && ctx.Err() == nil && !errors.Is(err, io.EOF) {
					debuglog.Debugf("replication serve err=%v", err)
				}
			}(st)
		}
	}()
}

// Attached reports the feeds currently replicating over conn.
func (e *Engine) Attached(conn Conn) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.attached[conn])
}

// Forget drops bookkeeping for a closed connection.
func (e *Engine) Forget(conn Conn) {
	e.mu.Lock()
	delete(e.attached, conn)
	e.mu.Unlock()
}

// Wait blocks until every replication goroutine has returned. Goroutines
// end with their connection.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) detach(conn Conn, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.attached[conn]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(e.attached, conn)
		}
	}
}

func short(key string) string {
	if len(key) < 8 {
		return key
	}
	return key[:8]
}
