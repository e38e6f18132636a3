package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"feedchat/internal/debuglog"
	"feedchat/internal/metrics"
	"feedchat/internal/proto"
)

const (
	DefaultHeartbeat = 15 * time.Second
	DefaultBuffer    = 256
)

var (
	// ErrDropped ends a stream whose consumer fell too far behind.
	ErrDropped = errors.New("sse consumer dropped")
	ErrClosed  = errors.New("sse consumer closed")
)

type Options struct {
	Heartbeat time.Duration
	Buffer    int
	Metrics   *metrics.Metrics
}

// Broadcaster fans chat entries and peer counts out to per-room consumers.
type Broadcaster struct {
	heartbeat time.Duration
	buffer    int
	metrics   *metrics.Metrics

	mu        sync.RWMutex
	rooms     map[string]map[string]*Consumer
	peerCount int
}

func New(opts Options) *Broadcaster {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	return &Broadcaster{
		heartbeat: opts.Heartbeat,
		buffer:    opts.Buffer,
		metrics:   opts.Metrics,
		rooms:     make(map[string]map[string]*Consumer),
	}
}

type event struct {
	entry bool
	index uint64
	data  []byte
}

type Consumer struct {
	ID   string
	Room string

	b         *Broadcaster
	ch        chan event
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Bool
	skipBelow atomic.Uint64
}

// Register adds a consumer for roomKey. Entries pushed after Register are
// queued until Stream runs.
func (b *Broadcaster) Register(roomKey string) *Consumer {
	c := &Consumer{
		ID:   uuid.NewString(),
		Room: roomKey,
		b:    b,
		ch:   make(chan event, b.buffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	members, ok := b.rooms[roomKey]
	if !ok {
		members = make(map[string]*Consumer)
		b.rooms[roomKey] = members
	}
	members[c.ID] = c
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.IncConsumerOpened()
	}
	debuglog.Debugf("sse consumer opened id=%s room=%s", c.ID, short(roomKey))
	return c
}

func (b *Broadcaster) unregister(c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[c.Room]
	if !ok {
		return
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(b.rooms, c.Room)
	}
}

// Consumers reports how many consumers are registered for roomKey.
func (b *Broadcaster) Consumers(roomKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[roomKey])
}

// PushEntry sends a local feed entry to every consumer of roomKey.
func (b *Broadcaster) PushEntry(roomKey string, index uint64, msg proto.ChatMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ev := event{entry: true, index: index, data: dataFrame(data)}
	b.mu.RLock()
	targets := make([]*Consumer, 0, len(b.rooms[roomKey]))
	for _, c := range b.rooms[roomKey] {
		targets = append(targets, c)
	}
	b.mu.RUnlock()
	for _, c := range targets {
		c.offer(ev)
	}
}

// PushPeerCount sends the live peer count to every consumer of every room.
func (b *Broadcaster) PushPeerCount(n int) {
	ev := event{data: []byte(fmt.Sprintf("event: peersCount\ndata: %d\n\n", n))}
	b.mu.Lock()
	b.peerCount = n
	var targets []*Consumer
	for _, members := range b.rooms {
		for _, c := range members {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()
	debuglog.Debugf("sse peer count=%d consumers=%d", n, len(targets))
	for _, c := range targets {
		c.offer(ev)
	}
}

func (b *Broadcaster) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.peerCount
}

func (c *Consumer) offer(ev event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.ch <- ev:
		if c.b.metrics != nil {
			c.b.metrics.IncPush()
		}
	default:
		if c.dropped.CompareAndSwap(false, true) {
			debuglog.Logf("sse consumer dropped id=%s room=%s reason=backpressure", c.ID, short(c.Room))
			if c.b.metrics != nil {
				c.b.metrics.IncConsumerDropped()
			}
			c.Close()
		}
	}
}

// SkipLocalBelow discards queued entries with an index under cursor. It is
// used after history up to cursor has already been written.
func (c *Consumer) SkipLocalBelow(cursor uint64) {
	c.skipBelow.Store(cursor)
}

// WriteEntry writes one replayed message in the same format as live pushes.
func WriteEntry(w io.Writer, msg proto.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(dataFrame(data))
	return err
}

// Stream writes queued events and heartbeats to w until ctx ends, a write
// fails, or the consumer is closed. flush may be nil. The consumer is always
// closed on return.
func (c *Consumer) Stream(ctx context.Context, w io.Writer, flush func()) error {
	defer c.Close()
	ticker := time.NewTicker(c.b.heartbeat)
	defer ticker.Stop()

	write := func(p []byte) error {
		if _, err := w.Write(p); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			if c.dropped.Load() {
				return ErrDropped
			}
			return ErrClosed
		case ev := <-c.ch:
			if ev.entry && ev.index < c.skipBelow.Load() {
				continue
			}
			if err := write(ev.data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := write([]byte(":\n\n")); err != nil {
				return err
			}
		}
	}
}

// Close removes the consumer from its room. It is safe to call repeatedly.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.b.unregister(c)
		debuglog.Debugf("sse consumer closed id=%s room=%s", c.ID, short(c.Room))
	})
}

func dataFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}

func short(key string) string {
	if len(key) < 8 {
		return key
	}
	return key[:8]
}
