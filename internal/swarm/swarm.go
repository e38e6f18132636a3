package swarm

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/samber/lo"

	"feedchat/internal/crypto"
	"feedchat/internal/debuglog"
	"feedchat/internal/network"
	"feedchat/internal/proto"
)

type EventKind int

const (
	EventConnection EventKind = iota + 1
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnection:
		return "connection"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind EventKind
	Conn *Conn
	Err  error
}

// Firewall returns true to reject an inbound peer.
type Firewall func(remote ed25519.PublicKey) bool

type Dialer interface {
	Dial(ctx context.Context, addr string) (network.Session, error)
}

type Listener interface {
	Accept(ctx context.Context) (network.Session, error)
}

// AddrBook remembers where admitted peers can be dialed again.
type AddrBook interface {
	Addrs() []string
	Upsert(pub ed25519.PublicKey, addr string) error
}

type Options struct {
	PublicKey        ed25519.PublicKey
	Dialer           Dialer
	Bootstrap        []string
	AddrBook         AddrBook
	Firewall         Firewall
	HandshakeTimeout time.Duration
	EventBuffer      int
}

type JoinOptions struct {
	Client bool
	Server bool
}

var (
	ErrClosed        = errors.New("swarm closed")
	ErrNoSharedTopic = errors.New("no shared topic")
	ErrRejected      = errors.New("rejected by firewall")
	ErrSelf          = errors.New("connection to self")
	ErrDuplicate     = errors.New("duplicate connection")
)

// Swarm admits peer sessions that share a joined topic and publishes their
// lifecycle on Events.
type Swarm struct {
	opts   Options
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	topics  map[string]JoinOptions
	conns   map[string]*Conn
	dialing map[string]bool
	pending int
	waiters []chan struct{}
}

func New(opts Options) (*Swarm, error) {
	if len(opts.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("swarm needs the local public key")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Swarm{
		opts:    opts,
		events:  make(chan Event, opts.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		topics:  make(map[string]JoinOptions),
		conns:   make(map[string]*Conn),
		dialing: make(map[string]bool),
	}, nil
}

func (s *Swarm) Events() <-chan Event { return s.events }

// Join adds topic to the joined set. Joining again with the same options is a
// no-op; client mode dials every bootstrap and address-book entry.
func (s *Swarm) Join(ctx context.Context, topic []byte, opts JoinOptions) error {
	if len(topic) == 0 {
		return crypto.ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	disc := hex.EncodeToString(crypto.DiscoveryKey(topic))

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrClosed
	}
	prev, joined := s.topics[disc]
	merged := JoinOptions{Client: prev.Client || opts.Client, Server: prev.Server || opts.Server}
	if joined && merged == prev {
		s.mu.Unlock()
		return nil
	}
	s.topics[disc] = merged
	s.mu.Unlock()

	debuglog.Debugf("swarm join topic=%s client=%v server=%v", disc[:8], merged.Client, merged.Server)
	if opts.Client && !prev.Client {
		s.dialAll()
	}
	return nil
}

// Topics returns the joined discovery keys.
func (s *Swarm) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.topics)
}

// Flush waits until every dial started by earlier joins has finished its
// handshake or failed.
func (s *Swarm) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conns returns the live connections.
func (s *Swarm) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(lo.Values(s.conns), func(c *Conn, _ int) bool { return !c.Destroyed() })
}

// Serve admits inbound sessions from l until Accept fails.
func (s *Swarm) Serve(ctx context.Context, l Listener) error {
	for {
		sess, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("swarm accept: %w", err)
		}
		go func() {
			if _, err := s.AddSession(ctx, sess, false); err != nil {
				debuglog.Debugf("swarm inbound rejected addr=%s err=%v", sess.RemoteAddr(), err)
			}
		}()
	}
}

// AddSession runs the topic handshake on sess and, when admitted, registers
// the connection and emits EventConnection.
func (s *Swarm) AddSession(ctx context.Context, sess network.Session, initiator bool) (*Conn, error) {
	return s.addSession(ctx, sess, initiator, "")
}

func (s *Swarm) addSession(ctx context.Context, sess network.Session, initiator bool, dialAddr string) (*Conn, error) {
	remote := sess.RemotePublicKey()
	if bytes.Equal(remote, s.opts.PublicKey) {
		_ = sess.Close("self")
		return nil, ErrSelf
	}
	if !initiator && s.opts.Firewall != nil && s.opts.Firewall(remote) {
		_ = sess.Close("rejected")
		return nil, ErrRejected
	}

	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()
	ctl, err := s.handshake(hctx, sess, initiator)
	if err != nil {
		_ = sess.Close(err.Error())
		return nil, err
	}

	c := newConn(sess, ctl, s.opts.PublicKey, initiator)
	c.dialAddr = dialAddr
	if err := s.register(c); err != nil {
		c.destroy(nil)
		return nil, err
	}
	if s.opts.AddrBook != nil && !initiator {
		if err := s.opts.AddrBook.Upsert(remote, sess.RemoteAddr()); err != nil {
			debuglog.Debugf("swarm addr book upsert failed: %v", err)
		}
	}
	go c.readFrames()
	go c.acceptStreams()
	go s.watch(c)
	s.emit(Event{Kind: EventConnection, Conn: c})
	return c, nil
}

func (s *Swarm) Close() error {
	s.cancel()
	for _, c := range s.Conns() {
		_ = c.Close()
	}
	return nil
}

func (s *Swarm) handshake(ctx context.Context, sess network.Session, initiator bool) (network.Stream, error) {
	var (
		ctl network.Stream
		err error
	)
	if initiator {
		ctl, err = sess.OpenStream(ctx)
		if err != nil {
			return nil, fmt.Errorf("open control stream: %w", err)
		}
		if _, err := ctl.Write([]byte{streamControl}); err != nil {
			return nil, err
		}
	} else {
		ctl, err = sess.AcceptStream(ctx)
		if err != nil {
			return nil, fmt.Errorf("accept control stream: %w", err)
		}
		var kind [1]byte
		if _, err := io.ReadFull(ctl, kind[:]); err != nil {
			return nil, err
		}
		if kind[0] != streamControl {
			return nil, fmt.Errorf("first stream is not a control stream")
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = ctl.Close() })
	defer stop()

	mine, err := proto.EncodeHandshakeMsg(proto.HandshakeMsg{Topics: s.Topics()})
	if err != nil {
		return nil, err
	}
	if initiator {
		if err := proto.WriteFrame(ctl, mine); err != nil {
			return nil, err
		}
	}
	data, err := proto.ReadFrame(ctl)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	theirs, err := proto.DecodeHandshakeMsg(data)
	if err != nil {
		return nil, err
	}
	if !s.admits(theirs.Topics, initiator) {
		return nil, ErrNoSharedTopic
	}
	if !initiator {
		if err := proto.WriteFrame(ctl, mine); err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return ctl, nil
}

// admits: a dialer needs a shared client topic, a listener a shared server topic.
func (s *Swarm) admits(remote []string, initiator bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range remote {
		opts, ok := s.topics[t]
		if !ok {
			continue
		}
		if (initiator && opts.Client) || (!initiator && opts.Server) {
			return true
		}
	}
	return false
}

// register keeps one connection per remote key. Both ends keep the session
// dialed by the lexicographically smaller key; between two sessions from the
// same dialer the newer one wins, so a restarted peer can redial before the
// stale session times out.
func (s *Swarm) register(c *Conn) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrClosed
	}
	old, ok := s.conns[c.remoteHex]
	if ok && !old.Destroyed() {
		if bytes.Compare(old.dialer, c.dialer) < 0 {
			s.mu.Unlock()
			return ErrDuplicate
		}
	}
	s.conns[c.remoteHex] = c
	s.mu.Unlock()
	if ok {
		_ = old.Close()
	}
	return nil
}

func (s *Swarm) watch(c *Conn) {
	<-c.Done()
	s.mu.Lock()
	if cur, ok := s.conns[c.remoteHex]; ok && cur == c {
		delete(s.conns, c.remoteHex)
	}
	s.mu.Unlock()
	if err := c.err; err != nil {
		s.emit(Event{Kind: EventError, Conn: c, Err: err})
	}
	s.emit(Event{Kind: EventClose, Conn: c})
}

func (s *Swarm) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Swarm) dialAll() {
	if s.opts.Dialer == nil {
		return
	}
	addrs := append([]string(nil), s.opts.Bootstrap...)
	if s.opts.AddrBook != nil {
		addrs = append(addrs, s.opts.AddrBook.Addrs()...)
	}
	for _, addr := range lo.Uniq(addrs) {
		s.mu.Lock()
		if s.dialing[addr] || s.connectedToLocked(addr) {
			s.mu.Unlock()
			continue
		}
		s.dialing[addr] = true
		s.pending++
		s.mu.Unlock()
		go s.dial(addr)
	}
}

func (s *Swarm) connectedToLocked(addr string) bool {
	for _, c := range s.conns {
		if !c.Destroyed() && (c.dialAddr == addr || c.RemoteAddr() == addr) {
			return true
		}
	}
	return false
}

func (s *Swarm) dial(addr string) {
	defer s.dialDone(addr)
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	defer cancel()
	sess, err := s.opts.Dialer.Dial(ctx, addr)
	if err != nil {
		debuglog.Debugf("swarm dial failed addr=%s err=%v", addr, err)
		return
	}
	c, err := s.addSession(s.ctx, sess, true, addr)
	if err != nil {
		debuglog.Debugf("swarm outbound rejected addr=%s err=%v", addr, err)
		return
	}
	if s.opts.AddrBook != nil {
		if err := s.opts.AddrBook.Upsert(c.RemotePublicKey(), addr); err != nil {
			debuglog.Debugf("swarm addr book upsert failed: %v", err)
		}
	}
}

func (s *Swarm) dialDone(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialing, addr)
	s.pending--
	if s.pending == 0 {
		for _, ch := range s.waiters {
			close(ch)
		}
		s.waiters = nil
	}
}
