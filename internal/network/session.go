package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"sync"
)

// Stream is one bidirectional byte stream inside a Session.
type Stream = io.ReadWriteCloser

// Session is an authenticated connection to one remote node.
type Session interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	RemotePublicKey() ed25519.PublicKey
	RemoteAddr() string
	// Context is cancelled when the session ends.
	Context() context.Context
	Close(reason string) error
}

var ErrSessionClosed = errors.New("session closed")

// Pipe returns two connected in-process sessions. a reports pubB as its
// remote key and b reports pubA.
func Pipe(pubA, pubB ed25519.PublicKey) (Session, Session) {
	a := newPipeSession(pubB, "pipe:b")
	b := newPipeSession(pubA, "pipe:a")
	a.peer, b.peer = b, a
	return a, b
}

type pipeSession struct {
	remote   ed25519.PublicKey
	addr     string
	peer     *pipeSession
	incoming chan *pipeStream
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	streams map[*pipeStream]struct{}
}

func newPipeSession(remote ed25519.PublicKey, addr string) *pipeSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &pipeSession{
		remote:   remote,
		addr:     addr,
		incoming: make(chan *pipeStream, 16),
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[*pipeStream]struct{}),
	}
}

func (s *pipeSession) OpenStream(ctx context.Context) (Stream, error) {
	ab, ba := newPipeBuffer(), newPipeBuffer()
	local := &pipeStream{r: ba, w: ab}
	remote := &pipeStream{r: ab, w: ba}
	if !s.track(local) || !s.peer.track(remote) {
		local.Close()
		remote.Close()
		return nil, ErrSessionClosed
	}
	select {
	case s.peer.incoming <- remote:
		return local, nil
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	}
}

func (s *pipeSession) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case st := <-s.incoming:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	}
}

func (s *pipeSession) RemotePublicKey() ed25519.PublicKey { return s.remote }
func (s *pipeSession) RemoteAddr() string                 { return s.addr }
func (s *pipeSession) Context() context.Context           { return s.ctx }

// Close ends both ends of the pipe, like a QUIC connection close.
func (s *pipeSession) Close(reason string) error {
	s.shutdown()
	s.peer.shutdown()
	return nil
}

func (s *pipeSession) track(st *pipeStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.streams[st] = struct{}{}
	return true
}

func (s *pipeSession) shutdown() {
	s.mu.Lock()
	s.cancel()
	streams := s.streams
	s.streams = make(map[*pipeStream]struct{})
	s.mu.Unlock()
	for st := range streams {
		st.Close()
	}
}

type pipeStream struct {
	r, w *pipeBuffer
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.write(b) }

func (p *pipeStream) Close() error {
	p.w.close()
	p.r.close()
	return nil
}

// pipeBuffer is an unbounded one-way buffer; writes never wait for the reader.
type pipeBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newPipeBuffer() *pipeBuffer {
	p := &pipeBuffer{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeBuffer) read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *pipeBuffer) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(b)
	p.cond.Broadcast()
	return n, nil
}

func (p *pipeBuffer) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}
