package swarm

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"feedchat/internal/network"
	"feedchat/internal/proto"
)

const (
	streamControl     byte = 0x01
	streamReplication byte = 0x02

	frameBuffer  = 64
	streamBuffer = 16
)

var ErrConnClosed = errors.New("connection closed")

// Conn is an admitted peer connection: one control stream for framed
// messages plus any number of replication streams.
type Conn struct {
	sess      network.Session
	ctl       network.Stream
	remote    ed25519.PublicKey
	remoteHex string
	initiator bool
	dialAddr  string
	// dialer is the public key of the side that opened the session.
	dialer ed25519.PublicKey

	writeMu sync.Mutex
	frames  chan []byte
	streams chan network.Stream

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

func newConn(sess network.Session, ctl network.Stream, self ed25519.PublicKey, initiator bool) *Conn {
	ctx, cancel := context.WithCancel(sess.Context())
	remote := sess.RemotePublicKey()
	dialer := remote
	if initiator {
		dialer = self
	}
	return &Conn{
		sess:      sess,
		ctl:       ctl,
		remote:    remote,
		remoteHex: hex.EncodeToString(remote),
		initiator: initiator,
		dialer:    dialer,
		frames:    make(chan []byte, frameBuffer),
		streams:   make(chan network.Stream, streamBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Conn) RemotePublicKey() ed25519.PublicKey { return c.remote }
func (c *Conn) RemoteAddr() string                 { return c.sess.RemoteAddr() }
func (c *Conn) Initiator() bool                    { return c.initiator }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }
func (c *Conn) Done() <-chan struct{}    { return c.ctx.Done() }

// Err reports why the connection ended; nil while it is open or after a
// clean close.
func (c *Conn) Err() error {
	select {
	case <-c.ctx.Done():
		return c.err
	default:
		return nil
	}
}

// Write sends one framed message on the control stream.
func (c *Conn) Write(payload []byte) error {
	if c.ctx.Err() != nil {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := proto.WriteFrame(c.ctl, payload); err != nil {
		c.destroy(fmt.Errorf("write control frame: %w", err))
		return err
	}
	return nil
}

// Frames delivers inbound control frames and is closed when the connection ends.
func (c *Conn) Frames() <-chan []byte { return c.frames }

// OpenStream opens a replication stream to the peer.
func (c *Conn) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	if c.ctx.Err() != nil {
		return nil, ErrConnClosed
	}
	st, err := c.sess.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := st.Write([]byte{streamReplication}); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// Streams delivers replication streams opened by the peer and is closed when
// the connection ends.
func (c *Conn) Streams() <-chan network.Stream { return c.streams }

func (c *Conn) Close() error {
	c.destroy(nil)
	return nil
}

func (c *Conn) Destroyed() bool {
	return c.ctx.Err() != nil
}

func (c *Conn) destroy(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		reason := "closed"
		if err != nil {
			reason = err.Error()
		}
		_ = c.ctl.Close()
		_ = c.sess.Close(reason)
	})
}

func (c *Conn) readFrames() {
	defer close(c.frames)
	for {
		data, err := proto.ReadFrameWithTypeCap(c.ctl, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil {
				c.destroy(nil)
			} else {
				c.destroy(fmt.Errorf("read control frame: %w", err))
			}
			return
		}
		select {
		case c.frames <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) acceptStreams() {
	defer close(c.streams)
	for {
		st, err := c.sess.AcceptStream(c.ctx)
		if err != nil {
			c.destroy(nil)
			return
		}
		var kind [1]byte
		if _, err := io.ReadFull(st, kind[:]); err != nil || kind[0] != streamReplication {
			_ = st.Close()
			continue
		}
		select {
		case c.streams <- st:
		case <-c.ctx.Done():
			_ = st.Close()
			return
		}
	}
}
