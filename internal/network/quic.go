package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"feedchat/internal/debuglog"
)

const ALPN = "feedchat/1"

type Options struct {
	// MaxConnsPerIP and MaxStreamsPerPeer of zero mean unlimited.
	MaxConnsPerIP     int
	MaxStreamsPerPeer int
	IdleTimeout       time.Duration
	KeepAlive         time.Duration
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 10 * time.Second
	}
	if o.MaxStreamsPerPeer == 0 {
		o.MaxStreamsPerPeer = 256
	}
	return o
}

// Transport listens and dials on one UDP socket, so the address an inbound
// peer is seen from is also the address it can be dialed back on.
type Transport struct {
	udp      *net.UDPConn
	tr       *quic.Transport
	ln       *quic.Listener
	client   *tls.Config
	quicConf *quic.Config
	limits   *limiter
}

// Listen binds addr (e.g. "0.0.0.0:0") and presents a certificate derived
// from priv.
func Listen(addr string, priv ed25519.PrivateKey, opts Options) (*Transport, error) {
	opts = opts.withDefaults()
	cert, err := identityCert(priv)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	qc := &quic.Config{
		HandshakeIdleTimeout: 10 * time.Second,
		MaxIdleTimeout:       opts.IdleTimeout,
		KeepAlivePeriod:      opts.KeepAlive,
		MaxIncomingStreams:   int64(max(opts.MaxStreamsPerPeer, 16)),
	}
	tr := &quic.Transport{Conn: udp}
	ln, err := tr.Listen(serverTLSConfig(cert), qc)
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	debuglog.Logf("quic listen ready: %s", udp.LocalAddr())
	return &Transport{
		udp:      udp,
		tr:       tr,
		ln:       ln,
		client:   clientTLSConfig(cert),
		quicConf: qc,
		limits:   newLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerPeer),
	}, nil
}

func (t *Transport) Addr() string {
	return t.udp.LocalAddr().String()
}

// Accept blocks for the next inbound session. Sessions over the per-IP cap
// are refused and Accept keeps waiting.
func (t *Transport) Accept(ctx context.Context) (Session, error) {
	for {
		conn, err := t.ln.Accept(ctx)
		if err != nil {
			return nil, err
		}
		ip := hostOf(conn.RemoteAddr())
		if !t.limits.acquireConn(ip) {
			debuglog.RateLimitedf("conn-cap:"+ip, 5*time.Second, "quic conn cap reached ip=%s", ip)
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		sess, err := t.wrap(conn, ip)
		if err != nil {
			t.limits.releaseConn(ip)
			_ = conn.CloseWithError(1, err.Error())
			continue
		}
		return sess, nil
	}
}

func (t *Transport) Dial(ctx context.Context, addr string) (Session, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := t.tr.Dial(ctx, udpAddr, t.client, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	sess, err := t.wrap(conn, "")
	if err != nil {
		_ = conn.CloseWithError(1, err.Error())
		return nil, err
	}
	return sess, nil
}

func (t *Transport) Close() error {
	err := t.ln.Close()
	if cerr := t.tr.Close(); err == nil {
		err = cerr
	}
	return err
}

func (t *Transport) wrap(conn *quic.Conn, ip string) (*quicSession, error) {
	pub, err := peerPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, err
	}
	s := &quicSession{conn: conn, remote: pub, limits: t.limits, ip: ip}
	if ip != "" {
		go func() {
			<-conn.Context().Done()
			t.limits.releaseConn(ip)
		}()
	}
	return s, nil
}

type quicSession struct {
	conn   *quic.Conn
	remote ed25519.PublicKey
	limits *limiter
	ip     string
}

func (s *quicSession) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{Stream: st}, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	node := hex.EncodeToString(s.remote)
	for {
		st, err := s.conn.AcceptStream(ctx)
		if err != nil {
			return nil, err
		}
		if !s.limits.acquireStream(node) {
			debuglog.RateLimitedf("stream-cap:"+node, 5*time.Second, "quic stream cap reached peer=%s", node[:6])
			st.CancelRead(1)
			st.CancelWrite(1)
			continue
		}
		return &quicStream{Stream: st, release: func() { s.limits.releaseStream(node) }}, nil
	}
}

func (s *quicSession) RemotePublicKey() ed25519.PublicKey { return s.remote }
func (s *quicSession) RemoteAddr() string                 { return s.conn.RemoteAddr().String() }
func (s *quicSession) Context() context.Context           { return s.conn.Context() }

func (s *quicSession) Close(reason string) error {
	return s.conn.CloseWithError(0, reason)
}

type quicStream struct {
	*quic.Stream
	release func()
	once    sync.Once
}

// Close ends both directions; a bare quic Close only ends the write side.
func (q *quicStream) Close() error {
	var err error
	q.once.Do(func() {
		q.Stream.CancelRead(0)
		err = q.Stream.Close()
		if q.release != nil {
			q.release()
		}
	})
	return err
}

func identityCert(priv ed25519.PrivateKey) (tls.Certificate, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return tls.Certificate{}, errors.New("bad identity key size")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"feedchat"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// verifySelfSigned replaces chain validation: nodes are identified by their
// ed25519 key, and TLS 1.3 already proves possession of it.
func verifySelfSigned(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) != 1 {
		return fmt.Errorf("expected one peer certificate, got %d", len(rawCerts))
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	if _, ok := cert.PublicKey.(ed25519.PublicKey); !ok {
		return errors.New("peer certificate key is not ed25519")
	}
	return cert.CheckSignatureFrom(cert)
}

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifySelfSigned,
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
	}
}

func clientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifySelfSigned,
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
	}
}

func peerPublicKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("peer sent no certificate")
	}
	pub, ok := state.PeerCertificates[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("peer certificate key is not ed25519")
	}
	return pub, nil
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
