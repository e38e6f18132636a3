package peer

import (
	"container/list"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"feedchat/internal/store"
)

const (
	DefaultCap = 256
	DefaultTTL = 24 * time.Hour
	// compactFactor triggers a rewrite once the log holds this many records per live peer.
	compactFactor = 4
)

// Peer is a remote node that was admitted at least once.
type Peer struct {
	PubKey   ed25519.PublicKey
	Addr     string
	LastSeen time.Time
}

type Options struct {
	Cap int
	TTL time.Duration
}

// Store is the address book: an LRU of known peers with a TTL, backed by an
// append-only jsonl file that is compacted on load and when it grows.
type Store struct {
	mu       sync.Mutex
	path     string
	cap      int
	ttl      time.Duration
	hot      map[string]*list.Element
	order    *list.List
	appended int
	now      func() time.Time
}

type entry struct {
	key  string
	peer Peer
}

type diskPeer struct {
	PubKey   string    `json:"pubkey"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
	Removed  bool      `json:"removed,omitempty"`
}

// NewStore loads the book at path. An empty path keeps it in memory only.
func NewStore(path string, opts Options) (*Store, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		path:  path,
		cap:   capacity,
		ttl:   ttl,
		hot:   make(map[string]*list.Element),
		order: list.New(),
		now:   time.Now,
	}
	if path == "" {
		return s, nil
	}
	recs, err := store.ReadJSONL[diskPeer](path)
	if err != nil {
		return nil, fmt.Errorf("load peer book: %w", err)
	}
	for _, rec := range recs {
		s.applyLocked(rec)
	}
	s.pruneLocked()
	if err := s.compactLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Upsert records a peer as seen now and moves it to the front.
func (s *Store) Upsert(pub ed25519.PublicKey, addr string) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("bad peer pubkey size %d", len(pub))
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("bad peer addr %q: %w", addr, err)
	}
	rec := diskPeer{PubKey: hex.EncodeToString(pub), Addr: addr, LastSeen: s.now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(rec)
	return s.persistLocked(rec)
}

// Remove forgets a peer, e.g. after its address stopped answering.
func (s *Store) Remove(pub ed25519.PublicKey) error {
	key := hex.EncodeToString(pub)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hot[key]; !ok {
		return nil
	}
	rec := diskPeer{PubKey: key, Removed: true}
	s.applyLocked(rec)
	return s.persistLocked(rec)
}

// List returns live peers, most recently seen first.
func (s *Store) List() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]Peer, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		p := el.Value.(*entry).peer
		pub := make(ed25519.PublicKey, len(p.PubKey))
		copy(pub, p.PubKey)
		out = append(out, Peer{PubKey: pub, Addr: p.Addr, LastSeen: p.LastSeen})
	}
	return out
}

func (s *Store) Addrs() []string {
	peers := s.List()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Addr)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.hot)
}

func (s *Store) applyLocked(rec diskPeer) {
	if el, ok := s.hot[rec.PubKey]; ok {
		if rec.Removed {
			delete(s.hot, rec.PubKey)
			s.order.Remove(el)
			return
		}
		ent := el.Value.(*entry)
		ent.peer.Addr = rec.Addr
		ent.peer.LastSeen = rec.LastSeen
		s.order.MoveToFront(el)
		return
	}
	if rec.Removed {
		return
	}
	pub, err := hex.DecodeString(rec.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return
	}
	if len(s.hot) >= s.cap {
		s.evictLocked(len(s.hot) - s.cap + 1)
	}
	ent := &entry{key: rec.PubKey, peer: Peer{PubKey: pub, Addr: rec.Addr, LastSeen: rec.LastSeen}}
	s.hot[rec.PubKey] = s.order.PushFront(ent)
}

func (s *Store) pruneLocked() {
	cutoff := s.now().Add(-s.ttl)
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.peer.LastSeen.Before(cutoff) {
			delete(s.hot, ent.key)
			s.order.Remove(el)
		}
		el = prev
	}
}

func (s *Store) evictLocked(n int) {
	for n > 0 {
		el := s.order.Back()
		if el == nil {
			return
		}
		delete(s.hot, el.Value.(*entry).key)
		s.order.Remove(el)
		n--
	}
}

func (s *Store) persistLocked(rec diskPeer) error {
	if s.path == "" {
		return nil
	}
	if err := store.AppendJSONL(s.path, rec); err != nil {
		return err
	}
	s.appended++
	if s.appended > compactFactor*max(len(s.hot), 1) {
		return s.compactLocked()
	}
	return nil
}

func (s *Store) compactLocked() error {
	recs := make([]diskPeer, 0, len(s.hot))
	for el := s.order.Back(); el != nil; el = el.Prev() {
		p := el.Value.(*entry).peer
		recs = append(recs, diskPeer{PubKey: hex.EncodeToString(p.PubKey), Addr: p.Addr, LastSeen: p.LastSeen})
	}
	if err := store.RewriteJSONL(s.path, recs); err != nil {
		return fmt.Errorf("compact peer book: %w", err)
	}
	s.appended = 0
	return nil
}
