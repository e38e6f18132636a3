package feed

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"feedchat/internal/crypto"
	"feedchat/internal/debuglog"
	"feedchat/internal/proto"
)

var (
	ErrNotWritable  = errors.New("feed is not writable")
	ErrNotAvailable = errors.New("entry not available")
	ErrBadSignature = errors.New("entry signature invalid")
	ErrOutOfOrder   = errors.New("entry out of order")
	ErrClosed       = errors.New("feed store closed")
	ErrUnknownFeed  = errors.New("unknown feed")
)

type Options struct {
	// Dir is ignored when InMemory is set.
	Dir      string
	InMemory bool
	// OnReplicated is called after each entry received from a peer is stored.
	OnReplicated func(feedKey string, index uint64)
}

// Store opens feeds by public key and keeps one *Feed per key.
type Store struct {
	db     *badger.DB
	ownsDB bool
	opts   Options

	mu     sync.Mutex
	feeds  map[string]*Feed
	closed bool
}

type feedMeta struct {
	Length uint64 `json:"length"`
	Secret []byte `json:"secret,omitempty"`
}

func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open feed store: %w", err)
	}
	s := NewStore(db, opts)
	s.ownsDB = true
	return s, nil
}

// NewStore wraps an already open database; Close leaves it open.
func NewStore(db *badger.DB, opts Options) *Store {
	return &Store{db: db, opts: opts, feeds: make(map[string]*Feed)}
}

// Get returns the feed for key, or a new writable feed when key is nil. The
// feed loads in the background; call Ready before relying on Len.
func (s *Store) Get(ctx context.Context, key []byte) (*Feed, error) {
	var secret ed25519.PrivateKey
	if key == nil {
		pub, priv, err := crypto.GenKeypair()
		if err != nil {
			return nil, err
		}
		key, secret = pub, priv
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: feed key is %d bytes", crypto.ErrBadKeySize, len(key))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hexKey := hex.EncodeToString(key)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if f, ok := s.feeds[hexKey]; ok {
		s.mu.Unlock()
		return f, nil
	}
	f := newFeed(s, ed25519.PublicKey(append([]byte(nil), key...)), secret)
	s.feeds[hexKey] = f
	s.mu.Unlock()

	go f.load()
	return f, nil
}

// lookup finds a feed that is open or was persisted earlier.
func (s *Store) lookup(ctx context.Context, hexKey string) (*Feed, error) {
	s.mu.Lock()
	f, ok := s.feeds[hexKey]
	s.mu.Unlock()
	if !ok {
		key, err := crypto.DecodeKeyHex(hexKey)
		if err != nil {
			return nil, err
		}
		var found bool
		err = s.db.View(func(txn *badger.Txn) error {
			_, err := txn.Get(metaKey(hexKey))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			found = err == nil
			return err
		})
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, ErrUnknownFeed
		}
		if f, err = s.Get(ctx, key); err != nil {
			return nil, err
		}
	}
	if err := f.Ready(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// Entry reads one entry of any known feed by hex key.
func (s *Store) Entry(ctx context.Context, hexKey string, index uint64) ([]byte, error) {
	f, err := s.lookup(ctx, hexKey)
	if err != nil {
		return nil, err
	}
	return f.Get(ctx, index)
}

// Serve answers one replication stream: it reads a sync request, streams the
// entries the feed already has from the requested index and then tails new
// ones until the peer closes the stream or ctx ends.
func (s *Store) Serve(ctx context.Context, stream io.ReadWriteCloser) error {
	defer stream.Close()
	data, err := proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		return fmt.Errorf("read sync request: %w", err)
	}
	req, err := proto.DecodeSyncRequest(data)
	if err != nil {
		return err
	}
	f, err := s.lookup(ctx, req.FeedKey)
	if err != nil {
		if errors.Is(err, ErrUnknownFeed) {
			debuglog.Debugf("feed serve: unknown feed=%s", short(req.FeedKey))
			return nil
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// The requester never writes after the sync request; EOF means it is gone.
		_, _ = io.Copy(io.Discard, stream)
		cancel()
	}()

	sig, unsubscribe := f.Subscribe()
	defer unsubscribe()
	next := req.Start
	for {
		for n := f.Len(); next < n; next++ {
			value, entrySig, err := f.entry(next)
			if err != nil {
				return err
			}
			frame, err := proto.EncodeEntryFrame(proto.EntryFrame{Index: next, Value: value, Sig: entrySig})
			if err != nil {
				return err
			}
			if err := proto.WriteFrame(stream, frame); err != nil {
				return err
			}
		}
		select {
		case <-sig:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) forget(hexKey string) {
	s.mu.Lock()
	delete(s.feeds, hexKey)
	s.mu.Unlock()
}

func metaKey(hexKey string) []byte {
	return []byte("feed/" + hexKey + "/meta")
}

func entryKey(hexKey string, index uint64) []byte {
	return []byte(fmt.Sprintf("feed/%s/e/%020d", hexKey, index))
}

func readMeta(txn *badger.Txn, hexKey string) (feedMeta, bool, error) {
	item, err := txn.Get(metaKey(hexKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return feedMeta{}, false, nil
	}
	if err != nil {
		return feedMeta{}, false, err
	}
	var meta feedMeta
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &meta)
	})
	return meta, err == nil, err
}

func writeMeta(txn *badger.Txn, hexKey string, meta feedMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set(metaKey(hexKey), data)
}

func short(hexKey string) string {
	if len(hexKey) < 6 {
		return hexKey
	}
	return hexKey[:6]
}
