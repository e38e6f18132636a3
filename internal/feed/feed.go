package feed

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"feedchat/internal/crypto"
	"feedchat/internal/proto"
)

// MaxValueSize keeps an encoded entry frame under proto.MaxEntryFrameSize.
const MaxValueSize = 256 << 10

// StreamOpener opens a replication stream to a peer.
type StreamOpener interface {
	OpenStream(ctx context.Context) (io.ReadWriteCloser, error)
}

// Feed is an append-only log identified by an ed25519 public key. Only the
// holder of the secret key can append; replicas accept entries whose
// signature verifies.
type Feed struct {
	store  *Store
	key    ed25519.PublicKey
	hexKey string

	ready    chan struct{}
	readyErr error

	mu     sync.Mutex
	secret ed25519.PrivateKey
	length atomic.Uint64

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

func newFeed(s *Store, key ed25519.PublicKey, secret ed25519.PrivateKey) *Feed {
	return &Feed{
		store:  s,
		key:    key,
		hexKey: hex.EncodeToString(key),
		secret: secret,
		ready:  make(chan struct{}),
		subs:   make(map[chan struct{}]struct{}),
	}
}

func (f *Feed) load() {
	defer close(f.ready)
	err := f.store.db.Update(func(txn *badger.Txn) error {
		meta, found, err := readMeta(txn, f.hexKey)
		if err != nil {
			return err
		}
		if found {
			if f.secret == nil && len(meta.Secret) == ed25519.PrivateKeySize {
				f.secret = ed25519.PrivateKey(meta.Secret)
			}
			f.length.Store(meta.Length)
			return nil
		}
		return writeMeta(txn, f.hexKey, feedMeta{Secret: f.secret})
	})
	if err != nil {
		f.readyErr = fmt.Errorf("load feed %s: %w", short(f.hexKey), err)
		f.store.forget(f.hexKey)
	}
}

// Ready waits until the feed's stored state is loaded.
func (f *Feed) Ready(ctx context.Context) error {
	select {
	case <-f.ready:
		return f.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) Key() ed25519.PublicKey { return f.key }
func (f *Feed) KeyHex() string         { return f.hexKey }
func (f *Feed) Len() uint64            { return f.length.Load() }

func (f *Feed) Writable() bool {
	<-f.ready
	return f.secret != nil
}

// Append stores value as the next entry and returns its index. The entry is
// committed before Append returns.
func (f *Feed) Append(ctx context.Context, value []byte) (uint64, error) {
	if err := f.Ready(ctx); err != nil {
		return 0, err
	}
	if f.secret == nil {
		return 0, ErrNotWritable
	}
	if len(value) > MaxValueSize {
		return 0, fmt.Errorf("entry of %d bytes exceeds %d", len(value), MaxValueSize)
	}
	f.mu.Lock()
	idx := f.length.Load()
	sig, err := crypto.SignEntry(f.secret, idx, value)
	if err == nil {
		err = f.commit(idx, value, sig)
	}
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	f.notify()
	return idx, nil
}

// Get reads the value at index. Entries not yet stored locally are
// ErrNotAvailable.
func (f *Feed) Get(ctx context.Context, index uint64) ([]byte, error) {
	if err := f.Ready(ctx); err != nil {
		return nil, err
	}
	value, _, err := f.entry(index)
	return value, err
}

// Subscribe returns a channel signalled after appends. Signals coalesce, so
// subscribers track their own cursor against Len.
func (f *Feed) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.subMu.Lock()
	f.subs[ch] = struct{}{}
	f.subMu.Unlock()
	return ch, func() {
		f.subMu.Lock()
		delete(f.subs, ch)
		f.subMu.Unlock()
	}
}

// Replicate pulls entries this process lacks from the peer behind opener and
// keeps tailing until the stream ends or ctx is cancelled. Writable feeds are
// only ever served, never pulled.
func (f *Feed) Replicate(ctx context.Context, opener StreamOpener) error {
	if err := f.Ready(ctx); err != nil {
		return err
	}
	if f.secret != nil {
		return nil
	}
	stream, err := opener.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open replication stream: %w", err)
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	req, err := proto.EncodeSyncRequest(proto.SyncRequest{FeedKey: f.hexKey, Start: f.Len()})
	if err != nil {
		return err
	}
	if err := proto.WriteFrame(stream, req); err != nil {
		return err
	}
	for {
		data, err := proto.ReadFrameWithTypeCap(stream, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		ent, err := proto.DecodeEntryFrame(data)
		if err != nil {
			return err
		}
		stored, err := f.put(ent.Index, ent.Value, ent.Sig)
		if err != nil {
			return err
		}
		if stored && f.store.opts.OnReplicated != nil {
			f.store.opts.OnReplicated(f.hexKey, ent.Index)
		}
	}
}

// put stores a replicated entry. Entries already held are skipped.
func (f *Feed) put(index uint64, value, sig []byte) (bool, error) {
	if !crypto.VerifyEntry(f.key, index, value, sig) {
		return false, fmt.Errorf("%w: feed %s index %d", ErrBadSignature, short(f.hexKey), index)
	}
	f.mu.Lock()
	n := f.length.Load()
	if index < n {
		f.mu.Unlock()
		return false, nil
	}
	if index > n {
		f.mu.Unlock()
		return false, fmt.Errorf("%w: got %d want %d", ErrOutOfOrder, index, n)
	}
	err := f.commit(index, value, sig)
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	f.notify()
	return true, nil
}

// commit writes the entry and the new length in one transaction. Callers hold f.mu.
func (f *Feed) commit(index uint64, value, sig []byte) error {
	rec := make([]byte, 0, len(sig)+len(value))
	rec = append(rec, sig...)
	rec = append(rec, value...)
	err := f.store.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(f.hexKey, index), rec); err != nil {
			return err
		}
		return writeMeta(txn, f.hexKey, feedMeta{Length: index + 1, Secret: f.secret})
	})
	if err != nil {
		return fmt.Errorf("commit entry %d: %w", index, err)
	}
	f.length.Store(index + 1)
	return nil
}

func (f *Feed) entry(index uint64) ([]byte, []byte, error) {
	if index >= f.Len() {
		return nil, nil, fmt.Errorf("%w: index %d of %d", ErrNotAvailable, index, f.Len())
	}
	var rec []byte
	err := f.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(f.hexKey, index))
		if err != nil {
			return err
		}
		rec, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, fmt.Errorf("%w: index %d", ErrNotAvailable, index)
	}
	if err != nil {
		return nil, nil, err
	}
	if len(rec) < crypto.SignatureSize {
		return nil, nil, fmt.Errorf("corrupt entry %d of feed %s", index, short(f.hexKey))
	}
	return bytes.Clone(rec[crypto.SignatureSize:]), rec[:crypto.SignatureSize], nil
}

func (f *Feed) notify() {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
